// ABOUTME: Immutable tier policy mapping tier names to quotas, features, and storage limits
// ABOUTME: Built once at startup and injected into the access gate; lookups return copies

package tier

import (
	"errors"
	"fmt"
	"sort"
)

// Name identifies a subscription tier.
type Name string

// Built-in tiers.
const (
	Free     Name = "free"
	Pro      Name = "pro"
	Business Name = "business"
)

// Feature is a gated capability that a tier may or may not include.
type Feature string

// Gated features.
const (
	FeatureNone            Feature = ""
	FeatureNewsAPISearch   Feature = "newsapi_search"
	FeatureCustomFeeds     Feature = "custom_feeds"
	FeatureSocialPosting   Feature = "social_posting"
	FeatureUnlimitedTopics Feature = "unlimited_topics"
	FeatureMediaUpload     Feature = "media_upload"
)

// Unlimited is the daily quota sentinel for tiers without a call cap.
const Unlimited = -1

// Storage sizes used by the default policy.
const (
	MiB = int64(1 << 20)
	GiB = int64(1 << 30)
)

var (
	// ErrUnknownTier is returned by Lookup for a tier the policy does not define.
	ErrUnknownTier = errors.New("unknown tier")

	// ErrInvalidPolicy is returned by NewPolicy when an entry is malformed.
	ErrInvalidPolicy = errors.New("invalid tier policy")
)

// Entry is one row of the policy table.
type Entry struct {
	Tier         Name
	DailyQuota   int // Unlimited for no cap
	Features     []Feature
	StorageBytes int64
	MaxFileBytes int64
	MonthlyPrice int // whole US dollars, 0 for free
}

// Unlimited reports whether the entry has no daily call cap.
func (e Entry) Unlimited() bool {
	return e.DailyQuota == Unlimited
}

// Allows reports whether the entry includes the feature. FeatureNone is always allowed.
func (e Entry) Allows(f Feature) bool {
	if f == FeatureNone {
		return true
	}
	for _, have := range e.Features {
		if have == f {
			return true
		}
	}
	return false
}

func (e Entry) clone() Entry {
	c := e
	c.Features = make([]Feature, len(e.Features))
	copy(c.Features, e.Features)
	return c
}

// Policy is a read-only table of tier entries. There are no mutators; a new
// policy replaces the old one only on redeploy.
type Policy struct {
	entries map[Name]Entry
}

// NewPolicy validates the entries and returns an immutable policy.
// All three built-in tiers must be present.
func NewPolicy(entries ...Entry) (*Policy, error) {
	p := &Policy{entries: make(map[Name]Entry, len(entries))}
	for _, e := range entries {
		if e.Tier == "" {
			return nil, fmt.Errorf("%w: entry without tier name", ErrInvalidPolicy)
		}
		if _, dup := p.entries[e.Tier]; dup {
			return nil, fmt.Errorf("%w: duplicate tier %q", ErrInvalidPolicy, e.Tier)
		}
		if e.DailyQuota < 0 && e.DailyQuota != Unlimited {
			return nil, fmt.Errorf("%w: tier %q has negative quota %d", ErrInvalidPolicy, e.Tier, e.DailyQuota)
		}
		if e.StorageBytes < 0 || e.MaxFileBytes < 0 {
			return nil, fmt.Errorf("%w: tier %q has negative storage limits", ErrInvalidPolicy, e.Tier)
		}
		if e.MaxFileBytes > e.StorageBytes {
			return nil, fmt.Errorf("%w: tier %q max file exceeds total storage", ErrInvalidPolicy, e.Tier)
		}
		p.entries[e.Tier] = e.clone()
	}
	for _, required := range []Name{Free, Pro, Business} {
		if _, ok := p.entries[required]; !ok {
			return nil, fmt.Errorf("%w: missing tier %q", ErrInvalidPolicy, required)
		}
	}
	return p, nil
}

// Default returns the stock free/pro/business table.
func Default() *Policy {
	paid := []Feature{
		FeatureNewsAPISearch,
		FeatureCustomFeeds,
		FeatureSocialPosting,
		FeatureUnlimitedTopics,
		FeatureMediaUpload,
	}
	p, err := NewPolicy(DefaultEntries(paid)...)
	if err != nil {
		panic(fmt.Sprintf("tier: default policy invalid: %v", err))
	}
	return p
}

// DefaultEntries returns the stock entries with the given paid feature set.
// Used by config overrides as a base.
func DefaultEntries(paid []Feature) []Entry {
	return []Entry{
		{Tier: Free, DailyQuota: 50, StorageBytes: 0, MaxFileBytes: 0, MonthlyPrice: 0},
		{Tier: Pro, DailyQuota: 500, Features: paid, StorageBytes: 1 * GiB, MaxFileBytes: 10 * MiB, MonthlyPrice: 49},
		{Tier: Business, DailyQuota: Unlimited, Features: paid, StorageBytes: 10 * GiB, MaxFileBytes: 100 * MiB, MonthlyPrice: 149},
	}
}

// Lookup returns a copy of the entry for the named tier.
func (p *Policy) Lookup(name Name) (Entry, error) {
	e, ok := p.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	return e.clone(), nil
}

// Entries returns copies of all entries ordered by monthly price, then name.
func (p *Policy) Entries() []Entry {
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MonthlyPrice != out[j].MonthlyPrice {
			return out[i].MonthlyPrice < out[j].MonthlyPrice
		}
		return out[i].Tier < out[j].Tier
	})
	return out
}

// IsPaid reports whether the tier can be purchased through checkout.
func IsPaid(name Name) bool {
	return name == Pro || name == Business
}

// Valid reports whether name is a tier known to the policy.
func (p *Policy) Valid(name Name) bool {
	_, ok := p.entries[name]
	return ok
}
