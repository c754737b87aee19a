// ABOUTME: Shared dependencies and helpers for the buzzposter tool packs
// ABOUTME: All assembles every pack; handlers decode input with decodeInput

package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/feeds"
	"github.com/buzzposter/buzzposter-gateway/internal/late"
	"github.com/buzzposter/buzzposter-gateway/internal/media"
	"github.com/buzzposter/buzzposter-gateway/internal/newsapi"
	"github.com/buzzposter/buzzposter-gateway/internal/packs"
	"github.com/buzzposter/buzzposter-gateway/internal/store"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

// Prefix is carried by every tool name.
const Prefix = "buzzposter_"

// ErrInvalidInput wraps argument decoding and validation failures.
var ErrInvalidInput = errors.New("invalid input")

// ErrMediaNotConfigured is returned by media tools when no bucket is set up.
var ErrMediaNotConfigured = errors.New("media storage not configured on server")

// Deps are the collaborators the tool handlers use. Media may be nil when no
// bucket is configured; those tools then fail with ErrMediaNotConfigured.
type Deps struct {
	Store   store.Store
	Policy  *tier.Policy
	Fetcher *feeds.Fetcher
	News    *newsapi.Client
	Late    *late.Client
	Media   *media.Uploader
	// Topics resolves built-in topics; defaults to feeds.TopicSources.
	Topics  func(topic string) ([]feeds.Source, bool)
	Logger  *slog.Logger
}

func (d *Deps) topics(topic string) ([]feeds.Source, bool) {
	if d.Topics != nil {
		return d.Topics(topic)
	}
	return feeds.TopicSources(topic)
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// All returns every pack in registration order.
func All(d *Deps) []*packs.BuiltinPack {
	return []*packs.BuiltinPack{
		ContentPack(d),
		FeedsPack(d),
		SocialPack(d),
		MediaPack(d),
	}
}

// decodeInput unmarshals tool arguments. Empty input decodes as {}.
func decodeInput(input json.RawMessage, v any) error {
	if len(bytes.TrimSpace(input)) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

func required(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
	}
	return nil
}

// allows reports whether the caller's tier includes f. Unknown tiers allow nothing.
func (d *Deps) allows(caller *auth.Caller, f tier.Feature) bool {
	entry, err := d.Policy.Lookup(caller.Tier)
	return err == nil && entry.Allows(f)
}

// schema builds a JSON schema object from properties and required names.
func schema(properties string, requiredFields ...string) json.RawMessage {
	req := "[]"
	if len(requiredFields) > 0 {
		b, _ := json.Marshal(requiredFields)
		req = string(b)
	}
	return json.RawMessage(`{"type":"object","properties":{` + properties + `},"required":` + req + `}`)
}
