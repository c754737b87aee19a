// ABOUTME: Upgrade prompts shown when a caller hits a tier limit
// ABOUTME: Prices and quotas are read from the policy so copy never drifts from config

package tier

import "fmt"

// FeatureDeniedMessage is returned to callers whose tier lacks a gated feature.
const FeatureDeniedMessage = "This feature requires Pro or Business tier. Upgrade to access."

// RateLimitMessage builds the daily-limit prompt from the pro and business entries.
func (p *Policy) RateLimitMessage() string {
	pro, _ := p.Lookup(Pro)
	business, _ := p.Lookup(Business)

	businessCalls := "unlimited"
	if !business.Unlimited() {
		businessCalls = fmt.Sprintf("%d calls/day", business.DailyQuota)
	}

	return fmt.Sprintf(
		"Daily limit reached. Upgrade to Pro ($%d/mo) for %d calls/day or Business ($%d/mo) for %s. Visit your billing page to upgrade.",
		pro.MonthlyPrice, pro.DailyQuota, business.MonthlyPrice, businessCalls,
	)
}
