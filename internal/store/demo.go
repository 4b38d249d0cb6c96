package store

import (
	"time"

	"github.com/refset/aegis/internal/customer"
)

// DemoProfiles returns the demo customers: one new, one stalled in trial,
// one healthy and growing, one at risk.
func DemoProfiles(now time.Time) []customer.Profile {
	at := func(d time.Duration) *time.Time {
		t := now.Add(-d)
		return &t
	}

	fresh := customer.NewProfile("demo_new_customer", now)
	fresh.Email = "newuser@example.com"
	fresh.Company = "Example Corp"

	trial := customer.NewProfile("demo_trial_customer", now.Add(-24*time.Hour))
	trial.Email = "trial@startup.com"
	trial.Company = "Startup Inc"
	trial.Tier = customer.TierTrial
	trial.SubscriptionRef = "sub_trial_123"
	trial.Stage = customer.StageAPIKeysGenerated
	trial.APIKeys = map[string]string{"test": "sk_test_demo123"}
	trial.APIKeyIssuedAt = at(30 * time.Hour)

	active := customer.NewProfile("demo_active_customer", now.Add(-30*24*time.Hour))
	active.Email = "dev@bigcorp.com"
	active.Company = "BigCorp Ltd"
	active.Tier = customer.TierTrial
	active.SubscriptionRef = "sub_trial_456"
	active.Stage = customer.StageActive
	active.APIKeys = map[string]string{"test": "sk_test_demo456"}
	active.APIKeyIssuedAt = at(29 * 24 * time.Hour)
	active.TotalAPICalls = 1543
	active.LastAPICallAt = at(2 * time.Hour)
	active.UsageTrend = customer.TrendIncreasing

	risky := customer.NewProfile("demo_at_risk_customer", now.Add(-45*24*time.Hour))
	risky.Email = "support@atrisk.com"
	risky.Company = "AtRisk Co"
	risky.Tier = customer.TierPaid
	risky.SubscriptionRef = "sub_paid_789"
	risky.Stage = customer.StageActive
	risky.APIKeys = map[string]string{"test": "sk_test_demo789", "production": "sk_live_demo789"}
	risky.APIKeyIssuedAt = at(44 * 24 * time.Hour)
	risky.TotalAPICalls = 234
	risky.LastAPICallAt = at(5 * 24 * time.Hour)
	risky.ErrorRate = 0.15
	risky.UsageTrend = customer.TrendDeclining

	return []customer.Profile{fresh, trial, active, risky}
}
