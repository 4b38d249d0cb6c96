package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/refset/aegis/internal/customer"
)

// ErrUnknownKind is returned for a priority entry naming no rule.
var ErrUnknownKind = errors.New("unknown intervention kind")

// Rule is one trigger predicate. Fires is evaluated against freshly read
// state; Message renders the intervention text for a firing rule.
type Rule struct {
	Kind        customer.InterventionKind
	Priority    customer.Priority
	NeedsTicket bool
	Fires       func(p customer.Profile, h customer.Health, now time.Time) bool
	Message     func(p customer.Profile, h customer.Health) string
}

// DefaultRules returns the built-in triggers in their declared order.
func DefaultRules(errorRateThreshold float64, inactivityAfter time.Duration) []Rule {
	return []Rule{
		{
			Kind:        customer.KindErrorDebugging,
			Priority:    customer.PriorityHigh,
			NeedsTicket: true,
			Fires: func(p customer.Profile, _ customer.Health, _ time.Time) bool {
				return p.ErrorRate > errorRateThreshold
			},
			Message: func(p customer.Profile, _ customer.Health) string {
				return fmt.Sprintf("Hi %s, we detected a high error rate (%.1f%%) in your API calls. "+
					"Common causes are authentication issues or incorrect parameter formatting. "+
					"Would you like us to analyze your recent errors?", name(p), p.ErrorRate*100)
			},
		},
		{
			Kind:     customer.KindOnboardingCheckIn,
			Priority: customer.PriorityMedium,
			Fires: func(p customer.Profile, _ customer.Health, now time.Time) bool {
				return p.APIKeyIssuedAt != nil && p.TotalAPICalls == 0 && now.Sub(*p.APIKeyIssuedAt) > inactivityAfter
			},
			Message: func(p customer.Profile, _ customer.Health) string {
				return fmt.Sprintf("Hi %s! You generated API keys but haven't made any API calls yet. "+
					"Need help with integration? We can provide code examples or help debug any issues.", name(p))
			},
		},
		{
			Kind:     customer.KindRetentionOutreach,
			Priority: customer.PriorityMedium,
			Fires: func(p customer.Profile, _ customer.Health, _ time.Time) bool {
				return p.UsageTrend == customer.TrendDeclining
			},
			Message: func(p customer.Profile, _ customer.Health) string {
				return fmt.Sprintf("Hi %s, your API usage has been declining. Is everything working as expected? "+
					"We'd love to understand if there's anything we can help with.", name(p))
			},
		},
		{
			Kind:     customer.KindUpsellSuggestion,
			Priority: customer.PriorityLow,
			Fires: func(p customer.Profile, _ customer.Health, _ time.Time) bool {
				return p.UsageTrend == customer.TrendIncreasing && p.Tier == customer.TierTrial
			},
			Message: func(p customer.Profile, _ customer.Health) string {
				return fmt.Sprintf("Great news, %s! Your usage is growing. You've made %d API calls "+
					"and might benefit from a paid plan with higher limits and priority support.", name(p), p.TotalAPICalls)
			},
		},
	}
}

// Order sorts rules by the kinds listed in priority. Rules whose kind is
// not listed keep their relative order after the listed ones.
func Order(rules []Rule, priority []string) ([]Rule, error) {
	byKind := make(map[customer.InterventionKind]Rule, len(rules))
	for _, r := range rules {
		byKind[r.Kind] = r
	}

	out := make([]Rule, 0, len(rules))
	used := make(map[customer.InterventionKind]bool, len(rules))
	for _, k := range priority {
		kind := customer.InterventionKind(k)
		r, ok := byKind[kind]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
		}
		if used[kind] {
			continue
		}
		used[kind] = true
		out = append(out, r)
	}
	for _, r := range rules {
		if !used[r.Kind] {
			used[r.Kind] = true
			out = append(out, r)
		}
	}
	return out, nil
}

func name(p customer.Profile) string {
	if p.Company != "" {
		return p.Company
	}
	return p.CustomerID
}
