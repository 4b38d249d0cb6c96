package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/refset/aegis/internal/customer"
	"github.com/refset/aegis/internal/handlers"
)

// ErrRoutingUnresolved means no rule matched. Handle never returns it; the
// request goes to the fallback handler instead.
var ErrRoutingUnresolved = errors.New("no routing rule matched")

// Rule routes a request to Handler when the text contains one of Keywords
// (or Keywords is empty) and When accepts the profile (or When is nil).
type Rule struct {
	Name     string
	Handler  string
	Keywords []string
	When     func(p customer.Profile) bool
}

func (r Rule) match(text string, p customer.Profile) (string, bool) {
	if r.When != nil && !r.When(p) {
		return "", false
	}
	if len(r.Keywords) == 0 {
		return "customer state", true
	}
	for _, k := range r.Keywords {
		if strings.Contains(text, k) {
			return fmt.Sprintf("keyword %q", k), true
		}
	}
	return "", false
}

// Decision is the outcome of routing one request.
type Decision struct {
	Handler string
	Rule    string
	Reason  string
}

// RoutingTable is an ordered rule list. The first matching rule wins, so
// rule order is part of the routing contract.
type RoutingTable struct {
	rules    []Rule
	fallback string
}

func NewRoutingTable(fallback string, rules ...Rule) *RoutingTable {
	return &RoutingTable{rules: rules, fallback: fallback}
}

// Route picks the handler for text and p. It reads nothing but its
// arguments, so equal inputs always give equal decisions.
func (t *RoutingTable) Route(text string, p customer.Profile) (Decision, error) {
	lower := strings.ToLower(text)
	for _, r := range t.rules {
		if why, ok := r.match(lower, p); ok {
			return Decision{Handler: r.Handler, Rule: r.Name, Reason: why}, nil
		}
	}
	return Decision{}, ErrRoutingUnresolved
}

// Fallback is the handler used when no rule matches.
func (t *RoutingTable) Fallback() string {
	return t.fallback
}

// DefaultRoutingTable routes to the five specialist handlers.
func DefaultRoutingTable() *RoutingTable {
	return NewRoutingTable(handlers.QueryResolutionEndpoint,
		Rule{
			Name:     "feedback",
			Handler:  handlers.FeedbackEndpoint,
			Keywords: []string{"feedback", "complain", "not helpful", "unhelpful", "frustrat", "disappoint"},
		},
		Rule{
			Name:    "onboarding",
			Handler: handlers.OnboardingEndpoint,
			Keywords: []string{
				"get started", "getting started", "registration", "register", "signup", "sign up",
				"initial setup", "onboard", "new account", "create account", "first time",
				"start using", "how do i start", "setup guide", "new customer", "new user",
			},
		},
		Rule{
			Name:     "new-customer",
			Handler:  handlers.OnboardingEndpoint,
			Keywords: []string{"help", "start", "setup", "set up", "trial", "api key"},
			When:     func(p customer.Profile) bool { return p.Tier == customer.TierNone },
		},
		Rule{
			Name:     "stuck-onboarding",
			Handler:  handlers.QueryResolutionEndpoint,
			Keywords: []string{"help", "stuck", "key", "first call"},
			When:     func(p customer.Profile) bool { return p.Stage == customer.StageStuck },
		},
		Rule{
			Name:     "billing",
			Handler:  handlers.BillingEndpoint,
			Keywords: []string{"billing", "invoice", "payment", "charge", "refund", "subscription", "production key", "live key", "sandbox"},
		},
		Rule{
			Name:     "growth",
			Handler:  handlers.GrowthEndpoint,
			Keywords: []string{"cancel", "upgrade", "pricing", "discount", "churn", "too expensive", "downgrade"},
		},
		Rule{
			Name:     "support",
			Handler:  handlers.QueryResolutionEndpoint,
			Keywords: []string{"error", "issue", "problem", "troubleshoot", "fix", "fail", "webhook", "integration", "api"},
		},
	)
}
