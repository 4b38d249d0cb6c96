// Package actions executes the autonomous actions a handler requests.
// Each action reads the current profile, calls its collaborator and applies
// a state transition through the store. Actions at or above the configured
// risk threshold wait for a human decision from the HIL gate first.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/refset/aegis/internal/billing"
	"github.com/refset/aegis/internal/customer"
	"github.com/refset/aegis/internal/hil"
)

var (
	// ErrActionRefused is carried by results whose approval was rejected or expired.
	ErrActionRefused = errors.New("action refused")

	// ErrExternalCollaborator is carried by results whose collaborator kept failing.
	ErrExternalCollaborator = errors.New("external collaborator error")

	// ErrPrecondition is carried by results whose profile does not allow the action yet.
	ErrPrecondition = errors.New("action precondition not met")

	ErrUnknownAction = errors.New("unknown action")
)

type Kind string

const (
	CreateTrialSubscription Kind = "create_trial_subscription"
	GenerateAPIKeys         Kind = "generate_api_keys"
	SendSetupEmail          Kind = "send_setup_email"
	ProvisionSandbox        Kind = "provision_sandbox"
	DiagnoseError           Kind = "diagnose_error"
	ApplyFix                Kind = "apply_fix"
	ApplyRetentionPerk      Kind = "apply_retention_perk"
)

// DefaultRisk is the risk level of each action unless configured otherwise.
var DefaultRisk = map[Kind]hil.RiskLevel{
	CreateTrialSubscription: hil.RiskLow,
	GenerateAPIKeys:         hil.RiskLow,
	SendSetupEmail:          hil.RiskLow,
	DiagnoseError:           hil.RiskLow,
	ProvisionSandbox:        hil.RiskMedium,
	ApplyFix:                hil.RiskHigh,
	ApplyRetentionPerk:      hil.RiskHigh,
}

// Action is one request to the executor. Params are action specific:
// "plan", "environment", "template", "perk".
type Action struct {
	Kind   Kind              `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

func (a Action) param(name, def string) string {
	if v, ok := a.Params[name]; ok && v != "" {
		return v
	}
	return def
}

type Status string

const (
	StatusCompleted       Status = "completed"
	StatusNoop            Status = "noop"
	StatusPendingApproval Status = "pending_approval"
	StatusRefused         Status = "refused"
	StatusFailed          Status = "failed"
)

type Result struct {
	Action     Kind              `json:"action"`
	Status     Status            `json:"status"`
	Message    string            `json:"message"`
	Data       map[string]string `json:"data,omitempty"`
	ApprovalID string            `json:"approval_id,omitempty"`

	err error
}

// Err returns the error class of a refused or failed result, nil otherwise.
func (r Result) Err() error {
	return r.err
}

// OK reports whether the action's effect is in place.
func (r Result) OK() bool {
	return r.Status == StatusCompleted || r.Status == StatusNoop
}

// definition describes one action kind. check guards preconditions, existing
// reports an artifact already in place, call talks to the collaborator and
// apply writes the outcome onto the profile. apply must only touch fields
// the action owns.
type definition struct {
	check    func(p customer.Profile, a Action) error
	existing func(p customer.Profile, a Action) (map[string]string, bool)
	call     func(ctx context.Context, b billing.Client, p customer.Profile, a Action) (map[string]string, error)
	apply    func(p *customer.Profile, a Action, data map[string]string, now time.Time)
}

var definitions = map[Kind]definition{
	CreateTrialSubscription: {
		existing: func(p customer.Profile, _ Action) (map[string]string, bool) {
			if p.Tier == customer.TierNone {
				return nil, false
			}
			return map[string]string{"subscription_id": p.SubscriptionRef, "tier": string(p.Tier)}, true
		},
		call: func(ctx context.Context, b billing.Client, p customer.Profile, a Action) (map[string]string, error) {
			sub, err := b.CreateTrial(ctx, p.CustomerID, a.param("plan", "starter_trial"))
			if err != nil {
				return nil, err
			}
			return map[string]string{
				"subscription_id": sub.ID,
				"plan":            sub.Plan,
				"trial_end":       sub.TrialEnd.Format(time.RFC3339),
			}, nil
		},
		apply: func(p *customer.Profile, _ Action, data map[string]string, _ time.Time) {
			p.Tier = customer.TierTrial
			p.SubscriptionRef = data["subscription_id"]
			if p.Stage == customer.StageNew {
				p.Stage = customer.StageTrialCreated
			}
		},
	},

	GenerateAPIKeys: {
		check: func(p customer.Profile, a Action) error {
			env := a.param("environment", billing.EnvTest)
			if !billing.ValidEnv(env) {
				return fmt.Errorf("environment must be %q or %q, got %q", billing.EnvTest, billing.EnvProduction, env)
			}
			if p.Tier == customer.TierNone {
				return errors.New("customer has no subscription yet")
			}
			return nil
		},
		existing: func(p customer.Profile, a Action) (map[string]string, bool) {
			env := a.param("environment", billing.EnvTest)
			key, ok := p.APIKeys[env]
			if !ok || key == "" {
				return nil, false
			}
			return map[string]string{"api_key": key, "environment": env}, true
		},
		call: func(ctx context.Context, b billing.Client, p customer.Profile, a Action) (map[string]string, error) {
			env := a.param("environment", billing.EnvTest)
			key, err := b.GenerateKey(ctx, p.CustomerID, env)
			if err != nil {
				return nil, err
			}
			return map[string]string{"api_key": key, "environment": env}, nil
		},
		apply: func(p *customer.Profile, _ Action, data map[string]string, now time.Time) {
			if p.APIKeys == nil {
				p.APIKeys = make(map[string]string)
			}
			p.APIKeys[data["environment"]] = data["api_key"]
			if p.APIKeyIssuedAt == nil {
				p.APIKeyIssuedAt = &now
			}
			if p.Stage == customer.StageTrialCreated {
				p.Stage = customer.StageAPIKeysGenerated
			}
		},
	},

	SendSetupEmail: {
		existing: func(p customer.Profile, _ Action) (map[string]string, bool) {
			if p.SetupEmailSentAt == nil {
				return nil, false
			}
			return map[string]string{"sent_at": p.SetupEmailSentAt.Format(time.RFC3339)}, true
		},
		call: func(ctx context.Context, b billing.Client, p customer.Profile, a Action) (map[string]string, error) {
			template := a.param("template", "welcome_with_keys")
			id, err := b.SendEmail(ctx, p.CustomerID, p.Email, template)
			if err != nil {
				return nil, err
			}
			return map[string]string{"email_id": id, "template": template, "recipient": p.Email}, nil
		},
		apply: func(p *customer.Profile, _ Action, _ map[string]string, now time.Time) {
			p.SetupEmailSentAt = &now
		},
	},

	ProvisionSandbox: {
		existing: func(p customer.Profile, _ Action) (map[string]string, bool) {
			if p.SandboxRef == "" {
				return nil, false
			}
			return map[string]string{"sandbox_url": p.SandboxRef}, true
		},
		call: func(ctx context.Context, b billing.Client, p customer.Profile, _ Action) (map[string]string, error) {
			sb, err := b.ProvisionSandbox(ctx, p.CustomerID)
			if err != nil {
				return nil, err
			}
			return map[string]string{
				"sandbox_url":   sb.URL,
				"test_site":     sb.Site,
				"dashboard_url": sb.DashboardURL,
			}, nil
		},
		apply: func(p *customer.Profile, _ Action, data map[string]string, _ time.Time) {
			p.SandboxRef = data["sandbox_url"]
		},
	},

	DiagnoseError: {
		call: func(_ context.Context, _ billing.Client, p customer.Profile, _ Action) (map[string]string, error) {
			return diagnose(p), nil
		},
	},

	ApplyFix: {
		check: func(p customer.Profile, _ Action) error {
			if len(p.APIKeys) == 0 {
				return errors.New("customer has no API keys to fix")
			}
			return nil
		},
		existing: func(p customer.Profile, _ Action) (map[string]string, bool) {
			if p.FixAppliedAt == nil {
				return nil, false
			}
			// A fix is stale once the customer has made calls after it.
			if p.LastAPICallAt != nil && p.LastAPICallAt.After(*p.FixAppliedAt) {
				return nil, false
			}
			return map[string]string{"fix_applied_at": p.FixAppliedAt.Format(time.RFC3339)}, true
		},
		call: func(_ context.Context, _ billing.Client, p customer.Profile, _ Action) (map[string]string, error) {
			data := diagnose(p)
			data["fix"] = "reset authentication configuration for test environment"
			return data, nil
		},
		apply: func(p *customer.Profile, _ Action, _ map[string]string, now time.Time) {
			p.FixAppliedAt = &now
			if p.Stage == customer.StageStuck {
				p.Stage = customer.StageAPIKeysGenerated
			}
		},
	},

	ApplyRetentionPerk: {
		check: func(p customer.Profile, _ Action) error {
			if p.Tier == customer.TierNone {
				return errors.New("customer has no subscription to apply a perk to")
			}
			return nil
		},
		existing: func(p customer.Profile, _ Action) (map[string]string, bool) {
			if p.PerkRef == "" {
				return nil, false
			}
			return map[string]string{"perk_id": p.PerkRef}, true
		},
		call: func(ctx context.Context, b billing.Client, p customer.Profile, a Action) (map[string]string, error) {
			perk := a.param("perk", "15% discount for 2 months")
			id, err := b.ApplyPerk(ctx, p.CustomerID, perk)
			if err != nil {
				return nil, err
			}
			return map[string]string{"perk_id": id, "perk": perk}, nil
		},
		apply: func(p *customer.Profile, _ Action, data map[string]string, _ time.Time) {
			p.PerkRef = data["perk_id"]
		},
	},
}

// diagnose inspects the profile for the usual integration faults.
func diagnose(p customer.Profile) map[string]string {
	out := map[string]string{
		"api_key_present": strconv.FormatBool(len(p.APIKeys) > 0),
		"error_rate":      fmt.Sprintf("%.1f%%", p.ErrorRate*100),
		"total_api_calls": strconv.FormatInt(p.TotalAPICalls, 10),
	}
	switch {
	case len(p.APIKeys) == 0:
		out["finding"] = "no API keys issued; generate test keys first"
	case p.TotalAPICalls == 0:
		out["finding"] = "keys issued but no API calls received; check the key is sent as basic auth username"
	case p.ErrorRate > 0.10:
		out["finding"] = "elevated error rate; most failures are authentication errors from a mistyped or production key used against the test site"
	default:
		out["finding"] = "no integration faults detected"
	}
	return out
}
