// Package customer holds the customer data model shared by the store, the
// action executor and the proactive monitor.
package customer

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a mutation would break a profile invariant.
var ErrInvalidTransition = errors.New("invalid profile transition")

type Tier string

const (
	TierNone  Tier = "NONE"
	TierTrial Tier = "TRIAL"
	TierPaid  Tier = "PAID"
)

type Stage string

const (
	StageNew              Stage = "NEW"
	StageTrialCreated     Stage = "TRIAL_CREATED"
	StageAPIKeysGenerated Stage = "API_KEYS_GENERATED"
	StageActive           Stage = "ACTIVE"
	StageStuck            Stage = "STUCK"
)

// rank orders stages for the forward-only rule. STUCK sits beside
// API_KEYS_GENERATED: a customer gets stuck after receiving keys and can
// move back and forth between the two until the first call.
func (s Stage) rank() int {
	switch s {
	case StageNew:
		return 0
	case StageTrialCreated:
		return 1
	case StageAPIKeysGenerated, StageStuck:
		return 2
	case StageActive:
		return 3
	default:
		return -1
	}
}

type UsageTrend string

const (
	TrendIncreasing UsageTrend = "increasing"
	TrendStable     UsageTrend = "stable"
	TrendDeclining  UsageTrend = "declining"
)

// Profile is the single source of truth for one customer.
type Profile struct {
	CustomerID      string     `json:"customer_id"`
	Email           string     `json:"email,omitempty"`
	Company         string     `json:"company,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Version         int64      `json:"version"`
	Tier            Tier       `json:"subscription_tier"`
	SubscriptionRef string     `json:"subscription_ref,omitempty"`
	Stage           Stage      `json:"onboarding_stage"`
	APIKeyIssuedAt  *time.Time `json:"api_key_issued_at,omitempty"`
	// APIKeys maps environment ("test", "production") to the issued key reference.
	APIKeys          map[string]string `json:"api_keys,omitempty"`
	SandboxRef       string            `json:"sandbox_ref,omitempty"`
	SetupEmailSentAt *time.Time        `json:"setup_email_sent_at,omitempty"`
	FixAppliedAt     *time.Time        `json:"fix_applied_at,omitempty"`
	PerkRef          string            `json:"perk_ref,omitempty"`
	TotalAPICalls    int64             `json:"total_api_calls"`
	LastAPICallAt    *time.Time        `json:"last_api_call_at,omitempty"`
	ErrorRate        float64           `json:"error_rate"`
	UsageTrend       UsageTrend        `json:"usage_trend"`
}

// NewProfile returns the profile of a first-seen customer.
func NewProfile(customerID string, now time.Time) Profile {
	return Profile{
		CustomerID: customerID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Tier:       TierNone,
		Stage:      StageNew,
		UsageTrend: TrendStable,
	}
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (p Profile) Clone() Profile {
	c := p
	if p.APIKeys != nil {
		c.APIKeys = make(map[string]string, len(p.APIKeys))
		for k, v := range p.APIKeys {
			c.APIKeys[k] = v
		}
	}
	c.APIKeyIssuedAt = cloneTime(p.APIKeyIssuedAt)
	c.SetupEmailSentAt = cloneTime(p.SetupEmailSentAt)
	c.FixAppliedAt = cloneTime(p.FixAppliedAt)
	c.LastAPICallAt = cloneTime(p.LastAPICallAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Validate checks the invariants of a single profile.
func (p Profile) Validate() error {
	if p.CustomerID == "" {
		return fmt.Errorf("%w: empty customer id", ErrInvalidTransition)
	}
	if p.Stage.rank() < 0 {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, p.Stage)
	}
	switch p.Tier {
	case TierNone, TierTrial, TierPaid:
	default:
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidTransition, p.Tier)
	}
	if p.Tier == TierNone && p.Stage != StageNew {
		return fmt.Errorf("%w: tier NONE requires stage NEW, got %s", ErrInvalidTransition, p.Stage)
	}
	if p.TotalAPICalls < 0 {
		return fmt.Errorf("%w: negative api call count", ErrInvalidTransition)
	}
	if p.ErrorRate < 0 || p.ErrorRate > 1 {
		return fmt.Errorf("%w: error rate %.3f outside [0,1]", ErrInvalidTransition, p.ErrorRate)
	}
	return nil
}

// ValidateTransition checks that next is a legal successor of prev.
// Onboarding resets bypass this check by construction (see Reset).
func ValidateTransition(prev, next Profile) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if prev.CustomerID != next.CustomerID {
		return fmt.Errorf("%w: customer id is immutable", ErrInvalidTransition)
	}
	if next.Stage.rank() < prev.Stage.rank() {
		return fmt.Errorf("%w: stage %s -> %s moves backwards", ErrInvalidTransition, prev.Stage, next.Stage)
	}
	if next.TotalAPICalls < prev.TotalAPICalls {
		return fmt.Errorf("%w: api call counter decreased", ErrInvalidTransition)
	}
	return nil
}

// Reset returns p with onboarding state cleared back to NEW/NONE. Usage
// counters are kept since they are monotonic.
func Reset(p Profile, now time.Time) Profile {
	r := p.Clone()
	r.Tier = TierNone
	r.SubscriptionRef = ""
	r.Stage = StageNew
	r.APIKeyIssuedAt = nil
	r.APIKeys = nil
	r.SandboxRef = ""
	r.SetupEmailSentAt = nil
	r.UpdatedAt = now
	return r
}
