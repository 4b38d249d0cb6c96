// Package store is the customer state store and intervention ledger. Both
// the request path and the proactive monitor read and write through it; it
// is the only synchronization point between them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/refset/aegis/internal/customer"
)

// ErrConflict marks contention on a single customer row. Stores retry it
// internally and only surface it once retries are exhausted.
var ErrConflict = errors.New("state conflict")

// ErrNotFound is returned for unknown interventions.
var ErrNotFound = errors.New("not found")

// MutateFunc transforms a profile in place. Returning an error aborts the
// mutation and leaves the stored profile untouched.
type MutateFunc func(p *customer.Profile) error

// Store holds customer profiles keyed by customer id.
type Store interface {
	// Get returns the profile, creating a default NEW/NONE profile on first sight.
	Get(ctx context.Context, customerID string) (customer.Profile, error)
	// Mutate applies fn atomically; mutations of one customer never interleave.
	Mutate(ctx context.Context, customerID string, fn MutateFunc) (customer.Profile, error)
	// ListAll returns a point-in-time snapshot of every profile.
	ListAll(ctx context.Context) ([]customer.Profile, error)
	// Reset clears onboarding state; the only backwards stage transition.
	Reset(ctx context.Context, customerID string) (customer.Profile, error)
}

// Ledger records interventions raised by the monitor.
type Ledger interface {
	// OpenOrCreate stores iv unless an open intervention with the same dedup
	// key exists, in which case that one is returned with created=false.
	OpenOrCreate(ctx context.Context, iv customer.Intervention) (customer.Intervention, bool, error)
	// FindOpen returns the open intervention for dedupKey, if any.
	FindOpen(ctx context.Context, dedupKey string) (customer.Intervention, bool, error)
	// ResolveOpen resolves the open intervention for dedupKey, if any.
	ResolveOpen(ctx context.Context, dedupKey string, at time.Time) (customer.Intervention, bool, error)
	// Resolve resolves an intervention by id (operator action).
	Resolve(ctx context.Context, id string, at time.Time) (customer.Intervention, error)
	Get(ctx context.Context, id string) (customer.Intervention, error)
	ListOpen(ctx context.Context) ([]customer.Intervention, error)
	List(ctx context.Context) ([]customer.Intervention, error)
}

// mutateProfile runs fn on a copy of prev and validates the result.
func mutateProfile(prev customer.Profile, fn MutateFunc, now time.Time) (customer.Profile, error) {
	next := prev.Clone()
	if err := fn(&next); err != nil {
		return prev, err
	}
	if err := customer.ValidateTransition(prev, next); err != nil {
		return prev, err
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	return next, nil
}
