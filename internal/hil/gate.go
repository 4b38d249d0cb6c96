// Package hil is the human-in-the-loop approval gate for high-risk actions.
//
// An ApprovalRequest starts pending and takes exactly one terminal
// transition: approved or rejected by a human, or expired when its deadline
// passes. Every transition is a compare-and-set under the gate lock, so an
// operator decision racing the expiry sweep has exactly one winner and the
// loser gets ErrAlreadyDecided.
package hil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound       = errors.New("approval request not found")
	ErrAlreadyDecided = errors.New("approval request already decided")
	ErrInvalidOutcome = errors.New("invalid approval outcome")
	ErrInvalidRisk    = errors.New("invalid risk level")
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 0
	}
}

// ParseRisk validates a risk level name.
func ParseRisk(s string) (RiskLevel, error) {
	r := RiskLevel(s)
	if r.rank() == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRisk, s)
	}
	return r, nil
}

// AtLeast reports whether r is at or above threshold.
func (r RiskLevel) AtLeast(threshold RiskLevel) bool {
	return r.rank() >= threshold.rank()
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s != StatusPending
}

type ApprovalRequest struct {
	ID                string     `json:"id"`
	ActionDescription string     `json:"action_description"`
	RiskLevel         RiskLevel  `json:"risk_level"`
	Status            Status     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	DecidedAt         *time.Time `json:"decided_at,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
}

type record struct {
	req  ApprovalRequest
	done chan struct{} // closed on the terminal transition
}

// Gate owns every ApprovalRequest.
type Gate struct {
	timeout   time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu       sync.RWMutex
	requests map[string]*record
}

func NewGate(timeout time.Duration, logger *zap.Logger) *Gate {
	return &Gate{
		timeout:   timeout,
		retention: 24 * time.Hour,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.Named("hil"),
		requests:  make(map[string]*record),
	}
}

// WithClock replaces the gate clock. Wait still uses real timers for the
// remaining duration, computed against this clock.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// WithRetention sets how long decided requests are kept after their
// decision. Non-positive values keep the current setting.
func (g *Gate) WithRetention(d time.Duration) *Gate {
	if d > 0 {
		g.retention = d
	}
	return g
}

// Request creates a pending approval request.
func (g *Gate) Request(actionDescription string, risk RiskLevel) (ApprovalRequest, error) {
	if risk.rank() == 0 {
		return ApprovalRequest{}, fmt.Errorf("%w: %q", ErrInvalidRisk, risk)
	}
	now := g.now()
	rec := &record{
		req: ApprovalRequest{
			ID:                "req_" + uuid.NewString(),
			ActionDescription: actionDescription,
			RiskLevel:         risk,
			Status:            StatusPending,
			CreatedAt:         now,
			ExpiresAt:         now.Add(g.timeout),
		},
		done: make(chan struct{}),
	}

	g.mu.Lock()
	g.requests[rec.req.ID] = rec
	g.mu.Unlock()

	g.logger.Info("Approval requested",
		zap.String("id", rec.req.ID),
		zap.String("action", actionDescription),
		zap.String("risk", string(risk)),
		zap.Time("expires_at", rec.req.ExpiresAt))
	return rec.req, nil
}

// Decide records a human decision. Outcome must be approved or rejected.
func (g *Gate) Decide(id string, outcome Status) (ApprovalRequest, error) {
	if outcome != StatusApproved && outcome != StatusRejected {
		return ApprovalRequest{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	return g.transition(id, outcome, g.now())
}

func (g *Gate) transition(id string, to Status, now time.Time) (ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.requests[id]
	if !ok {
		return ApprovalRequest{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.req.Status.Terminal() {
		return rec.req, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, rec.req.Status)
	}
	// A decision arriving after the deadline loses to expiry.
	late := to != StatusExpired && !now.Before(rec.req.ExpiresAt)
	if late {
		to = StatusExpired
	}

	rec.req.Status = to
	rec.req.DecidedAt = &now
	close(rec.done)

	g.logger.Info("Approval decided", zap.String("id", id), zap.String("status", string(to)))
	if late {
		return rec.req, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, to)
	}
	return rec.req, nil
}

// Get returns the current state of one request.
func (g *Gate) Get(id string) (ApprovalRequest, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.requests[id]
	if !ok {
		return ApprovalRequest{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.req, nil
}

// List returns requests with the given status, oldest first. An empty
// status lists everything.
func (g *Gate) List(status Status) []ApprovalRequest {
	g.mu.RLock()
	out := make([]ApprovalRequest, 0, len(g.requests))
	for _, rec := range g.requests {
		if status == "" || rec.req.Status == status {
			out = append(out, rec.req)
		}
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (g *Gate) ListPending() []ApprovalRequest {
	return g.List(StatusPending)
}

// Wait blocks until request id is terminal, its deadline passes (which
// expires it), or ctx is done.
func (g *Gate) Wait(ctx context.Context, id string) (ApprovalRequest, error) {
	g.mu.RLock()
	rec, ok := g.requests[id]
	var expiresAt time.Time
	if ok {
		expiresAt = rec.req.ExpiresAt
	}
	g.mu.RUnlock()
	if !ok {
		return ApprovalRequest{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	timer := time.NewTimer(max(expiresAt.Sub(g.now()), 0))
	defer timer.Stop()

	select {
	case <-rec.done:
	case <-timer.C:
		// Losing to a concurrent decision is fine; read the winner below.
		_, _ = g.transition(id, StatusExpired, expiresAt)
	case <-ctx.Done():
		req, _ := g.Get(id)
		return req, ctx.Err()
	}
	return g.Get(id)
}

// Sweep expires every pending request whose deadline is at or before now
// and returns how many it expired. Requests decided longer than the
// retention period before now are dropped.
func (g *Gate) Sweep(now time.Time) int {
	var due []string
	g.mu.RLock()
	for id, rec := range g.requests {
		if rec.req.Status == StatusPending && !now.Before(rec.req.ExpiresAt) {
			due = append(due, id)
		}
	}
	g.mu.RUnlock()

	n := 0
	for _, id := range due {
		if _, err := g.transition(id, StatusExpired, now); err == nil {
			n++
		}
	}

	cutoff := now.Add(-g.retention)
	g.mu.Lock()
	for id, rec := range g.requests {
		if rec.req.Status.Terminal() && rec.req.DecidedAt.Before(cutoff) {
			delete(g.requests, id)
		}
	}
	g.mu.Unlock()
	return n
}

// Run sweeps on every tick until ctx is done.
func (g *Gate) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := g.Sweep(g.now()); n > 0 {
				g.logger.Info("Expired approval requests", zap.Int("count", n))
			}
		}
	}
}
