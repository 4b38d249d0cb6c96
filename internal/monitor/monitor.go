// Package monitor is the proactive monitor. On a fixed interval it assesses
// every known customer, opens deduplicated interventions for firing rules and
// resolves open ones whose condition has cleared.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/refset/aegis/internal/customer"
	"github.com/refset/aegis/internal/rest"
	"github.com/refset/aegis/internal/retry"
	"github.com/refset/aegis/internal/store"
	"github.com/refset/aegis/internal/ticketing"
	"github.com/refset/aegis/internal/transport"
)

const (
	EventOpened   = "intervention.opened"
	EventResolved = "intervention.resolved"

	endpoint = "monitor"
)

type Options struct {
	Interval           time.Duration
	InactivityAfter    time.Duration
	ErrorRateThreshold float64
	Parallelism        int
	// Priority orders rule evaluation by intervention kind.
	Priority []string
	// EventsEndpoint receives intervention events. Empty disables them.
	EventsEndpoint string
	Retry          retry.Policy
}

// Event is the payload of intervention event messages.
type Event struct {
	Type         string                `json:"type"`
	Intervention customer.Intervention `json:"intervention"`
}

type CustomerError struct {
	CustomerID string `json:"customer_id"`
	Error      string `json:"error"`
}

// Report summarizes one cycle.
type Report struct {
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Customers  int                     `json:"customers"`
	Opened     []customer.Intervention `json:"opened"`
	Suppressed []string                `json:"suppressed"`
	Resolved   []customer.Intervention `json:"resolved"`
	Errors     []CustomerError         `json:"errors"`
}

type Monitor struct {
	store   store.Store
	ledger  store.Ledger
	tickets ticketing.Client
	tr      transport.Transport
	rules   []Rule
	opts    Options
	now     func() time.Time
	logger  *zap.Logger
}

// New builds a monitor. tr may be nil, in which case no events are sent.
func New(st store.Store, ledger store.Ledger, tickets ticketing.Client, tr transport.Transport, opts Options, logger *zap.Logger) (*Monitor, error) {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.InactivityAfter <= 0 {
		opts.InactivityAfter = 24 * time.Hour
	}
	if opts.ErrorRateThreshold <= 0 {
		opts.ErrorRateThreshold = 0.10
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = rest.Retryable
	}
	rules, err := Order(DefaultRules(opts.ErrorRateThreshold, opts.InactivityAfter), opts.Priority)
	if err != nil {
		return nil, fmt.Errorf("monitor priority: %w", err)
	}
	return &Monitor{
		store:   st,
		ledger:  ledger,
		tickets: tickets,
		tr:      tr,
		rules:   rules,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.Named("monitor"),
	}, nil
}

func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Rules returns the rules in evaluation order.
func (m *Monitor) Rules() []Rule {
	return append([]Rule(nil), m.rules...)
}

// Run cycles immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Starting proactive monitor",
		zap.Duration("interval", m.opts.Interval),
		zap.Int("rules", len(m.rules)))

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Shutting down proactive monitor")
			return nil
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

func (m *Monitor) runCycle(ctx context.Context) {
	r, err := m.Cycle(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("Monitor cycle failed", zap.Error(err))
		}
		return
	}
	if len(r.Opened) > 0 || len(r.Resolved) > 0 || len(r.Errors) > 0 {
		m.logger.Info("Monitor cycle complete",
			zap.Int("customers", r.Customers),
			zap.Int("opened", len(r.Opened)),
			zap.Int("suppressed", len(r.Suppressed)),
			zap.Int("resolved", len(r.Resolved)),
			zap.Int("errors", len(r.Errors)))
	}
}

// Cycle evaluates every customer once. Per-customer failures are recorded
// in the report; only a failure to list customers fails the cycle.
func (m *Monitor) Cycle(ctx context.Context) (Report, error) {
	report := Report{StartedAt: m.now()}

	profiles, err := m.store.ListAll(ctx)
	if err != nil {
		return report, fmt.Errorf("list customers: %w", err)
	}
	report.Customers = len(profiles)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(m.opts.Parallelism)
	for _, p := range profiles {
		id := p.CustomerID
		g.Go(func() error {
			out, err := m.evaluate(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			report.Opened = append(report.Opened, out.Opened...)
			report.Suppressed = append(report.Suppressed, out.Suppressed...)
			report.Resolved = append(report.Resolved, out.Resolved...)
			if err != nil {
				report.Errors = append(report.Errors, CustomerError{CustomerID: id, Error: err.Error()})
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	sortInterventions(report.Opened)
	sortInterventions(report.Resolved)
	sort.Strings(report.Suppressed)
	sort.Slice(report.Errors, func(i, j int) bool { return report.Errors[i].CustomerID < report.Errors[j].CustomerID })
	report.FinishedAt = m.now()
	return report, nil
}

// evaluate applies every rule to one customer. Errors from individual
// rules are joined so one failing rule does not hide the others.
func (m *Monitor) evaluate(ctx context.Context, customerID string) (Report, error) {
	var out Report

	// Freshly read so decisions reflect mutations made since ListAll.
	p, err := m.store.Get(ctx, customerID)
	if err != nil {
		return out, fmt.Errorf("read profile: %w", err)
	}
	now := m.now()
	h := customer.Assess(p, now)

	var errs []error
	for _, rule := range m.rules {
		key := customer.DedupKey(customerID, rule.Kind)
		if !rule.Fires(p, h, now) {
			iv, resolved, err := m.ledger.ResolveOpen(ctx, key, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("resolve %s: %w", key, err))
				continue
			}
			if resolved {
				out.Resolved = append(out.Resolved, iv)
				m.logger.Info("Resolved intervention",
					zap.String("customer_id", customerID),
					zap.String("kind", string(rule.Kind)),
					zap.String("id", iv.ID))
				m.emit(ctx, EventResolved, iv)
			}
			continue
		}

		iv, opened, err := m.open(ctx, rule, p, h, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("open %s: %w", key, err))
			continue
		}
		if !opened {
			out.Suppressed = append(out.Suppressed, key)
			continue
		}
		out.Opened = append(out.Opened, iv)
		m.logger.Info("Opened intervention",
			zap.String("customer_id", customerID),
			zap.String("kind", string(rule.Kind)),
			zap.String("priority", string(rule.Priority)),
			zap.String("ticket", iv.ExternalTicketRef))
		m.emit(ctx, EventOpened, iv)
	}

	return out, errors.Join(errs...)
}

// open creates the intervention for a firing rule unless one is already
// open. The ticket is obtained before the ledger write so the stored
// intervention always carries its reference. A concurrent cycle racing
// this one gets the same ticket back and loses the OpenOrCreate.
func (m *Monitor) open(ctx context.Context, rule Rule, p customer.Profile, h customer.Health, now time.Time) (customer.Intervention, bool, error) {
	key := customer.DedupKey(p.CustomerID, rule.Kind)
	if existing, ok, err := m.ledger.FindOpen(ctx, key); err != nil {
		return customer.Intervention{}, false, err
	} else if ok {
		return existing, false, nil
	}

	iv := customer.Intervention{
		ID:         uuid.NewString(),
		CustomerID: p.CustomerID,
		Kind:       rule.Kind,
		Priority:   rule.Priority,
		Message:    rule.Message(p, h),
		DedupKey:   key,
		Status:     customer.InterventionOpen,
		CreatedAt:  now,
	}

	if rule.NeedsTicket {
		summary := fmt.Sprintf("%s: %s (%s)", rule.Kind, name(p), p.CustomerID)
		err := m.opts.Retry.Do(ctx, func(ctx context.Context) error {
			ref, err := m.tickets.CreateOrGetTicket(ctx, key, summary)
			if err != nil {
				return err
			}
			iv.ExternalTicketRef = ref
			return nil
		})
		if err != nil {
			return customer.Intervention{}, false, fmt.Errorf("ticket: %w", err)
		}
	}

	return m.ledger.OpenOrCreate(ctx, iv)
}

// emit sends an intervention event. Delivery failures are logged only.
func (m *Monitor) emit(ctx context.Context, typ string, iv customer.Intervention) {
	if m.tr == nil || m.opts.EventsEndpoint == "" {
		return
	}
	msg, err := transport.NewMessage(endpoint, m.opts.EventsEndpoint, transport.TypeEvent, Event{Type: typ, Intervention: iv})
	if err != nil {
		m.logger.Warn("Failed to encode event", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := m.tr.Send(ctx, msg); err != nil {
		m.logger.Warn("Failed to send event",
			zap.String("type", typ),
			zap.String("dedup_key", iv.DedupKey),
			zap.Error(err))
	}
}

func sortInterventions(ivs []customer.Intervention) {
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].DedupKey < ivs[j].DedupKey })
}
