package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/refset/aegis/internal/customer"
	"github.com/refset/aegis/internal/retry"
	"github.com/refset/aegis/internal/store"
	"github.com/refset/aegis/internal/ticketing"
	"github.com/refset/aegis/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store   *store.Memory
	ledger  *store.MemoryLedger
	tickets *ticketing.Memory
	clock   *clock
	monitor *Monitor
}

func newFixture(t *testing.T, opts Options, profiles ...customer.Profile) *fixture {
	t.Helper()
	c := &clock{t: epoch}
	f := &fixture{
		store:   store.NewMemory().WithClock(c.Now),
		ledger:  store.NewMemoryLedger(),
		tickets: ticketing.NewMemory(),
		clock:   c,
	}
	f.store.Seed(profiles...)
	m, err := New(f.store, f.ledger, f.tickets, nil, opts, zap.NewNop())
	require.NoError(t, err)
	f.monitor = m.WithClock(c.Now)
	return f
}

func profile(id string, mutate func(p *customer.Profile)) customer.Profile {
	p := customer.NewProfile(id, epoch.Add(-72*time.Hour))
	p.Tier = customer.TierTrial
	p.Stage = customer.StageActive
	p.TotalAPICalls = 500
	mutate(&p)
	return p
}

func (f *fixture) open(t *testing.T) []customer.Intervention {
	t.Helper()
	open, err := f.ledger.ListOpen(context.Background())
	require.NoError(t, err)
	return open
}

func TestErrorRateOpensOneTicketedIntervention(t *testing.T) {
	f := newFixture(t, Options{}, profile("c1", func(p *customer.Profile) { p.ErrorRate = 0.15 }))
	ctx := context.Background()

	r, err := f.monitor.Cycle(ctx)
	require.NoError(t, err)
	require.Len(t, r.Opened, 1)
	iv := r.Opened[0]
	assert.Equal(t, customer.KindErrorDebugging, iv.Kind)
	assert.Equal(t, customer.PriorityHigh, iv.Priority)
	assert.Equal(t, "c1:error_debugging", iv.DedupKey)
	assert.Equal(t, "KAN-1", iv.ExternalTicketRef)
	assert.Contains(t, iv.Message, "15.0%")

	r, err = f.monitor.Cycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, r.Opened)
	assert.Equal(t, []string{"c1:error_debugging"}, r.Suppressed)

	open := f.open(t)
	require.Len(t, open, 1)
	assert.Equal(t, iv.ID, open[0].ID)
	assert.Equal(t, "KAN-1", open[0].ExternalTicketRef)
	assert.Len(t, f.tickets.Tickets(), 1)
}

func TestClearedConditionResolves(t *testing.T) {
	f := newFixture(t, Options{}, profile("c1", func(p *customer.Profile) { p.ErrorRate = 0.15 }))
	ctx := context.Background()

	r, err := f.monitor.Cycle(ctx)
	require.NoError(t, err)
	require.Len(t, r.Opened, 1)
	first := r.Opened[0]

	_, err = f.store.Mutate(ctx, "c1", func(p *customer.Profile) error {
		p.ErrorRate = 0.03
		return nil
	})
	require.NoError(t, err)

	r, err = f.monitor.Cycle(ctx)
	require.NoError(t, err)
	require.Len(t, r.Resolved, 1)
	assert.Equal(t, first.ID, r.Resolved[0].ID)
	assert.Equal(t, customer.InterventionResolved, r.Resolved[0].Status)
	require.NotNil(t, r.Resolved[0].ResolvedAt)
	assert.Empty(t, f.open(t))

	// Recurrence opens a fresh intervention and reuses the same ticket.
	_, err = f.store.Mutate(ctx, "c1", func(p *customer.Profile) error {
		p.ErrorRate = 0.2
		return nil
	})
	require.NoError(t, err)
	r, err = f.monitor.Cycle(ctx)
	require.NoError(t, err)
	require.Len(t, r.Opened, 1)
	assert.NotEqual(t, first.ID, r.Opened[0].ID)
	assert.Equal(t, "KAN-1", r.Opened[0].ExternalTicketRef)
}

func TestRepeatedCyclesNeverGrowOpenSet(t *testing.T) {
	issued := epoch.Add(-30 * time.Hour)
	f := newFixture(t, Options{},
		profile("errors", func(p *customer.Profile) { p.ErrorRate = 0.5 }),
		profile("declining", func(p *customer.Profile) { p.UsageTrend = customer.TrendDeclining }),
		profile("growing", func(p *customer.Profile) { p.UsageTrend = customer.TrendIncreasing }),
		profile("idle", func(p *customer.Profile) {
			p.Stage = customer.StageAPIKeysGenerated
			p.TotalAPICalls = 0
			p.APIKeyIssuedAt = &issued
		}),
		profile("fine", func(p *customer.Profile) {}),
	)
	ctx := context.Background()

	r, err := f.monitor.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, r.Customers)
	assert.Len(t, r.Opened, 4)
	before := f.open(t)

	for i := 0; i < 3; i++ {
		r, err := f.monitor.Cycle(ctx)
		require.NoError(t, err)
		assert.Empty(t, r.Opened)
		assert.Len(t, r.Suppressed, 4)
	}
	assert.Equal(t, before, f.open(t))
}

func TestOnboardingCheckInWaitsForInactivity(t *testing.T) {
	issued := epoch.Add(-time.Hour)
	f := newFixture(t, Options{InactivityAfter: 24 * time.Hour}, profile("c1", func(p *customer.Profile) {
		p.Stage = customer.StageAPIKeysGenerated
		p.TotalAPICalls = 0
		p.APIKeyIssuedAt = &issued
	}))
	ctx := context.Background()

	r, err := f.monitor.Cycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, r.Opened)

	f.clock.Advance(24 * time.Hour)
	r, err = f.monitor.Cycle(ctx)
	require.NoError(t, err)
	require.Len(t, r.Opened, 1)
	assert.Equal(t, customer.KindOnboardingCheckIn, r.Opened[0].Kind)
	assert.Equal(t, customer.PriorityMedium, r.Opened[0].Priority)
	assert.Empty(t, r.Opened[0].ExternalTicketRef)
}

func TestUpsellOnlyForTrial(t *testing.T) {
	f := newFixture(t, Options{},
		profile("trial", func(p *customer.Profile) { p.UsageTrend = customer.TrendIncreasing }),
		profile("paid", func(p *customer.Profile) {
			p.Tier = customer.TierPaid
			p.UsageTrend = customer.TrendIncreasing
		}),
	)

	r, err := f.monitor.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, r.Opened, 1)
	assert.Equal(t, "trial:upsell_suggestion", r.Opened[0].DedupKey)
	assert.Equal(t, customer.PriorityLow, r.Opened[0].Priority)
}

func TestPriorityOrdering(t *testing.T) {
	rules := DefaultRules(0.1, time.Hour)

	ordered, err := Order(rules, []string{"upsell_suggestion", "error_debugging"})
	require.NoError(t, err)
	var kinds []customer.InterventionKind
	for _, r := range ordered {
		kinds = append(kinds, r.Kind)
	}
	assert.Equal(t, []customer.InterventionKind{
		customer.KindUpsellSuggestion,
		customer.KindErrorDebugging,
		customer.KindOnboardingCheckIn,
		customer.KindRetentionOutreach,
	}, kinds)

	_, err = Order(rules, []string{"error_debugging", "bogus"})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = New(store.NewMemory(), store.NewMemoryLedger(), ticketing.NewMemory(), nil,
		Options{Priority: []string{"bogus"}}, zap.NewNop())
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestConcurrentCyclesKeepOneOpenPerKey(t *testing.T) {
	f := newFixture(t, Options{Parallelism: 2}, profile("c1", func(p *customer.Profile) {
		p.ErrorRate = 0.3
		p.UsageTrend = customer.TrendDeclining
	}))
	ctx := context.Background()

	var wg sync.WaitGroup
	var opened atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.monitor.Cycle(ctx)
			assert.NoError(t, err)
			opened.Add(int32(len(r.Opened)))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), opened.Load())
	assert.Len(t, f.open(t), 2)
	assert.Len(t, f.tickets.Tickets(), 1)
}

type failingTickets struct {
	calls atomic.Int32
}

func (f *failingTickets) CreateOrGetTicket(context.Context, string, string) (string, error) {
	f.calls.Add(1)
	return "", errors.New("ticketing backend down")
}

func TestTicketFailureLeavesNothingOpen(t *testing.T) {
	st := store.NewMemory()
	st.Seed(profile("c1", func(p *customer.Profile) {
		p.ErrorRate = 0.5
		p.UsageTrend = customer.TrendDeclining
	}))
	ledger := store.NewMemoryLedger()
	tickets := &failingTickets{}
	m, err := New(st, ledger, tickets, nil, Options{Retry: retry.Policy{Attempts: 3}}, zap.NewNop())
	require.NoError(t, err)

	r, err := m.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), tickets.calls.Load())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "c1", r.Errors[0].CustomerID)
	assert.Contains(t, r.Errors[0].Error, "ticketing backend down")

	// The rule without a ticket still fires.
	require.Len(t, r.Opened, 1)
	assert.Equal(t, customer.KindRetentionOutreach, r.Opened[0].Kind)

	_, ok, err := ledger.FindOpen(context.Background(), "c1:error_debugging")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEventsAreSent(t *testing.T) {
	tr := transport.NewMemory(8, zap.NewNop())
	defer tr.Close()

	st := store.NewMemory()
	st.Seed(profile("c1", func(p *customer.Profile) { p.ErrorRate = 0.5 }))
	m, err := New(st, store.NewMemoryLedger(), ticketing.NewMemory(), tr,
		Options{EventsEndpoint: "interventions"}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = m.Cycle(ctx)
	require.NoError(t, err)

	msg, err := tr.Receive(ctx, "interventions")
	require.NoError(t, err)
	assert.Equal(t, "monitor", msg.Sender)
	assert.Equal(t, transport.TypeEvent, msg.Type)
	var ev Event
	require.NoError(t, msg.Decode(&ev))
	assert.Equal(t, EventOpened, ev.Type)
	assert.Equal(t, "c1:error_debugging", ev.Intervention.DedupKey)
}

func TestRunCyclesImmediately(t *testing.T) {
	f := newFixture(t, Options{Interval: time.Hour}, profile("c1", func(p *customer.Profile) { p.ErrorRate = 0.5 }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.monitor.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok, err := f.ledger.FindOpen(context.Background(), "c1:error_debugging")
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
