package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/refset/aegis/internal/customer"
)

type entry struct {
	mu      sync.Mutex
	profile customer.Profile
}

// Memory is an in-process Store. The map lock only guards entry lookup and
// insertion; each customer has its own mutex so different customers never
// contend.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used for created/updated timestamps.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// Seed inserts or replaces profiles without transition checks. Used for
// fixtures and demo data.
func (m *Memory) Seed(profiles ...customer.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range profiles {
		m.entries[p.CustomerID] = &entry{profile: p.Clone()}
	}
}

func (m *Memory) entry(customerID string) *entry {
	m.mu.RLock()
	e, ok := m.entries[customerID]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[customerID]; ok {
		return e
	}
	e = &entry{profile: customer.NewProfile(customerID, m.now())}
	m.entries[customerID] = e
	return e
}

func (m *Memory) Get(ctx context.Context, customerID string) (customer.Profile, error) {
	if err := ctx.Err(); err != nil {
		return customer.Profile{}, err
	}
	e := m.entry(customerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile.Clone(), nil
}

func (m *Memory) Mutate(ctx context.Context, customerID string, fn MutateFunc) (customer.Profile, error) {
	if err := ctx.Err(); err != nil {
		return customer.Profile{}, err
	}
	e := m.entry(customerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := mutateProfile(e.profile, fn, m.now())
	if err != nil {
		return e.profile.Clone(), err
	}
	e.profile = next
	return next.Clone(), nil
}

func (m *Memory) Reset(ctx context.Context, customerID string) (customer.Profile, error) {
	if err := ctx.Err(); err != nil {
		return customer.Profile{}, err
	}
	e := m.entry(customerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	next := customer.Reset(e.profile, m.now())
	next.Version = e.profile.Version + 1
	e.profile = next
	return next.Clone(), nil
}

func (m *Memory) ListAll(ctx context.Context) ([]customer.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]customer.Profile, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.profile.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out, nil
}
