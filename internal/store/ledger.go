package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/refset/aegis/internal/customer"
)

// MemoryLedger is an in-process Ledger. Every status change happens under
// one lock, so the open-per-key index and the records never disagree.
type MemoryLedger struct {
	mu    sync.Mutex
	byID  map[string]customer.Intervention
	open  map[string]string // dedup key -> id
	order []string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byID: make(map[string]customer.Intervention),
		open: make(map[string]string),
	}
}

func (l *MemoryLedger) OpenOrCreate(ctx context.Context, iv customer.Intervention) (customer.Intervention, bool, error) {
	if err := ctx.Err(); err != nil {
		return customer.Intervention{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.open[iv.DedupKey]; ok {
		return l.byID[id], false, nil
	}
	iv.Status = customer.InterventionOpen
	l.byID[iv.ID] = iv
	l.open[iv.DedupKey] = iv.ID
	l.order = append(l.order, iv.ID)
	return iv, true, nil
}

func (l *MemoryLedger) FindOpen(ctx context.Context, dedupKey string) (customer.Intervention, bool, error) {
	if err := ctx.Err(); err != nil {
		return customer.Intervention{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.open[dedupKey]
	if !ok {
		return customer.Intervention{}, false, nil
	}
	return l.byID[id], true, nil
}

func (l *MemoryLedger) ResolveOpen(ctx context.Context, dedupKey string, at time.Time) (customer.Intervention, bool, error) {
	if err := ctx.Err(); err != nil {
		return customer.Intervention{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.open[dedupKey]
	if !ok {
		return customer.Intervention{}, false, nil
	}
	return l.resolveLocked(id, at), true, nil
}

func (l *MemoryLedger) Resolve(ctx context.Context, id string, at time.Time) (customer.Intervention, error) {
	if err := ctx.Err(); err != nil {
		return customer.Intervention{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	iv, ok := l.byID[id]
	if !ok {
		return customer.Intervention{}, ErrNotFound
	}
	if iv.Status != customer.InterventionOpen {
		return iv, nil
	}
	return l.resolveLocked(id, at), nil
}

func (l *MemoryLedger) resolveLocked(id string, at time.Time) customer.Intervention {
	iv := l.byID[id]
	t := at
	iv.Status = customer.InterventionResolved
	iv.ResolvedAt = &t
	l.byID[id] = iv
	delete(l.open, iv.DedupKey)
	return iv
}

func (l *MemoryLedger) Get(ctx context.Context, id string) (customer.Intervention, error) {
	if err := ctx.Err(); err != nil {
		return customer.Intervention{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	iv, ok := l.byID[id]
	if !ok {
		return customer.Intervention{}, ErrNotFound
	}
	return iv, nil
}

func (l *MemoryLedger) ListOpen(ctx context.Context) ([]customer.Intervention, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]customer.Intervention, 0, len(l.open))
	for _, id := range l.open {
		out = append(out, l.byID[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DedupKey < out[j].DedupKey })
	return out, nil
}

func (l *MemoryLedger) List(ctx context.Context) ([]customer.Intervention, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]customer.Intervention, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id])
	}
	return out, nil
}
