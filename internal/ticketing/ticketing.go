// Package ticketing is the external ticket tracker collaborator.
package ticketing

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/refset/aegis/internal/rest"
)

type Ticket struct {
	Key      string `json:"key"`
	DedupKey string `json:"dedup_key"`
	Summary  string `json:"summary"`
}

// Client files tickets. CreateOrGetTicket is idempotent on dedupKey: a
// repeated call returns the ticket filed by the first one.
type Client interface {
	CreateOrGetTicket(ctx context.Context, dedupKey, summary string) (string, error)
}

// HTTPClient calls a ticket tracker REST API that upserts by dedup key.
type HTTPClient struct {
	rest *rest.Client
}

func NewHTTPClient(baseURL, username, password string, rps float64) *HTTPClient {
	return &HTTPClient{rest: rest.NewClient(baseURL, username, password, rps)}
}

func (c *HTTPClient) CreateOrGetTicket(ctx context.Context, dedupKey, summary string) (string, error) {
	var t Ticket
	err := c.rest.Do(ctx, http.MethodPut, "/tickets", Ticket{DedupKey: dedupKey, Summary: summary}, &t)
	if err != nil {
		return "", fmt.Errorf("file ticket %s: %w", dedupKey, err)
	}
	if t.Key == "" {
		return "", fmt.Errorf("file ticket %s: empty ticket key", dedupKey)
	}
	return t.Key, nil
}

// Memory numbers tickets KAN-1, KAN-2, ... in filing order.
type Memory struct {
	mu      sync.Mutex
	next    int
	byDedup map[string]Ticket
}

func NewMemory() *Memory {
	return &Memory{next: 1, byDedup: make(map[string]Ticket)}
}

func (m *Memory) CreateOrGetTicket(_ context.Context, dedupKey, summary string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byDedup[dedupKey]; ok {
		return t.Key, nil
	}
	t := Ticket{Key: fmt.Sprintf("KAN-%d", m.next), DedupKey: dedupKey, Summary: summary}
	m.next++
	m.byDedup[dedupKey] = t
	return t.Key, nil
}

// Tickets returns every filed ticket.
func (m *Memory) Tickets() []Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Ticket, 0, len(m.byDedup))
	for _, t := range m.byDedup {
		out = append(out, t)
	}
	return out
}
