package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refset/aegis/internal/customer"
)

// These tests need a scratch database, e.g.
// AEGIS_TEST_POSTGRES=postgres://localhost:5432/aegis_test?sslmode=disable
func testPool(t *testing.T) (*Postgres, *PostgresLedger) {
	t.Helper()
	conn := os.Getenv("AEGIS_TEST_POSTGRES")
	if conn == "" {
		t.Skip("AEGIS_TEST_POSTGRES not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, conn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return NewPostgres(pool), NewPostgresLedger(pool)
}

func TestPostgresMutateSerializesPerCustomer(t *testing.T) {
	s, _ := testPool(t)
	ctx := context.Background()
	id := "pg-" + uuid.NewString()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Mutate(ctx, id, func(p *customer.Profile) error {
				p.TotalAPICalls++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(8), p.TotalAPICalls)
}

func TestPostgresLedgerDedup(t *testing.T) {
	_, l := testPool(t)
	ctx := context.Background()
	cust := "pg-" + uuid.NewString()

	iv := customer.Intervention{
		ID:                uuid.NewString(),
		CustomerID:        cust,
		Kind:              customer.KindErrorDebugging,
		Priority:          customer.PriorityHigh,
		Message:           "errors",
		DedupKey:          customer.DedupKey(cust, customer.KindErrorDebugging),
		ExternalTicketRef: "KAN-7",
		CreatedAt:         time.Now().UTC(),
	}
	first, created, err := l.OpenOrCreate(ctx, iv)
	require.NoError(t, err)
	assert.True(t, created)

	iv.ID = uuid.NewString()
	second, created, err := l.OpenOrCreate(ctx, iv)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "KAN-7", second.ExternalTicketRef)

	found, ok, err := l.FindOpen(ctx, iv.DedupKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, found.ID)

	resolved, ok, err := l.ResolveOpen(ctx, iv.DedupKey, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, customer.InterventionResolved, resolved.Status)

	_, ok, err = l.FindOpen(ctx, iv.DedupKey)
	require.NoError(t, err)
	assert.False(t, ok)
}
