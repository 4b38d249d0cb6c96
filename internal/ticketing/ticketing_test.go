package ticketing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIsIdempotentPerDedupKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a, err := m.CreateOrGetTicket(ctx, "cust_1:error_debugging", "High error rate")
	require.NoError(t, err)
	assert.Equal(t, "KAN-1", a)

	again, err := m.CreateOrGetTicket(ctx, "cust_1:error_debugging", "High error rate")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	b, err := m.CreateOrGetTicket(ctx, "cust_2:error_debugging", "High error rate")
	require.NoError(t, err)
	assert.Equal(t, "KAN-2", b)
	assert.Len(t, m.Tickets(), 2)
}

func TestMemoryConcurrentFilingCreatesOneTicket(t *testing.T) {
	m := NewMemory()
	var wg sync.WaitGroup
	refs := make([]string, 20)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], _ = m.CreateOrGetTicket(context.Background(), "cust_1:error_debugging", "x")
		}(i)
	}
	wg.Wait()
	for _, r := range refs {
		assert.Equal(t, "KAN-1", r)
	}
	assert.Len(t, m.Tickets(), 1)
}

func TestHTTPClientUpsertsByDedupKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tickets", r.URL.Path)
		var in Ticket
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "cust_1:error_debugging", in.DedupKey)
		json.NewEncoder(w).Encode(Ticket{Key: "KAN-42", DedupKey: in.DedupKey})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "bot", "token", 0)
	ref, err := c.CreateOrGetTicket(context.Background(), "cust_1:error_debugging", "High error rate")
	require.NoError(t, err)
	assert.Equal(t, "KAN-42", ref)
}

func TestHTTPClientRejectsEmptyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "", "", 0).CreateOrGetTicket(context.Background(), "k", "s")
	assert.Error(t, err)
}
