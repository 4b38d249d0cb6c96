package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSendsAuthAndJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "svc", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "/things", r.URL.Path)

		var in map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		json.NewEncoder(w).Encode(map[string]string{"echo": in["name"]})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "svc", "secret", 100)
	var out map[string]string
	require.NoError(t, c.Do(context.Background(), http.MethodPost, "/things", map[string]string{"name": "x"}, &out))
	assert.Equal(t, "x", out["echo"])
}

func TestDoReturnsStatusError(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", int(code.Load()))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", 0)
	err := c.Ping(context.Background(), "/health")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.True(t, Retryable(err))

	code.Store(http.StatusBadRequest)
	err = c.Ping(context.Background(), "/health")
	require.Error(t, err)
	assert.False(t, Retryable(err))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(context.Canceled))
	assert.True(t, Retryable(errors.New("connection refused")))
	assert.True(t, Retryable(&StatusError{Code: http.StatusTooManyRequests}))
}
