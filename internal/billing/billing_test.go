package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryArtifactsAreIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sub, err := m.CreateTrial(ctx, "cust_1", "starter_trial")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sub.ID, "sub_trial_"))
	again, _ := m.CreateTrial(ctx, "cust_1", "starter_trial")
	assert.Equal(t, sub, again)
	assert.Equal(t, 1, m.Calls())

	key, err := m.GenerateKey(ctx, "cust_1", EnvTest)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "sk_test_"))
	same, _ := m.GenerateKey(ctx, "cust_1", EnvTest)
	assert.Equal(t, key, same)
	assert.Equal(t, 2, m.Calls())

	live, err := m.GenerateKey(ctx, "cust_1", EnvProduction)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(live, "sk_live_"))
	assert.Equal(t, 3, m.Calls())

	_, err = m.GenerateKey(ctx, "cust_1", "staging")
	assert.Error(t, err)
	assert.Equal(t, 3, m.Calls())

	sb, _ := m.ProvisionSandbox(ctx, "cust_1")
	sb2, _ := m.ProvisionSandbox(ctx, "cust_1")
	assert.Equal(t, sb, sb2)
	assert.Equal(t, "cust_1-test", sb.Site)
	assert.Equal(t, 4, m.Calls())

	e1, _ := m.SendEmail(ctx, "cust_1", "a@example.com", "welcome_with_keys")
	e2, _ := m.SendEmail(ctx, "cust_1", "a@example.com", "welcome_with_keys")
	assert.Equal(t, e1, e2)
	assert.Equal(t, 5, m.Calls())

	p1, _ := m.ApplyPerk(ctx, "cust_1", "one_month_free")
	p2, _ := m.ApplyPerk(ctx, "cust_1", "one_month_free")
	assert.Equal(t, p1, p2)
	assert.Equal(t, 6, m.Calls())
}

func TestHTTPClientGenerateKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/customers/cust%201/api_keys", r.URL.EscapedPath())
		var in map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		json.NewEncoder(w).Encode(map[string]string{"api_key": "sk_" + in["environment"] + "_abc"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "", 0)
	key, err := c.GenerateKey(context.Background(), "cust 1", EnvTest)
	require.NoError(t, err)
	assert.Equal(t, "sk_test_abc", key)
}

func TestHTTPClientWrapsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "", "", 0).CreateTrial(context.Background(), "cust_1", "starter_trial")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create trial for cust_1")
}
