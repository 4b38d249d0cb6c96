// Package billing is the billing provider collaborator: trial subscriptions,
// API keys, sandboxes, transactional email and retention perks.
package billing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/refset/aegis/internal/rest"
)

const (
	EnvTest       = "test"
	EnvProduction = "production"
)

type Subscription struct {
	ID       string    `json:"subscription_id"`
	Plan     string    `json:"plan"`
	Status   string    `json:"status"`
	TrialEnd time.Time `json:"trial_end"`
}

type Sandbox struct {
	URL          string `json:"sandbox_url"`
	Site         string `json:"test_site"`
	DashboardURL string `json:"dashboard_url"`
}

// Client is the billing provider. Every call is idempotent per customer:
// repeating it returns the artifact created the first time.
type Client interface {
	CreateTrial(ctx context.Context, customerID, plan string) (Subscription, error)
	GenerateKey(ctx context.Context, customerID, env string) (string, error)
	ProvisionSandbox(ctx context.Context, customerID string) (Sandbox, error)
	SendEmail(ctx context.Context, customerID, to, template string) (string, error)
	ApplyPerk(ctx context.Context, customerID, perk string) (string, error)
}

// ValidEnv reports whether env names an API key environment.
func ValidEnv(env string) bool {
	return env == EnvTest || env == EnvProduction
}

func keyPrefix(env string) string {
	if env == EnvProduction {
		return "sk_live"
	}
	return "sk_test"
}

// HTTPClient calls a billing provider REST API.
type HTTPClient struct {
	rest *rest.Client
}

func NewHTTPClient(baseURL, username, password string, rps float64) *HTTPClient {
	return &HTTPClient{rest: rest.NewClient(baseURL, username, password, rps)}
}

func customerPath(customerID, suffix string) string {
	return "/customers/" + url.PathEscape(customerID) + suffix
}

func (c *HTTPClient) CreateTrial(ctx context.Context, customerID, plan string) (Subscription, error) {
	var sub Subscription
	err := c.rest.Do(ctx, http.MethodPost, customerPath(customerID, "/subscriptions"),
		map[string]string{"plan": plan, "status": "trial"}, &sub)
	if err != nil {
		return Subscription{}, fmt.Errorf("create trial for %s: %w", customerID, err)
	}
	return sub, nil
}

func (c *HTTPClient) GenerateKey(ctx context.Context, customerID, env string) (string, error) {
	var out struct {
		APIKey string `json:"api_key"`
	}
	err := c.rest.Do(ctx, http.MethodPost, customerPath(customerID, "/api_keys"),
		map[string]string{"environment": env}, &out)
	if err != nil {
		return "", fmt.Errorf("generate %s key for %s: %w", env, customerID, err)
	}
	return out.APIKey, nil
}

func (c *HTTPClient) ProvisionSandbox(ctx context.Context, customerID string) (Sandbox, error) {
	var sb Sandbox
	if err := c.rest.Do(ctx, http.MethodPost, customerPath(customerID, "/sandbox"), struct{}{}, &sb); err != nil {
		return Sandbox{}, fmt.Errorf("provision sandbox for %s: %w", customerID, err)
	}
	return sb, nil
}

func (c *HTTPClient) SendEmail(ctx context.Context, customerID, to, template string) (string, error) {
	var out struct {
		EmailID string `json:"email_id"`
	}
	err := c.rest.Do(ctx, http.MethodPost, customerPath(customerID, "/emails"),
		map[string]string{"to": to, "template": template}, &out)
	if err != nil {
		return "", fmt.Errorf("send %s email to %s: %w", template, customerID, err)
	}
	return out.EmailID, nil
}

func (c *HTTPClient) ApplyPerk(ctx context.Context, customerID, perk string) (string, error) {
	var out struct {
		PerkID string `json:"perk_id"`
	}
	err := c.rest.Do(ctx, http.MethodPost, customerPath(customerID, "/perks"),
		map[string]string{"perk": perk}, &out)
	if err != nil {
		return "", fmt.Errorf("apply perk to %s: %w", customerID, err)
	}
	return out.PerkID, nil
}

// Memory is an in-process billing provider.
type Memory struct {
	now func() time.Time

	mu        sync.Mutex
	subs      map[string]Subscription
	keys      map[string]string
	sandboxes map[string]Sandbox
	emails    map[string]string
	perks     map[string]string
	calls     int
}

func NewMemory() *Memory {
	return &Memory{
		now:       func() time.Time { return time.Now().UTC() },
		subs:      make(map[string]Subscription),
		keys:      make(map[string]string),
		sandboxes: make(map[string]Sandbox),
		emails:    make(map[string]string),
		perks:     make(map[string]string),
	}
}

func token(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// Calls returns how many operations created a new artifact.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Memory) CreateTrial(_ context.Context, customerID, plan string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[customerID]; ok {
		return sub, nil
	}
	sub := Subscription{
		ID:       "sub_trial_" + token(4),
		Plan:     plan,
		Status:   "trial",
		TrialEnd: m.now().Add(14 * 24 * time.Hour),
	}
	m.subs[customerID] = sub
	m.calls++
	return sub, nil
}

func (m *Memory) GenerateKey(_ context.Context, customerID, env string) (string, error) {
	if !ValidEnv(env) {
		return "", fmt.Errorf("unknown key environment %q", env)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := customerID + "/" + env
	if key, ok := m.keys[k]; ok {
		return key, nil
	}
	key := keyPrefix(env) + "_" + token(16)
	m.keys[k] = key
	m.calls++
	return key, nil
}

func (m *Memory) ProvisionSandbox(_ context.Context, customerID string) (Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.sandboxes[customerID]; ok {
		return sb, nil
	}
	id := url.PathEscape(customerID)
	sb := Sandbox{
		URL:          "https://sandbox.billing.example.com/" + id,
		Site:         customerID + "-test",
		DashboardURL: "https://dashboard.billing.example.com/test/" + id,
	}
	m.sandboxes[customerID] = sb
	m.calls++
	return sb, nil
}

func (m *Memory) SendEmail(_ context.Context, customerID, _ string, template string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := customerID + "/" + template
	if id, ok := m.emails[k]; ok {
		return id, nil
	}
	id := "email_" + token(4)
	m.emails[k] = id
	m.calls++
	return id, nil
}

func (m *Memory) ApplyPerk(_ context.Context, customerID, perk string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.perks[customerID]; ok {
		return id, nil
	}
	id := "perk_" + token(4)
	m.perks[customerID] = id
	m.calls++
	return id, nil
}
