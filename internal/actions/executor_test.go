package actions

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

	"github.com/refset/aegis/internal/billing"
	"github.com/refset/aegis/internal/customer"
	"github.com/refset/aegis/internal/hil"
	"github.com/refset/aegis/internal/retry"
	"github.com/refset/aegis/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type flakyBilling struct {
	*billing.Memory
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyBilling) CreateTrial(ctx context.Context, customerID, plan string) (billing.Subscription, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return billing.Subscription{}, errors.New("billing backend unavailable")
	}
	return f.Memory.CreateTrial(ctx, customerID, plan)
}

type fixture struct {
	store   *store.Memory
	billing *flakyBilling
	gate    *hil.Gate
	exec    *Executor
}

func newFixture(t *testing.T, approvalTimeout time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemory(),
		billing: &flakyBilling{Memory: billing.NewMemory()},
		gate:    hil.NewGate(approvalTimeout, zap.NewNop()),
	}
	f.exec = NewExecutor(f.store, f.billing, f.gate, Options{
		Retry: retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}, zap.NewNop())
	return f
}

func (f *fixture) run(t *testing.T, kind Kind, customerID string) Result {
	t.Helper()
	res, err := f.exec.Execute(context.Background(), Action{Kind: kind}, customerID)
	require.NoError(t, err)
	return res
}

func TestTrialThenKeys(t *testing.T) {
	f := newFixture(t, time.Minute)

	res := f.run(t, CreateTrialSubscription, "cust_new")
	require.Equal(t, StatusCompleted, res.Status)
	subID := res.Data["subscription_id"]
	assert.NotEmpty(t, subID)

	res = f.run(t, GenerateAPIKeys, "cust_new")
	require.Equal(t, StatusCompleted, res.Status)
	key := res.Data["api_key"]
	assert.Regexp(t, `^sk_test_[0-9a-f]{32}$`, key)

	p, err := f.store.Get(context.Background(), "cust_new")
	require.NoError(t, err)
	assert.Equal(t, customer.TierTrial, p.Tier)
	assert.Equal(t, customer.StageAPIKeysGenerated, p.Stage)
	assert.Equal(t, subID, p.SubscriptionRef)
	assert.Equal(t, key, p.APIKeys[billing.EnvTest])
	assert.NotNil(t, p.APIKeyIssuedAt)
}

func TestGenerateKeysIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.run(t, CreateTrialSubscription, "cust_1")

	first := f.run(t, GenerateAPIKeys, "cust_1")
	second := f.run(t, GenerateAPIKeys, "cust_1")

	assert.Equal(t, StatusCompleted, first.Status)
	assert.Equal(t, StatusNoop, second.Status)
	assert.Equal(t, first.Data["api_key"], second.Data["api_key"])

	p, _ := f.store.Get(context.Background(), "cust_1")
	assert.Len(t, p.APIKeys, 1)
}

func TestConcurrentKeyGenerationYieldsOneKey(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.run(t, CreateTrialSubscription, "cust_1")

	keys := make([]string, 8)
	var wg sync.WaitGroup
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.exec.Execute(context.Background(), Action{Kind: GenerateAPIKeys}, "cust_1")
			assert.NoError(t, err)
			assert.True(t, res.OK())
			keys[i] = res.Data["api_key"]
		}(i)
	}
	wg.Wait()
	for _, k := range keys {
		assert.Equal(t, keys[0], k)
	}
}

func TestTrialIsNoopWhenSubscribed(t *testing.T) {
	f := newFixture(t, time.Minute)
	first := f.run(t, CreateTrialSubscription, "cust_1")
	again := f.run(t, CreateTrialSubscription, "cust_1")

	assert.Equal(t, StatusNoop, again.Status)
	assert.Equal(t, first.Data["subscription_id"], again.Data["subscription_id"])
	assert.Equal(t, int32(1), f.billing.calls.Load())
}

func TestKeysRequireSubscription(t *testing.T) {
	f := newFixture(t, time.Minute)
	res := f.run(t, GenerateAPIKeys, "cust_1")

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err(), ErrPrecondition)

	p, _ := f.store.Get(context.Background(), "cust_1")
	assert.Equal(t, int64(0), p.Version)
}

func TestCollaboratorRetriedThenSucceeds(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.billing.failures.Store(2)

	res := f.run(t, CreateTrialSubscription, "cust_1")
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int32(3), f.billing.calls.Load())
}

func TestCollaboratorFailureLeavesStateUnmutated(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.billing.failures.Store(10)

	res := f.run(t, CreateTrialSubscription, "cust_1")
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err(), ErrExternalCollaborator)
	assert.Equal(t, int32(3), f.billing.calls.Load())

	p, _ := f.store.Get(context.Background(), "cust_1")
	assert.Equal(t, customer.TierNone, p.Tier)
	assert.Equal(t, int64(0), p.Version)
}

func TestHighRiskActionExpiresWithoutApprover(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	f.store.Seed(withKeys("cust_err"))

	res := f.run(t, ApplyFix, "cust_err")
	assert.Equal(t, StatusRefused, res.Status)
	assert.ErrorIs(t, res.Err(), ErrActionRefused)
	require.NotEmpty(t, res.ApprovalID)

	req, err := f.gate.Get(res.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, hil.StatusExpired, req.Status)

	p, _ := f.store.Get(context.Background(), "cust_err")
	assert.Nil(t, p.FixAppliedAt)
	assert.Equal(t, int64(0), p.Version)
}

func TestHighRiskActionRunsOnceApproved(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.store.Seed(withKeys("cust_err"))

	done := make(chan Result)
	go func() {
		res, err := f.exec.Execute(context.Background(), Action{Kind: ApplyFix}, "cust_err")
		assert.NoError(t, err)
		done <- res
	}()

	var pending []hil.ApprovalRequest
	require.Eventually(t, func() bool {
		pending = f.gate.ListPending()
		return len(pending) == 1
	}, time.Second, 2*time.Millisecond)
	_, err := f.gate.Decide(pending[0].ID, hil.StatusApproved)
	require.NoError(t, err)

	res := <-done
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, pending[0].ID, res.ApprovalID)

	p, _ := f.store.Get(context.Background(), "cust_err")
	assert.NotNil(t, p.FixAppliedAt)
}

func TestRejectedActionIsRefused(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.store.Seed(withKeys("cust_1"))

	done := make(chan Result)
	go func() {
		res, _ := f.exec.Execute(context.Background(), Action{Kind: ApplyRetentionPerk}, "cust_1")
		done <- res
	}()

	require.Eventually(t, func() bool { return len(f.gate.ListPending()) == 1 }, time.Second, 2*time.Millisecond)
	_, err := f.gate.Decide(f.gate.ListPending()[0].ID, hil.StatusRejected)
	require.NoError(t, err)

	res := <-done
	assert.Equal(t, StatusRefused, res.Status)
	p, _ := f.store.Get(context.Background(), "cust_1")
	assert.Empty(t, p.PerkRef)
}

func TestRiskOverrideSkipsApproval(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.exec.opts.Risk = map[Kind]hil.RiskLevel{ApplyFix: hil.RiskLow}
	f.store.Seed(withKeys("cust_1"))

	res := f.run(t, ApplyFix, "cust_1")
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, res.ApprovalID)
	assert.Empty(t, f.gate.List(""))
}

func TestApprovalWaitHonoursContext(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.store.Seed(withKeys("cust_1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.exec.Execute(ctx, Action{Kind: ApplyFix}, "cust_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDiagnoseDoesNotMutate(t *testing.T) {
	f := newFixture(t, time.Minute)
	p := withKeys("cust_1")
	p.TotalAPICalls = 100
	p.ErrorRate = 0.15
	f.store.Seed(p)

	res := f.run(t, DiagnoseError, "cust_1")
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "15.0%", res.Data["error_rate"])
	assert.Contains(t, res.Data["finding"], "elevated error rate")

	got, _ := f.store.Get(context.Background(), "cust_1")
	assert.Equal(t, p.Version, got.Version)
}

func TestUnknownAction(t *testing.T) {
	f := newFixture(t, time.Minute)
	_, err := f.exec.Execute(context.Background(), Action{Kind: "launch_rocket"}, "cust_1")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func withKeys(id string) customer.Profile {
	now := time.Now().UTC().Add(-time.Hour)
	p := customer.NewProfile(id, now)
	p.Tier = customer.TierTrial
	p.Stage = customer.StageAPIKeysGenerated
	p.SubscriptionRef = "sub_trial_fixture"
	p.APIKeys = map[string]string{billing.EnvTest: "sk_test_fixture"}
	p.APIKeyIssuedAt = &now
	return p
}

func TestStartRunsLowRiskInline(t *testing.T) {
	f := newFixture(t, time.Minute)
	defer f.exec.Close()

	res, err := f.exec.Start(context.Background(), Action{Kind: CreateTrialSubscription}, "cust_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestStartDefersApprovedAction(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.store.Seed(withKeys("cust_1"))

	results := make(chan Result, 1)
	f.exec.OnResult(func(customerID string, res Result) {
		assert.Equal(t, "cust_1", customerID)
		results <- res
	})
	defer f.exec.Close()

	res, err := f.exec.Start(context.Background(), Action{Kind: ApplyFix}, "cust_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, res.Status)
	require.NotEmpty(t, res.ApprovalID)

	p, _ := f.store.Get(context.Background(), "cust_1")
	assert.Nil(t, p.FixAppliedAt)

	_, err = f.gate.Decide(res.ApprovalID, hil.StatusApproved)
	require.NoError(t, err)

	select {
	case final := <-results:
		assert.Equal(t, StatusCompleted, final.Status)
		assert.Equal(t, res.ApprovalID, final.ApprovalID)
	case <-time.After(time.Second):
		t.Fatal("approved action never finished")
	}
	p, _ = f.store.Get(context.Background(), "cust_1")
	assert.NotNil(t, p.FixAppliedAt)
}

func TestCloseAbandonsPendingApprovals(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.store.Seed(withKeys("cust_1"))

	called := false
	f.exec.OnResult(func(string, Result) { called = true })

	res, err := f.exec.Start(context.Background(), Action{Kind: ApplyFix}, "cust_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, res.Status)

	f.exec.Close()
	assert.False(t, called)
}
