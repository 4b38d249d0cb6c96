package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/refset/aegis/internal/billing"
	"github.com/refset/aegis/internal/customer"
	"github.com/refset/aegis/internal/hil"
	"github.com/refset/aegis/internal/rest"
	"github.com/refset/aegis/internal/retry"
	"github.com/refset/aegis/internal/store"
)

type Options struct {
	// Risk overrides DefaultRisk per action.
	Risk      map[Kind]hil.RiskLevel
	Threshold hil.RiskLevel
	Retry     retry.Policy
}

type Executor struct {
	store   store.Store
	billing billing.Client
	gate    *hil.Gate
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	// base outlives requests; approvals started by Start wait on it.
	base     context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	onResult func(customerID string, res Result)
}

func NewExecutor(st store.Store, bc billing.Client, gate *hil.Gate, opts Options, logger *zap.Logger) *Executor {
	if opts.Threshold == "" {
		opts.Threshold = hil.RiskHigh
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = rest.Retryable
	}
	base, cancel := context.WithCancel(context.Background())
	return &Executor{
		store:    st,
		billing:  bc,
		gate:     gate,
		opts:     opts,
		logger:   logger.Named("actions"),
		now:      func() time.Time { return time.Now().UTC() },
		base:     base,
		cancel:   cancel,
		onResult: func(string, Result) {},
	}
}

// OnResult registers a callback for actions that finish after Start
// returned. It must be set before the first Start.
func (e *Executor) OnResult(fn func(customerID string, res Result)) {
	e.onResult = fn
}

// Close abandons approvals still awaited by Start and waits for their
// goroutines to exit.
func (e *Executor) Close() {
	e.cancel()
	e.wg.Wait()
}

// Risk returns the configured risk level of kind.
func (e *Executor) Risk(kind Kind) hil.RiskLevel {
	if r, ok := e.opts.Risk[kind]; ok {
		return r
	}
	if r, ok := DefaultRisk[kind]; ok {
		return r
	}
	return hil.RiskHigh
}

// NeedsApproval reports whether kind is at or above the risk threshold.
func (e *Executor) NeedsApproval(kind Kind) bool {
	return e.Risk(kind).AtLeast(e.opts.Threshold)
}

// errExisting aborts a mutation that finds the artifact already in place.
var errExisting = errors.New("artifact already exists")

// Execute runs action for customerID, blocking on the HIL gate when the
// action needs approval. Refusals, collaborator failures and unmet
// preconditions are reported in the Result, with Result.Err giving the
// class. The returned error is reserved for unknown actions, store failures
// and cancellation.
func (e *Executor) Execute(ctx context.Context, action Action, customerID string) (Result, error) {
	def, p, res, done, err := e.prepare(ctx, action, customerID)
	if err != nil || done {
		return res, err
	}
	if !e.NeedsApproval(action.Kind) {
		return e.perform(ctx, def, action, p, "")
	}

	req, err := e.request(action, customerID)
	if err != nil {
		return Result{}, err
	}
	return e.awaitAndPerform(ctx, def, action, customerID, req)
}

// Start is Execute for the request path. Actions that need approval are
// filed with the gate and finished in the background once a human decides;
// Start then returns a StatusPendingApproval result carrying the request id
// and the eventual outcome is reported through OnResult.
func (e *Executor) Start(ctx context.Context, action Action, customerID string) (Result, error) {
	def, p, res, done, err := e.prepare(ctx, action, customerID)
	if err != nil || done {
		return res, err
	}
	if !e.NeedsApproval(action.Kind) {
		return e.perform(ctx, def, action, p, "")
	}

	req, err := e.request(action, customerID)
	if err != nil {
		return Result{}, err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res, err := e.awaitAndPerform(e.base, def, action, customerID, req)
		if err != nil {
			e.logger.Warn("Approved action abandoned",
				zap.String("action", string(action.Kind)),
				zap.String("customer_id", customerID),
				zap.String("approval_id", req.ID),
				zap.Error(err))
			return
		}
		e.onResult(customerID, res)
	}()

	return Result{
		Action:     action.Kind,
		Status:     StatusPendingApproval,
		Message:    fmt.Sprintf("%s needs human approval; request %s is pending", action.Kind, req.ID),
		ApprovalID: req.ID,
	}, nil
}

func (e *Executor) prepare(ctx context.Context, action Action, customerID string) (definition, customer.Profile, Result, bool, error) {
	def, ok := definitions[action.Kind]
	if !ok {
		return definition{}, customer.Profile{}, Result{}, false, fmt.Errorf("%w: %q", ErrUnknownAction, action.Kind)
	}
	p, err := e.store.Get(ctx, customerID)
	if err != nil {
		return definition{}, customer.Profile{}, Result{}, false, fmt.Errorf("load %s: %w", customerID, err)
	}
	if res, ok := noop(def, p, action); ok {
		e.logger.Info("Action already applied",
			zap.String("action", string(action.Kind)),
			zap.String("customer_id", customerID))
		return def, p, res, true, nil
	}
	return def, p, Result{}, false, nil
}

func (e *Executor) request(action Action, customerID string) (hil.ApprovalRequest, error) {
	risk := e.Risk(action.Kind)
	req, err := e.gate.Request(fmt.Sprintf("%s for customer %s", action.Kind, customerID), risk)
	if err != nil {
		return hil.ApprovalRequest{}, err
	}
	e.logger.Info("Waiting for approval",
		zap.String("action", string(action.Kind)),
		zap.String("customer_id", customerID),
		zap.String("approval_id", req.ID),
		zap.String("risk", string(risk)))
	return req, nil
}

func (e *Executor) awaitAndPerform(ctx context.Context, def definition, action Action, customerID string, req hil.ApprovalRequest) (Result, error) {
	final, err := e.gate.Wait(ctx, req.ID)
	if err != nil {
		return Result{}, fmt.Errorf("wait for approval %s: %w", req.ID, err)
	}
	if final.Status != hil.StatusApproved {
		e.logger.Info("Action refused",
			zap.String("action", string(action.Kind)),
			zap.String("customer_id", customerID),
			zap.String("approval_id", req.ID),
			zap.String("status", string(final.Status)))
		return Result{
			Action:     action.Kind,
			Status:     StatusRefused,
			Message:    fmt.Sprintf("%s was not approved (%s)", action.Kind, final.Status),
			ApprovalID: req.ID,
			err:        ErrActionRefused,
		}, nil
	}

	// The approval may have taken a while; plan against current state.
	p, err := e.store.Get(ctx, customerID)
	if err != nil {
		return Result{}, fmt.Errorf("load %s: %w", customerID, err)
	}
	if res, ok := noop(def, p, action); ok {
		res.ApprovalID = req.ID
		return res, nil
	}
	return e.perform(ctx, def, action, p, req.ID)
}

// perform checks preconditions, calls the collaborator and applies the
// outcome to the profile.
func (e *Executor) perform(ctx context.Context, def definition, action Action, p customer.Profile, approvalID string) (Result, error) {
	customerID := p.CustomerID
	log := e.logger.With(zap.String("action", string(action.Kind)), zap.String("customer_id", customerID))

	if def.check != nil {
		if err := def.check(p, action); err != nil {
			log.Info("Action precondition not met", zap.Error(err))
			return Result{
				Action:     action.Kind,
				Status:     StatusFailed,
				Message:    err.Error(),
				ApprovalID: approvalID,
				err:        fmt.Errorf("%w: %v", ErrPrecondition, err),
			}, nil
		}
	}

	var data map[string]string
	err := e.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		data, err = def.call(ctx, e.billing, p, action)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Warn("Collaborator failed", zap.Error(err))
		return Result{
			Action:     action.Kind,
			Status:     StatusFailed,
			Message:    fmt.Sprintf("%s could not be completed right now; nothing was changed, please retry later", action.Kind),
			ApprovalID: approvalID,
			err:        fmt.Errorf("%w: %v", ErrExternalCollaborator, err),
		}, nil
	}

	if def.apply == nil {
		log.Info("Action completed")
		return Result{Action: action.Kind, Status: StatusCompleted, Message: message(action.Kind), Data: data, ApprovalID: approvalID}, nil
	}

	var existing map[string]string
	_, err = e.store.Mutate(ctx, customerID, func(p *customer.Profile) error {
		if def.existing != nil {
			if d, ok := def.existing(*p, action); ok {
				existing = d
				return errExisting
			}
		}
		if def.check != nil {
			if err := def.check(*p, action); err != nil {
				return fmt.Errorf("%w: %v", ErrPrecondition, err)
			}
		}
		def.apply(p, action, data, e.now())
		return nil
	})
	switch {
	case errors.Is(err, errExisting):
		log.Info("Action applied concurrently")
		return Result{Action: action.Kind, Status: StatusNoop, Message: noopMessage(action.Kind), Data: existing, ApprovalID: approvalID}, nil
	case errors.Is(err, ErrPrecondition):
		return Result{Action: action.Kind, Status: StatusFailed, Message: err.Error(), ApprovalID: approvalID, err: err}, nil
	case err != nil:
		return Result{}, fmt.Errorf("apply %s to %s: %w", action.Kind, customerID, err)
	}

	log.Info("Action completed")
	return Result{Action: action.Kind, Status: StatusCompleted, Message: message(action.Kind), Data: data, ApprovalID: approvalID}, nil
}

func noop(def definition, p customer.Profile, action Action) (Result, bool) {
	if def.existing == nil {
		return Result{}, false
	}
	data, ok := def.existing(p, action)
	if !ok {
		return Result{}, false
	}
	return Result{Action: action.Kind, Status: StatusNoop, Message: noopMessage(action.Kind), Data: data}, true
}

func message(kind Kind) string {
	switch kind {
	case CreateTrialSubscription:
		return "Trial subscription created"
	case GenerateAPIKeys:
		return "API key generated"
	case SendSetupEmail:
		return "Setup email sent"
	case ProvisionSandbox:
		return "Sandbox provisioned"
	case DiagnoseError:
		return "Diagnosis complete"
	case ApplyFix:
		return "Fix applied"
	case ApplyRetentionPerk:
		return "Retention perk applied"
	}
	return string(kind) + " completed"
}

func noopMessage(kind Kind) string {
	switch kind {
	case CreateTrialSubscription:
		return "Subscription already exists"
	case GenerateAPIKeys:
		return "API key already exists"
	case SendSetupEmail:
		return "Setup email already sent"
	case ProvisionSandbox:
		return "Sandbox already provisioned"
	case ApplyFix:
		return "Fix already applied"
	case ApplyRetentionPerk:
		return "Retention perk already applied"
	}
	return string(kind) + " already applied"
}
