// Package service assembles the router from configuration and runs its
// long-lived workers under one errgroup.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/refset/aegis/internal/actions"
	"github.com/refset/aegis/internal/api"
	"github.com/refset/aegis/internal/billing"
	"github.com/refset/aegis/internal/config"
	"github.com/refset/aegis/internal/handlers"
	"github.com/refset/aegis/internal/hil"
	"github.com/refset/aegis/internal/monitor"
	"github.com/refset/aegis/internal/orchestrator"
	"github.com/refset/aegis/internal/retry"
	"github.com/refset/aegis/internal/store"
	"github.com/refset/aegis/internal/ticketing"
	"github.com/refset/aegis/internal/transport"
)

// ErrSharedStateRequired is returned when a multi-process transport is
// configured without a shared state store.
var ErrSharedStateRequired = errors.New("kafka transport requires postgres.conn_string")

// ErrEphemeralState is returned when a one-shot command would run against a
// fresh, empty in-memory store.
var ErrEphemeralState = errors.New("no customer state: set postgres.conn_string or seed_demo")

// Service holds every component built from one Config.
type Service struct {
	cfg    *config.Config
	root   *zap.Logger
	logger *zap.Logger

	Transport transport.Transport
	Store     store.Store
	Ledger    store.Ledger
	Gate      *hil.Gate
	Billing   billing.Client
	Tickets   ticketing.Client
	Executor  *actions.Executor
	Handlers  []handlers.Handler

	pool *pgxpool.Pool
}

// New builds the shared components: transport, state, collaborators, the
// approval gate, the executor and the specialist handlers.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:    cfg,
		root:   logger,
		logger: logger.Named("service"),
		Gate:   hil.NewGate(cfg.HIL.ApprovalTimeout, logger).WithRetention(cfg.HIL.Retention),
	}

	tr, err := NewTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	s.Transport = tr

	if cfg.Postgres.ConnString != "" {
		pool, err := store.Connect(ctx, cfg.Postgres.ConnString)
		if err != nil {
			tr.Close()
			return nil, err
		}
		if err := store.Migrate(ctx, pool); err != nil {
			pool.Close()
			tr.Close()
			return nil, err
		}
		s.pool = pool
		s.Store = store.NewPostgres(pool)
		s.Ledger = store.NewPostgresLedger(pool)
		s.logger.Info("Using Postgres state store")
	} else {
		mem := store.NewMemory()
		if cfg.SeedDemo {
			mem.Seed(store.DemoProfiles(time.Now().UTC())...)
		}
		s.Store = mem
		s.Ledger = store.NewMemoryLedger()
		s.logger.Info("Using in-memory state store", zap.Bool("demo_data", cfg.SeedDemo))
	}

	s.Billing, s.Tickets = NewCollaborators(cfg)

	opts, err := ExecutorOptions(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Executor = actions.NewExecutor(s.Store, s.Billing, s.Gate, opts, logger)
	s.Executor.OnResult(func(customerID string, res actions.Result) {
		s.logger.Info("Deferred action finished",
			zap.String("customer_id", customerID),
			zap.String("action", string(res.Action)),
			zap.String("status", string(res.Status)),
			zap.String("approval_id", res.ApprovalID))
	})

	s.Handlers = []handlers.Handler{
		handlers.NewOnboarding(s.Store, s.Executor),
		handlers.NewQueryResolution(s.Executor),
		handlers.NewFeedback(s.Tickets),
		handlers.NewBilling(s.Store, s.Executor),
		handlers.NewGrowth(s.Store, s.Executor),
	}
	return s, nil
}

// Validate rejects configurations that would split customer state. Handlers
// reached over Kafka may run in any process, so they must all see one store.
func Validate(cfg *config.Config) error {
	if cfg.Transport.Backend == "kafka" && cfg.Postgres.ConnString == "" {
		return ErrSharedStateRequired
	}
	return nil
}

// ValidateOneShot checks that a command running a single pass, such as one
// monitor cycle, has customer state to read.
func ValidateOneShot(cfg *config.Config) error {
	if cfg.Postgres.ConnString == "" && !cfg.SeedDemo {
		return ErrEphemeralState
	}
	return nil
}

// NewTransport selects the transport backend.
func NewTransport(cfg *config.Config, logger *zap.Logger) (transport.Transport, error) {
	switch cfg.Transport.Backend {
	case "", "memory":
		return transport.NewMemory(cfg.Transport.BufferSize, logger), nil
	case "kafka":
		return transport.NewKafka(transport.KafkaOptions{
			Brokers:     cfg.Kafka.Brokers,
			TopicPrefix: cfg.Kafka.TopicPrefix,
			GroupID:     cfg.Kafka.GroupID,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport backend %q", cfg.Transport.Backend)
	}
}

// NewCollaborators returns HTTP collaborators where a base URL is
// configured and in-process ones otherwise.
func NewCollaborators(cfg *config.Config) (billing.Client, ticketing.Client) {
	var bc billing.Client = billing.NewMemory()
	if c := cfg.Billing; c.BaseURL != "" {
		bc = billing.NewHTTPClient(c.BaseURL, c.Username, c.Password, c.RequestsPerSecond)
	}
	var tc ticketing.Client = ticketing.NewMemory()
	if c := cfg.Ticketing; c.BaseURL != "" {
		tc = ticketing.NewHTTPClient(c.BaseURL, c.Username, c.Password, c.RequestsPerSecond)
	}
	return bc, tc
}

// ExecutorOptions translates the HIL and retry settings.
func ExecutorOptions(cfg *config.Config) (actions.Options, error) {
	threshold, err := hil.ParseRisk(cfg.HIL.RiskThreshold)
	if err != nil {
		return actions.Options{}, fmt.Errorf("hil.risk_threshold: %w", err)
	}
	risk := make(map[actions.Kind]hil.RiskLevel, len(cfg.HIL.ActionRisk))
	for name, level := range cfg.HIL.ActionRisk {
		kind := actions.Kind(name)
		if _, ok := actions.DefaultRisk[kind]; !ok {
			return actions.Options{}, fmt.Errorf("hil.action_risk: %w: %q", actions.ErrUnknownAction, name)
		}
		r, err := hil.ParseRisk(level)
		if err != nil {
			return actions.Options{}, fmt.Errorf("hil.action_risk[%s]: %w", name, err)
		}
		risk[kind] = r
	}
	return actions.Options{Risk: risk, Threshold: threshold, Retry: retryPolicy(cfg)}, nil
}

func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		Attempts:  cfg.Retry.Attempts,
		BaseDelay: cfg.Retry.BaseDelay,
		MaxDelay:  cfg.Retry.MaxDelay,
	}
}

// NewMonitor builds the proactive monitor over the service state.
func (s *Service) NewMonitor() (*monitor.Monitor, error) {
	m := s.cfg.Monitor
	return monitor.New(s.Store, s.Ledger, s.Tickets, s.Transport, monitor.Options{
		Interval:           m.Interval,
		InactivityAfter:    m.InactivityAfter,
		ErrorRateThreshold: m.ErrorRateThreshold,
		Parallelism:        m.Parallelism,
		Priority:           m.Priority,
		EventsEndpoint:     m.EventsEndpoint,
		Retry:              retryPolicy(s.cfg),
	}, s.root)
}

// NewOrchestrator subscribes a new orchestrator to the transport.
func (s *Service) NewOrchestrator() (*orchestrator.Orchestrator, error) {
	return orchestrator.New(s.Transport, s.Store, orchestrator.DefaultRoutingTable(), orchestrator.Options{
		Timeout:          s.cfg.Transport.RequestTimeout,
		SendAttempts:     s.cfg.Transport.SendAttempts,
		RetryDelay:       s.cfg.Retry.BaseDelay,
		HistoryLength:    s.cfg.Orchestrator.HistoryLength,
		MaxConversations: s.cfg.Orchestrator.MaxConversations,
	}, s.root)
}

// ServeHandlers runs the specialist handlers and the approval sweeper until
// ctx is done. It is the whole job of a standalone worker process.
func (s *Service) ServeHandlers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	s.goHandlers(ctx, g)
	return g.Wait()
}

func (s *Service) goHandlers(ctx context.Context, g *errgroup.Group) {
	for _, h := range s.Handlers {
		g.Go(func() error {
			return handlers.Serve(ctx, s.Transport, h, s.cfg.Transport.HandlerTimeout, s.root)
		})
	}
	g.Go(func() error {
		return s.Gate.Run(ctx, s.cfg.HIL.SweepInterval)
	})
}

// Run starts everything: handlers, approval sweeper, orchestrator, monitor,
// event sink and the HTTP API. It returns when ctx is done or a worker fails.
func (s *Service) Run(ctx context.Context) error {
	orch, err := s.NewOrchestrator()
	if err != nil {
		return err
	}
	defer orch.Close()

	mon, err := s.NewMonitor()
	if err != nil {
		return err
	}

	if ep := s.cfg.Monitor.EventsEndpoint; ep != "" {
		sub, err := s.Transport.Subscribe(ep, s.logEvent)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", ep, err)
		}
		defer sub.Unsubscribe()
	}

	server := api.New(orch, s.Store, s.Ledger, s.Gate, s.root)

	g, gctx := errgroup.WithContext(ctx)
	s.goHandlers(gctx, g)
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return server.ListenAndServe(gctx, s.cfg.API.Addr) })

	s.logger.Info("Service running",
		zap.String("transport", s.cfg.Transport.Backend),
		zap.String("api", s.cfg.API.Addr),
		zap.Strings("handlers", s.handlerNames()))
	return g.Wait()
}

func (s *Service) logEvent(_ context.Context, msg transport.Message) error {
	var ev monitor.Event
	if err := msg.Decode(&ev); err != nil {
		return err
	}
	s.logger.Info("Intervention event",
		zap.String("type", ev.Type),
		zap.String("customer_id", ev.Intervention.CustomerID),
		zap.String("kind", string(ev.Intervention.Kind)),
		zap.String("priority", string(ev.Intervention.Priority)),
		zap.String("ticket", ev.Intervention.ExternalTicketRef))
	return nil
}

func (s *Service) handlerNames() []string {
	names := make([]string, 0, len(s.Handlers))
	for _, h := range s.Handlers {
		names = append(names, h.Name())
	}
	sort.Strings(names)
	return names
}

// Close releases the executor, transport and database pool.
func (s *Service) Close() error {
	if s.Executor != nil {
		s.Executor.Close()
	}
	var errs []error
	if s.Transport != nil {
		errs = append(errs, s.Transport.Close())
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return errors.Join(errs...)
}
