// Package api is the HTTP front door: inbound customer requests, customer
// state, the intervention ledger and the approval surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/refset/aegis/internal/customer"
	"github.com/refset/aegis/internal/hil"
	"github.com/refset/aegis/internal/httpjson"
	"github.com/refset/aegis/internal/orchestrator"
	"github.com/refset/aegis/internal/store"
)

// Router handles inbound customer requests.
type Router interface {
	Handle(ctx context.Context, req orchestrator.Request) (orchestrator.Response, error)
}

type Server struct {
	router Router
	store  store.Store
	ledger store.Ledger
	gate   *hil.Gate
	now    func() time.Time
	logger *zap.Logger
}

type customerView struct {
	Profile customer.Profile `json:"profile"`
	Health  customer.Health  `json:"health"`
}

func New(router Router, st store.Store, ledger store.Ledger, gate *hil.Gate, logger *zap.Logger) *Server {
	return &Server{
		router: router,
		store:  st,
		ledger: ledger,
		gate:   gate,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.Named("api"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpjson.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /requests", s.handleRequest)
	mux.HandleFunc("GET /customers/{id}", s.handleCustomer)
	mux.HandleFunc("POST /customers/{id}/usage", s.handleUsage)
	mux.HandleFunc("POST /customers/{id}/reset", s.handleReset)
	mux.HandleFunc("GET /interventions", s.handleInterventions)
	mux.HandleFunc("POST /interventions/{id}/resolve", s.handleResolve)

	approvals := hil.NewHandler(s.gate)
	mux.Handle("/approvals", approvals)
	mux.Handle("/approvals/", approvals)
	return s.logRequests(mux)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, err, http.StatusBadRequest)
		return
	}
	resp, err := s.router.Handle(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		httpjson.Error(w, err, status)
		return
	}
	httpjson.Respond(w, http.StatusOK, resp)
}

func (s *Server) handleCustomer(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httpjson.Error(w, err, http.StatusInternalServerError)
		return
	}
	s.respondCustomer(w, p)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var report customer.UsageReport
	if err := httpjson.Decode(r, &report); err != nil {
		httpjson.Error(w, err, http.StatusBadRequest)
		return
	}
	now := s.now()
	p, err := s.store.Mutate(r.Context(), r.PathValue("id"), func(p *customer.Profile) error {
		return customer.RecordUsage(p, report, now)
	})
	if err != nil {
		httpjson.Error(w, err, statusFor(err))
		return
	}
	s.respondCustomer(w, p)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.Reset(r.Context(), r.PathValue("id"))
	if err != nil {
		httpjson.Error(w, err, statusFor(err))
		return
	}
	s.logger.Info("Onboarding reset", zap.String("customer_id", p.CustomerID))
	s.respondCustomer(w, p)
}

func (s *Server) respondCustomer(w http.ResponseWriter, p customer.Profile) {
	httpjson.Respond(w, http.StatusOK, customerView{Profile: p, Health: customer.Assess(p, s.now())})
}

func (s *Server) handleInterventions(w http.ResponseWriter, r *http.Request) {
	var (
		ivs []customer.Intervention
		err error
	)
	switch status := r.URL.Query().Get("status"); status {
	case "", "all":
		ivs, err = s.ledger.List(r.Context())
	case string(customer.InterventionOpen):
		ivs, err = s.ledger.ListOpen(r.Context())
	default:
		httpjson.Error(w, fmt.Errorf("unknown status %q", status), http.StatusBadRequest)
		return
	}
	if err != nil {
		httpjson.Error(w, err, http.StatusInternalServerError)
		return
	}
	httpjson.Respond(w, http.StatusOK, ivs)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	iv, err := s.ledger.Resolve(r.Context(), r.PathValue("id"), s.now())
	if err != nil {
		httpjson.Error(w, err, statusFor(err))
		return
	}
	s.logger.Info("Intervention resolved by operator",
		zap.String("id", iv.ID),
		zap.String("dedup_key", iv.DedupKey))
	httpjson.Respond(w, http.StatusOK, iv)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, customer.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}
