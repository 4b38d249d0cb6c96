// Command simulate posts randomized usage for the demo customers so the
// monitor has something to react to.
package main

import (
	"context"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/refset/aegis/internal/customer"
	"github.com/refset/aegis/internal/logging"
	"github.com/refset/aegis/internal/rest"
)

var customers = []string{
	"demo_trial_customer",
	"demo_active_customer",
	"demo_at_risk_customer",
}

// errorScenarios alternate between healthy and failing batches.
var errorScenarios = []float64{0, 0.02, 0.15, 0.25}

var trends = []customer.UsageTrend{customer.TrendIncreasing, customer.TrendStable, customer.TrendDeclining}

func main() {
	logger, err := logging.New("info")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	baseURL := os.Getenv("AEGIS_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8001"
	}
	interval := 30 * time.Second
	if v := os.Getenv("SIMULATE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			interval = d
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	client := rest.NewClient(baseURL, "", "", 5)
	logger.Info("Simulating customer activity", zap.String("api", baseURL), zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		tick(ctx, client, logger)
		select {
		case <-ctx.Done():
			logger.Info("Stopping simulator")
			return
		case <-ticker.C:
		}
	}
}

func tick(ctx context.Context, client *rest.Client, logger *zap.Logger) {
	for _, id := range customers {
		// 70% chance of activity per customer per tick.
		if rand.Float64() > 0.7 {
			continue
		}
		calls := int64(rand.Intn(50) + 1)
		rate := errorScenarios[rand.Intn(len(errorScenarios))]
		report := customer.UsageReport{
			Calls:  calls,
			Errors: int64(float64(calls) * rate),
			Trend:  trends[rand.Intn(len(trends))],
		}

		var out struct {
			Health customer.Health `json:"health"`
		}
		if err := client.Do(ctx, http.MethodPost, "/customers/"+id+"/usage", report, &out); err != nil {
			logger.Warn("Usage report failed", zap.String("customer_id", id), zap.Error(err))
			continue
		}
		logger.Info("Reported usage",
			zap.String("customer_id", id),
			zap.Int64("calls", report.Calls),
			zap.Int64("errors", report.Errors),
			zap.String("trend", string(report.Trend)),
			zap.String("risk", string(out.Health.RiskLevel)))
	}
}
