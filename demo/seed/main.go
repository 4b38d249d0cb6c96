// Command seed loads the demo customers into Postgres.
package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/refset/aegis/internal/logging"
	"github.com/refset/aegis/internal/store"
)

func main() {
	logger, err := logging.New("info")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	connString := os.Getenv("POSTGRES_CONN_STRING")
	if connString == "" {
		connString = "postgres://localhost:5432/aegis?sslmode=disable"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := store.Connect(ctx, connString)
	if err != nil {
		logger.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		logger.Fatal("Failed to migrate", zap.Error(err))
	}

	profiles := store.DemoProfiles(time.Now().UTC())
	if err := store.NewPostgres(pool).Seed(ctx, profiles...); err != nil {
		logger.Fatal("Failed to seed", zap.Error(err))
	}
	for _, p := range profiles {
		logger.Info("Seeded customer",
			zap.String("customer_id", p.CustomerID),
			zap.String("company", p.Company),
			zap.String("tier", string(p.Tier)),
			zap.String("stage", string(p.Stage)),
			zap.Float64("error_rate", p.ErrorRate),
			zap.String("trend", string(p.UsageTrend)))
	}
	logger.Info("Done", zap.Int("customers", len(profiles)))
}
