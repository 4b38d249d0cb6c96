package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/refset/aegis/internal/customer"
)

// Schema creates the customer and intervention tables. The partial unique
// index enforces one open intervention per dedup key.
const Schema = `
CREATE TABLE IF NOT EXISTS customers (
	customer_id TEXT PRIMARY KEY,
	profile     JSONB NOT NULL,
	version     BIGINT NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS interventions (
	id                  TEXT PRIMARY KEY,
	customer_id         TEXT NOT NULL,
	kind                TEXT NOT NULL,
	priority            TEXT NOT NULL,
	message             TEXT NOT NULL,
	dedup_key           TEXT NOT NULL,
	status              TEXT NOT NULL,
	external_ticket_ref TEXT,
	created_at          TIMESTAMPTZ NOT NULL,
	resolved_at         TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS interventions_one_open
	ON interventions (dedup_key) WHERE status = 'open';
`

// Connect opens a pgx pool for the store and ledger.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate applies Schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Postgres is a Store backed by one JSONB row per customer. Mutations lock
// the row with SELECT ... FOR UPDATE, which serializes writers per customer
// while leaving other customers free.
type Postgres struct {
	pool     *pgxpool.Pool
	now      func() time.Time
	attempts int
	backoff  time.Duration
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		pool:     pool,
		now:      func() time.Time { return time.Now().UTC() },
		attempts: 5,
		backoff:  20 * time.Millisecond,
	}
}

func (s *Postgres) Get(ctx context.Context, customerID string) (customer.Profile, error) {
	if err := s.ensure(ctx, s.pool, customerID); err != nil {
		return customer.Profile{}, err
	}
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT profile FROM customers WHERE customer_id = $1`, customerID).Scan(&raw)
	if err != nil {
		return customer.Profile{}, fmt.Errorf("load customer %s: %w", customerID, err)
	}
	return decodeProfile(raw)
}

func (s *Postgres) Mutate(ctx context.Context, customerID string, fn MutateFunc) (customer.Profile, error) {
	return s.withRetry(ctx, customerID, func(prev customer.Profile) (customer.Profile, error) {
		return mutateProfile(prev, fn, s.now())
	})
}

func (s *Postgres) Reset(ctx context.Context, customerID string) (customer.Profile, error) {
	return s.withRetry(ctx, customerID, func(prev customer.Profile) (customer.Profile, error) {
		next := customer.Reset(prev, s.now())
		next.Version = prev.Version + 1
		return next, nil
	})
}

func (s *Postgres) ListAll(ctx context.Context) ([]customer.Profile, error) {
	rows, err := s.pool.Query(ctx, `SELECT profile FROM customers ORDER BY customer_id`)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	defer rows.Close()

	var out []customer.Profile
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		p, err := decodeProfile(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Seed upserts profiles as-is, bypassing transition checks.
func (s *Postgres) Seed(ctx context.Context, profiles ...customer.Profile) error {
	for _, p := range profiles {
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO customers (customer_id, profile, version, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (customer_id) DO UPDATE
			SET profile = EXCLUDED.profile, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
		`, p.CustomerID, raw, p.Version, s.now())
		if err != nil {
			return fmt.Errorf("seed customer %s: %w", p.CustomerID, err)
		}
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Postgres) ensure(ctx context.Context, db execer, customerID string) error {
	raw, err := json.Marshal(customer.NewProfile(customerID, s.now()))
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO customers (customer_id, profile, version, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (customer_id) DO NOTHING
	`, customerID, raw, s.now())
	if err != nil {
		return fmt.Errorf("create customer %s: %w", customerID, err)
	}
	return nil
}

// withRetry runs one locked read-modify-write, retrying on ErrConflict.
func (s *Postgres) withRetry(ctx context.Context, customerID string, step func(customer.Profile) (customer.Profile, error)) (customer.Profile, error) {
	delay := s.backoff
	var last error
	for attempt := 0; attempt < s.attempts; attempt++ {
		p, err := s.mutateOnce(ctx, customerID, step)
		if !errors.Is(err, ErrConflict) {
			return p, err
		}
		last = err
		select {
		case <-ctx.Done():
			return customer.Profile{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return customer.Profile{}, last
}

func (s *Postgres) mutateOnce(ctx context.Context, customerID string, step func(customer.Profile) (customer.Profile, error)) (customer.Profile, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return customer.Profile{}, classify(err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensure(ctx, tx, customerID); err != nil {
		return customer.Profile{}, classify(err)
	}

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT profile FROM customers WHERE customer_id = $1 FOR UPDATE`, customerID).Scan(&raw)
	if err != nil {
		return customer.Profile{}, classify(err)
	}
	prev, err := decodeProfile(raw)
	if err != nil {
		return customer.Profile{}, err
	}

	next, err := step(prev)
	if err != nil {
		return prev, err
	}

	raw, err = json.Marshal(next)
	if err != nil {
		return prev, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE customers SET profile = $2, version = $3, updated_at = $4 WHERE customer_id = $1
	`, customerID, raw, next.Version, next.UpdatedAt)
	if err != nil {
		return prev, classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return prev, classify(err)
	}
	return next, nil
}

// classify maps serialization and deadlock failures onto ErrConflict.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
	}
	return err
}

func decodeProfile(raw []byte) (customer.Profile, error) {
	var p customer.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return customer.Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

// PostgresLedger stores interventions in the interventions table.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

const interventionColumns = `id, customer_id, kind, priority, message, dedup_key, status, external_ticket_ref, created_at, resolved_at`

func (l *PostgresLedger) OpenOrCreate(ctx context.Context, iv customer.Intervention) (customer.Intervention, bool, error) {
	// The open row can be resolved between the failed insert and the read,
	// so loop until one of the two statements wins.
	for attempt := 0; attempt < 3; attempt++ {
		row := l.pool.QueryRow(ctx, `
			INSERT INTO interventions (`+interventionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, 'open', $7, $8, NULL)
			ON CONFLICT (dedup_key) WHERE status = 'open' DO NOTHING
			RETURNING `+interventionColumns,
			iv.ID, iv.CustomerID, iv.Kind, iv.Priority, iv.Message, iv.DedupKey, nullable(iv.ExternalTicketRef), iv.CreatedAt)
		created, err := scanIntervention(row)
		if err == nil {
			return created, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return customer.Intervention{}, false, fmt.Errorf("insert intervention: %w", err)
		}

		row = l.pool.QueryRow(ctx, `SELECT `+interventionColumns+` FROM interventions WHERE dedup_key = $1 AND status = 'open'`, iv.DedupKey)
		existing, err := scanIntervention(row)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return customer.Intervention{}, false, fmt.Errorf("load open intervention: %w", err)
		}
	}
	return customer.Intervention{}, false, fmt.Errorf("%w: intervention %s", ErrConflict, iv.DedupKey)
}

func (l *PostgresLedger) FindOpen(ctx context.Context, dedupKey string) (customer.Intervention, bool, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+interventionColumns+` FROM interventions WHERE dedup_key = $1 AND status = 'open'`, dedupKey)
	iv, err := scanIntervention(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return customer.Intervention{}, false, nil
	}
	if err != nil {
		return customer.Intervention{}, false, fmt.Errorf("load open intervention: %w", err)
	}
	return iv, true, nil
}

func (l *PostgresLedger) ResolveOpen(ctx context.Context, dedupKey string, at time.Time) (customer.Intervention, bool, error) {
	row := l.pool.QueryRow(ctx, `
		UPDATE interventions SET status = 'resolved', resolved_at = $2
		WHERE dedup_key = $1 AND status = 'open'
		RETURNING `+interventionColumns, dedupKey, at)
	iv, err := scanIntervention(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return customer.Intervention{}, false, nil
	}
	if err != nil {
		return customer.Intervention{}, false, fmt.Errorf("resolve intervention: %w", err)
	}
	return iv, true, nil
}

func (l *PostgresLedger) Resolve(ctx context.Context, id string, at time.Time) (customer.Intervention, error) {
	row := l.pool.QueryRow(ctx, `
		UPDATE interventions SET status = 'resolved', resolved_at = $2
		WHERE id = $1 AND status = 'open'
		RETURNING `+interventionColumns, id, at)
	iv, err := scanIntervention(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return l.Get(ctx, id)
	}
	if err != nil {
		return customer.Intervention{}, fmt.Errorf("resolve intervention: %w", err)
	}
	return iv, nil
}

func (l *PostgresLedger) Get(ctx context.Context, id string) (customer.Intervention, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+interventionColumns+` FROM interventions WHERE id = $1`, id)
	iv, err := scanIntervention(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return customer.Intervention{}, ErrNotFound
	}
	return iv, err
}

func (l *PostgresLedger) ListOpen(ctx context.Context) ([]customer.Intervention, error) {
	return l.query(ctx, `SELECT `+interventionColumns+` FROM interventions WHERE status = 'open' ORDER BY dedup_key`)
}

func (l *PostgresLedger) List(ctx context.Context) ([]customer.Intervention, error) {
	return l.query(ctx, `SELECT `+interventionColumns+` FROM interventions ORDER BY created_at, id`)
}

func (l *PostgresLedger) query(ctx context.Context, sql string, args ...any) ([]customer.Intervention, error) {
	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer rows.Close()

	var out []customer.Intervention
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

func scanIntervention(row pgx.Row) (customer.Intervention, error) {
	var (
		iv     customer.Intervention
		ticket *string
	)
	err := row.Scan(&iv.ID, &iv.CustomerID, &iv.Kind, &iv.Priority, &iv.Message, &iv.DedupKey,
		&iv.Status, &ticket, &iv.CreatedAt, &iv.ResolvedAt)
	if err != nil {
		return customer.Intervention{}, err
	}
	if ticket != nil {
		iv.ExternalTicketRef = *ticket
	}
	return iv, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
