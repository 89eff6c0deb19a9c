// Package audit keeps a ledger of group fan-out writes that failed, so they
// can be inspected and replayed. The production ledger lives in PostgreSQL;
// Memory serves single-process runs and tests.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrUnknownFailure is returned when resolving an id the ledger never issued.
var ErrUnknownFailure = errors.New("audit: unknown failure")

// Failure is one notification record that could not be written.
type Failure struct {
	ID          int64
	GroupID     string
	GroupName   string
	Recipient   string
	SenderLabel string
	Error       string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// Ledger records and replays failures.
type Ledger interface {
	Record(ctx context.Context, f Failure) (int64, error)
	ListUnresolved(ctx context.Context, groupID string) ([]Failure, error)
	Resolve(ctx context.Context, id int64) error
}

// Store is the PostgreSQL ledger.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ Ledger = (*Store)(nil)

// Open connects to dsn, applies pending migrations and returns the ledger.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	return NewStore(db, logger), nil
}

// NewStore wraps an already migrated database handle.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, log: logger.With().Str("component", "audit").Logger()}
}

// Migrate applies the embedded schema migrations. It uses its own
// connection because closing the migrator closes the handle it was given.
func Migrate(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("audit: migrate open: %w", err)
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		db.Close()
		return fmt.Errorf("audit: migrate source: %w", err)
	}
	drv, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		src.Close()
		db.Close()
		return fmt.Errorf("audit: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		src.Close()
		drv.Close()
		return fmt.Errorf("audit: migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}

// Record inserts f and returns its id.
func (s *Store) Record(ctx context.Context, f Failure) (int64, error) {
	const query = `
		INSERT INTO fanout_failures (group_id, group_name, recipient, sender_label, error)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		f.GroupID,
		f.GroupName,
		f.Recipient,
		f.SenderLabel,
		f.Error,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("audit: insert: %w", err)
	}
	s.log.Debug().Int64("id", id).Str("group", f.GroupID).Str("recipient", f.Recipient).Msg("fan-out failure recorded")
	return id, nil
}

// ListUnresolved returns open failures, oldest first. An empty groupID
// lists every group.
func (s *Store) ListUnresolved(ctx context.Context, groupID string) ([]Failure, error) {
	const query = `
		SELECT id, group_id, group_name, recipient, sender_label, error, created_at
		FROM fanout_failures
		WHERE resolved_at IS NULL
		  AND ($1 = '' OR group_id = $1)
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("audit: list unresolved: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.ID, &f.GroupID, &f.GroupName, &f.Recipient, &f.SenderLabel, &f.Error, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: list unresolved: %w", err)
	}
	return out, nil
}

// Resolve marks a failure as replayed.
func (s *Store) Resolve(ctx context.Context, id int64) error {
	const query = `
		UPDATE fanout_failures
		SET resolved_at = NOW()
		WHERE id = $1 AND resolved_at IS NULL`

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("audit: resolve %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("audit: resolve %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("audit: resolve %d: %w", id, ErrUnknownFailure)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Memory is an in-process Ledger.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]Failure
	now    func() time.Time
}

var _ Ledger = (*Memory)(nil)

// NewMemory creates an empty in-process ledger.
func NewMemory() *Memory {
	return &Memory{rows: make(map[int64]Failure), now: time.Now}
}

// Record implements Ledger.
func (m *Memory) Record(_ context.Context, f Failure) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	f.ID = m.nextID
	f.CreatedAt = m.now()
	f.ResolvedAt = nil
	m.rows[f.ID] = f
	return f.ID, nil
}

// ListUnresolved implements Ledger.
func (m *Memory) ListUnresolved(_ context.Context, groupID string) ([]Failure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Failure
	for _, f := range m.rows {
		if f.ResolvedAt != nil || (groupID != "" && f.GroupID != groupID) {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Resolve implements Ledger.
func (m *Memory) Resolve(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.rows[id]
	if !ok || f.ResolvedAt != nil {
		return fmt.Errorf("audit: resolve %d: %w", id, ErrUnknownFailure)
	}
	now := m.now()
	f.ResolvedAt = &now
	m.rows[id] = f
	return nil
}
