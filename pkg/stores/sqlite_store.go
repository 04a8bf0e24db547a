package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initialises and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// dsn builds the modernc connection string with per-connection pragmas.
func (s *SQLiteStore) dsn() string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"_txlock=immediate",
		"_time_format=sqlite",
	}
	if s.cfg.Path != MemoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return s.cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// CreateRun creates a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, manifest, status, cancelled, dry_run, suspend_mode, max_parallel, servers,
			started_at, completed_at, duration_ms, error, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	summary := run.Summary
	if summary == "" {
		summary = "{}"
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Manifest,
		run.Status,
		run.Cancelled,
		run.DryRun,
		run.SuspendMode,
		run.MaxParallel,
		run.Servers,
		run.StartedAt.UTC(),
		utcPtr(run.CompletedAt),
		run.Duration.Milliseconds(),
		nullString(run.Error),
		summary,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// FinishRun records the outcome of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, finish RunFinish) error {
	query := `
		UPDATE runs
		SET status = ?, cancelled = ?, completed_at = ?, duration_ms = ?, error = ?, summary = ?
		WHERE id = ?
	`

	summary := finish.Summary
	if summary == "" {
		summary = "{}"
	}

	result, err := s.db.ExecContext(ctx, query,
		finish.Status,
		finish.Cancelled,
		finish.CompletedAt.UTC(),
		finish.Duration.Milliseconds(),
		nullString(finish.Error),
		summary,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	return expectRow(result, "run", id)
}

const runColumns = `id, manifest, status, cancelled, dry_run, suspend_mode, max_parallel, servers,
	started_at, completed_at, duration_ms, COALESCE(error, ''), summary`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var completedAt sql.NullTime
	var durationMS int64

	err := row.Scan(
		&run.ID,
		&run.Manifest,
		&run.Status,
		&run.Cancelled,
		&run.DryRun,
		&run.SuspendMode,
		&run.MaxParallel,
		&run.Servers,
		&run.StartedAt,
		&completedAt,
		&durationMS,
		&run.Error,
		&run.Summary,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// FindRun resolves a run by full ID or unique ID prefix.
func (s *SQLiteStore) FindRun(ctx context.Context, idOrPrefix string) (*Run, error) {
	if run, err := s.GetRun(ctx, idOrPrefix); err == nil || !errors.Is(err, ErrNotFound) {
		return run, err
	}

	if idOrPrefix == "" {
		return nil, fmt.Errorf("run id is required")
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE substr(id, 1, ?) = ? ORDER BY started_at DESC LIMIT 2`
	rows, err := s.db.QueryContext(ctx, query, len(idOrPrefix), idOrPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to find run: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	switch len(runs) {
	case 0:
		return nil, fmt.Errorf("run %s: %w", idOrPrefix, ErrNotFound)
	case 1:
		return runs[0], nil
	default:
		return nil, fmt.Errorf("run prefix %s is ambiguous", idOrPrefix)
	}
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and, through cascading keys, its node results and
// load balancer events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return expectRow(result, "run", id)
}

// UpsertNodeResults writes node results in one transaction.
func (s *SQLiteStore) UpsertNodeResults(ctx context.Context, records []*NodeRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO node_results (run_id, node_id, position, parent_id, server, kind, name, status,
			skip_reason, error, output, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, node_id) DO UPDATE SET
			status = excluded.status,
			skip_reason = excluded.skip_reason,
			error = excluded.error,
			output = excluded.output,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare node result upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			r.RunID,
			r.NodeID,
			r.Position,
			r.ParentID,
			r.Server,
			r.Kind,
			r.Name,
			r.Status,
			r.SkipReason,
			r.Error,
			r.Output,
			utcPtr(r.StartedAt),
			utcPtr(r.CompletedAt),
			r.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert node result %s: %w", r.NodeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit node results: %w", err)
	}
	return nil
}

// ListNodeResults returns a run's node results, local nodes first and then
// servers in declaration order.
func (s *SQLiteStore) ListNodeResults(ctx context.Context, runID string) ([]*NodeRecord, error) {
	query := `
		SELECT run_id, node_id, position, parent_id, server, kind, name, status,
			skip_reason, error, output, started_at, completed_at, duration_ms
		FROM node_results
		WHERE run_id = ?
		ORDER BY position ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node results: %w", err)
	}
	defer rows.Close()

	records := []*NodeRecord{}
	for rows.Next() {
		r := &NodeRecord{}
		var startedAt, completedAt sql.NullTime
		var durationMS int64
		err := rows.Scan(
			&r.RunID,
			&r.NodeID,
			&r.Position,
			&r.ParentID,
			&r.Server,
			&r.Kind,
			&r.Name,
			&r.Status,
			&r.SkipReason,
			&r.Error,
			&r.Output,
			&startedAt,
			&completedAt,
			&durationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node result: %w", err)
		}
		if startedAt.Valid {
			t := startedAt.Time
			r.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node results: %w", err)
	}
	return records, nil
}

// AppendLBEvent records a load balancer call.
func (s *SQLiteStore) AppendLBEvent(ctx context.Context, event *LBEvent) error {
	query := `INSERT INTO lb_events (run_id, server, action, mode, error, at) VALUES (?, ?, ?, ?, ?, ?)`

	at := event.At
	if at.IsZero() {
		at = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query, event.RunID, event.Server, event.Action, event.Mode, event.Error, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to append load balancer event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// ListLBEvents returns a run's load balancer calls in order.
func (s *SQLiteStore) ListLBEvents(ctx context.Context, runID string) ([]*LBEvent, error) {
	query := `SELECT id, run_id, server, action, mode, error, at FROM lb_events WHERE run_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list load balancer events: %w", err)
	}
	defer rows.Close()

	events := []*LBEvent{}
	for rows.Next() {
		e := &LBEvent{}
		if err := rows.Scan(&e.ID, &e.RunID, &e.Server, &e.Action, &e.Mode, &e.Error, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan load balancer event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating load balancer events: %w", err)
	}
	return events, nil
}

// UpsertFacts stores the facts of one server, replacing older ones.
func (s *SQLiteStore) UpsertFacts(ctx context.Context, facts *FactRecord) error {
	extra, err := json.Marshal(facts.Extra)
	if err != nil {
		return fmt.Errorf("failed to encode extra facts: %w", err)
	}
	if facts.Extra == nil {
		extra = []byte("{}")
	}

	collectedAt := facts.CollectedAt
	if collectedAt.IsZero() {
		collectedAt = time.Now()
	}

	query := `
		INSERT INTO facts (server, os_name, os_version, kernel, arch, hostname, extra, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server) DO UPDATE SET
			os_name = excluded.os_name,
			os_version = excluded.os_version,
			kernel = excluded.kernel,
			arch = excluded.arch,
			hostname = excluded.hostname,
			extra = excluded.extra,
			collected_at = excluded.collected_at
	`

	_, err = s.db.ExecContext(ctx, query,
		facts.Server,
		facts.OSName,
		facts.OSVersion,
		facts.Kernel,
		facts.Arch,
		facts.Hostname,
		string(extra),
		collectedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert facts: %w", err)
	}
	return nil
}

// GetFacts returns the stored facts of server.
func (s *SQLiteStore) GetFacts(ctx context.Context, server string) (*FactRecord, error) {
	query := `
		SELECT server, os_name, os_version, kernel, arch, hostname, extra, collected_at
		FROM facts
		WHERE server = ?
	`

	f := &FactRecord{}
	var extra string
	err := s.db.QueryRowContext(ctx, query, server).Scan(
		&f.Server,
		&f.OSName,
		&f.OSVersion,
		&f.Kernel,
		&f.Arch,
		&f.Hostname,
		&extra,
		&f.CollectedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("facts for %s: %w", server, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get facts: %w", err)
	}

	if extra != "" && extra != "{}" && extra != "null" {
		if err := json.Unmarshal([]byte(extra), &f.Extra); err != nil {
			return nil, fmt.Errorf("failed to decode extra facts: %w", err)
		}
	}
	return f, nil
}

// DeleteFactsOlderThan removes facts collected before cutoff.
func (s *SQLiteStore) DeleteFactsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE collected_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete facts: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func utcPtr(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}
