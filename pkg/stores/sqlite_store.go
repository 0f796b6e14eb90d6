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
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// normalize fills unset fields with defaults.
func (c Config) normalize() Config {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	return c
}

// SQLiteStore implements AuditStore on SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// NewSQLiteStore creates a store instance. Init must be called before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{cfg: cfg.normalize()}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
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
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
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

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// AppendAudit stores one audit event.
func (s *SQLiteStore) AppendAudit(ctx context.Context, orchestrationID string, event engine.AuditEvent) error {
	var details []byte
	if event.Details != nil {
		var err error
		details, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (orchestration_id, sequence, event, domain, timestamp, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`, orchestrationID, event.Sequence, event.Event, event.Domain, event.Timestamp, details)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListAudit returns a run's audit events in sequence order.
func (s *SQLiteStore) ListAudit(ctx context.Context, orchestrationID string) ([]engine.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, event, domain, timestamp, details
		FROM audit_events
		WHERE orchestration_id = ?
		ORDER BY sequence ASC
	`, orchestrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []engine.AuditEvent
	for rows.Next() {
		var event engine.AuditEvent
		var details sql.NullString
		if err := rows.Scan(&event.Sequence, &event.Event, &event.Domain, &event.Timestamp, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// SaveDomainState upserts the latest snapshot for a domain.
func (s *SQLiteStore) SaveDomainState(ctx context.Context, orchestrationID string, state *engine.DomainDeploymentState) error {
	if state == nil {
		return fmt.Errorf("nil domain state")
	}

	var startedAt, completedAt interface{}
	if !state.StartedAt.IsZero() {
		startedAt = state.StartedAt
	}
	if state.CompletedAt != nil {
		completedAt = *state.CompletedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO domain_states (
			orchestration_id, domain, status, deployment_id, failed_phase,
			deployed_url, worker_id, errors, warnings, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (orchestration_id, domain) DO UPDATE SET
			status = excluded.status,
			deployment_id = excluded.deployment_id,
			failed_phase = excluded.failed_phase,
			deployed_url = excluded.deployed_url,
			worker_id = excluded.worker_id,
			errors = excluded.errors,
			warnings = excluded.warnings,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`,
		orchestrationID, state.Domain, string(state.Status), state.DeploymentID, string(state.FailedPhase),
		state.DeployedURL, state.WorkerID,
		strings.Join(state.Errors, "\n"), strings.Join(state.Warnings, "\n"),
		startedAt, completedAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert domain state: %w", err)
	}
	return nil
}

// GetDomainState returns the latest snapshot for one domain.
func (s *SQLiteStore) GetDomainState(ctx context.Context, orchestrationID string, domain string) (*engine.DomainDeploymentState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, status, deployment_id, failed_phase, deployed_url, worker_id,
		       errors, warnings, started_at, completed_at
		FROM domain_states
		WHERE orchestration_id = ? AND domain = ?
	`, orchestrationID, domain)

	state, err := scanDomainState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no state for domain %s in run %s", domain, orchestrationID)
	}
	return state, err
}

// ListDomainStates returns the latest snapshots for every domain in a run.
func (s *SQLiteStore) ListDomainStates(ctx context.Context, orchestrationID string) ([]*engine.DomainDeploymentState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, status, deployment_id, failed_phase, deployed_url, worker_id,
		       errors, warnings, started_at, completed_at
		FROM domain_states
		WHERE orchestration_id = ?
		ORDER BY domain ASC
	`, orchestrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query domain states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []*engine.DomainDeploymentState
	for rows.Next() {
		state, err := scanDomainState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// ListRuns returns known orchestration runs, newest first, with domain
// counts.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT orchestration_id, COUNT(*), MAX(updated_at)
		FROM domain_states
		GROUP BY orchestration_id
		ORDER BY MAX(updated_at) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunSummary
	for rows.Next() {
		var run RunSummary
		if err := rows.Scan(&run.OrchestrationID, &run.Domains, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run summary: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDomainState(row rowScanner) (*engine.DomainDeploymentState, error) {
	var state engine.DomainDeploymentState
	var status, failedPhase, errorsCol, warningsCol string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&state.Domain, &status, &state.DeploymentID, &failedPhase,
		&state.DeployedURL, &state.WorkerID,
		&errorsCol, &warningsCol, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	state.Status = engine.DomainStatus(status)
	state.FailedPhase = engine.Phase(failedPhase)
	if errorsCol != "" {
		state.Errors = strings.Split(errorsCol, "\n")
	}
	if warningsCol != "" {
		state.Warnings = strings.Split(warningsCol, "\n")
	}
	if startedAt.Valid {
		state.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		state.CompletedAt = &t
	}
	return &state, nil
}

// HealthCheck verifies the store is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

var _ AuditStore = (*SQLiteStore)(nil)
