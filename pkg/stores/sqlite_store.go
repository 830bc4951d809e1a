package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/openfroyo/lom/pkg/engine"
	"github.com/openfroyo/lom/pkg/protocol"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLitePublisher keeps the latest status of every action and the snapshot of every
// active sequence in a SQLite database.
type SQLitePublisher struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

// NewSQLitePublisher creates a publisher for the database at cfg.Path. Call Init and
// Migrate before publishing.
func NewSQLitePublisher(cfg Config, logger zerolog.Logger) (*SQLitePublisher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLitePublisher{
		cfg:    cfg,
		logger: logger.With().Str("component", "sqlite-publisher").Logger(),
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLitePublisher) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

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

	s.db = db
	s.logger.Debug().Str("path", s.cfg.Path).Msg("Database opened")
	return nil
}

// Close closes the database connection.
func (s *SQLitePublisher) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLitePublisher) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
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

	version, _, err := m.Version()
	if err == nil {
		s.logger.Debug().Uint("version", version).Msg("Database migrated")
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLitePublisher) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// PublishActionStatus records status as the latest state of its action.
func (s *SQLitePublisher) PublishActionStatus(ctx context.Context, status engine.ActionStatus) error {
	query := `
		INSERT INTO action_status (action, proc_id, instance_id, sequence_id, status, result_code, result_str, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(action) DO UPDATE SET
			proc_id = excluded.proc_id,
			instance_id = excluded.instance_id,
			sequence_id = excluded.sequence_id,
			status = excluded.status,
			result_code = excluded.result_code,
			result_str = excluded.result_str,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		status.Action,
		status.ProcID,
		status.InstanceID,
		status.SequenceID,
		status.Status.String(),
		int(status.ResultCode),
		status.ResultStr,
		status.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to publish action status: %w", err)
	}
	return nil
}

// PublishSequence stores or replaces the snapshot of a sequence.
func (s *SQLitePublisher) PublishSequence(ctx context.Context, snapshot engine.SequenceSnapshot) error {
	anomaly, err := json.Marshal(snapshot.Anomaly)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly: %w", err)
	}
	entries := snapshot.Context
	if entries == nil {
		entries = []protocol.ContextEntry{}
	}
	history, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}

	var endedAt *time.Time
	if snapshot.EndedAt != nil {
		t := snapshot.EndedAt.UTC()
		endedAt = &t
	}

	query := `
		INSERT INTO sequences (id, anomaly_name, anomaly_key, anomaly, state, context, current, reason, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			context = excluded.context,
			current = excluded.current,
			reason = excluded.reason,
			ended_at = excluded.ended_at
	`

	_, err = s.db.ExecContext(ctx, query,
		snapshot.ID,
		snapshot.Anomaly.Name,
		snapshot.Anomaly.Key,
		string(anomaly),
		string(snapshot.State),
		string(history),
		snapshot.Current,
		snapshot.Reason,
		snapshot.StartedAt.UTC(),
		endedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to publish sequence: %w", err)
	}
	return nil
}

// RemoveSequence deletes the snapshot of a finished sequence. Removing an unknown
// sequence is not an error.
func (s *SQLitePublisher) RemoveSequence(ctx context.Context, sequenceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sequences WHERE id = ?`, sequenceID); err != nil {
		return fmt.Errorf("failed to remove sequence: %w", err)
	}
	return nil
}

// ActionStatus returns the latest status of an action.
func (s *SQLitePublisher) ActionStatus(ctx context.Context, action string) (*engine.ActionStatus, error) {
	query := `
		SELECT action, proc_id, instance_id, sequence_id, status, result_code, result_str, updated_at
		FROM action_status
		WHERE action = ?
	`

	status, err := scanActionStatus(s.db.QueryRowContext(ctx, query, action))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action status %s: %w", action, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action status: %w", err)
	}
	return status, nil
}

// ActionStatuses returns the latest status of every action, sorted by action name.
func (s *SQLitePublisher) ActionStatuses(ctx context.Context) ([]engine.ActionStatus, error) {
	query := `
		SELECT action, proc_id, instance_id, sequence_id, status, result_code, result_str, updated_at
		FROM action_status
		ORDER BY action
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list action statuses: %w", err)
	}
	defer rows.Close()

	statuses := []engine.ActionStatus{}
	for rows.Next() {
		status, err := scanActionStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action status: %w", err)
		}
		statuses = append(statuses, *status)
	}
	return statuses, rows.Err()
}

// Sequence returns the snapshot of an active sequence.
func (s *SQLitePublisher) Sequence(ctx context.Context, id string) (*engine.SequenceSnapshot, error) {
	query := `
		SELECT id, anomaly, state, context, current, reason, started_at, ended_at
		FROM sequences
		WHERE id = ?
	`

	snapshot, err := scanSequence(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sequence %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence: %w", err)
	}
	return snapshot, nil
}

// Sequences returns the snapshots of every active sequence, oldest first.
func (s *SQLitePublisher) Sequences(ctx context.Context) ([]engine.SequenceSnapshot, error) {
	query := `
		SELECT id, anomaly, state, context, current, reason, started_at, ended_at
		FROM sequences
		ORDER BY started_at, id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sequences: %w", err)
	}
	defer rows.Close()

	snapshots := []engine.SequenceSnapshot{}
	for rows.Next() {
		snapshot, err := scanSequence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sequence: %w", err)
		}
		snapshots = append(snapshots, *snapshot)
	}
	return snapshots, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanActionStatus(row scanner) (*engine.ActionStatus, error) {
	var (
		status engine.ActionStatus
		state  string
		code   int
	)
	err := row.Scan(
		&status.Action,
		&status.ProcID,
		&status.InstanceID,
		&status.SequenceID,
		&state,
		&code,
		&status.ResultStr,
		&status.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := status.Status.UnmarshalText([]byte(state)); err != nil {
		return nil, err
	}
	status.ResultCode = protocol.ResultCode(code)
	return &status, nil
}

func scanSequence(row scanner) (*engine.SequenceSnapshot, error) {
	var (
		snapshot engine.SequenceSnapshot
		anomaly  string
		state    string
		entries  string
		endedAt  sql.NullTime
	)
	err := row.Scan(
		&snapshot.ID,
		&anomaly,
		&state,
		&entries,
		&snapshot.Current,
		&snapshot.Reason,
		&snapshot.StartedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(anomaly), &snapshot.Anomaly); err != nil {
		return nil, fmt.Errorf("failed to unmarshal anomaly: %w", err)
	}
	if err := json.Unmarshal([]byte(entries), &snapshot.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	snapshot.State = engine.SequenceState(state)
	if endedAt.Valid {
		t := endedAt.Time
		snapshot.EndedAt = &t
	}
	return &snapshot, nil
}
