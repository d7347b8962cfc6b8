package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/runbookd/runbookd/internal/model"
)

// ErrExecutionNotFound is returned when an execution record does not exist
var ErrExecutionNotFound = errors.New("execution not found")

// ExecutionStorage defines the interface for execution record storage
type ExecutionStorage interface {
	// SaveExecution persists a finalized execution record. Called exactly
	// once per run by the orchestrator.
	SaveExecution(ctx context.Context, record *model.ExecutionRecord) error

	// Get retrieves an execution record by ID
	Get(ctx context.Context, id string) (*model.ExecutionRecord, error)

	// List retrieves execution records with pagination and filters
	List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*model.ExecutionRecord, error)

	// DeleteBefore deletes records started before the specified time
	DeleteBefore(ctx context.Context, before time.Time) error
}

// SQLiteExecutionStore implements ExecutionStorage using SQLite
type SQLiteExecutionStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteExecutionStore creates a new SQLite-based execution store
func NewSQLiteExecutionStore(logger *zap.Logger, dbPath string) (*SQLiteExecutionStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteExecutionStore{
		logger: logger.Named("execution-store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteExecutionStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			runbook_name TEXT,
			triggered_by TEXT NOT NULL,
			status TEXT NOT NULL,
			timeline TEXT,
			outcomes TEXT,
			host_load TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_executions_runbook ON executions(runbook_name);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
		CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// SaveExecution implements ExecutionStorage.SaveExecution
func (s *SQLiteExecutionStore) SaveExecution(ctx context.Context, record *model.ExecutionRecord) error {
	timeline, err := json.Marshal(record.Timeline)
	if err != nil {
		return fmt.Errorf("failed to marshal timeline: %w", err)
	}
	outcomes, err := json.Marshal(record.Outcomes)
	if err != nil {
		return fmt.Errorf("failed to marshal outcomes: %w", err)
	}

	var hostLoad sql.NullString
	if record.HostLoad != nil {
		data, err := json.Marshal(record.HostLoad)
		if err != nil {
			return fmt.Errorf("failed to marshal host load: %w", err)
		}
		hostLoad = sql.NullString{String: string(data), Valid: true}
	}

	var completedAt sql.NullTime
	if record.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *record.CompletedAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO executions (
			id, runbook_name, triggered_by, status, timeline, outcomes,
			host_load, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.RunbookName,
		record.TriggeredBy,
		string(record.OverallStatus),
		string(timeline),
		string(outcomes),
		hostLoad,
		record.StartedAt,
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// Get implements ExecutionStorage.Get
func (s *SQLiteExecutionStore) Get(ctx context.Context, id string) (*model.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, runbook_name, triggered_by, status, timeline, outcomes,
		       host_load, started_at, completed_at
		FROM executions WHERE id = ?`, id)

	record, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return record, nil
}

// List implements ExecutionStorage.List
func (s *SQLiteExecutionStore) List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*model.ExecutionRecord, error) {
	query := `SELECT id, runbook_name, triggered_by, status, timeline, outcomes,
	                 host_load, started_at, completed_at
	          FROM executions`
	args := make([]interface{}, 0)

	if len(filters) > 0 {
		query += " WHERE"
		first := true
		for key, value := range filters {
			if !first {
				query += " AND"
			}
			query += fmt.Sprintf(" %s = ?", key)
			args = append(args, value)
			first = false
		}
	}

	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var records []*model.ExecutionRecord
	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// DeleteBefore implements ExecutionStorage.DeleteBefore
func (s *SQLiteExecutionStore) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM executions WHERE started_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete executions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old execution records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return nil
}

// Close closes the database connection
func (s *SQLiteExecutionStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*model.ExecutionRecord, error) {
	var record model.ExecutionRecord
	var status string
	var timeline, outcomes, hostLoad sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&record.ID,
		&record.RunbookName,
		&record.TriggeredBy,
		&status,
		&timeline,
		&outcomes,
		&hostLoad,
		&record.StartedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	record.OverallStatus = model.ExecutionStatus(status)
	if completedAt.Valid {
		record.CompletedAt = &completedAt.Time
	}
	if timeline.Valid && timeline.String != "" {
		if err := json.Unmarshal([]byte(timeline.String), &record.Timeline); err != nil {
			return nil, fmt.Errorf("failed to unmarshal timeline: %w", err)
		}
	}
	if outcomes.Valid && outcomes.String != "" {
		if err := json.Unmarshal([]byte(outcomes.String), &record.Outcomes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outcomes: %w", err)
		}
	}
	if hostLoad.Valid && hostLoad.String != "" {
		if err := json.Unmarshal([]byte(hostLoad.String), &record.HostLoad); err != nil {
			return nil, fmt.Errorf("failed to unmarshal host load: %w", err)
		}
	}
	return &record, nil
}
