package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"runnerd/internal/config"
)

// Record is one terminal job as persisted for later inspection. The store is
// an archive of finished runs, not the registry's source of truth: active
// jobs never appear here.
type Record struct {
	JobID        string
	Kind         string
	ResourceKey  string
	Params       map[string]string
	State        string
	FailureKind  string
	ExitCode     *int
	CreatedAt    time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time
	ErrorSummary string
}

// Store persists terminal job records in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const (
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Open initializes or connects to the history database and applies the schema.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "history.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applySchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Record inserts one terminal job.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.JobID) == "" {
		return errors.New("job id is required")
	}
	paramsJSON, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	var exitCode any
	if rec.ExitCode != nil {
		exitCode = *rec.ExitCode
	}
	return s.execWithRetry(ctx,
		`INSERT INTO job_history (
            job_id, kind, resource_key, params_json, state, failure_kind,
            exit_code, created_at, started_at, ended_at, error_summary
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID,
		rec.Kind,
		rec.ResourceKey,
		string(paramsJSON),
		rec.State,
		rec.FailureKind,
		exitCode,
		formatTime(&rec.CreatedAt),
		formatTime(rec.StartedAt),
		formatTime(rec.EndedAt),
		rec.ErrorSummary,
	)
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, kind, resource_key, params_json, state, failure_kind,
                exit_code, created_at, started_at, ended_at, error_summary
           FROM job_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindByJobID returns the record for one job, or nil when absent.
func (s *Store) FindByJobID(ctx context.Context, jobID string) (*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, kind, resource_key, params_json, state, failure_kind,
                exit_code, created_at, started_at, ended_at, error_summary
           FROM job_history WHERE job_id = ? LIMIT 1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Prune deletes the oldest records beyond keep and returns how many were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_history WHERE id NOT IN (
            SELECT id FROM job_history ORDER BY id DESC LIMIT ?
        )`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of persisted records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_history`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return count, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec        Record
		paramsJSON string
		exitCode   sql.NullInt64
		createdAt  string
		startedAt  sql.NullString
		endedAt    sql.NullString
	)
	if err := rows.Scan(
		&rec.JobID, &rec.Kind, &rec.ResourceKey, &paramsJSON, &rec.State,
		&rec.FailureKind, &exitCode, &createdAt, &startedAt, &endedAt,
		&rec.ErrorSummary,
	); err != nil {
		return Record{}, fmt.Errorf("scan history row: %w", err)
	}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &rec.Params); err != nil {
			return Record{}, fmt.Errorf("decode params: %w", err)
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if ts, err := parseTime(createdAt); err == nil && ts != nil {
		rec.CreatedAt = *ts
	}
	rec.StartedAt, _ = parseTime(startedAt.String)
	rec.EndedAt, _ = parseTime(endedAt.String)
	return rec, nil
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == 5 {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		_, lastErr = s.db.ExecContext(ctx, query, args...)
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
