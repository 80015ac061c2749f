// Package history keeps a queryable log of every attempt in a SQLite
// database. It complements the JSON state file, which only holds the latest
// cumulative view of each task.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Attempt is one recorded attempt of a task.
type Attempt struct {
	ID           int64
	RunID        string
	Project      string
	TaskID       string
	TaskTitle    string
	Backend      string
	Attempt      int
	Success      bool
	ErrorCode    string
	Reason       string
	Diagnosis    string
	DurationSecs float64
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
	NumTurns     int
	Timestamp    time.Time
}

// TaskSummary aggregates the attempts of one task across runs.
type TaskSummary struct {
	TaskID    string
	Attempts  int
	Successes int
	CostUSD   float64
	LastCode  string
	LastSeen  time.Time
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Project string
	TaskID  string
	RunID   string
	Limit   int
}

// Store manages the SQLite attempt history database
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new Store instance and initializes the database
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=5000", // Must be first
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	store := &Store{db: db, dbPath: dbPath}
	if err := store.ApplyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

// execWithRetry executes a SQL statement with exponential backoff retry on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Path returns the database path.
func (s *Store) Path() string { return s.dbPath }

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record inserts an attempt and sets its ID.
func (s *Store) Record(ctx context.Context, a *Attempt) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	query := `INSERT INTO task_attempts
		(run_id, project, task_id, task_title, backend, attempt, success, error_code, reason, diagnosis,
		 duration_seconds, cost_usd, input_tokens, output_tokens, num_turns, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		a.RunID, a.Project, a.TaskID, a.TaskTitle, a.Backend, a.Attempt, a.Success,
		a.ErrorCode, a.Reason, a.Diagnosis,
		a.DurationSecs, a.CostUSD, a.InputTokens, a.OutputTokens, a.NumTurns,
		a.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert task attempt: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	a.ID = id
	return nil
}

// List returns matching attempts, most recent first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Attempt, error) {
	var (
		where []string
		args  []any
	)
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}

	query := `SELECT id, run_id, project, task_id, task_title, backend, attempt, success, error_code, reason, diagnosis,
		duration_seconds, cost_usd, input_tokens, output_tokens, num_turns, timestamp
		FROM task_attempts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		a := &Attempt{}
		var title, backend, code, reason, diagnosis sql.NullString
		if err := rows.Scan(
			&a.ID, &a.RunID, &a.Project, &a.TaskID, &title, &backend, &a.Attempt, &a.Success,
			&code, &reason, &diagnosis,
			&a.DurationSecs, &a.CostUSD, &a.InputTokens, &a.OutputTokens, &a.NumTurns, &a.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		a.TaskTitle = title.String
		a.Backend = backend.String
		a.ErrorCode = code.String
		a.Reason = reason.String
		a.Diagnosis = diagnosis.String
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Summarize aggregates attempts per task for a project, ordered by task id.
// An empty project aggregates across all projects.
func (s *Store) Summarize(ctx context.Context, project string) ([]TaskSummary, error) {
	query := `SELECT task_id, COUNT(*), SUM(CASE WHEN success THEN 1 ELSE 0 END), SUM(cost_usd), MAX(id)
		FROM task_attempts`
	var args []any
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` GROUP BY task_id ORDER BY task_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}

	type row struct {
		summary TaskSummary
		lastID  int64
	}
	var collected []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.summary.TaskID, &r.summary.Attempts, &r.summary.Successes, &r.summary.CostUSD, &r.lastID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		collected = append(collected, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	summaries := make([]TaskSummary, 0, len(collected))
	for _, r := range collected {
		var code sql.NullString
		if err := s.db.QueryRowContext(ctx,
			`SELECT error_code, timestamp FROM task_attempts WHERE id = ?`, r.lastID,
		).Scan(&code, &r.summary.LastSeen); err != nil {
			return nil, fmt.Errorf("query last attempt: %w", err)
		}
		r.summary.LastCode = code.String
		summaries = append(summaries, r.summary)
	}
	return summaries, nil
}
