package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmpty indicates no task is ready for lease.
var ErrEmpty = errors.New("no tasks ready")

const (
	defaultMaxAttempts  = 3
	defaultLeaseSeconds = 900
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    payload BLOB NOT NULL,
    state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed')) DEFAULT 'queued',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    next_run_at TEXT NOT NULL,
    lease_seconds INTEGER NOT NULL DEFAULT 900,
    idem_key TEXT,
    last_error TEXT,
    leased_until TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_ready ON tasks(state, next_run_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem ON tasks(idem_key) WHERE idem_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS task_attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    success INTEGER NOT NULL DEFAULT 0,
    error TEXT
);
`

// Queue is an at-least-once task queue backed by SQLite. It shares the
// pipeline store's database connection.
type Queue struct {
	db *sql.DB
}

// New wires the queue onto an open database and ensures its tables exist.
func New(db *sql.DB) (*Queue, error) {
	if _, err := db.Exec(queueSchema); err != nil {
		return nil, fmt.Errorf("ensure queue schema: %w", err)
	}
	return &Queue{db: db}, nil
}

const taskColumns = "id, type, payload, state, attempts, max_attempts, next_run_at, lease_seconds, idem_key, last_error, leased_until, created_at, updated_at"

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		task       Task
		stateStr   string
		nextRunRaw string
		idemKey    sql.NullString
		lastError  sql.NullString
		leasedRaw  sql.NullString
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(
		&task.ID,
		&task.Type,
		&task.Payload,
		&stateStr,
		&task.Attempts,
		&task.MaxAttempts,
		&nextRunRaw,
		&task.LeaseSeconds,
		&idemKey,
		&lastError,
		&leasedRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	task.State = State(stateStr)
	task.IdemKey = idemKey.String
	task.LastError = lastError.String
	if t, err := time.Parse(time.RFC3339Nano, nextRunRaw); err == nil {
		task.NextRunAt = t
	}
	if leasedRaw.Valid {
		if t, err := time.Parse(time.RFC3339Nano, leasedRaw.String); err == nil {
			task.LeasedUntil = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdRaw); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedRaw); err == nil {
		task.UpdatedAt = t
	}
	return &task, nil
}

func timeString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Enqueue inserts a task. When an IdemKey is set and a task already carries
// it, the existing task's ID is returned with created=false and nothing is
// inserted. Zero-valued tuning fields receive defaults.
func (q *Queue) Enqueue(ctx context.Context, task Task) (string, bool, error) {
	id := task.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if task.MaxAttempts == 0 {
		task.MaxAttempts = defaultMaxAttempts
	}
	if task.LeaseSeconds == 0 {
		task.LeaseSeconds = defaultLeaseSeconds
	}
	now := time.Now().UTC()
	nextRun := task.NextRunAt
	if nextRun.IsZero() {
		nextRun = now
	}

	if task.IdemKey != "" {
		var existingID string
		err := q.db.QueryRowContext(ctx,
			"SELECT id FROM tasks WHERE idem_key = ?", task.IdemKey,
		).Scan(&existingID)
		if err == nil {
			return existingID, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, fmt.Errorf("check idem key: %w", err)
		}
	}

	var idemValue any
	if task.IdemKey != "" {
		idemValue = task.IdemKey
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO tasks (id, type, payload, state, attempts, max_attempts, next_run_at, lease_seconds, idem_key, created_at, updated_at)
         VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		id, task.Type, task.Payload, StateQueued, task.MaxAttempts,
		timeString(nextRun), task.LeaseSeconds, idemValue,
		timeString(now), timeString(now),
	)
	if err != nil {
		// Lost an idem race to a concurrent Enqueue.
		if task.IdemKey != "" && isConstraintViolation(err) {
			var existingID string
			scanErr := q.db.QueryRowContext(ctx,
				"SELECT id FROM tasks WHERE idem_key = ?", task.IdemKey,
			).Scan(&existingID)
			if scanErr == nil {
				return existingID, false, nil
			}
		}
		return "", false, fmt.Errorf("enqueue task: %w", err)
	}
	return id, true, nil
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_CONSTRAINT") || strings.Contains(msg, "constraint failed")
}

// Lease claims the oldest ready task, marking it running until its lease
// expires. Returns ErrEmpty when nothing is ready.
func (q *Queue) Lease(ctx context.Context, now time.Time) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		"SELECT "+taskColumns+` FROM tasks
         WHERE state = ? AND next_run_at <= ?
         ORDER BY next_run_at ASC, created_at ASC
         LIMIT 1`,
		StateQueued, timeString(now),
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("scan leased task: %w", err)
	}

	leasedUntil := now.Add(time.Duration(task.LeaseSeconds) * time.Second)
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET state = ?, attempts = attempts + 1, leased_until = ?, updated_at = ?
         WHERE id = ? AND state = ?`,
		StateRunning, timeString(leasedUntil), timeString(now),
		task.ID, StateQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("mark task running: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("mark task running: %w", err)
	}
	if affected != 1 {
		return nil, ErrEmpty
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}

	task.State = StateRunning
	task.Attempts++
	task.LeasedUntil = &leasedUntil
	return task, nil
}

// Succeed marks a running task finished.
func (q *Queue) Succeed(ctx context.Context, id string) error {
	now := timeString(time.Now())
	if _, err := q.db.ExecContext(ctx,
		`INSERT INTO task_attempts (task_id, finished_at, success) VALUES (?, ?, 1)`,
		id, now,
	); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if _, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, leased_until = NULL, updated_at = ? WHERE id = ?`,
		StateSucceeded, now, id,
	); err != nil {
		return fmt.Errorf("succeed task: %w", err)
	}
	return nil
}

// Fail marks a task permanently failed. No further deliveries happen.
func (q *Queue) Fail(ctx context.Context, id, errMessage string) error {
	now := timeString(time.Now())
	if _, err := q.db.ExecContext(ctx,
		`INSERT INTO task_attempts (task_id, finished_at, success, error) VALUES (?, ?, 0, ?)`,
		id, now, errMessage,
	); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if _, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, last_error = ?, leased_until = NULL, updated_at = ? WHERE id = ?`,
		StateFailed, errMessage, now, id,
	); err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

// Retry requeues a task after a delay. Once attempts reach max_attempts the
// task fails instead.
func (q *Queue) Retry(ctx context.Context, id, errMessage string, delay time.Duration) error {
	now := time.Now().UTC()
	if _, err := q.db.ExecContext(ctx,
		`INSERT INTO task_attempts (task_id, finished_at, success, error) VALUES (?, ?, 0, ?)`,
		id, timeString(now), errMessage,
	); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if _, err := q.db.ExecContext(ctx,
		`UPDATE tasks
         SET state = CASE WHEN attempts >= max_attempts THEN ? ELSE ? END,
             next_run_at = ?, last_error = ?, leased_until = NULL, updated_at = ?
         WHERE id = ?`,
		StateFailed, StateQueued,
		timeString(now.Add(delay)), errMessage, timeString(now),
		id,
	); err != nil {
		return fmt.Errorf("retry task: %w", err)
	}
	return nil
}

// RecoverStale requeues running tasks whose lease expired. Run from the
// maintenance schedule so crashed workers do not strand work.
func (q *Queue) RecoverStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks
         SET state = ?, next_run_at = ?, leased_until = NULL, updated_at = ?
         WHERE state = ? AND leased_until IS NOT NULL AND leased_until < ?`,
		StateQueued, timeString(now), timeString(now),
		StateRunning, timeString(now),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	return res.RowsAffected()
}

// Get fetches one task by ID.
func (q *Queue) Get(ctx context.Context, id string) (*Task, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListRecent returns the newest tasks, most recently created first.
func (q *Queue) ListRecent(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list recent tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CountByState aggregates tasks per state.
func (q *Queue) CountByState(ctx context.Context) (Counts, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT state, COUNT(1) FROM tasks GROUP BY state`)
	if err != nil {
		return Counts{}, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	var counts Counts
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return Counts{}, fmt.Errorf("scan task count: %w", err)
		}
		switch State(state) {
		case StateQueued:
			counts.Queued = count
		case StateRunning:
			counts.Running = count
		case StateSucceeded:
			counts.Succeeded = count
		case StateFailed:
			counts.Failed = count
		}
	}
	return counts, rows.Err()
}

// PruneFinished deletes terminal tasks older than the cutoff, along with
// their attempt history.
func (q *Queue) PruneFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM task_attempts WHERE task_id IN (
            SELECT id FROM tasks WHERE state IN (?, ?) AND updated_at < ?
         )`,
		StateSucceeded, StateFailed, timeString(cutoff),
	); err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE state IN (?, ?) AND updated_at < ?`,
		StateSucceeded, StateFailed, timeString(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	return res.RowsAffected()
}
