// Package journal records every job a worker runs in the job_log table so
// past activity can be listed after the process exits.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/ocrbridge/internal/dispatch"
	"github.com/mattjoyce/ocrbridge/internal/log"
)

const (
	maxErrorBytes = 4 * 1024
	defaultLimit  = 50
	timeLayout    = "2006-01-02T15:04:05.000000000Z"
)

// Journal writes job_log rows. It implements dispatch.Observer.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	rows map[string]string // workerID/jobID -> row id
}

var _ dispatch.Observer = (*Journal)(nil)

// New returns a journal over a database prepared by storage.OpenSQLite.
func New(db *sql.DB) *Journal {
	return &Journal{
		db:     db,
		logger: log.WithComponent("journal"),
		now:    time.Now,
		rows:   make(map[string]string),
	}
}

func rowKey(workerID, jobID string) string { return workerID + "/" + jobID }

// JobStarted inserts a running row.
func (j *Journal) JobStarted(ctx context.Context, workerID, jobID, action string) {
	id := uuid.NewString()
	_, err := j.db.ExecContext(context.WithoutCancel(ctx), `
INSERT INTO job_log(id, worker_id, job_id, action, status, started_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, workerID, jobID, action, StatusRunning, j.now().UTC().Format(timeLayout))
	if err != nil {
		j.logger.Warn("failed to journal job start", "worker_id", workerID, "job_id", jobID, "error", err)
		return
	}
	j.mu.Lock()
	j.rows[rowKey(workerID, jobID)] = id
	j.mu.Unlock()
}

// JobFinished marks the row started for the same job terminal.
func (j *Journal) JobFinished(ctx context.Context, workerID, jobID, action string, err error, elapsed time.Duration) {
	k := rowKey(workerID, jobID)
	j.mu.Lock()
	id, ok := j.rows[k]
	delete(j.rows, k)
	j.mu.Unlock()
	if !ok {
		return
	}

	status := StatusSucceeded
	var lastError *string
	if err != nil {
		status = StatusFailed
		if errors.Is(err, context.Canceled) {
			status = StatusCanceled
		}
		msg := err.Error()
		if len(msg) > maxErrorBytes {
			msg = msg[:maxErrorBytes]
		}
		lastError = &msg
	}

	_, dbErr := j.db.ExecContext(context.WithoutCancel(ctx), `
UPDATE job_log
SET status = ?, finished_at = ?, elapsed_ms = ?, last_error = ?
WHERE id = ?;
`, status, j.now().UTC().Format(timeLayout), elapsed.Milliseconds(), lastError, id)
	if dbErr != nil {
		j.logger.Warn("failed to journal job result", "worker_id", workerID, "job_id", jobID, "action", action, "error", dbErr)
	}
}

// List returns journaled jobs, newest first.
func (j *Journal) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkerID != "" {
		where = append(where, "worker_id = ?")
		args = append(args, f.WorkerID)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	q := `SELECT id, worker_id, job_id, action, status, started_at, finished_at, elapsed_ms, last_error FROM job_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, rowid DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list job_log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			statusS   string
			startedS  string
			finishedS sql.NullString
			elapsedMS sql.NullInt64
			lastError sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.WorkerID, &e.JobID, &e.Action, &statusS, &startedS, &finishedS, &elapsedMS, &lastError); err != nil {
			return nil, fmt.Errorf("scan job_log: %w", err)
		}
		e.Status = Status(statusS)
		if t, err := time.Parse(timeLayout, startedS); err == nil {
			e.StartedAt = t
		}
		if finishedS.Valid {
			if t, err := time.Parse(timeLayout, finishedS.String); err == nil {
				e.FinishedAt = &t
			}
		}
		if elapsedMS.Valid {
			e.Elapsed = time.Duration(elapsedMS.Int64) * time.Millisecond
		}
		if lastError.Valid {
			e.LastError = &lastError.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job_log: %w", err)
	}
	return out, nil
}

// MarkAbandoned fails every row still running, e.g. left behind by a
// process that exited without settling its jobs.
func (j *Journal) MarkAbandoned(ctx context.Context) (int64, error) {
	msg := "abandoned: process exited"
	res, err := j.db.ExecContext(ctx, `
UPDATE job_log SET status = ?, finished_at = ?, last_error = ?
WHERE status = ?;
`, StatusFailed, j.now().UTC().Format(timeLayout), msg, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("mark abandoned: %w", err)
	}
	return res.RowsAffected()
}

// Prune deletes settled jobs that finished more than olderThan ago. Running
// jobs are never pruned.
func (j *Journal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := j.now().Add(-olderThan).UTC().Format(timeLayout)
	res, err := j.db.ExecContext(ctx, `
DELETE FROM job_log
WHERE status != ? AND finished_at IS NOT NULL AND finished_at < ?;
`, StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune job log: %w", err)
	}
	return res.RowsAffected()
}
