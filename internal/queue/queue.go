// Package queue is a durable work queue with exclusive, time-bounded leases.
//
// Tasks are ordered by priority (highest first) and then due time (earliest
// first). A lease that is never acknowledged expires, after which the task is
// eligible again exactly as if it were freshly queued.
//
// Mutual exclusion lives entirely in the store. LeaseNext is one UPDATE
// whose WHERE clause re-checks eligibility, so the lock fields act as a
// compare-and-swap: any number of processes may lease concurrently, and a
// caller that loses the race gets no task rather than an error.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/tidemark/internal/apperr"
	"github.com/roach88/tidemark/internal/clock"
	"github.com/roach88/tidemark/internal/ident"
	"github.com/roach88/tidemark/internal/store"
)

// Queue is the TaskQueue component.
type Queue struct {
	q     store.Querier
	ids   ident.Generator
	clock clock.Clock
}

// Option configures a Queue.
type Option func(*Queue)

// WithIDs overrides the id generator.
func WithIDs(g ident.Generator) Option {
	return func(q *Queue) {
		q.ids = g
	}
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		q.clock = c
	}
}

// New creates a TaskQueue on st.
func New(st *store.Store, opts ...Option) *Queue {
	q := &Queue{q: st.Querier(), ids: ident.UUIDv7{}, clock: clock.System{}}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// WithQuerier returns a copy of q bound to querier, typically a transaction.
func (q *Queue) WithQuerier(querier store.Querier) *Queue {
	c := *q
	c.q = querier
	return &c
}

const taskColumns = `
	task_id, run_id, type, payload, status, priority, due_at, attempts,
	max_attempts, locked_until, locked_by, last_error, created_at, updated_at`

// eligible matches tasks a worker may lease at time ?1.
const eligible = `
	due_at <= ?1
	AND (status = 'queued'
	     OR (status IN ('leased', 'running') AND locked_until <= ?1))`

// Enqueue adds a queued task.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (Task, error) {
	if strings.TrimSpace(p.Type) == "" {
		return Task{}, apperr.Validation("task", "type is required")
	}
	if p.MaxAttempts < 0 {
		return Task{}, apperr.Validationf("task", "max_attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(p.Payload) {
		return Task{}, apperr.Validation("task", "payload is not valid JSON")
	}

	now := q.clock.Now().UTC().Round(0)
	due := p.DueAt.UTC().Round(0)
	if p.DueAt.IsZero() {
		due = now
	}

	task := Task{
		TaskID:      q.ids.NewID(),
		RunID:       p.RunID,
		Type:        p.Type,
		Payload:     p.Payload,
		Status:      StatusQueued,
		Priority:    p.Priority,
		DueAt:       due,
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	runID := store.NullString(p.RunID)
	ts := store.FormatTime(now)
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO tasks (task_id, run_id, type, payload, status, priority, due_at,
		                   attempts, max_attempts, created_at, updated_at)
		SELECT ?, ?, ?, ?, 'queued', ?, ?, 0, ?, ?, ?
		WHERE ? IS NULL OR EXISTS (SELECT 1 FROM runs WHERE run_id = ?)
	`, task.TaskID, runID, task.Type, string(task.Payload), task.Priority,
		store.FormatTime(due), task.MaxAttempts, ts, ts, runID, runID)
	if err != nil {
		return Task{}, fmt.Errorf("enqueue task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Task{}, fmt.Errorf("enqueue task: rows affected: %w", err)
	}
	if rows == 0 {
		return Task{}, apperr.ReferentialIntegrity("run", p.RunID, "run does not exist")
	}
	return task, nil
}

// LeaseNext claims the highest-priority eligible task for workerID until
// now+lease. It returns nil, nil when no task is eligible or when a
// concurrent caller claimed the candidate first. It never waits for work.
func (q *Queue) LeaseNext(ctx context.Context, workerID string, lease time.Duration) (*Task, error) {
	if workerID == "" {
		return nil, apperr.Validation("task", "worker id is required")
	}
	if lease <= 0 {
		return nil, apperr.Validationf("task", "lease duration must be positive, got %s", lease)
	}

	now := q.clock.Now()
	row := q.q.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'leased', locked_until = ?2, locked_by = ?3, updated_at = ?1
		WHERE task_id = (
			SELECT task_id FROM tasks
			WHERE `+eligible+`
			ORDER BY priority DESC, due_at ASC, task_id ASC
			LIMIT 1
		)
		AND `+eligible+`
		RETURNING `+taskColumns,
		store.FormatTime(now), store.FormatTime(now.Add(lease)), workerID,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease task: %w", err)
	}
	return &task, nil
}

// MarkRunning moves a leased task to running. Only the lease owner may do
// this, and only while the lease is unexpired.
func (q *Queue) MarkRunning(ctx context.Context, taskID, workerID string) (Task, error) {
	now := store.FormatTime(q.clock.Now())
	return q.transition(ctx, "mark running", taskID, `
		UPDATE tasks
		SET status = 'running', updated_at = ?1
		WHERE task_id = ?2 AND status = 'leased' AND locked_by = ?3 AND locked_until > ?1
		RETURNING `+taskColumns, now, taskID, workerID)
}

// Renew extends the lease of a task still held by workerID.
func (q *Queue) Renew(ctx context.Context, taskID, workerID string, lease time.Duration) (Task, error) {
	if lease <= 0 {
		return Task{}, apperr.Validationf("task", "lease duration must be positive, got %s", lease)
	}
	now := q.clock.Now()
	return q.transition(ctx, "renew lease", taskID, `
		UPDATE tasks
		SET locked_until = ?4, updated_at = ?1
		WHERE task_id = ?2 AND status IN ('leased', 'running') AND locked_by = ?3 AND locked_until > ?1
		RETURNING `+taskColumns,
		store.FormatTime(now), taskID, workerID, store.FormatTime(now.Add(lease)))
}

// MarkSucceeded completes a leased or running task.
func (q *Queue) MarkSucceeded(ctx context.Context, taskID string) (Task, error) {
	return q.transition(ctx, "mark succeeded", taskID, `
		UPDATE tasks
		SET status = 'succeeded', locked_until = NULL, locked_by = NULL, updated_at = ?1
		WHERE task_id = ?2 AND status IN ('leased', 'running')
		RETURNING `+taskColumns, store.FormatTime(q.clock.Now()), taskID)
}

// MarkFailed records a failed attempt. The task goes back to queued with its
// lock cleared, or to dead once attempts reaches max_attempts. last_error is
// always recorded.
func (q *Queue) MarkFailed(ctx context.Context, taskID, errMsg string) (Task, error) {
	return q.transition(ctx, "mark failed", taskID, `
		UPDATE tasks
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= max_attempts THEN 'dead' ELSE 'queued' END,
		    locked_until = NULL,
		    locked_by = NULL,
		    last_error = ?3,
		    updated_at = ?1
		WHERE task_id = ?2 AND status IN ('leased', 'running')
		RETURNING `+taskColumns, store.FormatTime(q.clock.Now()), taskID, errMsg)
}

// transition runs a checked single-row UPDATE ... RETURNING. Zero rows means
// the task is unknown or not in a state the transition accepts.
func (q *Queue) transition(ctx context.Context, op, taskID, query string, args ...any) (Task, error) {
	task, err := scanTask(q.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, apperr.NotFoundf("task", taskID, "task not found or not held in the expected state")
	}
	if err != nil {
		return Task{}, fmt.Errorf("%s: %w", op, err)
	}
	return task, nil
}

// Get returns the task with the given id.
func (q *Queue) Get(ctx context.Context, taskID string) (Task, error) {
	task, err := scanTask(q.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, apperr.NotFound("task", taskID)
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// List returns tasks most recently created first.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]Task, error) {
	query, args, err := store.Select{
		From:    "tasks",
		Columns: taskColumns,
		Where: []store.Eq{
			store.Where("status", string(filter.Status)),
			store.Where("type", filter.Type),
		},
		OrderBy: []store.Order{{Column: "created_at", Desc: true}, {Column: "task_id", Desc: true}},
		Limit:   store.ClampLimit(filter.Limit, defaultListLimit, maxListLimit),
	}.Compile()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (Task, error) {
	var (
		task                              Task
		runID, lockedUntil, lockedBy      sql.NullString
		lastError                         sql.NullString
		payload, status, due, created, up string
	)
	if err := s.Scan(
		&task.TaskID, &runID, &task.Type, &payload, &status, &task.Priority, &due,
		&task.Attempts, &task.MaxAttempts, &lockedUntil, &lockedBy, &lastError, &created, &up,
	); err != nil {
		return Task{}, err
	}

	task.RunID = runID.String
	task.Payload = json.RawMessage(payload)
	task.Status = Status(status)
	task.LockedBy = lockedBy.String
	task.LastError = lastError.String

	var err error
	if task.DueAt, err = store.ParseTime(due); err != nil {
		return Task{}, err
	}
	if task.LockedUntil, err = store.ScanNullTime(lockedUntil); err != nil {
		return Task{}, err
	}
	if task.CreatedAt, err = store.ParseTime(created); err != nil {
		return Task{}, err
	}
	if task.UpdatedAt, err = store.ParseTime(up); err != nil {
		return Task{}, err
	}
	return task, nil
}
