// Package ledger records every execution attempt as an auditable run.
//
// A run is created in running and transitions exactly once to a terminal
// status. Idempotency keys are unique across all runs; a second Start with a
// used key returns the conflict variant of StartResult instead of a row.
// Inputs, outputs and log lines are append-only.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/tidemark/internal/apperr"
	"github.com/roach88/tidemark/internal/clock"
	"github.com/roach88/tidemark/internal/ident"
	"github.com/roach88/tidemark/internal/store"
)

// Ledger is the RunLedger component.
type Ledger struct {
	q     store.Querier
	ids   ident.Generator
	clock clock.Clock
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIDs overrides the id generator.
func WithIDs(g ident.Generator) Option {
	return func(l *Ledger) {
		l.ids = g
	}
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) {
		l.clock = c
	}
}

// New creates a RunLedger on st.
func New(st *store.Store, opts ...Option) *Ledger {
	l := &Ledger{q: st.Querier(), ids: ident.UUIDv7{}, clock: clock.System{}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithQuerier returns a copy of l bound to q, typically a transaction.
func (l *Ledger) WithQuerier(q store.Querier) *Ledger {
	c := *l
	c.q = q
	return &c
}

const runColumns = `
	run_id, parent_run_id, kind, actor, tool_name, tool_version, idempotency_key,
	normalization_version, status, started_at, finished_at, error, metrics`

// Start creates a run in running.
//
// If p.IdempotencyKey is already held by any run, no row is written and the
// result carries ExistingRunID. Retrying will not change that answer.
func (l *Ledger) Start(ctx context.Context, p StartParams) (StartResult, error) {
	if !p.Kind.Valid() {
		return StartResult{}, apperr.Validationf("run", "invalid kind %q", p.Kind)
	}
	if p.NormalizationVersion == "" {
		return StartResult{}, apperr.Validation("run", "normalization_version is required")
	}

	metrics := p.Metrics
	if metrics == nil {
		metrics = map[string]any{}
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return StartResult{}, fmt.Errorf("start run: marshal metrics: %w", err)
	}

	now := l.clock.Now().UTC().Round(0)
	run := Run{
		RunID:                l.ids.NewID(),
		ParentRunID:          p.ParentRunID,
		Kind:                 p.Kind,
		Actor:                p.Actor,
		ToolName:             p.ToolName,
		ToolVersion:          p.ToolVersion,
		IdempotencyKey:       p.IdempotencyKey,
		NormalizationVersion: p.NormalizationVersion,
		Status:               StatusRunning,
		StartedAt:            now,
		Metrics:              metrics,
	}

	parent := store.NullString(p.ParentRunID)
	key := store.NullString(p.IdempotencyKey)

	// INSERT ... SELECT needs its WHERE clause for SQLite to parse the
	// upsert clause that follows.
	res, err := l.q.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?
		WHERE ? IS NULL OR EXISTS (SELECT 1 FROM runs WHERE run_id = ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`,
		run.RunID, parent, string(run.Kind), store.NullString(run.Actor),
		store.NullString(run.ToolName), store.NullString(run.ToolVersion), key,
		run.NormalizationVersion, string(run.Status), store.FormatTime(now), string(metricsJSON),
		parent, parent,
	)
	if err != nil {
		return StartResult{}, fmt.Errorf("start run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return StartResult{}, fmt.Errorf("start run: rows affected: %w", err)
	}
	if rows == 1 {
		return StartResult{Run: run}, nil
	}

	if p.IdempotencyKey != "" {
		var existing string
		err := l.q.QueryRowContext(ctx, `SELECT run_id FROM runs WHERE idempotency_key = ?`, p.IdempotencyKey).Scan(&existing)
		if err == nil {
			return StartResult{ExistingRunID: existing, key: p.IdempotencyKey}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return StartResult{}, fmt.Errorf("start run: lookup idempotency key: %w", err)
		}
	}
	return StartResult{}, apperr.ReferentialIntegrity("run", p.ParentRunID, "parent run does not exist")
}

// AppendLog adds a log line to a running or finished run.
func (l *Ledger) AppendLog(ctx context.Context, runID string, level Level, message string, data map[string]any) (LogEntry, error) {
	if !level.Valid() {
		return LogEntry{}, apperr.Validationf("run_log", "invalid level %q", level)
	}
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return LogEntry{}, fmt.Errorf("append log: marshal data: %w", err)
	}

	entry := LogEntry{
		LogID:     l.ids.NewID(),
		RunID:     runID,
		Level:     level,
		Message:   message,
		Data:      data,
		CreatedAt: l.clock.Now().UTC().Round(0),
	}

	res, err := l.q.ExecContext(ctx, `
		INSERT INTO run_logs (log_id, run_id, level, message, data, created_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM runs WHERE run_id = ?)
	`, entry.LogID, runID, string(level), message, string(dataJSON), store.FormatTime(entry.CreatedAt), runID)
	if err != nil {
		return LogEntry{}, fmt.Errorf("append log: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return LogEntry{}, fmt.Errorf("append log: rows affected: %w", err)
	}
	if rows == 0 {
		return LogEntry{}, apperr.ReferentialIntegrity("run", runID, "run does not exist")
	}
	return entry, nil
}

// AddInput links an item the run consumed. Repeated links are ignored.
func (l *Ledger) AddInput(ctx context.Context, runID, itemID string) error {
	return l.link(ctx, "run_inputs", runID, itemID)
}

// AddOutput links an item the run produced. Repeated links are ignored.
func (l *Ledger) AddOutput(ctx context.Context, runID, itemID string) error {
	return l.link(ctx, "run_outputs", runID, itemID)
}

func (l *Ledger) link(ctx context.Context, table, runID, itemID string) error {
	res, err := l.q.ExecContext(ctx, `
		INSERT INTO `+table+` (run_id, item_id, created_at)
		SELECT ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM runs WHERE run_id = ?)
		  AND EXISTS (SELECT 1 FROM items WHERE item_id = ?)
		ON CONFLICT(run_id, item_id) DO NOTHING
	`, runID, itemID, store.FormatTime(l.clock.Now()), runID, itemID)
	if err != nil {
		return fmt.Errorf("link %s: %w", table, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("link %s: rows affected: %w", table, err)
	}
	if rows == 1 {
		return nil
	}

	// Zero rows is either a duplicate link or a missing endpoint.
	var runOK, itemOK bool
	if err := l.q.QueryRowContext(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM runs WHERE run_id = ?),
			EXISTS (SELECT 1 FROM items WHERE item_id = ?)
	`, runID, itemID).Scan(&runOK, &itemOK); err != nil {
		return fmt.Errorf("link %s: check endpoints: %w", table, err)
	}
	switch {
	case !runOK:
		return apperr.ReferentialIntegrity("run", runID, "run does not exist")
	case !itemOK:
		return apperr.ReferentialIntegrity("item", itemID, "item does not exist")
	}
	return nil
}

// Finish moves a running run to a terminal status, stamping finished_at and
// error and merging p.Stats into metrics.stats in the same statement.
//
// Fails with NotFound if the run does not exist or is already terminal.
func (l *Ledger) Finish(ctx context.Context, runID string, p FinishParams) (Run, error) {
	if !p.Status.Terminal() {
		return Run{}, apperr.Validationf("run", "finish status %q is not terminal", p.Status)
	}
	stats := p.Stats
	if stats == nil {
		stats = map[string]any{}
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return Run{}, fmt.Errorf("finish run: marshal stats: %w", err)
	}

	row := l.q.QueryRowContext(ctx, `
		UPDATE runs
		SET status = ?,
		    finished_at = ?,
		    error = ?,
		    metrics = json_set(
		        metrics, '$.stats',
		        json_patch(COALESCE(json_extract(metrics, '$.stats'), '{}'), json(?)))
		WHERE run_id = ? AND status = 'running'
		RETURNING `+runColumns,
		string(p.Status), store.FormatTime(l.clock.Now()), store.NullString(p.Error), string(statsJSON), runID,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, apperr.NotFoundf("run", runID, "run not found or already finished")
	}
	if err != nil {
		return Run{}, fmt.Errorf("finish run: %w", err)
	}
	return run, nil
}

// Get returns the run with the given id.
func (l *Ledger) Get(ctx context.Context, runID string) (Run, error) {
	row := l.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, apperr.NotFound("run", runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// List returns runs most recently started first.
func (l *Ledger) List(ctx context.Context, filter ListFilter) ([]Run, error) {
	query, args, err := store.Select{
		From:    "runs",
		Columns: runColumns,
		Where:   []store.Eq{store.Where("status", string(filter.Status))},
		OrderBy: []store.Order{{Column: "started_at", Desc: true}, {Column: "run_id", Desc: true}},
		Limit:   store.ClampLimit(filter.Limit, defaultListLimit, maxListLimit),
	}.Compile()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	rows, err := l.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Logs returns a run's log lines oldest first.
func (l *Ledger) Logs(ctx context.Context, runID string) ([]LogEntry, error) {
	rows, err := l.q.QueryContext(ctx, `
		SELECT log_id, run_id, level, message, data, created_at
		FROM run_logs
		WHERE run_id = ?
		ORDER BY created_at ASC, log_id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	entries := []LogEntry{}
	for rows.Next() {
		var (
			e                   LogEntry
			level, data, create string
		)
		if err := rows.Scan(&e.LogID, &e.RunID, &level, &e.Message, &data, &create); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.Level = Level(level)
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("unmarshal log data: %w", err)
		}
		if e.CreatedAt, err = store.ParseTime(create); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return entries, nil
}

// Inputs returns the ids of items the run consumed, in link order.
func (l *Ledger) Inputs(ctx context.Context, runID string) ([]string, error) {
	return l.linked(ctx, "run_inputs", runID)
}

// Outputs returns the ids of items the run produced, in link order.
func (l *Ledger) Outputs(ctx context.Context, runID string) ([]string, error) {
	return l.linked(ctx, "run_outputs", runID)
}

func (l *Ledger) linked(ctx context.Context, table, runID string) ([]string, error) {
	rows, err := l.q.QueryContext(ctx, `
		SELECT item_id FROM `+table+`
		WHERE run_id = ?
		ORDER BY created_at ASC, item_id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return ids, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		run                                  Run
		parent, actor, toolName, toolVersion sql.NullString
		key, finished, errText               sql.NullString
		kind, status, started, metricsJSON   string
	)
	if err := s.Scan(
		&run.RunID, &parent, &kind, &actor, &toolName, &toolVersion, &key,
		&run.NormalizationVersion, &status, &started, &finished, &errText, &metricsJSON,
	); err != nil {
		return Run{}, err
	}

	run.ParentRunID = parent.String
	run.Kind = Kind(kind)
	run.Actor = actor.String
	run.ToolName = toolName.String
	run.ToolVersion = toolVersion.String
	run.IdempotencyKey = key.String
	run.Status = Status(status)
	run.Error = errText.String

	var err error
	if run.StartedAt, err = store.ParseTime(started); err != nil {
		return Run{}, err
	}
	if run.FinishedAt, err = store.ScanNullTime(finished); err != nil {
		return Run{}, err
	}
	if err := json.Unmarshal([]byte(metricsJSON), &run.Metrics); err != nil {
		return Run{}, fmt.Errorf("unmarshal metrics: %w", err)
	}
	return run, nil
}
