// Package ingest processes a batch of observations under a single run.
//
// Each observation is stored and resolved independently. A failing
// observation is logged to the run and to slog and does not stop its
// siblings. The run succeeds iff at least one item was produced and no fatal
// error occurred.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/tidemark/internal/blob"
	"github.com/roach88/tidemark/internal/catalog"
	"github.com/roach88/tidemark/internal/dedup"
	"github.com/roach88/tidemark/internal/digest"
	"github.com/roach88/tidemark/internal/ledger"
	"github.com/roach88/tidemark/internal/queue"
)

// Ingester orchestrates BlobStore, DedupResolver, RunLedger and TaskQueue.
type Ingester struct {
	blobs      *blob.Store
	resolver   *dedup.Resolver
	runs       *ledger.Ledger
	tasks      *queue.Queue
	normalizer Normalizer
	logger     *slog.Logger
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithNormalizer sets the URL normalizer. Without one, URLs are used as
// canonical URIs unchanged.
func WithNormalizer(n Normalizer) Option {
	return func(i *Ingester) {
		i.normalizer = n
	}
}

// WithLogger sets the process logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Ingester) {
		i.logger = l
	}
}

// New creates an Ingester. tasks may be nil if follow-on tasks are never
// requested.
func New(blobs *blob.Store, resolver *dedup.Resolver, runs *ledger.Ledger, tasks *queue.Queue, opts ...Option) *Ingester {
	i := &Ingester{
		blobs:    blobs,
		resolver: resolver,
		runs:     runs,
		tasks:    tasks,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest starts a run, processes every observation and finishes the run.
//
// An already used idempotency key is a successful no-op: the result is
// Skipped with ExistingRunID set and the error is nil. Errors are returned
// only when the run itself could not be started or finished.
func (i *Ingester) Ingest(ctx context.Context, req Request) (Result, error) {
	if req.FollowOnTask != "" && i.tasks == nil {
		return Result{}, errors.New("ingest: follow-on task requested without a task queue")
	}

	start, err := i.runs.Start(ctx, ledger.StartParams{
		Kind:                 req.Kind,
		ParentRunID:          req.ParentRunID,
		Actor:                req.Actor,
		ToolName:             req.ToolName,
		ToolVersion:          req.ToolVersion,
		IdempotencyKey:       req.IdempotencyKey,
		NormalizationVersion: req.NormalizationVersion,
	})
	if err != nil {
		return Result{}, fmt.Errorf("ingest: start run: %w", err)
	}
	if start.Conflicted() {
		i.logger.Info("ingest skipped: idempotency key already used",
			"idempotency_key", req.IdempotencyKey,
			"existing_run_id", start.ExistingRunID,
		)
		return Result{Skipped: true, ExistingRunID: start.ExistingRunID}, nil
	}

	sourceType := req.SourceType
	if sourceType == "" {
		sourceType = req.ToolName
	}
	if sourceType == "" {
		sourceType = string(req.Kind)
	}

	runID := start.Run.RunID
	log := i.logger.With("run_id", runID)
	log.Info("ingest started", "observations", len(req.Observations))

	res := Result{RunID: runID, Outcomes: make([]Outcome, 0, len(req.Observations))}
	var fatal error
	for idx, obs := range req.Observations {
		if err := ctx.Err(); err != nil {
			fatal = err
			break
		}
		res.Stats.Observed++

		out := Outcome{Index: idx}
		resolution, err := i.observe(ctx, runID, sourceType, obs)
		if err != nil {
			res.Stats.Failed++
			out.Error = err.Error()
			log.Warn("observation failed", "index", idx, "url", obs.URL, "error", err)
			if _, logErr := i.runs.AppendLog(ctx, runID, ledger.LevelError, "observation failed", map[string]any{
				"index": idx,
				"url":   obs.URL,
				"error": err.Error(),
			}); logErr != nil {
				fatal = fmt.Errorf("record observation failure: %w", logErr)
				res.Outcomes = append(res.Outcomes, out)
				break
			}
			res.Outcomes = append(res.Outcomes, out)
			continue
		}

		out.Resolution = &resolution
		if resolution.IsNew {
			res.Stats.Created++
		} else {
			res.Stats.Superseded++
		}
		if resolution.Conflict {
			res.Stats.Conflicts++
		}

		if req.FollowOnTask != "" && resolution.IsNew {
			taskID, err := i.enqueueFollowOn(ctx, runID, req, resolution.ItemID)
			if err != nil {
				out.Error = err.Error()
				log.Error("follow-on enqueue failed", "item_id", resolution.ItemID, "error", err)
				if _, logErr := i.runs.AppendLog(ctx, runID, ledger.LevelError, "follow-on enqueue failed", map[string]any{
					"item_id": resolution.ItemID,
					"error":   err.Error(),
				}); logErr != nil {
					fatal = fmt.Errorf("record follow-on failure: %w", logErr)
					res.Outcomes = append(res.Outcomes, out)
					break
				}
			} else {
				out.TaskID = taskID
				res.Stats.Enqueued++
			}
		}
		res.Outcomes = append(res.Outcomes, out)
	}

	finish := ledger.FinishParams{Status: ledger.StatusSucceeded, Stats: res.Stats.asMap()}
	switch {
	case fatal != nil:
		finish.Status = ledger.StatusFailed
		finish.Error = fatal.Error()
	case res.Stats.Outputs() == 0:
		finish.Status = ledger.StatusFailed
		finish.Error = "no output items produced"
	}

	// The run must reach a terminal state even when ctx was canceled.
	if _, err := i.runs.Finish(context.WithoutCancel(ctx), runID, finish); err != nil {
		return res, fmt.Errorf("ingest: finish run: %w", err)
	}
	res.Status = finish.Status

	log.Info("ingest finished",
		"status", finish.Status,
		"created", res.Stats.Created,
		"superseded", res.Stats.Superseded,
		"conflicts", res.Stats.Conflicts,
		"failed", res.Stats.Failed,
	)
	return res, nil
}

// observe stores and resolves one observation.
func (i *Ingester) observe(ctx context.Context, runID, sourceType string, obs Observation) (dedup.Resolution, error) {
	hasText, hasData := obs.Text != nil, obs.Data != nil
	if hasText == hasData {
		return dedup.Resolution{}, errors.New("observation needs exactly one of text and data")
	}

	uri, err := i.canonicalURI(obs.URL)
	if err != nil {
		return dedup.Resolution{}, err
	}

	sourceID := obs.SourceID
	if sourceID == "" {
		sourceID = obs.URL
	}
	if sourceID == "" {
		sourceID = runID
	}
	itemType := obs.Type
	if itemType == "" {
		itemType = defaultItemType(obs)
	}

	in := catalog.NewItem{
		Type:        itemType,
		Title:       obs.Title,
		SourceType:  sourceType,
		SourceID:    sourceID,
		ExternalRef: obs.ExternalRef,
		ObservedAt:  obs.ObservedAt,
		Tags:        obs.Tags,
		Sensitivity: obs.Sensitivity,
		Meta:        obs.Meta,
	}

	var contentDigest string
	if hasData {
		put, err := i.blobs.Put(ctx, obs.Data, obs.MIMEType)
		if err != nil {
			return dedup.Resolution{}, fmt.Errorf("store blob: %w", err)
		}
		contentDigest = put.Digest
		in.BlobRef = put.Digest
	} else {
		contentDigest = digest.OfText(*obs.Text)
		in.InlineText = obs.Text
	}

	return i.resolver.Resolve(ctx, dedup.Observation{
		RunID:         runID,
		ContentDigest: contentDigest,
		CanonicalURI:  uri,
		Item:          in,
	})
}

func (i *Ingester) canonicalURI(raw string) (string, error) {
	if raw == "" || i.normalizer == nil {
		return raw, nil
	}
	uri, err := i.normalizer.Normalize(raw)
	if err != nil {
		return "", fmt.Errorf("normalize url %q: %w", raw, err)
	}
	return uri, nil
}

func (i *Ingester) enqueueFollowOn(ctx context.Context, runID string, req Request, itemID string) (string, error) {
	payload, err := json.Marshal(map[string]string{"item_id": itemID})
	if err != nil {
		return "", err
	}
	task, err := i.tasks.Enqueue(ctx, queue.EnqueueParams{
		Type:     req.FollowOnTask,
		Payload:  payload,
		Priority: req.FollowOnPriority,
		RunID:    runID,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", req.FollowOnTask, err)
	}
	return task.TaskID, nil
}

func defaultItemType(obs Observation) string {
	switch {
	case obs.URL != "":
		return "web_page"
	case obs.Data != nil:
		return "file"
	default:
		return "note"
	}
}
