package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dethbird/journal-sub000/internal/source"
	"github.com/dethbird/journal-sub000/internal/storage"
)

// JobTypeEnrich is the job type carrying one (event, kind) enrichment.
const JobTypeEnrich = "enrich_event"

// JobStore abstracts the job queue operations and the event lookups the
// worker performs.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetEvent(ctx context.Context, id string) (storage.Event, error)
	UpsertEnrichment(ctx context.Context, en storage.Enrichment) error
}

// JobEnqueuer is the write side used by the orchestrator.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

type enrichPayload struct {
	EventID string `json:"event_id"`
	Kind    string `json:"kind"`
}

// EnqueueEnrichment schedules kind to be built for eventID.
func EnqueueEnrichment(ctx context.Context, q JobEnqueuer, eventID, kind string) error {
	payload, err := json.Marshal(enrichPayload{EventID: eventID, Kind: kind})
	if err != nil {
		return err
	}
	return q.EnqueueJob(ctx, storage.Job{Type: JobTypeEnrich, PayloadJSON: string(payload)})
}

// Worker processes enrich_event jobs from the job queue.
type Worker struct {
	store        JobStore
	builders     map[string]source.Builder
	poll         time.Duration
	buildTimeout time.Duration
	logger       *slog.Logger
}

// NewWorker creates a Worker. builders is keyed by enrichment kind.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, builders map[string]source.Builder, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:        store,
		builders:     builders,
		poll:         pollInterval,
		buildTimeout: 30 * time.Second,
		logger:       slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// Drain processes up to max jobs (all runnable jobs when max <= 0) and
// returns how many were handled.
func (w *Worker) Drain(ctx context.Context, max int) (int, error) {
	n := 0
	for max <= 0 || n < max {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		done, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !done {
			return n, nil
		}
		n++
	}
	return n, nil
}

// RunOnce claims and processes a single enrich_event job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobTypeEnrich})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload enrichPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	builder, ok := w.builders[payload.Kind]
	if !ok {
		return fmt.Errorf("no builder for enrichment kind %q", payload.Kind)
	}

	ev, err := w.store.GetEvent(ctx, payload.EventID)
	if err != nil {
		return fmt.Errorf("loading event %s: %w", payload.EventID, err)
	}

	buildCtx, cancel := context.WithTimeout(ctx, w.buildTimeout)
	result := builder.Build(buildCtx, StoredEvent(ev))
	cancel()
	if result == nil {
		w.logger.Debug("builder produced nothing", "kind", payload.Kind, "event_id", ev.ID)
		return nil
	}

	data, err := marshalJSON(result.Data)
	if err != nil {
		return fmt.Errorf("encoding %s enrichment: %w", payload.Kind, err)
	}
	kind := result.Kind
	if kind == "" {
		kind = payload.Kind
	}
	if err := w.store.UpsertEnrichment(ctx, storage.Enrichment{EventID: ev.ID, Kind: kind, Data: data}); err != nil {
		return fmt.Errorf("storing enrichment: %w", err)
	}
	return nil
}
