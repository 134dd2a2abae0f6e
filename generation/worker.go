package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/parel/contentflow/events"
	"github.com/parel/contentflow/queue"
	"github.com/parel/contentflow/storage"
	"github.com/parel/contentflow/types"
)

const defaultSynthTimeout = 30 * time.Second

// Worker consumes queued generation requests, calls the synthesizer and
// persists the results. Any number of workers may run concurrently against
// the same queue; the queue's per-key deduplication keeps two workers off
// the same run, and the terminal-state guard below absorbs redeliveries.
type Worker struct {
	store    storage.Storage
	queue    queue.Queue
	synth    Synthesizer
	generate generator.Generator
	bus      *events.Bus
	timeout  time.Duration
	logger   *zap.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithSynthesizerTimeout bounds each synthesizer call.
func WithSynthesizerTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *zap.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithWorkerEventBus sets the bus job lifecycle events are published to.
func WithWorkerEventBus(bus *events.Bus) WorkerOption {
	return func(w *Worker) {
		w.bus = bus
	}
}

// NewWorker creates a new Worker instance.
func NewWorker(store storage.Storage, q queue.Queue, synth Synthesizer, generate generator.Generator, options ...WorkerOption) (*Worker, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if synth == nil {
		return nil, errors.New("synthesizer is required")
	}
	if generate == nil {
		return nil, errors.New("generator is required")
	}

	w := &Worker{
		store:    store,
		queue:    q,
		synth:    synth,
		generate: generate,
		timeout:  defaultSynthTimeout,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		option(w)
	}
	return w, nil
}

// Run consumes messages until the context is canceled or the queue closes.
// A message is acknowledged once its job has reached a terminal state;
// infrastructure failures before any transition leave it unacknowledged for
// redelivery.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				return nil
			}
			w.logger.Error("failed to dequeue", zap.Error(err))
			continue
		}

		if err := w.Process(ctx, msg); err != nil {
			w.logger.Error("message processing failed, leaving unacknowledged",
				zap.String("key", msg.Key), zap.Error(err))
			continue
		}
		if err := w.queue.Ack(ctx, msg); err != nil {
			w.logger.Error("failed to ack message", zap.String("key", msg.Key), zap.Error(err))
		}
	}
}

// Process handles one delivery. Job-level failures are captured into the
// job record and reported as success here (the message is settled); only
// infrastructure errors that prevented any state transition surface as
// errors.
func (w *Worker) Process(ctx context.Context, msg queue.Message) error {
	var p jobPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		// No job record can be resolved from a malformed body; settle it.
		w.logger.Warn("dropping malformed message", zap.String("key", msg.Key), zap.Error(err))
		return nil
	}

	job, err := w.store.GetJob(ctx, p.LeafID, p.RunVersion)
	if err != nil {
		return fmt.Errorf("failed to load job %d:%s: %w", p.LeafID, p.RunVersion, err)
	}

	// Redelivery guard: the queue is at-least-once, a settled job must not
	// be re-run.
	if job.Status == StatusSuccess || job.Status == StatusFailed {
		return nil
	}

	job.Status = StatusGenerating
	if err := w.store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("failed to transition %s to generating: %w", job.Key(), err)
	}
	w.publish(ctx, EventJobStateChanged, job)

	leaf, err := w.store.GetLeaf(ctx, job.LeafID)
	if err != nil {
		return w.fail(ctx, job, err)
	}
	leaf.Status = StatusGenerating
	if err := w.store.SaveLeaf(ctx, leaf); err != nil {
		return w.fail(ctx, job, err)
	}

	path, err := w.store.LeafPath(ctx, job.LeafID)
	if err != nil {
		return w.fail(ctx, job, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	result, err := w.synth.Generate(callCtx, Request{LeafPath: path})
	cancel()
	if err != nil {
		return w.fail(ctx, job, fmt.Errorf("synthesizer: %w", err))
	}

	texts := make([]string, 0, len(result.Items))
	for _, item := range result.Items {
		if t := strings.TrimSpace(item.Text); t != "" {
			texts = append(texts, t)
		}
	}
	// An empty-but-valid response is a failed run, not a success with zero
	// items: a leaf must not reach "success" without content behind it.
	if len(texts) == 0 {
		return w.fail(ctx, job, ErrMalformedContent)
	}

	// Runs are additive: items surviving earlier runs stay, duplicates by
	// natural key (leaf, text) are skipped.
	existing, err := w.store.ItemsByLeaf(ctx, job.LeafID)
	if err != nil {
		return w.fail(ctx, job, err)
	}
	seen := make(map[string]bool, len(existing))
	for _, item := range existing {
		seen[item.Text] = true
	}

	now := time.Now().UnixMilli()
	items := make([]types.ContentItem, 0, len(texts))
	for _, text := range texts {
		if seen[text] {
			continue
		}
		seen[text] = true
		id, err := w.generate.NextID()
		if err != nil {
			return w.fail(ctx, job, fmt.Errorf("failed to generate item ID: %w", err))
		}
		items = append(items, types.ContentItem{
			ID:        id,
			LeafID:    job.LeafID,
			Text:      text,
			CreatedAt: now,
		})
	}

	job.Status = StatusSuccess
	job.Error = ""
	job.CompletedAt = now
	leaf.Status = StatusSuccess
	leaf.Error = ""
	leaf.GeneratedAt = now
	if err := w.store.CompleteJob(ctx, job, leaf, items); err != nil {
		return w.fail(ctx, job, fmt.Errorf("failed to persist content: %w", err))
	}

	w.publish(ctx, EventJobStateChanged, job)
	w.logger.Info("generation job succeeded",
		zap.String("key", job.Key()), zap.Int("items", len(items)))
	return nil
}

// fail settles the job as failed with the captured cause. Failed is
// terminal for this run version; recovery is a new run started by the
// orchestrator, never a retry inside the worker.
func (w *Worker) fail(ctx context.Context, job types.JobRecord, cause error) error {
	job.Status = StatusFailed
	job.Error = cause.Error()
	job.CompletedAt = time.Now().UnixMilli()
	if err := w.store.SaveJob(ctx, job); err != nil {
		// The failure could not be recorded; leave the message
		// unacknowledged so a redelivery can try again.
		return fmt.Errorf("failed to record failure of %s: %w", job.Key(), err)
	}

	if leaf, err := w.store.GetLeaf(ctx, job.LeafID); err == nil {
		leaf.Status = StatusFailed
		leaf.Error = cause.Error()
		if err := w.store.SaveLeaf(ctx, leaf); err != nil {
			w.logger.Warn("failed to record leaf failure",
				zap.Uint64("leaf_id", job.LeafID), zap.Error(err))
		}
	}

	w.publish(ctx, EventJobFailed, job)
	w.logger.Warn("generation job failed",
		zap.String("key", job.Key()), zap.Error(cause))
	return nil
}

func (w *Worker) publish(ctx context.Context, eventType string, job types.JobRecord) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(ctx, events.Event{
		Type: eventType,
		Key:  job.Key(),
		Data: map[string]interface{}{"status": job.Status, "error": job.Error},
	}); err != nil {
		w.logger.Warn("failed to publish job event", zap.String("key", job.Key()), zap.Error(err))
	}
}
