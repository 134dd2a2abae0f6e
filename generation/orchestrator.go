package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parel/contentflow/events"
	"github.com/parel/contentflow/queue"
	"github.com/parel/contentflow/storage"
	"github.com/parel/contentflow/types"
)

// Standard error definitions
var (
	ErrLeafNotFound     = errors.New("leaf not found")
	ErrDuplicateJob     = errors.New("job already exists for this run version")
	ErrQueueUnavailable = errors.New("generation queue is unavailable")
	ErrMalformedContent = errors.New("synthesizer returned empty or malformed content")
)

// Job status and event type constants
const (
	// Job and leaf statuses
	StatusPending    = "pending"
	StatusGenerating = "generating"
	StatusSuccess    = "success"
	StatusFailed     = "failed"

	// Event types
	EventJobStateChanged = "job_state_changed"
	EventJobFailed       = "job_failed"
)

// jobPayload is the queue message body.
type jobPayload struct {
	LeafID     uint64 `json:"leaf_id"`
	RunVersion string `json:"run_version"`
}

// Orchestrator validates generation requests, creates job records and
// enqueues them for the workers.
type Orchestrator struct {
	store  storage.Storage
	queue  queue.Queue
	bus    *events.Bus
	logger *zap.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(logger *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOrchestratorEventBus sets the bus job lifecycle events are published to.
func WithOrchestratorEventBus(bus *events.Bus) OrchestratorOption {
	return func(o *Orchestrator) {
		o.bus = bus
	}
}

// NewOrchestrator creates a new Orchestrator instance.
func NewOrchestrator(store storage.Storage, q queue.Queue, options ...OrchestratorOption) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if q == nil {
		return nil, errors.New("queue is required")
	}

	o := &Orchestrator{
		store:  store,
		queue:  q,
		logger: zap.NewNop(),
	}
	for _, option := range options {
		option(o)
	}
	return o, nil
}

// StartJob creates a pending job record for (leafID, runVersion) and
// enqueues exactly one message keyed by the record's idempotency token.
// The record is committed before the message becomes visible to workers;
// if the enqueue fails the record is rolled back so no orphan survives.
func (o *Orchestrator) StartJob(ctx context.Context, leafID uint64, runVersion string) (types.JobRecord, error) {
	if runVersion == "" {
		return types.JobRecord{}, errors.New("run version is required")
	}

	if _, err := o.store.GetLeaf(ctx, leafID); err != nil {
		if errors.Is(err, storage.ErrLeafNotFound) {
			return types.JobRecord{}, fmt.Errorf("%w: id=%d", ErrLeafNotFound, leafID)
		}
		return types.JobRecord{}, err
	}

	// Settled records are an audit trail: a run version that ever existed,
	// active or terminal, cannot be started again.
	if _, err := o.store.GetJob(ctx, leafID, runVersion); err == nil {
		return types.JobRecord{}, fmt.Errorf("%w: %d:%s", ErrDuplicateJob, leafID, runVersion)
	} else if !errors.Is(err, storage.ErrJobNotFound) {
		return types.JobRecord{}, err
	}

	job := types.JobRecord{
		LeafID:     leafID,
		RunVersion: runVersion,
		Status:     StatusPending,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := o.store.SaveJob(ctx, job); err != nil {
		return types.JobRecord{}, fmt.Errorf("failed to save job %s: %w", job.Key(), err)
	}

	payload, err := json.Marshal(jobPayload{LeafID: leafID, RunVersion: runVersion})
	if err != nil {
		return types.JobRecord{}, fmt.Errorf("failed to marshal payload for %s: %w", job.Key(), err)
	}
	if err := o.queue.Enqueue(ctx, job.Key(), payload); err != nil {
		if delErr := o.store.DeleteJob(ctx, leafID, runVersion); delErr != nil {
			o.logger.Error("failed to roll back pending job after enqueue failure",
				zap.String("key", job.Key()), zap.Error(delErr))
		}
		return types.JobRecord{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	o.publish(ctx, EventJobStateChanged, job)
	o.logger.Info("generation job enqueued",
		zap.Uint64("leaf_id", leafID), zap.String("run_version", runVersion))
	return job, nil
}

// Job retrieves a job record by its composite key.
func (o *Orchestrator) Job(ctx context.Context, leafID uint64, runVersion string) (types.JobRecord, error) {
	return o.store.GetJob(ctx, leafID, runVersion)
}

// LeafJobs lists all generation attempts recorded for a leaf.
func (o *Orchestrator) LeafJobs(ctx context.Context, leafID uint64) ([]types.JobRecord, error) {
	return o.store.LeafJobs(ctx, leafID)
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, job types.JobRecord) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, events.Event{
		Type: eventType,
		Key:  job.Key(),
		Data: map[string]interface{}{"status": job.Status, "error": job.Error},
	}); err != nil {
		o.logger.Warn("failed to publish job event", zap.String("key", job.Key()), zap.Error(err))
	}
}
