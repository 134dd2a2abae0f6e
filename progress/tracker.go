// Package progress records per-user answer and skip events and derives
// streak and aggregate stats from the recorded sequence.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parel/contentflow/events"
	"github.com/parel/contentflow/storage"
	"github.com/parel/contentflow/types"
)

// ErrAlreadyRecorded indicates the user has already answered or skipped the
// item. Re-answering is not permitted.
var ErrAlreadyRecorded = errors.New("interaction already recorded for this item")

// EventProgressRecorded is published for every recorded interaction.
const EventProgressRecorded = "progress_recorded"

// Tracker records user interactions with content items.
type Tracker struct {
	store  storage.Storage
	bus    *events.Bus
	logger *zap.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the logger.
func WithTrackerLogger(logger *zap.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTrackerEventBus sets the bus progress events are published to.
func WithTrackerEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) {
		t.bus = bus
	}
}

// NewTracker creates a new Tracker instance.
func NewTracker(store storage.Storage, options ...TrackerOption) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}

	t := &Tracker{
		store:  store,
		logger: zap.NewNop(),
	}
	for _, option := range options {
		option(t)
	}
	return t, nil
}

// Answer records that the user answered the item.
func (t *Tracker) Answer(ctx context.Context, userID, itemID uint64) error {
	return t.record(ctx, types.UserProgress{
		UserID:     userID,
		ItemID:     itemID,
		AnsweredAt: time.Now().UnixMilli(),
	})
}

// Skip records that the user skipped the item.
func (t *Tracker) Skip(ctx context.Context, userID, itemID uint64) error {
	return t.record(ctx, types.UserProgress{
		UserID:  userID,
		ItemID:  itemID,
		Skipped: true,
	})
}

func (t *Tracker) record(ctx context.Context, p types.UserProgress) error {
	if _, err := t.store.GetItem(ctx, p.ItemID); err != nil {
		return err
	}

	saved, err := t.store.CreateProgress(ctx, p)
	if err != nil {
		if errors.Is(err, storage.ErrProgressExists) {
			return fmt.Errorf("%w: user=%d item=%d", ErrAlreadyRecorded, p.UserID, p.ItemID)
		}
		return fmt.Errorf("failed to record progress: %w", err)
	}

	if t.bus != nil {
		action := "answer"
		if saved.Skipped {
			action = "skip"
		}
		if err := t.bus.Publish(ctx, events.Event{
			Type: EventProgressRecorded,
			Key:  fmt.Sprintf("%d:%d", saved.UserID, saved.ItemID),
			Data: map[string]interface{}{"action": action, "seq": saved.Seq},
		}); err != nil {
			t.logger.Warn("failed to publish progress event",
				zap.Uint64("user_id", saved.UserID), zap.Error(err))
		}
	}
	return nil
}

// Stats derives the user's aggregates from their recorded sequence. A
// non-zero leafID restricts the sequence to items owned by that leaf.
// Streak counts the trailing run of answers since the last skip; a skip
// zeroes it.
func (t *Tracker) Stats(ctx context.Context, userID, leafID uint64) (types.UserStats, error) {
	rows, err := t.store.UserProgress(ctx, userID)
	if err != nil {
		return types.UserStats{}, fmt.Errorf("failed to load progress for user %d: %w", userID, err)
	}

	var stats types.UserStats
	for _, row := range rows {
		if leafID != 0 {
			item, err := t.store.GetItem(ctx, row.ItemID)
			if err != nil {
				return types.UserStats{}, err
			}
			if item.LeafID != leafID {
				continue
			}
		}
		if row.Skipped {
			stats.SkippedCount++
			stats.Streak = 0
		} else {
			stats.AnsweredCount++
			stats.Streak++
		}
	}
	return stats, nil
}
