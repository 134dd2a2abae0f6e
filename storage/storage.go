package storage

import (
	"context"
	"errors"

	"github.com/parel/contentflow/types"
)

// Errors shared by all storage backends.
var (
	ErrNodeNotFound     = errors.New("taxonomy node not found")
	ErrLeafNotFound     = errors.New("leaf not found")
	ErrJobNotFound      = errors.New("job record not found")
	ErrItemNotFound     = errors.New("content item not found")
	ErrFlowNotFound     = errors.New("flow not found")
	ErrProgressNotFound = errors.New("progress not found")
	ErrProgressExists   = errors.New("progress already recorded")
)

// Storage persists the taxonomy, generation jobs, content items, flow
// definitions and user progress.
type Storage interface {
	// SaveNode saves a non-leaf taxonomy node.
	SaveNode(ctx context.Context, node types.TaxonomyNode) error

	// SaveLeaf saves a leaf.
	SaveLeaf(ctx context.Context, leaf types.Leaf) error

	// GetLeaf retrieves a leaf by ID.
	GetLeaf(ctx context.Context, id uint64) (types.Leaf, error)

	// LeafPath resolves the taxonomy names from the root category down to
	// the leaf itself.
	LeafPath(ctx context.Context, id uint64) ([]string, error)

	// SaveJob saves a job record.
	SaveJob(ctx context.Context, job types.JobRecord) error

	// GetJob retrieves a job record by its composite key.
	GetJob(ctx context.Context, leafID uint64, runVersion string) (types.JobRecord, error)

	// DeleteJob removes a job record. Used only to roll back a pending
	// record whose enqueue failed; settled records are an audit trail.
	DeleteJob(ctx context.Context, leafID uint64, runVersion string) error

	// LeafJobs lists all job records for a leaf.
	LeafJobs(ctx context.Context, leafID uint64) ([]types.JobRecord, error)

	// GetItem retrieves a content item by ID.
	GetItem(ctx context.Context, id uint64) (types.ContentItem, error)

	// ItemsByLeaf lists the content items owned by a leaf.
	ItemsByLeaf(ctx context.Context, leafID uint64) ([]types.ContentItem, error)

	// CompleteJob persists the generated items, the terminal job record and
	// the updated leaf as one transaction boundary.
	CompleteJob(ctx context.Context, job types.JobRecord, leaf types.Leaf, items []types.ContentItem) error

	// SaveFlow saves a flow definition.
	SaveFlow(ctx context.Context, f types.Flow) error

	// GetFlow retrieves a flow definition by ID.
	GetFlow(ctx context.Context, id uint64) (types.Flow, error)

	// CreateProgress records one interaction. Returns ErrProgressExists if
	// the (UserID, ItemID) pair is already recorded; the assigned sequence
	// number is returned on success.
	CreateProgress(ctx context.Context, p types.UserProgress) (types.UserProgress, error)

	// GetProgress retrieves one recorded interaction.
	GetProgress(ctx context.Context, userID, itemID uint64) (types.UserProgress, error)

	// UserProgress lists a user's interactions in recording order.
	UserProgress(ctx context.Context, userID uint64) ([]types.UserProgress, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
