package types

import "fmt"

// Taxonomy levels from root to the generation unit. Leaves hang off
// sub-sub-category nodes.
const (
	LevelCategory       = "category"
	LevelSubCategory    = "subcategory"
	LevelSubSubCategory = "subsubcategory"
)

// TaxonomyNode is one non-leaf node of the content hierarchy.
type TaxonomyNode struct {
	ID       uint64 `json:"id"`
	ParentID uint64 `json:"parent_id,omitempty"`
	Level    string `json:"level"`
	Name     string `json:"name"`
}

// Leaf is a terminal taxonomy node and the unit of content generation.
// Status moves only through the generation job state machine.
type Leaf struct {
	ID          uint64 `json:"id"`
	ParentID    uint64 `json:"parent_id"` // owning sub-sub-category
	Name        string `json:"name"`
	Status      string `json:"status"` // "pending", "generating", "success", "failed"
	Error       string `json:"error,omitempty"`
	GeneratedAt int64  `json:"generated_at,omitempty"`
}

// JobRecord tracks one generation attempt for a leaf. The (LeafID,
// RunVersion) pair identifies the record; it is never reused, a new attempt
// needs a new run version.
type JobRecord struct {
	LeafID      uint64 `json:"leaf_id"`
	RunVersion  string `json:"run_version"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	CompletedAt int64  `json:"completed_at,omitempty"`
}

// Key returns the composite idempotency token for the record, used as the
// queue deduplication key.
func (j JobRecord) Key() string {
	return fmt.Sprintf("%d:%s", j.LeafID, j.RunVersion)
}

// ContentItem is a generated unit of content owned by a leaf. Items are
// immutable once persisted.
type ContentItem struct {
	ID        uint64 `json:"id"`
	LeafID    uint64 `json:"leaf_id"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"created_at"`
}

// Flow is a named graph of steps sequencing content items for users.
type Flow struct {
	ID          uint64 `json:"id"`
	Name        string `json:"name"`
	StartStepID uint64 `json:"start_step_id"`
	Steps       []Step `json:"steps"`
	Links       []Link `json:"links"`
}

// Step is one node of a flow. Order is unique within a flow except among
// steps sharing a RandomGroup; group members are mutually substitutable at
// that position.
type Step struct {
	ID            uint64 `json:"id"`
	FlowID        uint64 `json:"flow_id"`
	Order         int    `json:"order"`
	Section       string `json:"section,omitempty"`
	RandomGroup   string `json:"random_group,omitempty"`
	IsOptional    bool   `json:"is_optional,omitempty"`
	SkipCondition string `json:"skip_condition,omitempty"`
	ItemID        uint64 `json:"item_id"`
}

// Link is a directed edge between steps. A non-empty Condition guards the
// sequential path: when it evaluates false the traversal diverts to ToStepID.
type Link struct {
	FromStepID uint64 `json:"from_step_id"`
	ToStepID   uint64 `json:"to_step_id"`
	Condition  string `json:"condition,omitempty"`
}

// UserProgress records one answer or skip of a content item by a user.
// Seq is the per-user interaction sequence number assigned on creation.
type UserProgress struct {
	UserID     uint64 `json:"user_id"`
	ItemID     uint64 `json:"item_id"`
	Seq        int    `json:"seq"`
	AnsweredAt int64  `json:"answered_at,omitempty"`
	Skipped    bool   `json:"skipped"`
}

// UserStats aggregates a user's recorded interactions. Streak counts the
// trailing run of answers uninterrupted by a skip.
type UserStats struct {
	AnsweredCount int `json:"answered_count"`
	SkippedCount  int `json:"skipped_count"`
	Streak        int `json:"streak"`
}
