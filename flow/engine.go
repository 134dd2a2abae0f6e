// Package flow resolves the next step of a content flow for a user under
// conditional branching, optional steps and randomized step groups.
package flow

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parel/contentflow/rules"
	"github.com/parel/contentflow/storage"
	"github.com/parel/contentflow/types"
)

// Engine computes per-user traversal over registered flows. NextStep is a
// pure function of the flow definition, the user's progress snapshot and
// the engine seed; the engine keeps no per-user state.
type Engine struct {
	store     storage.Storage
	evaluator rules.Evaluator
	flows     map[uint64]types.Flow
	mu        sync.RWMutex
	seed      int64
	logger    *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSeed fixes the seed that random-group selection is derived from.
func WithSeed(seed int64) EngineOption {
	return func(e *Engine) {
		e.seed = seed
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates a new Engine instance.
func NewEngine(store storage.Storage, evaluator rules.Evaluator, options ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}

	e := &Engine{
		store:     store,
		evaluator: evaluator,
		flows:     make(map[uint64]types.Flow),
		seed:      time.Now().UnixNano(),
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		option(e)
	}
	return e, nil
}

// RegisterFlow validates and persists a flow definition. Graph problems are
// rejected here so NextStep can assume termination.
func (e *Engine) RegisterFlow(ctx context.Context, f types.Flow) error {
	if err := Validate(f); err != nil {
		return err
	}
	if err := e.store.SaveFlow(ctx, f); err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	e.mu.Lock()
	e.flows[f.ID] = f
	e.mu.Unlock()
	return nil
}

// Flow retrieves a flow definition, checking cache first then storage.
func (e *Engine) Flow(ctx context.Context, flowID uint64) (types.Flow, error) {
	e.mu.RLock()
	f, ok := e.flows[flowID]
	e.mu.RUnlock()
	if ok {
		return f, nil
	}

	f, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return types.Flow{}, fmt.Errorf("%w: id=%d", ErrFlowNotFound, flowID)
	}

	e.mu.Lock()
	e.flows[f.ID] = f
	e.mu.Unlock()
	return f, nil
}

// NextStep resolves the next step to present to a user, or nil when the
// flow is complete for them. Re-querying without new progress returns the
// same step.
func (e *Engine) NextStep(ctx context.Context, flowID, userID uint64) (*types.Step, error) {
	f, err := e.Flow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	rows, err := e.store.UserProgress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress for user %d: %w", userID, err)
	}

	positions, posOf := layout(f)
	recorded := make(map[uint64]bool, len(rows))
	for _, row := range rows {
		recorded[row.ItemID] = true
	}
	env := answersEnv(f, rows)

	cur, ok := posOf[f.StartStepID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoStartStep, f.StartStepID)
	}

	// Validated flows are acyclic, so traversal visits each position at
	// most once; the hop bound is a guard, not a policy.
	for hops := 0; hops <= len(positions); hops++ {
		pos := positions[cur]

		if positionRecorded(pos, recorded) {
			next, ok := e.successor(f, pos, env, posOf, cur, len(positions))
			if !ok {
				return nil, nil
			}
			cur = next
			continue
		}

		candidate := e.pick(flowID, userID, pos)
		if candidate.IsOptional && candidate.SkipCondition != "" && e.holds(candidate.SkipCondition, env) {
			// Bypassed without a progress entry.
			next, ok := e.successor(f, pos, env, posOf, cur, len(positions))
			if !ok {
				return nil, nil
			}
			cur = next
			continue
		}

		step := candidate
		return &step, nil
	}
	return nil, nil
}

// positionRecorded reports whether any step at the position has a progress
// entry. At most one random-group member is ever presented, so one recorded
// member settles the whole position.
func positionRecorded(pos []types.Step, recorded map[uint64]bool) bool {
	for _, s := range pos {
		if recorded[s.ItemID] {
			return true
		}
	}
	return false
}

// successor resolves where traversal continues after a settled position:
// a conditional link whose condition evaluates false diverts to its target,
// otherwise the next sequential position. Returns false when the flow ends.
func (e *Engine) successor(f types.Flow, pos []types.Step, env map[string]interface{}, posOf map[uint64]int, cur, total int) (int, bool) {
	for _, s := range pos {
		for _, l := range f.Links {
			if l.FromStepID != s.ID || l.Condition == "" {
				continue
			}
			ok, err := e.evaluator.Evaluate(l.Condition, env)
			if err != nil {
				// Fail closed: an unevaluable branch is never taken.
				e.logger.Warn("branch condition evaluation failed",
					zap.Uint64("flow_id", f.ID),
					zap.String("condition", l.Condition),
					zap.Error(err))
				continue
			}
			if !ok {
				return posOf[l.ToStepID], true
			}
		}
	}
	if cur+1 < total {
		return cur + 1, true
	}
	return 0, false
}

// pick selects the step to present at a position. Random-group selection is
// derived from (seed, flow, user, group) so repeated queries are stable and
// fresh users land uniformly across members.
func (e *Engine) pick(flowID, userID uint64, pos []types.Step) types.Step {
	if len(pos) == 1 {
		return pos[0]
	}

	members := append([]types.Step(nil), pos...)
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%d:%d:%s", e.seed, flowID, userID, members[0].RandomGroup)
	r := rand.New(rand.NewSource(int64(h.Sum64())))
	return members[r.Intn(len(members))]
}

func (e *Engine) holds(condition string, env map[string]interface{}) bool {
	ok, err := e.evaluator.Evaluate(condition, env)
	if err != nil {
		e.logger.Warn("skip condition evaluation failed",
			zap.String("condition", condition), zap.Error(err))
		return false
	}
	return ok
}

// answersEnv builds the condition environment from the user's interactions
// with this flow's items. Steps are addressed by their section name, or
// "step_<id>" when unset.
func answersEnv(f types.Flow, rows []types.UserProgress) map[string]interface{} {
	section := make(map[uint64]string, len(f.Steps))
	for _, s := range f.Steps {
		name := s.Section
		if name == "" {
			name = fmt.Sprintf("step_%d", s.ID)
		}
		section[s.ItemID] = name
	}

	answered := make(map[string]bool)
	skipped := make(map[string]bool)
	answeredCount, skippedCount, streak := 0, 0, 0
	for _, row := range rows {
		name, ok := section[row.ItemID]
		if !ok {
			continue
		}
		if row.Skipped {
			skipped[name] = true
			skippedCount++
			streak = 0
		} else {
			answered[name] = true
			answeredCount++
			streak++
		}
	}

	return map[string]interface{}{
		"answered":       answered,
		"skipped":        skipped,
		"answered_count": answeredCount,
		"skipped_count":  skippedCount,
		"streak":         streak,
	}
}
