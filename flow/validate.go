package flow

import (
	"errors"
	"fmt"
	"sort"

	"github.com/parel/contentflow/types"
)

// Standard error definitions
var (
	ErrFlowNotFound  = errors.New("flow not found")
	ErrNoSteps       = errors.New("flow has no steps")
	ErrNoStartStep   = errors.New("start step is not part of the flow")
	ErrDuplicateStep = errors.New("duplicate step id")
	ErrOrderConflict = errors.New("step order reused outside a shared random group")
	ErrGroupSplit    = errors.New("random group members do not share an order")
	ErrDanglingLink  = errors.New("link references a step outside the flow")
	ErrCyclicFlow    = errors.New("flow links form a cycle reachable from the start step")
)

// Validate checks a flow definition at authoring time so that traversal can
// assume a well-formed, terminating graph.
func Validate(f types.Flow) error {
	if f.ID == 0 {
		return errors.New("flow ID cannot be zero")
	}
	if len(f.Steps) == 0 {
		return ErrNoSteps
	}

	stepIDs := make(map[uint64]bool, len(f.Steps))
	for _, s := range f.Steps {
		if s.ID == 0 {
			return errors.New("step ID cannot be zero")
		}
		if stepIDs[s.ID] {
			return fmt.Errorf("%w: %d", ErrDuplicateStep, s.ID)
		}
		stepIDs[s.ID] = true
	}
	if !stepIDs[f.StartStepID] {
		return fmt.Errorf("%w: %d", ErrNoStartStep, f.StartStepID)
	}

	// Order must be unique except among members of one shared random
	// group, and a group must not straddle orders.
	orderGroup := make(map[int]string)
	orderSeen := make(map[int]bool)
	groupOrder := make(map[string]int)
	for _, s := range f.Steps {
		if prev, ok := groupOrder[s.RandomGroup]; ok && s.RandomGroup != "" && prev != s.Order {
			return fmt.Errorf("%w: group %q", ErrGroupSplit, s.RandomGroup)
		}
		if s.RandomGroup != "" {
			groupOrder[s.RandomGroup] = s.Order
		}
		if orderSeen[s.Order] {
			if s.RandomGroup == "" || orderGroup[s.Order] != s.RandomGroup {
				return fmt.Errorf("%w: order %d", ErrOrderConflict, s.Order)
			}
		}
		orderSeen[s.Order] = true
		orderGroup[s.Order] = s.RandomGroup
	}

	for _, l := range f.Links {
		if !stepIDs[l.FromStepID] || !stepIDs[l.ToStepID] {
			return fmt.Errorf("%w: %d -> %d", ErrDanglingLink, l.FromStepID, l.ToStepID)
		}
	}

	return checkAcyclic(f)
}

// checkAcyclic runs a three-color DFS over the position graph: sequential
// edges between consecutive orders plus every link edge. A back edge means
// traversal could revisit a position, so the flow is rejected.
func checkAcyclic(f types.Flow) error {
	positions, posOf := layout(f)

	adj := make(map[int][]int, len(positions))
	for i := range positions {
		if i+1 < len(positions) {
			adj[i] = append(adj[i], i+1)
		}
	}
	for _, l := range f.Links {
		from, to := posOf[l.FromStepID], posOf[l.ToStepID]
		if from != to {
			adj[from] = append(adj[from], to)
		} else {
			return fmt.Errorf("%w: link %d -> %d", ErrCyclicFlow, l.FromStepID, l.ToStepID)
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		finished  = 2
	)
	color := make([]int, len(positions))

	var visit func(int) error
	visit = func(pos int) error {
		color[pos] = visiting
		for _, next := range adj[pos] {
			switch color[next] {
			case visiting:
				return ErrCyclicFlow
			case unvisited:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[pos] = finished
		return nil
	}
	return visit(posOf[f.StartStepID])
}

// layout groups steps by order into traversal positions, ascending, and
// indexes each step's position.
func layout(f types.Flow) ([][]types.Step, map[uint64]int) {
	byOrder := make(map[int][]types.Step)
	orders := make([]int, 0)
	for _, s := range f.Steps {
		if _, ok := byOrder[s.Order]; !ok {
			orders = append(orders, s.Order)
		}
		byOrder[s.Order] = append(byOrder[s.Order], s)
	}
	sort.Ints(orders)

	positions := make([][]types.Step, 0, len(orders))
	posOf := make(map[uint64]int, len(f.Steps))
	for i, order := range orders {
		positions = append(positions, byOrder[order])
		for _, s := range byOrder[order] {
			posOf[s.ID] = i
		}
	}
	return positions, posOf
}
