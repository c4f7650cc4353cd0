/*
genealogy.go - Bidirectional lineage tracing

PURPOSE:
  Read-only graph walker over parent/child LP links, used for recall and
  quality investigations. Backward tracing answers "what did this unit
  come from"; forward tracing answers "what did this unit become".

STORAGE SHAPE:
  Only the parent pointer is stored (child -> parent). Backward traversal
  follows it directly; forward traversal uses the store's reverse
  adjacency (ListLPsByParent). The tracer never mutates state; each tree
  node carries the LP snapshot at trace time.

TERMINATION:
  Cycles are structurally impossible (parent pointers are set once, at
  creation, from an already-existing LP), but the tracer still carries a
  visited set and a depth bound as a defence against data corruption.
  A detected cycle or exceeded bound is a ConsistencyError.
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
)

// maxTraceDepth bounds traversal depth. Any real genealogy is far
// shallower; hitting the bound means corrupted lineage data.
const maxTraceDepth = 10_000

// Tracer walks the genealogy DAG.
type Tracer struct {
	store Store
}

func NewTracer(store Store) *Tracer {
	return &Tracer{store: store}
}

// Trace dispatches on direction.
func (t *Tracer) Trace(ctx context.Context, id LPID, direction TraceDirection) (TraceTree, error) {
	switch direction {
	case TraceBackward:
		return t.TraceBackward(ctx, id)
	case TraceForward:
		return t.TraceForward(ctx, id)
	default:
		return TraceTree{}, rejected("license_plate", string(id), "-",
			fmt.Sprintf("unknown trace direction %q", direction))
	}
}

// TraceBackward walks parent pointers from the LP to its root (a plate
// with no parent, i.e. a receipt or production-output origin). The result
// is a chain: queried LP at the root, ultimate ancestor at the leaf.
func (t *Tracer) TraceBackward(ctx context.Context, id LPID) (TraceTree, error) {
	lp, err := t.store.GetLP(ctx, id)
	if err != nil {
		return TraceTree{}, err
	}

	root := &TraceNode{LP: lp, Relationship: relationshipOf(lp)}
	visited := map[LPID]bool{lp.ID: true}
	node := root
	count := 1

	current := lp
	for current.ParentLPID != "" {
		if count >= maxTraceDepth {
			return TraceTree{}, &ConsistencyError{LPID: id, Detail: "backward trace exceeded depth bound"}
		}
		parent, err := t.store.GetLP(ctx, current.ParentLPID)
		if err != nil {
			return TraceTree{}, err
		}
		if visited[parent.ID] {
			return TraceTree{}, &ConsistencyError{LPID: id, Detail: fmt.Sprintf(
				"genealogy cycle detected at %s", parent.ID)}
		}
		visited[parent.ID] = true

		child := &TraceNode{LP: parent, Relationship: relationshipOf(parent)}
		node.Children = []*TraceNode{child}
		node = child
		current = parent
		count++
	}

	return TraceTree{Direction: TraceBackward, Root: root, NodeCount: count}, nil
}

// TraceForward produces the full descendant subtree of the LP, preserving
// branch structure for split/combine visualization. Children are ordered
// by LP number for stable output.
func (t *Tracer) TraceForward(ctx context.Context, id LPID) (TraceTree, error) {
	lp, err := t.store.GetLP(ctx, id)
	if err != nil {
		return TraceTree{}, err
	}

	visited := map[LPID]bool{}
	count := 0
	root, err := t.descend(ctx, lp, visited, &count, 0)
	if err != nil {
		return TraceTree{}, err
	}
	return TraceTree{Direction: TraceForward, Root: root, NodeCount: count}, nil
}

func (t *Tracer) descend(ctx context.Context, lp LicensePlate, visited map[LPID]bool, count *int, depth int) (*TraceNode, error) {
	if depth >= maxTraceDepth {
		return nil, &ConsistencyError{LPID: lp.ID, Detail: "forward trace exceeded depth bound"}
	}
	if visited[lp.ID] {
		return nil, &ConsistencyError{LPID: lp.ID, Detail: fmt.Sprintf(
			"genealogy cycle detected at %s", lp.ID)}
	}
	visited[lp.ID] = true
	*count++

	node := &TraceNode{LP: lp, Relationship: relationshipOf(lp)}
	children, err := t.store.ListLPsByParent(ctx, lp.ID)
	if err != nil {
		return nil, err
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].LPNumber < children[j].LPNumber
	})
	for _, child := range children {
		childNode, err := t.descend(ctx, child, visited, count, depth+1)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}
