package engine

import "github.com/pkg/errors"

// Error classes surfaced by the engine. Structural problems are detected
// while dependency counts are computed, before any node runs; lifecycle
// problems come from using graph state that has already been released.
var (
	// ErrStructural marks a malformed graph or request: a dangling edge,
	// a slot index outside a node's arity, a seed/root count mismatch, or
	// a requested output that is unreachable from the roots.
	ErrStructural = errors.New("structural error")

	// ErrGraphReleased marks an attempt to execute a graph whose node
	// state was released by a previous non-retained run.
	ErrGraphReleased = errors.New("graph state already released (set RetainGraph to execute a graph twice)")
)
