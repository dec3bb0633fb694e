package graph

import (
	"sync"

	"github.com/ember-ml/ember/internal/tensor"
)

// GradHook observes or replaces a gradient before it is accumulated into a
// leaf. Returning nil keeps the incoming gradient.
type GradHook func(grad *tensor.Value) (*tensor.Value, error)

// Meta is the autograd metadata for one differentiable value.
type Meta struct {
	mu sync.Mutex

	producer    Edge // invalid => leaf
	outputNr    int
	accumulator *AccumulateGrad // lazily built, memoized
	version     uint64
	hooks       []GradHook
	view        *ViewInfo
	grad        *tensor.Value // accumulated leaf gradient
}

// MetaTable maps values to their autograd metadata. It replaces an embedded
// back-reference so the node graph never depends on value lifetime: the graph
// only points forward, and metadata is looked up by value identity.
//
// The table lock guards only the map; each Meta has its own lock. The table
// lock is never taken while a Meta lock is held.
type MetaTable struct {
	mu    sync.Mutex
	metas map[*tensor.Value]*Meta
}

// NewMetaTable creates an empty metadata table.
func NewMetaTable() *MetaTable {
	return &MetaTable{metas: make(map[*tensor.Value]*Meta)}
}

// materialize returns the metadata for v, creating it on first use.
func (t *MetaTable) materialize(v *tensor.Value) *Meta {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.metas[v]
	if !ok {
		m = &Meta{}
		t.metas[v] = m
	}
	return m
}

// Lookup returns the metadata for v if any exists.
func (t *MetaTable) Lookup(v *tensor.Value) (*Meta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.metas[v]
	return m, ok
}

// Forget drops the metadata for v, releasing any accumulated gradient.
func (t *MetaTable) Forget(v *tensor.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.metas, v)
}

// SetProducer records that v is output outputNr of the node edge points at.
func (t *MetaTable) SetProducer(v *tensor.Value, e Edge, outputNr int) {
	m := t.materialize(v)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.producer = e
	m.outputNr = outputNr
}

// Producer returns v's producing edge; an invalid edge means v is a leaf.
func (t *MetaTable) Producer(v *tensor.Value) Edge {
	m, ok := t.Lookup(v)
	if !ok {
		return Edge{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.producer
}

// IsLeaf reports whether v has no producing node.
func (t *MetaTable) IsLeaf(v *tensor.Value) bool {
	return !t.Producer(v).IsValid()
}

// GradientEdge returns where a gradient for v should flow: its producing
// edge when one was recorded, otherwise an edge into v's gradient
// accumulator. The accumulator is built once; concurrent first access from
// multiple goroutines observes the same instance.
func (t *MetaTable) GradientEdge(v *tensor.Value) Edge {
	m := t.materialize(v)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.producer.IsValid() {
		return m.producer
	}
	if m.accumulator == nil {
		m.accumulator = newAccumulateGrad(t, v, m.version)
	}
	return Edge{Node: m.accumulator, InputNr: 0}
}

// Accumulator returns v's gradient accumulator, building it if needed.
func (t *MetaTable) Accumulator(v *tensor.Value) *AccumulateGrad {
	e := t.GradientEdge(v)
	acc, ok := e.Node.(*AccumulateGrad)
	if !ok {
		return nil // v is not a leaf
	}
	return acc
}

// Grad returns the accumulated gradient for a leaf value, nil if none.
func (t *MetaTable) Grad(v *tensor.Value) *tensor.Value {
	m, ok := t.Lookup(v)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grad
}

// SetGrad replaces the accumulated gradient for v. A nil grad clears it.
func (t *MetaTable) SetGrad(v *tensor.Value, grad *tensor.Value) {
	m := t.materialize(v)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grad = grad
}

// AddGradHook registers a hook run when a gradient reaches v's accumulator.
func (t *MetaTable) AddGradHook(v *tensor.Value, h GradHook) {
	m := t.materialize(v)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// BumpVersion records an in-place write to v and returns the new version.
func (t *MetaTable) BumpVersion(v *tensor.Value) uint64 {
	m := t.materialize(v)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++
	return m.version
}

// refreshAccumulator re-snapshots the expected version of v's memoized
// accumulator. Used after a compensated rebase: the version bump records the
// in-place write, but the installed wrapper already accounts for it, so the
// accumulator must keep accepting gradients.
func (t *MetaTable) refreshAccumulator(v *tensor.Value) {
	m := t.materialize(v)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accumulator != nil {
		m.accumulator.version = m.version
	}
}

// Version returns v's current in-place version counter.
func (t *MetaTable) Version(v *tensor.Value) uint64 {
	m, ok := t.Lookup(v)
	if !ok {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}
