package graph

import (
	"github.com/pkg/errors"

	"github.com/ember-ml/ember/internal/tensor"
)

// CreationContext records the circumstances a view was created under. Some
// contexts forbid rebasing the view's history after an in-place write,
// because the recorded backward would silently produce wrong gradients.
type CreationContext int

// View creation contexts.
const (
	CreationDefault CreationContext = iota
	CreationNoGrad
	CreationInferenceMode
	CreationInCustomFunction
	CreationMultiOutput
)

// String returns a human-readable context name.
func (c CreationContext) String() string {
	switch c {
	case CreationDefault:
		return "default"
	case CreationNoGrad:
		return "no-grad mode"
	case CreationInferenceMode:
		return "inference mode"
	case CreationInCustomFunction:
		return "a custom function"
	case CreationMultiOutput:
		return "a multi-output operation"
	default:
		return "unknown"
	}
}

// ViewInfo marks a value as aliasing a slice of another value's storage.
// Offset and the view's own shape locate the aliased region, which is
// assumed contiguous.
type ViewInfo struct {
	Base     *tensor.Value
	Offset   int // element offset of the view within the base
	Creation CreationContext
}

// SetView records that v is a differentiable view of info.Base.
func (t *MetaTable) SetView(v *tensor.Value, info ViewInfo) {
	m := t.materialize(v)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.view = &info
}

// RebaseHistory rewires v's producing edge after an in-place write. For a
// plain value this just replaces the producer. For a differentiable view it
// installs a CopySlices wrapper on the base, so the base's gradient is
// scattered back through the in-place operation's backward; views created in
// forbidden contexts fail here instead of producing wrong gradients.
func (t *MetaTable) RebaseHistory(v *tensor.Value, newEdge Edge) error {
	if !newEdge.IsValid() {
		return errors.New("rebase history: new gradient edge has no node")
	}
	m := t.materialize(v)
	m.mu.Lock()
	view := m.view
	outputNr := m.outputNr
	m.mu.Unlock()

	if view == nil {
		t.SetProducer(v, newEdge, newEdge.InputNr)
		t.BumpVersion(v)
		return nil
	}

	if view.Creation != CreationDefault {
		return errors.Errorf(
			"output %d of %s is a view created in %s and is being modified in-place; "+
				"rebasing its backward history would produce wrong gradients, so this is forbidden",
			outputNr, newEdge.Node.Name(), view.Creation)
	}
	if newEdge.Node.NodeBase().NumInputs() != 1 {
		return errors.New("operations that modify views in-place must return a single value")
	}

	cs := newCopySlices(t, view.Base, v, view.Offset, newEdge.Node)
	t.SetProducer(view.Base, Edge{Node: cs, InputNr: 0}, 0)
	t.SetProducer(v, Edge{Node: cs, InputNr: 0}, 0)
	t.BumpVersion(v)
	t.BumpVersion(view.Base)
	// The wrapper compensates for the write, so memoized accumulators on
	// the rebased values must track the bumped versions.
	t.refreshAccumulator(v)
	t.refreshAccumulator(view.Base)
	return nil
}

// CopySlices is the wrapper node installed when an in-place operation writes
// through a view. It receives the gradient of the whole base, slices out the
// view's region for the in-place operation's backward, and forwards the rest
// of the base gradient along the base's previous producing edge.
//
// Output edges are the wrapped node's edges followed by the base's previous
// gradient edge.
type CopySlices struct {
	Base
	table   *MetaTable
	fn      Node // backward of the in-place operation
	offset  int  // view's element offset within the base
	viewLen int
	elemSz  int
}

func newCopySlices(table *MetaTable, base, view *tensor.Value, offset int, fn Node) *CopySlices {
	cs := &CopySlices{
		Base:    NewBase(),
		table:   table,
		fn:      fn,
		offset:  offset,
		viewLen: view.NumElements(),
		elemSz:  view.DType().Size(),
	}
	cs.AddInputFor(base)
	edges := append([]Edge{}, fn.NodeBase().NextEdges()...)
	edges = append(edges, table.GradientEdge(base))
	cs.SetNextEdges(edges)
	return cs
}

// Apply implements Node.
func (cs *CopySlices) Apply(grads []*tensor.Value) ([]*tensor.Value, error) {
	if len(grads) != 1 || grads[0] == nil {
		return nil, errors.New("CopySlices: expected the base gradient as its single input")
	}
	baseGrad := grads[0]
	meta := cs.InputMetadata(0)
	if !baseGrad.Shape().Equal(meta.Shape) {
		return nil, errors.Errorf(
			"CopySlices: base gradient shape %s does not match %s", baseGrad.Shape(), meta.Shape)
	}

	// Slice the view's region out of the base gradient.
	sliceGrad, err := tensor.Zeros(tensor.Shape{cs.viewLen}, baseGrad.DType(), baseGrad.Device())
	if err != nil {
		return nil, err
	}
	lo, hi := cs.offset*cs.elemSz, (cs.offset+cs.viewLen)*cs.elemSz
	copy(sliceGrad.Data(), baseGrad.Data()[lo:hi])

	fnOut, err := cs.fn.Apply([]*tensor.Value{sliceGrad})
	if err != nil {
		return nil, errors.Wrapf(err, "CopySlices: %s", cs.fn.Name())
	}

	// The remainder of the base gradient, with the view region zeroed,
	// continues along the base's previous history.
	residual, err := tensor.ZerosLike(baseGrad)
	if err != nil {
		return nil, err
	}
	copy(residual.Data(), baseGrad.Data())
	clear(residual.Data()[lo:hi])

	outputs := make([]*tensor.Value, 0, len(fnOut)+1)
	outputs = append(outputs, fnOut...)
	for len(outputs) < len(cs.NextEdges())-1 {
		outputs = append(outputs, nil)
	}
	outputs = append(outputs, residual)
	return outputs, nil
}

// Name implements Node.
func (cs *CopySlices) Name() string { return "CopySlices" }
