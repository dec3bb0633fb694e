package graph

import (
	"github.com/pkg/errors"

	"github.com/ember-ml/ember/internal/tensor"
)

// AccumulateGrad is the terminal node for a leaf value: it sums every
// gradient that reaches the leaf into the value's metadata. Exactly one
// exists per live leaf; MetaTable.GradientEdge memoizes construction.
type AccumulateGrad struct {
	Base
	table   *MetaTable
	target  *tensor.Value
	version uint64 // target's in-place version when the edge was built
}

func newAccumulateGrad(table *MetaTable, target *tensor.Value, version uint64) *AccumulateGrad {
	a := &AccumulateGrad{Base: NewBase(), table: table, target: target, version: version}
	a.AddInputFor(target)
	return a
}

// Target returns the leaf value this accumulator feeds.
func (a *AccumulateGrad) Target() *tensor.Value { return a.target }

// Apply folds the incoming gradient into the leaf's accumulated gradient.
// It produces no outputs; the backward graph ends here.
func (a *AccumulateGrad) Apply(grads []*tensor.Value) ([]*tensor.Value, error) {
	if len(grads) != 1 {
		return nil, errors.Errorf("AccumulateGrad: expected 1 gradient, got %d", len(grads))
	}
	grad := grads[0]
	if grad == nil {
		return nil, nil
	}
	if !grad.Shape().Equal(a.target.Shape()) {
		return nil, errors.Errorf(
			"AccumulateGrad: gradient shape %s does not match leaf shape %s",
			grad.Shape(), a.target.Shape())
	}
	if v := a.table.Version(a.target); v != a.version {
		return nil, errors.Errorf(
			"AccumulateGrad: leaf was modified in-place (version %d, expected %d)", v, a.version)
	}

	m := a.table.materialize(a.target)
	m.mu.Lock()
	hooks := m.hooks
	m.mu.Unlock()

	// Hooks run outside the meta lock; they may inspect other metadata.
	var err error
	for _, h := range hooks {
		var replaced *tensor.Value
		replaced, err = h(grad)
		if err != nil {
			return nil, errors.Wrap(err, "gradient hook")
		}
		if replaced != nil {
			grad = replaced
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grad == nil {
		m.grad = grad
		return nil, nil
	}
	sum, err := tensor.Add(m.grad, grad)
	if err != nil {
		return nil, errors.Wrap(err, "AccumulateGrad")
	}
	m.grad = sum
	return nil, nil
}

// Name implements Node.
func (a *AccumulateGrad) Name() string { return "AccumulateGrad" }
