package autograd_test

import (
	"testing"

	"github.com/ember-ml/ember/autograd"
	"github.com/ember-ml/ember/tensor"
)

// mulBackward is the backward of an elementwise multiply: the incoming
// gradient is scaled by the other operand, once per factor.
type mulBackward struct {
	autograd.Base
	factors []*tensor.Value
}

func newMulBackward(out *tensor.Value, factors ...*tensor.Value) *mulBackward {
	n := &mulBackward{Base: autograd.NewBase(), factors: factors}
	n.AddInputFor(out)
	return n
}

func (n *mulBackward) Apply(grads []*tensor.Value) ([]*tensor.Value, error) {
	g := grads[0].AsFloat32()
	outputs := make([]*tensor.Value, len(n.NextEdges()))
	for i, f := range n.factors {
		fd := f.AsFloat32()
		data := make([]float32, len(g))
		for j := range g {
			data[j] = g[j] * fd[j]
		}
		out, err := tensor.FromFloat32(data, grads[0].Shape(), grads[0].Device())
		if err != nil {
			return nil, err
		}
		outputs[i] = out
	}
	return outputs, nil
}

func (n *mulBackward) Name() string { return "MulBackward" }

// TestGradientsOfProduct differentiates z = x * y through the public API:
// dz/dx = y and dz/dy = x.
func TestGradientsOfProduct(t *testing.T) {
	table := autograd.NewMetaTable()
	eng := autograd.New()

	x, err := tensor.FromFloat32([]float32{2, 3}, tensor.Shape{2}, tensor.CPU)
	if err != nil {
		t.Fatalf("FromFloat32: %v", err)
	}
	y, err := tensor.FromFloat32([]float32{10, 20}, tensor.Shape{2}, tensor.CPU)
	if err != nil {
		t.Fatalf("FromFloat32: %v", err)
	}
	z, err := tensor.FromFloat32([]float32{20, 60}, tensor.Shape{2}, tensor.CPU)
	if err != nil {
		t.Fatalf("FromFloat32: %v", err)
	}

	// Record the multiply: gradient of x is scaled by y and vice versa.
	node := newMulBackward(z, y, x)
	node.SetNextEdges([]autograd.Edge{table.GradientEdge(x), table.GradientEdge(y)})
	table.SetProducer(z, autograd.Edge{Node: node, InputNr: 0}, 0)

	seed, err := tensor.Ones(tensor.Shape{2}, tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("Ones: %v", err)
	}

	grads, err := eng.Execute(
		[]autograd.Edge{table.GradientEdge(z)},
		[]*tensor.Value{seed},
		autograd.ExecuteOptions{},
		[]autograd.Edge{table.GradientEdge(x), table.GradientEdge(y)},
	)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(grads) != 2 {
		t.Fatalf("got %d gradients, want 2", len(grads))
	}

	wantX := []float32{10, 20}
	for i, v := range grads[0].AsFloat32() {
		if v != wantX[i] {
			t.Errorf("dz/dx[%d] = %f, want %f", i, v, wantX[i])
		}
	}
	wantY := []float32{2, 3}
	for i, v := range grads[1].AsFloat32() {
		if v != wantY[i] {
			t.Errorf("dz/dy[%d] = %f, want %f", i, v, wantY[i])
		}
	}

	// A restricted request does not touch the leaves' accumulated grads.
	if table.Grad(x) != nil || table.Grad(y) != nil {
		t.Error("requested-output pass should not accumulate into leaves")
	}
}

// TestAccumulateIntoLeaves runs the same product graph in accumulate mode.
func TestAccumulateIntoLeaves(t *testing.T) {
	table := autograd.NewMetaTable()
	eng := autograd.New()

	x, _ := tensor.FromFloat32([]float32{2, 3}, tensor.Shape{2}, tensor.CPU)
	y, _ := tensor.FromFloat32([]float32{10, 20}, tensor.Shape{2}, tensor.CPU)
	z, _ := tensor.FromFloat32([]float32{20, 60}, tensor.Shape{2}, tensor.CPU)

	node := newMulBackward(z, y, x)
	node.SetNextEdges([]autograd.Edge{table.GradientEdge(x), table.GradientEdge(y)})
	table.SetProducer(z, autograd.Edge{Node: node, InputNr: 0}, 0)

	seed, _ := tensor.Ones(tensor.Shape{2}, tensor.Float32, tensor.CPU)
	if _, err := eng.Execute(
		[]autograd.Edge{table.GradientEdge(z)},
		[]*tensor.Value{seed},
		autograd.ExecuteOptions{}, nil,
	); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	gx := table.Grad(x)
	if gx == nil {
		t.Fatal("x has no accumulated gradient")
	}
	want := []float32{10, 20}
	for i, v := range gx.AsFloat32() {
		if v != want[i] {
			t.Errorf("x.grad[%d] = %f, want %f", i, v, want[i])
		}
	}
}
