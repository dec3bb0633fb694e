package graph_test

import (
	"sync"
	"testing"

	"github.com/ember-ml/ember/internal/graph"
	"github.com/ember-ml/ember/internal/tensor"
)

func fromF32(t *testing.T, data []float32) *tensor.Value {
	t.Helper()
	v, err := tensor.FromFloat32(data, tensor.Shape{len(data)}, tensor.CPU)
	if err != nil {
		t.Fatalf("FromFloat32: %v", err)
	}
	return v
}

// TestBase_SequenceOrdering tests that later nodes get larger sequence
// numbers.
func TestBase_SequenceOrdering(t *testing.T) {
	a := graph.NewIdentity(nil)
	b := graph.NewIdentity(nil)
	if a.Sequence() >= b.Sequence() {
		t.Errorf("sequence not increasing: %d then %d", a.Sequence(), b.Sequence())
	}
}

// TestBase_AddInputFor tests that input metadata mirrors the forward value.
func TestBase_AddInputFor(t *testing.T) {
	v := fromF32(t, []float32{1, 2, 3})
	n := graph.NewIdentity(nil)

	slot := n.AddInputFor(v)
	if slot != 0 {
		t.Errorf("first slot = %d, want 0", slot)
	}
	if n.NumInputs() != 1 {
		t.Errorf("NumInputs = %d, want 1", n.NumInputs())
	}

	meta := n.InputMetadata(0)
	if !meta.Shape.Equal(v.Shape()) {
		t.Errorf("slot shape = %s, want %s", meta.Shape, v.Shape())
	}
	if meta.DType != v.DType() || meta.Device != v.Device() {
		t.Errorf("slot dtype/device = %s/%s, want %s/%s",
			meta.DType, meta.Device, v.DType(), v.Device())
	}
	if meta.Stream == nil {
		t.Error("slot stream should default to the device stream")
	}

	z, err := meta.ZerosLike()
	if err != nil {
		t.Fatalf("ZerosLike: %v", err)
	}
	if !z.Shape().Equal(v.Shape()) {
		t.Errorf("ZerosLike shape = %s, want %s", z.Shape(), v.Shape())
	}
}

// TestGradientEdge_Leaf tests that a leaf's gradient edge points at its
// accumulator, and that the accumulator is memoized.
func TestGradientEdge_Leaf(t *testing.T) {
	table := graph.NewMetaTable()
	leaf := fromF32(t, []float32{0, 0})

	e1 := table.GradientEdge(leaf)
	e2 := table.GradientEdge(leaf)

	if !e1.IsValid() || e1.InputNr != 0 {
		t.Fatalf("leaf gradient edge = %+v, want accumulator slot 0", e1)
	}
	if _, ok := e1.Node.(*graph.AccumulateGrad); !ok {
		t.Fatalf("leaf gradient edge points at %T, want *AccumulateGrad", e1.Node)
	}
	if e1.Node != e2.Node {
		t.Error("accumulator should be memoized across calls")
	}
	if !table.IsLeaf(leaf) {
		t.Error("value without a producer should be a leaf")
	}
}

// TestGradientEdge_Producer tests that a produced value's gradient edge is
// its producing edge, not an accumulator.
func TestGradientEdge_Producer(t *testing.T) {
	table := graph.NewMetaTable()
	v := fromF32(t, []float32{1})
	prod := graph.NewIdentity(nil)
	prod.AddInputFor(v)

	table.SetProducer(v, graph.Edge{Node: prod, InputNr: 0}, 0)

	e := table.GradientEdge(v)
	if e.Node != graph.Node(prod) {
		t.Errorf("gradient edge node = %v, want the producer", e.Node)
	}
	if table.IsLeaf(v) {
		t.Error("produced value should not be a leaf")
	}
	if table.Accumulator(v) != nil {
		t.Error("produced value should not get an accumulator")
	}
}

// TestGradientEdge_ConcurrentFirstAccess tests that racing first accesses
// observe one accumulator instance.
func TestGradientEdge_ConcurrentFirstAccess(t *testing.T) {
	table := graph.NewMetaTable()
	leaf := fromF32(t, []float32{0})

	const goroutines = 16
	nodes := make([]graph.Node, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			nodes[i] = table.GradientEdge(leaf).Node
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if nodes[i] != nodes[0] {
			t.Fatalf("goroutine %d saw a different accumulator", i)
		}
	}
}

// TestAccumulateGrad_Sum tests that repeated applications sum into the
// leaf's gradient.
func TestAccumulateGrad_Sum(t *testing.T) {
	table := graph.NewMetaTable()
	leaf := fromF32(t, []float32{0, 0})
	acc := table.Accumulator(leaf)

	if _, err := acc.Apply([]*tensor.Value{fromF32(t, []float32{1, 2})}); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if _, err := acc.Apply([]*tensor.Value{fromF32(t, []float32{10, 20})}); err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	grad := table.Grad(leaf)
	if grad == nil {
		t.Fatal("leaf gradient not recorded")
	}
	want := []float32{11, 22}
	for i, v := range grad.AsFloat32() {
		if v != want[i] {
			t.Errorf("grad[%d] = %f, want %f", i, v, want[i])
		}
	}
}

// TestAccumulateGrad_NilGradient tests that a nil gradient is a no-op.
func TestAccumulateGrad_NilGradient(t *testing.T) {
	table := graph.NewMetaTable()
	leaf := fromF32(t, []float32{0})
	acc := table.Accumulator(leaf)

	if _, err := acc.Apply([]*tensor.Value{nil}); err != nil {
		t.Fatalf("Apply(nil): %v", err)
	}
	if table.Grad(leaf) != nil {
		t.Error("nil gradient should not be recorded")
	}
}

// TestAccumulateGrad_ShapeMismatch tests that a wrong-shaped gradient fails.
func TestAccumulateGrad_ShapeMismatch(t *testing.T) {
	table := graph.NewMetaTable()
	leaf := fromF32(t, []float32{0, 0})
	acc := table.Accumulator(leaf)

	if _, err := acc.Apply([]*tensor.Value{fromF32(t, []float32{1, 2, 3})}); err == nil {
		t.Error("shape mismatch should fail")
	}
}

// TestAccumulateGrad_StaleVersion tests that a leaf modified in-place after
// its accumulator was built rejects further accumulation.
func TestAccumulateGrad_StaleVersion(t *testing.T) {
	table := graph.NewMetaTable()
	leaf := fromF32(t, []float32{0})
	acc := table.Accumulator(leaf)

	table.BumpVersion(leaf)

	if _, err := acc.Apply([]*tensor.Value{fromF32(t, []float32{1})}); err == nil {
		t.Error("stale accumulator should fail after an in-place write")
	}
}

// TestGradHook_ObserveAndReplace tests hook ordering and replacement.
func TestGradHook_ObserveAndReplace(t *testing.T) {
	table := graph.NewMetaTable()
	leaf := fromF32(t, []float32{0})

	var seen []float32
	table.AddGradHook(leaf, func(g *tensor.Value) (*tensor.Value, error) {
		seen = append(seen, g.AsFloat32()[0])
		return fromF32(t, []float32{100}), nil
	})
	table.AddGradHook(leaf, func(g *tensor.Value) (*tensor.Value, error) {
		seen = append(seen, g.AsFloat32()[0])
		return nil, nil // keep
	})

	acc := table.Accumulator(leaf)
	if _, err := acc.Apply([]*tensor.Value{fromF32(t, []float32{5})}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// First hook sees the raw gradient, second sees the replacement.
	if len(seen) != 2 || seen[0] != 5 || seen[1] != 100 {
		t.Errorf("hooks saw %v, want [5 100]", seen)
	}
	if g := table.Grad(leaf); g == nil || g.AsFloat32()[0] != 100 {
		t.Errorf("recorded grad = %v, want 100", g)
	}
}

// TestMetaTable_SetGradForget tests explicit gradient management.
func TestMetaTable_SetGradForget(t *testing.T) {
	table := graph.NewMetaTable()
	leaf := fromF32(t, []float32{0})

	table.SetGrad(leaf, fromF32(t, []float32{3}))
	if g := table.Grad(leaf); g == nil || g.AsFloat32()[0] != 3 {
		t.Error("SetGrad not visible through Grad")
	}

	table.SetGrad(leaf, nil)
	if table.Grad(leaf) != nil {
		t.Error("SetGrad(nil) should clear the gradient")
	}

	table.SetGrad(leaf, fromF32(t, []float32{3}))
	table.Forget(leaf)
	if table.Grad(leaf) != nil {
		t.Error("Forget should drop the metadata")
	}
}

// TestIdentity_PassThrough tests the identity node.
func TestIdentity_PassThrough(t *testing.T) {
	n := graph.NewIdentity(nil)
	in := []*tensor.Value{fromF32(t, []float32{1, 2})}
	out, err := n.Apply(in)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(out) != 1 || out[0] != in[0] {
		t.Error("identity should pass gradients through unchanged")
	}
}

// TestErrorNode tests that error nodes fail with their message.
func TestErrorNode(t *testing.T) {
	n := graph.NewNotImplemented("Sort")
	_, err := n.Apply(nil)
	if err == nil {
		t.Fatal("error node should fail")
	}
	if got := err.Error(); got != "derivative for Sort is not implemented" {
		t.Errorf("error = %q", got)
	}
}

// TestReleaseState tests the released flag.
func TestReleaseState(t *testing.T) {
	n := graph.NewIdentity(nil)
	if n.Released() {
		t.Error("fresh node should not be released")
	}
	n.ReleaseState()
	if !n.Released() {
		t.Error("ReleaseState should mark the node released")
	}
}
