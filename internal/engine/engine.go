// Copyright 2025 Ember ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package engine executes backward graphs: it counts dependencies over the
// subgraph reachable from the roots, dispatches ready nodes to device-bound
// workers, accumulates gradients that converge on shared inputs, and signals
// completion or the first error exactly once per request.
package engine

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ember-ml/ember/internal/graph"
	"github.com/ember-ml/ember/internal/tensor"
)

// Engine schedules backward passes. It holds no per-request state; every
// Execute call runs as an independent GraphTask, so re-entrant calls from
// inside an Apply and concurrent unrelated calls never serialize against
// each other.
type Engine struct{}

// New creates an engine.
func New() *Engine {
	return &Engine{}
}

// Execute runs a backward pass to completion.
//
// roots are the edges backward flows out of, with one seed gradient per
// root. outputs restricts the pass: when non-empty only the subgraph feeding
// those edges executes and the returned slice holds one gradient per
// requested edge, in request order. When outputs is empty the pass
// accumulates into leaf accumulators and returns nothing.
//
// The calling goroutine services the CPU ready queue; one worker goroutine
// is added per participating non-CPU device.
func (e *Engine) Execute(roots []graph.Edge, seeds []*tensor.Value, opts ExecuteOptions, outputs []graph.Edge) ([]*tensor.Value, error) {
	t, err := e.Prepare(roots, seeds, opts, outputs)
	if err != nil {
		return nil, err
	}
	e.launch(t, false)
	e.worker(t, t.queues[tensor.CPU])
	return t.Wait()
}

// Start begins a backward pass without blocking the caller: every queue,
// including the CPU queue, is serviced by its own goroutine.
func (e *Engine) Start(roots []graph.Edge, seeds []*tensor.Value, opts ExecuteOptions, outputs []graph.Edge) (*GraphTask, error) {
	t, err := e.Prepare(roots, seeds, opts, outputs)
	if err != nil {
		return nil, err
	}
	e.launch(t, true)
	return t, nil
}

// Prepare validates the request and builds the task (dependency counts,
// restriction marking, queues, the seeded root item) without starting any
// worker. Distributed passes attach the task to their pass context between
// Prepare and Launch, so a relay firing early still finds it.
func (e *Engine) Prepare(roots []graph.Edge, seeds []*tensor.Value, opts ExecuteOptions, outputs []graph.Edge) (*GraphTask, error) {
	if len(roots) == 0 {
		return nil, errors.Wrap(ErrStructural, "no root edges")
	}
	if len(seeds) != len(roots) {
		return nil, errors.Wrapf(ErrStructural, "%d seed gradients for %d roots", len(seeds), len(roots))
	}
	for i, r := range roots {
		if !r.IsValid() {
			return nil, errors.Wrapf(ErrStructural, "root %d has no target node", i)
		}
		if seeds[i] == nil {
			return nil, errors.Wrapf(ErrStructural, "root %d has no seed gradient", i)
		}
	}
	for i, out := range outputs {
		if !out.IsValid() {
			return nil, errors.Wrapf(ErrStructural, "requested output %d has no target node", i)
		}
		if out.InputNr >= out.Node.NodeBase().NumInputs() {
			return nil, errors.Wrapf(ErrStructural,
				"requested output %d slot %d exceeds %s's declared arity %d",
				i, out.InputNr, out.Node.Name(), out.Node.NodeBase().NumInputs())
		}
	}

	t := newGraphTask(opts)
	root := graph.NewRoot(roots, seeds)

	reachable, err := t.computeDependencies(root)
	if err != nil {
		return nil, err
	}
	if len(outputs) > 0 {
		if err := t.initExecInfo(root, outputs, reachable, opts.AccumulateGrads); err != nil {
			return nil, err
		}
	}

	// One queue per participating device; the CPU queue always exists so
	// the invoking goroutine has something to service.
	t.queueFor(tensor.CPU)
	for n := range reachable {
		t.queueFor(n.NodeBase().Device())
	}

	klog.V(2).Infof("backward: %d nodes reachable, %d devices, %d requested outputs",
		len(reachable), len(t.queues), len(outputs))

	t.outstanding.Store(1)
	t.queues[root.NodeBase().Device()].push(workItem{node: root, buffer: NewInputBuffer(root.NodeBase().NumInputs())})
	return t, nil
}

// Launch starts workers for a prepared task, one goroutine per queue.
func (e *Engine) Launch(t *GraphTask) {
	e.launch(t, true)
}

func (e *Engine) launch(t *GraphTask, async bool) {
	for d, q := range t.queues {
		if d == tensor.CPU && !async {
			continue // serviced by the caller
		}
		go e.worker(t, q)
	}
}

// computeDependencies walks forward from the root and records, for every
// reachable node, its in-degree within the reachable set. Structural
// problems are reported here, before any Apply runs.
func (t *GraphTask) computeDependencies(root graph.Node) (map[graph.Node]bool, error) {
	reachable := map[graph.Node]bool{root: true}
	stack := []graph.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.NodeBase().Released() {
			return nil, errors.Wrapf(ErrGraphReleased, "%s", n.Name())
		}
		for _, e := range n.NodeBase().NextEdges() {
			if !e.IsValid() {
				continue
			}
			target := e.Node
			if e.InputNr >= target.NodeBase().NumInputs() {
				return nil, errors.Wrapf(ErrStructural,
					"edge into %s slot %d exceeds declared arity %d",
					target.Name(), e.InputNr, target.NodeBase().NumInputs())
			}
			t.deps[target]++
			if !reachable[target] {
				reachable[target] = true
				stack = append(stack, target)
			}
		}
	}
	return reachable, nil
}

// initExecInfo restricts the pass to the subgraph feeding the requested
// output edges. Unrelated branches stay in the dependency bookkeeping but
// are never executed. A requested output the roots cannot reach is an
// explicit error rather than a silent zero gradient.
func (t *GraphTask) initExecInfo(root graph.Node, outputs []graph.Edge, reachable map[graph.Node]bool, accumulateGrads bool) error {
	t.execInfo = make(map[graph.Node]*execInfo)
	t.captured = make([]*tensor.Value, len(outputs))
	for i, out := range outputs {
		if !reachable[out.Node] {
			return errors.Wrapf(ErrStructural, "requested output %d is unreachable from the roots", i)
		}
		info, ok := t.execInfo[out.Node]
		if !ok {
			info = &execInfo{}
			t.execInfo[out.Node] = info
		}
		info.captures = append(info.captures, capture{inputNr: out.InputNr, outputIdx: i})
	}

	// Post-order walk marking which nodes actually execute.
	const (
		unvisited = iota
		visiting
		finished
	)
	status := make(map[graph.Node]int, len(reachable))
	stack := []graph.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		switch status[n] {
		case unvisited:
			status[n] = visiting
			for _, e := range n.NodeBase().NextEdges() {
				if e.IsValid() && status[e.Node] == unvisited {
					stack = append(stack, e.Node)
				}
			}
		case visiting:
			status[n] = finished
			stack = stack[:len(stack)-1]
			info := t.execInfo[n]
			// A node executes when it feeds a capture further down or,
			// in accumulate mode, when it is a leaf accumulator. A node
			// that only carries captures is not executed itself: its
			// gradients are captured from its buffer instead.
			needed := false
			if accumulateGrads {
				_, needed = n.(*graph.AccumulateGrad)
			}
			if !needed {
				for _, e := range n.NodeBase().NextEdges() {
					if !e.IsValid() {
						continue
					}
					if child := t.execInfo[e.Node]; child != nil && (child.needed || len(child.captures) > 0) {
						needed = true
						break
					}
				}
			}
			if needed {
				if info == nil {
					info = &execInfo{}
					t.execInfo[n] = info
				}
				info.needed = true
			}
		case finished:
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}

// worker services one device queue until the task's queues shut down.
func (e *Engine) worker(t *GraphTask, q *readyQueue) {
	for {
		item, ok := q.pop()
		if !ok {
			return
		}
		e.process(t, item)
	}
}

// process executes one ready node and routes its outputs. Work popped after
// the task failed is drained without execution; its buffer is discarded.
func (e *Engine) process(t *GraphTask, item workItem) {
	defer t.finishItem()
	if t.failed.Load() {
		return
	}

	node := item.node
	base := node.NodeBase()
	var outputs []*tensor.Value

	// Requested outputs are captured from the node's filled buffer once it
	// is ready, whether or not the node itself executes. Contributions
	// from multiple paths were already summed into the buffer.
	if t.execInfo != nil {
		if info, ok := t.execInfo[node]; ok && len(info.captures) > 0 {
			t.mu.Lock()
			for _, c := range info.captures {
				t.captured[c.outputIdx] = item.buffer.Get(c.inputNr)
			}
			t.mu.Unlock()
		}
	}

	if t.needed(node) {
		if base.Released() {
			t.fail(errors.Wrapf(ErrGraphReleased, "%s", node.Name()))
			return
		}
		inputs := item.buffer.Drain()

		var err error
		for _, h := range base.PreHooks() {
			if inputs, err = h(inputs); err != nil {
				t.fail(errors.Wrapf(err, "%s: pre hook", node.Name()))
				return
			}
		}
		if outputs, err = node.Apply(inputs); err != nil {
			t.fail(errors.Wrapf(err, "%s", node.Name()))
			return
		}
		for _, h := range base.PostHooks() {
			if outputs, err = h(outputs, inputs); err != nil {
				t.fail(errors.Wrapf(err, "%s: post hook", node.Name()))
				return
			}
		}
		nodesExecutedTotal.Inc()

		if outputs != nil && len(outputs) != len(base.NextEdges()) {
			t.fail(errors.Wrapf(ErrStructural,
				"%s produced %d gradients for %d output edges",
				node.Name(), len(outputs), len(base.NextEdges())))
			return
		}
		if !t.opts.RetainGraph {
			// Leaf accumulators are memoized per leaf and outlive any
			// one graph; everything else is single-execution state.
			if _, isAcc := node.(*graph.AccumulateGrad); !isAcc {
				base.ReleaseState()
			}
		}
	}

	for i, edge := range base.NextEdges() {
		if !edge.IsValid() {
			continue
		}
		var out *tensor.Value
		if i < len(outputs) {
			out = outputs[i]
		}
		if err := t.route(node, edge, out); err != nil {
			t.fail(err)
			return
		}
	}
}

// route delivers one gradient along an edge: fold it into the target's
// buffer, decrement the target's dependency count and enqueue the target
// when it reaches zero. Targets outside the needed set that carry no
// captures keep their bookkeeping but discard the gradient.
func (t *GraphTask) route(producer graph.Node, edge graph.Edge, out *tensor.Value) error {
	target := edge.Node
	tb := target.NodeBase()

	// Cross-stream ordering happens before taking the task lock: a wait on
	// a busy producer stream blocks until the producer's work drains, and
	// other routing goroutines must keep making progress meanwhile. The
	// needed set is immutable once the task is prepared, so reading it
	// here is safe.
	if out != nil && t.wantsGradients(target) {
		ps, cs := producer.NodeBase().Stream(), tb.Stream()
		if ps != nil && cs != nil && ps != cs {
			cs.WaitEvent(ps.RecordEvent())
		}
	}

	t.mu.Lock()

	deps, ok := t.deps[target]
	if !ok {
		t.mu.Unlock()
		return errors.Wrapf(ErrStructural, "no dependency entry for %s", target.Name())
	}
	deps--
	ready := deps == 0
	if ready {
		delete(t.deps, target)
	} else {
		t.deps[target] = deps
	}

	var buf *InputBuffer
	if t.wantsGradients(target) {
		buf, ok = t.notReady[target]
		if !ok {
			buf = NewInputBuffer(tb.NumInputs())
			if !ready {
				t.notReady[target] = buf
			}
		} else if ready {
			delete(t.notReady, target)
		}
		if out != nil {
			if err := buf.Add(edge.InputNr, out, nil, nil); err != nil {
				t.mu.Unlock()
				return err
			}
		}
	}

	if !ready {
		t.mu.Unlock()
		return nil
	}
	if buf == nil {
		buf = NewInputBuffer(tb.NumInputs())
	}
	t.outstanding.Add(1)
	q := t.queues[tb.Device()]
	t.mu.Unlock()

	q.push(workItem{node: target, buffer: buf})
	return nil
}
