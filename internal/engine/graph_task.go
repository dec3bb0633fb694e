package engine

import (
	"sync"
	"sync/atomic"

	"github.com/ember-ml/ember/internal/graph"
	"github.com/ember-ml/ember/internal/tensor"
)

// ExecuteOptions are the per-request flags of a backward pass.
type ExecuteOptions struct {
	// RetainGraph keeps node state after execution so the same graph can
	// be executed again. When false, executed nodes release their state
	// and a second execution fails.
	RetainGraph bool

	// BuildGraph signals that gradient recording stays enabled while the
	// backward runs, so the backward computation itself produces a new
	// differentiable graph. The engine only carries the flag; recording
	// is done by whoever builds nodes during Apply.
	BuildGraph bool

	// AccumulateGrads routes leaf gradients into their accumulators even
	// when explicit outputs are requested.
	AccumulateGrads bool
}

// capture marks that the gradient arriving at a node's input slot is one of
// the request's results.
type capture struct {
	inputNr   int
	outputIdx int
}

// execInfo is the per-node restriction state of a partial-graph request.
type execInfo struct {
	needed   bool
	captures []capture
}

// GraphTask is the state of one backward request: dependency counts over the
// reachable subgraph, buffers for nodes that are not ready yet, the optional
// needed-set restriction, and a completion signal that fires exactly once.
//
// The task mutex guards deps, notReady and captured, the only structures
// multiple workers touch. Contention scales with device count, not node
// count, so one lock is enough.
type GraphTask struct {
	opts  ExecuteOptions
	owner tensor.Device

	mu       sync.Mutex
	deps     map[graph.Node]int
	notReady map[graph.Node]*InputBuffer
	execInfo map[graph.Node]*execInfo // nil when no output restriction
	captured []*tensor.Value

	queues map[tensor.Device]*readyQueue

	// outstanding counts queued-but-unfinished work items; the task
	// completes when it returns to zero.
	outstanding atomic.Int64

	failed   atomic.Bool
	errOnce  sync.Once
	err      error
	doneOnce sync.Once
	done     chan struct{}
}

func newGraphTask(opts ExecuteOptions) *GraphTask {
	return &GraphTask{
		opts:     opts,
		owner:    tensor.CPU,
		deps:     make(map[graph.Node]int),
		notReady: make(map[graph.Node]*InputBuffer),
		queues:   make(map[tensor.Device]*readyQueue),
		done:     make(chan struct{}),
	}
}

// RetainGraph reports whether the request keeps graph state for a re-run.
// Remote relays forward this flag inside their gradient messages.
func (t *GraphTask) RetainGraph() bool { return t.opts.RetainGraph }

// BuildGraph reports whether the backward itself is being differentiated.
func (t *GraphTask) BuildGraph() bool { return t.opts.BuildGraph }

// Done is closed when the task has completed or failed.
func (t *GraphTask) Done() <-chan struct{} { return t.done }

// Err returns the first captured error, nil on success. Valid after Done.
func (t *GraphTask) Err() error {
	<-t.done
	return t.err
}

// Outputs returns the captured gradients in request order. Valid after Done.
func (t *GraphTask) Outputs() []*tensor.Value {
	<-t.done
	if t.err != nil {
		return nil
	}
	return t.captured
}

// Wait blocks until the task finishes and returns its outputs.
func (t *GraphTask) Wait() ([]*tensor.Value, error) {
	<-t.done
	if t.err != nil {
		return nil, t.err
	}
	return t.captured, nil
}

// fail records the first error and stops new scheduling for this task.
// Later failures are discarded so the root cause is not masked.
func (t *GraphTask) fail(err error) {
	t.errOnce.Do(func() {
		t.err = err
		t.failed.Store(true)
	})
}

// needed reports whether a node participates in output routing. Without a
// restriction every reachable node is needed.
func (t *GraphTask) needed(n graph.Node) bool {
	if t.execInfo == nil {
		return true
	}
	info, ok := t.execInfo[n]
	return ok && info.needed
}

/// wantsGradients reports whether gradients routed into a node must be kept:
// the node either executes or carries captures for requested outputs.
func (t *GraphTask) wantsGradients(n graph.Node) bool {
	if t.execInfo == nil {
		return true
	}
	info, ok := t.execInfo[n]
	return ok && (info.needed || len(info.captures) > 0)
}

// finishItem retires one work item; the last one finishes the task.
func (t *GraphTask) finishItem() {
	if t.outstanding.Add(-1) == 0 {
		t.finish()
	}
}

// finish fulfills the completion signal exactly once and shuts the queues
// down, waking every worker.
func (t *GraphTask) finish() {
	t.doneOnce.Do(func() {
		status := "completed"
		if t.err != nil {
			status = "failed"
		}
		backwardTasksTotal.WithLabelValues(status).Inc()
		for _, q := range t.queues {
			q.close()
		}
		close(t.done)
	})
}

// queueFor returns the ready queue serving a device, creating it on first
// use. Called only during dependency counting, before workers start.
func (t *GraphTask) queueFor(d tensor.Device) *readyQueue {
	q, ok := t.queues[d]
	if !ok {
		q = newReadyQueue()
		t.queues[d] = q
	}
	return q
}
