package distributed

import (
	"sync"

	"github.com/ember-ml/ember/internal/engine"
	"github.com/ember-ml/ember/internal/graph"
	"github.com/ember-ml/ember/internal/tensor"
)

// Context is the per-pass distributed state: which workers participated,
// which relay nodes were recorded, gradients received from other workers,
// and the relay sends still in flight. A pass is complete only when its
// local task has finished and every outstanding send has resolved.
//
// Lock order: a container shard lock is always taken before a context lock,
// never the reverse.
type Context struct {
	id int64

	mu           sync.Mutex
	knownWorkers map[uint16]struct{}
	sendRelays   map[int64]graph.Node      // by message id, recorded in the forward pass
	recvGrads    map[int64][]*tensor.Value // gradients received from other workers
	outstanding  []*Future
	task         *engine.GraphTask
}

func newContext(id int64) *Context {
	return &Context{
		id:           id,
		knownWorkers: make(map[uint16]struct{}),
		sendRelays:   make(map[int64]graph.Node),
		recvGrads:    make(map[int64][]*tensor.Value),
	}
}

// ID returns the globally unique pass id.
func (c *Context) ID() int64 { return c.id }

// AddKnownWorker records that a worker participated in this pass, so a
// release notice reaches it during cleanup.
func (c *Context) AddKnownWorker(w uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.knownWorkers[w] = struct{}{}
}

// KnownWorkers returns the workers known to hold state for this pass.
func (c *Context) KnownWorkers() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	workers := make([]uint16, 0, len(c.knownWorkers))
	for w := range c.knownWorkers {
		workers = append(workers, w)
	}
	return workers
}

// RegisterSend records the relay node for a forward value sent to another
// worker, keyed by the message id pairing the send with its remote receive.
func (c *Context) RegisterSend(messageID int64, node graph.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendRelays[messageID] = node
}

// SendRelay returns the relay node recorded for a message id.
func (c *Context) SendRelay(messageID int64) (graph.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.sendRelays[messageID]
	return n, ok
}

// RecordReceived stores gradients that arrived from another worker.
func (c *Context) RecordReceived(messageID int64, grads []*tensor.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvGrads[messageID] = grads
}

// Received returns the gradients recorded for a message id.
func (c *Context) Received(messageID int64) ([]*tensor.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.recvGrads[messageID]
	return g, ok
}

// AddOutstanding registers an in-flight relay send the pass must wait on.
func (c *Context) AddOutstanding(f *Future) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outstanding = append(c.outstanding, f)
}

// SetGraphTask attaches the local execution task for this pass.
func (c *Context) SetGraphTask(t *engine.GraphTask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.task = t
}

// GraphTask returns the local execution task, nil before the pass starts.
func (c *Context) GraphTask() *engine.GraphTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task
}

// WaitForBackward blocks until the local task has finished and every
// outstanding relay send has resolved, returning the first error.
func (c *Context) WaitForBackward() error {
	c.mu.Lock()
	task := c.task
	c.mu.Unlock()

	if task != nil {
		if err := task.Err(); err != nil {
			return err
		}
	}

	// Relays may register more sends while earlier futures resolve, so
	// re-snapshot until the outstanding list stops growing.
	waited := 0
	for {
		c.mu.Lock()
		pending := c.outstanding[waited:]
		c.mu.Unlock()
		if len(pending) == 0 {
			return nil
		}
		for _, f := range pending {
			if err := f.Wait(); err != nil {
				return err
			}
			waited++
		}
	}
}
