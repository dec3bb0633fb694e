// Copyright 2025 Ember ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package distributed extends the backward engine across process
// boundaries: a per-process registry of concurrent backward passes, and a
// relay node that ships accumulated gradients to the worker that originated
// the corresponding forward value.
package distributed

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ember-ml/ember/internal/engine"
	"github.com/ember-ml/ember/internal/graph"
	"github.com/ember-ml/ember/internal/tensor"
)

const (
	// defaultShards bounds lock contention under concurrent RPC-driven
	// passes. Power of two so shard selection is a mask.
	defaultShards = 128

	// incrementBits is the width of the per-worker auto-increment half of
	// an id; the top 16 bits carry the worker id, so ids are globally
	// unique without coordination.
	incrementBits = 48
	maxIncrement  = int64(1)<<incrementBits - 1
)

// contextShard is one slice of the sharded pass map. The shard lock guards
// only the id-to-context mapping; each context's own state is separately
// guarded.
type contextShard struct {
	mu       sync.Mutex
	contexts map[int64]*Context
}

// atomicID hands out ids from a bounded auto-increment range.
type atomicID struct {
	v atomic.Int64
}

func (a *atomicID) store(base int64) {
	a.v.Store(base)
}

func (a *atomicID) next(maxID int64) (int64, error) {
	id := a.v.Add(1) - 1
	if id > maxID {
		return 0, ErrIDExhausted
	}
	return id, nil
}

// Container is the process-scoped registry of distributed backward passes.
// It maps pass ids to their contexts across a sharded table and generates
// globally unique pass and message ids. Construct it once at startup and
// thread it through; after a fork, Reinit discards inherited state.
type Container struct {
	workerID  uint16
	agent     Agent
	shards    []contextShard
	shardMask uint64

	nextContextID atomicID
	nextMessageID atomicID
	maxID         int64
}

// NewContainer creates a registry for this process's worker id. The agent
// carries release notices and relay gradients to other workers.
func NewContainer(workerID uint16, agent Agent) (*Container, error) {
	if agent == nil {
		return nil, errors.New("distributed: container requires a transport agent")
	}
	c := &Container{
		workerID:  workerID,
		agent:     agent,
		shards:    make([]contextShard, defaultShards),
		shardMask: defaultShards - 1,
		maxID:     int64(workerID)<<incrementBits | maxIncrement,
	}
	for i := range c.shards {
		c.shards[i].contexts = make(map[int64]*Context)
	}
	base := int64(workerID) << incrementBits
	c.nextContextID.store(base)
	c.nextMessageID.store(base)
	return c, nil
}

// WorkerID returns the worker id this container was initialized with.
func (c *Container) WorkerID() uint16 { return c.workerID }

// MaxID returns the largest pass or message id this worker can generate.
func (c *Container) MaxID() int64 { return c.maxID }

// Reinit discards every context and restarts id generation, required after
// a process fork: in-flight state inherited from the parent is dropped, not
// salvaged.
func (c *Container) Reinit(workerID uint16) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		dropped := len(s.contexts)
		s.contexts = make(map[int64]*Context)
		s.mu.Unlock()
		if dropped > 0 {
			contextsLive.Sub(float64(dropped))
		}
	}
	c.workerID = workerID
	c.maxID = int64(workerID)<<incrementBits | maxIncrement
	base := int64(workerID) << incrementBits
	c.nextContextID.store(base)
	c.nextMessageID.store(base)
}

func (c *Container) shardFor(id int64) *contextShard {
	h := uint64(id)
	h ^= h >> incrementBits // fold the worker id into the increment bits
	return &c.shards[h&c.shardMask]
}

// NewContext creates the context for a new distributed backward pass.
// Exhausting the 48-bit increment space is a capacity error, never a wrap.
func (c *Container) NewContext() (*Context, error) {
	id, err := c.nextContextID.next(c.maxID)
	if err != nil {
		return nil, errors.Wrap(err, "pass id")
	}
	ctx := newContext(id)
	s := c.shardFor(id)
	s.mu.Lock()
	s.contexts[id] = ctx
	s.mu.Unlock()
	contextsLive.Inc()
	return ctx, nil
}

// GetOrCreateContext returns the context for a pass id, creating it when a
// remote worker references a pass this worker has not seen yet.
func (c *Container) GetOrCreateContext(id int64) *Context {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.contexts[id]
	if !ok {
		ctx = newContext(id)
		s.contexts[id] = ctx
		contextsLive.Inc()
	}
	return ctx
}

// RetrieveContext returns the context for a pass id, failing loudly on an
// unknown id.
func (c *Container) RetrieveContext(id int64) (*Context, error) {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.contexts[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownContext, "pass %d", id)
	}
	return ctx, nil
}

// ReleaseContext removes the local entry for a pass and sends best-effort
// release notices to every other worker known to have participated. An
// unknown id is a lifecycle error on this, the initiating, path.
func (c *Container) ReleaseContext(id int64) error {
	ctx, err := c.remove(id)
	if err != nil {
		return err
	}
	c.notifyRelease(ctx)
	return nil
}

// ReleaseContextIfPresent is ReleaseContext for ids that may have been
// cleaned up already: unknown ids are a silent no-op.
func (c *Container) ReleaseContextIfPresent(id int64) {
	ctx, err := c.remove(id)
	if err != nil {
		return
	}
	c.notifyRelease(ctx)
}

func (c *Container) remove(id int64) (*Context, error) {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.contexts[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownContext, "release of pass %d", id)
	}
	delete(s.contexts, id)
	contextsLive.Dec()
	return ctx, nil
}

// notifyRelease tells participating workers to drop their state for the
// pass. Failures are logged, not returned: one worker's lifecycle mistake
// must not make every other worker unavailable.
func (c *Container) notifyRelease(ctx *Context) {
	for _, w := range ctx.KnownWorkers() {
		if w == c.workerID {
			continue
		}
		fut := c.agent.Send(w, &ReleaseContextMessage{PassID: ctx.ID()})
		go func(w uint16) {
			if err := fut.Wait(); err != nil {
				klog.Warningf("release notice for pass %d to worker %d failed: %v", ctx.ID(), w, err)
			}
		}(w)
	}
}

// NewMessageID generates a globally unique id pairing a gradient send with
// its remote receive. Independent counter, same capacity rules as pass ids.
func (c *Container) NewMessageID() (int64, error) {
	id, err := c.nextMessageID.next(c.maxID)
	if err != nil {
		return 0, errors.Wrap(err, "message id")
	}
	return id, nil
}

// NumContexts returns the number of live pass contexts on this worker.
func (c *Container) NumContexts() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.contexts)
		s.mu.Unlock()
	}
	return n
}

// HandleMessage dispatches a relay message received from the transport.
// Release notices are best-effort: an unknown pass id is logged and
// tolerated, since the local worker may have cleaned up first.
func (c *Container) HandleMessage(msg Message) error {
	switch m := msg.(type) {
	case *GradientsMessage:
		return c.DispatchGradients(m)
	case *ReleaseContextMessage:
		if _, err := c.remove(m.PassID); err != nil {
			klog.V(2).Infof("release notice for already-released pass %d", m.PassID)
		}
		return nil
	default:
		return errors.Errorf("unhandled relay message type %v", msg.Type())
	}
}

// DispatchGradients demultiplexes received gradients by pass id and records
// them on the pending context. Unknown pass ids are an error returned to
// the transport, so the sender learns its gradients were dropped.
func (c *Container) DispatchGradients(m *GradientsMessage) error {
	ctx, err := c.RetrieveContext(m.PassID)
	if err != nil {
		return errors.Wrapf(err, "gradients from worker %d", m.OriginWorker)
	}
	ctx.AddKnownWorker(m.OriginWorker)
	ctx.RecordReceived(m.MessageID, m.Grads)
	gradMessagesReceived.Inc()
	return nil
}

// Backward runs a local backward pass under a distributed pass context and
// waits for both local completion and every outstanding relay send.
func Backward(e *engine.Engine, ctx *Context, roots []graph.Edge, seeds []*tensor.Value, retainGraph bool) error {
	task, err := e.Prepare(roots, seeds, engine.ExecuteOptions{RetainGraph: retainGraph, AccumulateGrads: true}, nil)
	if err != nil {
		return err
	}
	ctx.SetGraphTask(task)
	e.Launch(task)
	return ctx.WaitForBackward()
}
