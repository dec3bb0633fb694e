// Package graph implements the backward computation graph: operation nodes,
// the edges connecting them, and the per-value autograd metadata that records
// how gradients flow back to the values that produced them.
package graph

import (
	"sync/atomic"

	"github.com/ember-ml/ember/internal/tensor"
)

// Node is a unit of backward computation: it consumes the gradients flowing
// into its input slots and produces one gradient per output edge. Outputs
// align positionally with NextEdges; a nil output means no gradient flows
// along that edge.
//
// Concrete nodes embed Base, which supplies everything except Apply and Name.
type Node interface {
	// Apply transforms downstream gradients into upstream gradients.
	Apply(grads []*tensor.Value) ([]*tensor.Value, error)

	// Name identifies the node kind in diagnostics.
	Name() string

	// NodeBase exposes the node's shared metadata. Provided by embedding
	// Base; the embedded field itself shadows a method named Base.
	NodeBase() *Base
}

// sequence numbers approximate reverse topological order: a node created
// later in the forward pass is scheduled earlier in the backward pass.
var sequenceCounter atomic.Uint64

// InputMetadata describes one gradient input slot: the geometry of the value
// whose gradient arrives there, and the stream that produced it.
type InputMetadata struct {
	Shape  tensor.Shape
	DType  tensor.DataType
	Device tensor.Device
	Stream *tensor.Stream
}

// ZerosLike builds a zero gradient matching the slot's geometry.
func (m InputMetadata) ZerosLike() (*tensor.Value, error) {
	return tensor.Zeros(m.Shape, m.DType, m.Device)
}

// PreHook runs before Apply and may replace the incoming gradients.
type PreHook func(grads []*tensor.Value) ([]*tensor.Value, error)

// PostHook runs after Apply and may replace the outgoing gradients.
type PostHook func(outputs, inputs []*tensor.Value) ([]*tensor.Value, error)

// Base carries the metadata every node shares: output edges, input slots,
// creation sequence number, hooks, and released state for non-retained runs.
//
// Base is written while the graph is recorded (single goroutine) and read
// during execution; mutating it mid-execution is a caller error.
type Base struct {
	seq       uint64
	nextEdges []Edge
	inputMeta []InputMetadata
	preHooks  []PreHook
	postHooks []PostHook
	released  atomic.Bool
}

// NewBase initializes a Base with a fresh creation sequence number.
func NewBase() Base {
	return Base{seq: sequenceCounter.Add(1)}
}

// NodeBase returns the receiver so embedding satisfies the Node interface.
func (b *Base) NodeBase() *Base { return b }

// Sequence returns the node's creation sequence number.
func (b *Base) Sequence() uint64 { return b.seq }

// NumInputs returns the node's arity: how many gradient inputs it consumes.
func (b *Base) NumInputs() int { return len(b.inputMeta) }

// InputMetadata returns the metadata for input slot i.
func (b *Base) InputMetadata(i int) InputMetadata { return b.inputMeta[i] }

// AddInputMetadata appends an input slot and returns its index.
func (b *Base) AddInputMetadata(m InputMetadata) int {
	b.inputMeta = append(b.inputMeta, m)
	return len(b.inputMeta) - 1
}

// AddInputFor appends an input slot matching a forward value.
func (b *Base) AddInputFor(v *tensor.Value) int {
	return b.AddInputMetadata(InputMetadata{
		Shape:  v.Shape().Clone(),
		DType:  v.DType(),
		Device: v.Device(),
		Stream: tensor.DefaultStream(v.Device()),
	})
}

// NextEdges returns the node's output edges.
func (b *Base) NextEdges() []Edge { return b.nextEdges }

// NextEdge returns output edge i.
func (b *Base) NextEdge(i int) Edge { return b.nextEdges[i] }

// SetNextEdges replaces the node's output edges.
func (b *Base) SetNextEdges(edges []Edge) { b.nextEdges = edges }

// AddNextEdge appends an output edge.
func (b *Base) AddNextEdge(e Edge) { b.nextEdges = append(b.nextEdges, e) }

// AddPreHook registers a hook run before Apply.
func (b *Base) AddPreHook(h PreHook) { b.preHooks = append(b.preHooks, h) }

// AddPostHook registers a hook run after Apply.
func (b *Base) AddPostHook(h PostHook) { b.postHooks = append(b.postHooks, h) }

// PreHooks returns the registered pre hooks.
func (b *Base) PreHooks() []PreHook { return b.preHooks }

// PostHooks returns the registered post hooks.
func (b *Base) PostHooks() []PostHook { return b.postHooks }

// Device returns the device the node executes on, taken from its first
// input slot. Nodes without input metadata run on the CPU queue.
func (b *Base) Device() tensor.Device {
	if len(b.inputMeta) == 0 {
		return tensor.CPU
	}
	return b.inputMeta[0].Device
}

// Stream returns the stream accumulation for this node synchronizes with.
func (b *Base) Stream() *tensor.Stream {
	if len(b.inputMeta) == 0 || b.inputMeta[0].Stream == nil {
		return tensor.DefaultStream(b.Device())
	}
	return b.inputMeta[0].Stream
}

// ReleaseState drops saved state after a non-retained execution. A released
// node cannot be applied again.
func (b *Base) ReleaseState() { b.released.Store(true) }

// Released reports whether the node's saved state has been dropped.
func (b *Base) Released() bool { return b.released.Load() }

// Edge points at a node's input slot: gradients produced for this edge are
// accumulated into slot InputNr of Node. Edges are immutable once created;
// they are the only pointers in the graph.
type Edge struct {
	Node    Node
	InputNr int
}

// IsValid reports whether the edge points at a node.
func (e Edge) IsValid() bool { return e.Node != nil }
