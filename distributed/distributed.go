// Package distributed exposes the cross-process extension of the autograd
// engine: a per-process registry of concurrent backward passes and a relay
// node that ships gradients over a transport.
//
// A process constructs one Container at startup with its worker id and a
// transport agent, creates a Context per distributed backward pass, and
// releases the context when the pass is done:
//
//	container, err := distributed.NewContainer(workerID, agent)
//	ctx, err := container.NewContext()
//	defer container.ReleaseContextIfPresent(ctx.ID())
//	err = distributed.Backward(eng, ctx, roots, seeds, false)
package distributed

import (
	"github.com/ember-ml/ember/internal/distributed"
	"github.com/ember-ml/ember/internal/engine"
	"github.com/ember-ml/ember/internal/graph"
	"github.com/ember-ml/ember/internal/tensor"
)

// Container is the process-scoped registry of distributed backward passes.
type Container = distributed.Container

// NewContainer creates a registry for this process's worker id.
func NewContainer(workerID uint16, agent Agent) (*Container, error) {
	return distributed.NewContainer(workerID, agent)
}

// Context is the per-pass distributed state.
type Context = distributed.Context

// Agent is the transport relay messages travel through.
type Agent = distributed.Agent

// Future is a single-completion signal for an in-flight send.
type Future = distributed.Future

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return distributed.NewFuture()
}

// Message shapes crossing the process boundary.
type (
	Message               = distributed.Message
	MessageType           = distributed.MessageType
	GradientsMessage      = distributed.GradientsMessage
	ReleaseContextMessage = distributed.ReleaseContextMessage
	Codec                 = distributed.Codec
)

// Relay message types.
const (
	MessageGradients      = distributed.MessageGradients
	MessageReleaseContext = distributed.MessageReleaseContext
)

// RecvRelay ships accumulated gradients across a process boundary.
type RecvRelay = distributed.RecvRelay

// NewRecvRelay builds a relay node for the given pass.
func NewRecvRelay(c *Container, ctx *Context, messageID int64, fromWorker uint16, forwarded []*tensor.Value) *RecvRelay {
	return distributed.NewRecvRelay(c, ctx, messageID, fromWorker, forwarded)
}

// Lifecycle and capacity errors.
var (
	ErrUnknownContext = distributed.ErrUnknownContext
	ErrIDExhausted    = distributed.ErrIDExhausted
)

// Backward runs a local backward pass under a pass context and waits for
// local completion plus every outstanding relay send.
func Backward(e *engine.Engine, ctx *Context, roots []graph.Edge, seeds []*tensor.Value, retainGraph bool) error {
	return distributed.Backward(e, ctx, roots, seeds, retainGraph)
}
