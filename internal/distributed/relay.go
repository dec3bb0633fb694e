package distributed

import (
	"github.com/pkg/errors"

	"github.com/ember-ml/ember/internal/graph"
	"github.com/ember-ml/ember/internal/tensor"
)

// RecvRelay is the graph node standing at this side of a cross-process
// edge. When the backward pass reaches it, the gradients accumulated for
// its inputs are packaged into a GradientsMessage and shipped to the worker
// that originated the corresponding forward values. It produces no local
// outputs; the local subgraph's responsibility ends at the boundary.
type RecvRelay struct {
	graph.Base
	container  *Container
	passID     int64
	messageID  int64
	fromWorker uint16
}

// NewRecvRelay builds a relay for the given pass. One input slot is added
// per forwarded value, so undefined gradients can be zero-filled with the
// right geometry at apply time.
func NewRecvRelay(c *Container, ctx *Context, messageID int64, fromWorker uint16, forwarded []*tensor.Value) *RecvRelay {
	r := &RecvRelay{
		Base:       graph.NewBase(),
		container:  c,
		passID:     ctx.ID(),
		messageID:  messageID,
		fromWorker: fromWorker,
	}
	for _, v := range forwarded {
		r.AddInputFor(v)
	}
	ctx.AddKnownWorker(fromWorker)
	return r
}

// MessageID returns the id pairing this relay with the remote send.
func (r *RecvRelay) MessageID() int64 { return r.messageID }

// FromWorker returns the worker the gradients are relayed to.
func (r *RecvRelay) FromWorker() uint16 { return r.fromWorker }

// Apply ships the accumulated gradients across the process boundary and
// registers the in-flight send on the pass context. If the context was torn
// down by a racing cleanup, this fails loudly rather than silently dropping
// gradients.
func (r *RecvRelay) Apply(grads []*tensor.Value) ([]*tensor.Value, error) {
	outGrads := make([]*tensor.Value, len(grads))
	for i, g := range grads {
		if g != nil {
			outGrads[i] = g
			continue
		}
		zero, err := r.InputMetadata(i).ZerosLike()
		if err != nil {
			return nil, errors.Wrapf(err, "zero gradient for relay input %d", i)
		}
		outGrads[i] = zero
	}

	ctx, err := r.container.RetrieveContext(r.passID)
	if err != nil {
		return nil, errors.Wrap(err,
			"pass context no longer valid; it was likely cleaned up by another goroutine due to an error before the relay could run")
	}

	retain := false
	if task := ctx.GraphTask(); task != nil {
		retain = task.RetainGraph()
	}

	fut := r.container.agent.Send(r.fromWorker, &GradientsMessage{
		PassID:       r.passID,
		MessageID:    r.messageID,
		OriginWorker: r.container.WorkerID(),
		Grads:        outGrads,
		RetainGraph:  retain,
	})
	ctx.AddOutstanding(fut)
	gradMessagesSent.Inc()

	// The gradients continue on the remote worker; nothing flows locally.
	return nil, nil
}

// Name implements graph.Node.
func (r *RecvRelay) Name() string { return "RecvRelay" }
