package graph

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ember-ml/ember/internal/tensor"
)

// Root seeds a backward pass: its Apply ignores incoming gradients and
// returns the caller-supplied seeds, one per output edge.
type Root struct {
	Base
	seeds []*tensor.Value
}

// NewRoot builds a root over the given output edges and seed gradients.
func NewRoot(edges []Edge, seeds []*tensor.Value) *Root {
	r := &Root{Base: NewBase(), seeds: seeds}
	r.SetNextEdges(edges)
	for _, s := range seeds {
		r.AddInputFor(s)
	}
	return r
}

// Apply returns the seed gradients.
func (r *Root) Apply(grads []*tensor.Value) ([]*tensor.Value, error) {
	return r.seeds, nil
}

// Name implements Node.
func (r *Root) Name() string { return "Root" }

// Identity passes gradients through unchanged.
type Identity struct {
	Base
}

// NewIdentity builds an identity node over the given output edges.
func NewIdentity(edges []Edge) *Identity {
	n := &Identity{Base: NewBase()}
	n.SetNextEdges(edges)
	return n
}

// Apply implements Node.
func (n *Identity) Apply(grads []*tensor.Value) ([]*tensor.Value, error) {
	return grads, nil
}

// Name implements Node.
func (n *Identity) Name() string { return "Identity" }

// ErrorNode fails every invocation with a fixed message. It stands in for a
// backward that must not run, such as an operation whose derivative does not
// exist or a value differentiated twice without retaining the graph.
type ErrorNode struct {
	Base
	msg string
}

// NewErrorNode builds an always-failing node.
func NewErrorNode(msg string, edges []Edge) *ErrorNode {
	n := &ErrorNode{Base: NewBase(), msg: msg}
	n.SetNextEdges(edges)
	return n
}

// NewNotImplemented builds an ErrorNode reporting a missing derivative.
func NewNotImplemented(forwardOp string) *ErrorNode {
	return NewErrorNode(fmt.Sprintf("derivative for %s is not implemented", forwardOp), nil)
}

// Apply implements Node.
func (n *ErrorNode) Apply(grads []*tensor.Value) ([]*tensor.Value, error) {
	return nil, errors.New(n.msg)
}

// Name implements Node.
func (n *ErrorNode) Name() string { return "Error" }
