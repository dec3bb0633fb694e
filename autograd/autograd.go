// Copyright 2025 Ember ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package autograd computes gradients over dynamically built backward
// graphs by reverse-topological traversal.
//
// A numerical system records operations during its forward pass as graph
// nodes connected by edges, then asks the engine for derivatives:
//
//	table := autograd.NewMetaTable()
//	eng := autograd.New()
//
//	// ... record nodes, wire edges, track produced values in the table ...
//
//	grads, err := eng.Execute(
//	    []autograd.Edge{table.GradientEdge(loss)},
//	    []*tensor.Value{seed},
//	    autograd.ExecuteOptions{},
//	    []autograd.Edge{table.GradientEdge(weight)},
//	)
//
// Gradients arriving for the same input from several paths are summed;
// every reachable node executes exactly once per request; the first error
// aborts the request without affecting concurrent ones.
package autograd

import (
	"github.com/ember-ml/ember/internal/engine"
	"github.com/ember-ml/ember/internal/graph"
)

// Engine schedules backward passes.
type Engine = engine.Engine

// New creates an engine.
func New() *Engine {
	return engine.New()
}

// ExecuteOptions are the per-request flags of a backward pass.
type ExecuteOptions = engine.ExecuteOptions

// GraphTask is the state of one running backward request.
type GraphTask = engine.GraphTask

// InputBuffer stages gradients arriving for one node.
type InputBuffer = engine.InputBuffer

// NewInputBuffer creates a buffer with one slot per node input.
func NewInputBuffer(size int) *InputBuffer {
	return engine.NewInputBuffer(size)
}

// Error classes surfaced by the engine.
var (
	ErrStructural    = engine.ErrStructural
	ErrGraphReleased = engine.ErrGraphReleased
)

// Node is a unit of backward computation.
type Node = graph.Node

// Base carries the metadata every node shares; concrete nodes embed it.
type Base = graph.Base

// NewBase initializes a Base with a fresh creation sequence number.
func NewBase() Base {
	return graph.NewBase()
}

// Edge points at a node's input slot.
type Edge = graph.Edge

// InputMetadata describes one gradient input slot.
type InputMetadata = graph.InputMetadata

// MetaTable maps values to their autograd metadata.
type MetaTable = graph.MetaTable

// NewMetaTable creates an empty metadata table.
func NewMetaTable() *MetaTable {
	return graph.NewMetaTable()
}

// AccumulateGrad is the terminal node summing a leaf's gradient.
type AccumulateGrad = graph.AccumulateGrad

// GradHook observes or replaces a gradient reaching a leaf.
type GradHook = graph.GradHook

// PreHook runs before a node's Apply.
type PreHook = graph.PreHook

// PostHook runs after a node's Apply.
type PostHook = graph.PostHook

// ViewInfo marks a value as aliasing another value's storage.
type ViewInfo = graph.ViewInfo

// CreationContext records the circumstances a view was created under.
type CreationContext = graph.CreationContext

// View creation contexts.
const (
	CreationDefault          = graph.CreationDefault
	CreationNoGrad           = graph.CreationNoGrad
	CreationInferenceMode    = graph.CreationInferenceMode
	CreationInCustomFunction = graph.CreationInCustomFunction
	CreationMultiOutput      = graph.CreationMultiOutput
)

// NewIdentity builds a pass-through node over the given output edges.
func NewIdentity(edges []Edge) *graph.Identity {
	return graph.NewIdentity(edges)
}

// NewErrorNode builds an always-failing node.
func NewErrorNode(msg string, edges []Edge) *graph.ErrorNode {
	return graph.NewErrorNode(msg, edges)
}

// NewNotImplemented builds a node reporting a missing derivative.
func NewNotImplemented(forwardOp string) *graph.ErrorNode {
	return graph.NewNotImplemented(forwardOp)
}
