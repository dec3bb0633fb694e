package distributed

import "github.com/ember-ml/ember/internal/tensor"

// MessageType discriminates relay messages on the wire.
type MessageType int

// Relay message types.
const (
	MessageGradients MessageType = iota
	MessageReleaseContext
)

// Message is a relay message. The wire codec itself is external; only the
// message shapes are defined here.
type Message interface {
	Type() MessageType
}

// GradientsMessage carries accumulated gradients across a process boundary.
// The receiving worker demultiplexes by PassID to locate the pending pass.
type GradientsMessage struct {
	PassID       int64
	MessageID    int64
	OriginWorker uint16
	Grads        []*tensor.Value
	RetainGraph  bool
}

// Type implements Message.
func (m *GradientsMessage) Type() MessageType { return MessageGradients }

// ReleaseContextMessage tells a worker to drop its state for a finished
// pass. Handling is best-effort: the receiver may have cleaned up already.
type ReleaseContextMessage struct {
	PassID int64
}

// Type implements Message.
func (m *ReleaseContextMessage) Type() MessageType { return MessageReleaseContext }

// Codec serializes relay messages. Transports supply an implementation; the
// engine never encodes gradients itself.
type Codec interface {
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}
