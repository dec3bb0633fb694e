package engine

import (
	"github.com/pkg/errors"

	"github.com/ember-ml/ember/internal/tensor"
)

// InputBuffer stages the gradients arriving for one node, one slot per input.
// Several paths through the graph may feed the same slot; their contributions
// are summed out-of-place, so the result is the same whatever order they
// arrive in for a fixed pair of streams.
//
// An InputBuffer is never shared between goroutines: it is filled under the
// owning task's lock and then handed to exactly one worker, so it carries no
// lock of its own.
type InputBuffer struct {
	slots   []*tensor.Value
	drained bool
}

// NewInputBuffer creates a buffer with one slot per node input.
func NewInputBuffer(size int) *InputBuffer {
	return &InputBuffer{slots: make([]*tensor.Value, size)}
}

// Add accumulates v into slot pos. When the producing and consuming streams
// differ, the consumer waits on an event recorded on the producer so the
// addition cannot race the value's production.
func (b *InputBuffer) Add(pos int, v *tensor.Value, producer, consumer *tensor.Stream) error {
	if b.drained {
		panic("engine: add to a drained input buffer")
	}
	if pos < 0 || pos >= len(b.slots) {
		return errors.Wrapf(ErrStructural, "input slot %d out of range (arity %d)", pos, len(b.slots))
	}
	if v == nil {
		return nil
	}
	if producer != nil && consumer != nil && producer != consumer {
		consumer.WaitEvent(producer.RecordEvent())
	}
	if b.slots[pos] == nil {
		b.slots[pos] = v
		return nil
	}
	sum, err := tensor.Add(b.slots[pos], v)
	if err != nil {
		return errors.Wrap(err, "input buffer accumulation")
	}
	b.slots[pos] = sum
	return nil
}

// Get returns the gradient staged in slot pos, nil if none arrived.
func (b *InputBuffer) Get(pos int) *tensor.Value {
	return b.slots[pos]
}

// Device returns the device of the first staged gradient, CPU if empty.
func (b *InputBuffer) Device() tensor.Device {
	for _, v := range b.slots {
		if v != nil {
			return v.Device()
		}
	}
	return tensor.CPU
}

// Drain returns the staged gradients and invalidates the buffer. Draining
// twice is a programming error, not a recoverable condition.
func (b *InputBuffer) Drain() []*tensor.Value {
	if b.drained {
		panic("engine: input buffer drained twice")
	}
	b.drained = true
	slots := b.slots
	b.slots = nil
	return slots
}
