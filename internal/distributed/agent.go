package distributed

import "sync"

// Agent is the transport the relay sends through. It is assumed to offer
// asynchronous sends completing a future; the transport itself is external.
type Agent interface {
	// WorkerID returns this process's worker id.
	WorkerID() uint16

	// Send ships a message toward a worker and returns a future that
	// resolves when the send (and any reply handling) finishes.
	Send(to uint16, msg Message) *Future
}

// Future is a single-completion signal for an in-flight send.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete resolves the future successfully. First completion wins.
func (f *Future) Complete() {
	f.once.Do(func() { close(f.done) })
}

// CompleteError resolves the future with an error. First completion wins.
func (f *Future) CompleteError(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until resolution and returns the error, if any.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}
