package tensor

import (
	"sync"
	"sync/atomic"
)

// Stream is an ordered queue of device work. The engine never inspects what
// runs on a stream; it only needs to order gradient accumulation against
// gradient production when the two happen on different streams.
//
// A backend that submits asynchronous work brackets it with BeginWork and
// EndWork. An event recorded while work is pending resolves when the
// pending work drains. With nothing pending, always the case for synchronous
// host work, a recorded event is already resolved.
type Stream struct {
	id     uint64
	device Device

	mu      sync.Mutex
	pending int
	waiting []*Event // recorded while work was pending
}

var streamIDs atomic.Uint64

// NewStream creates a stream bound to a device.
func NewStream(device Device) *Stream {
	return &Stream{id: streamIDs.Add(1), device: device}
}

// Device returns the device this stream feeds.
func (s *Stream) Device() Device {
	return s.device
}

// ID returns the stream's process-unique id.
func (s *Stream) ID() uint64 {
	return s.id
}

// BeginWork marks the start of asynchronously submitted work.
func (s *Stream) BeginWork() {
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()
}

// EndWork marks submitted work as drained; events recorded while it was
// pending resolve once nothing is left.
func (s *Stream) EndWork() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == 0 {
		panic("tensor: EndWork without matching BeginWork")
	}
	s.pending--
	if s.pending == 0 {
		for _, e := range s.waiting {
			e.Signal()
		}
		s.waiting = nil
	}
}

// RecordEvent captures the stream's current position. Work submitted after
// the record is not covered by the event.
func (s *Stream) RecordEvent() *Event {
	e := newEvent()
	s.mu.Lock()
	if s.pending == 0 {
		e.Signal()
	} else {
		s.waiting = append(s.waiting, e)
	}
	s.mu.Unlock()
	return e
}

// WaitEvent blocks stream-ordered work behind the event.
func (s *Stream) WaitEvent(e *Event) {
	if e == nil {
		return
	}
	e.Wait()
}

// Event marks a point in a stream's work queue.
type Event struct {
	done chan struct{}
	once sync.Once
}

func newEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// Signal marks the event as reached. Safe to call more than once.
func (e *Event) Signal() {
	e.once.Do(func() { close(e.done) })
}

// Wait blocks until the event is signaled.
func (e *Event) Wait() {
	<-e.done
}

// Signaled reports whether the event has been reached without blocking.
func (e *Event) Signaled() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

var (
	defaultStreamsMu sync.Mutex
	defaultStreams   = map[Device]*Stream{}
)

// DefaultStream returns the memoized default stream for a device.
func DefaultStream(device Device) *Stream {
	defaultStreamsMu.Lock()
	defer defaultStreamsMu.Unlock()
	s, ok := defaultStreams[device]
	if !ok {
		s = NewStream(device)
		defaultStreams[device] = s
	}
	return s
}
