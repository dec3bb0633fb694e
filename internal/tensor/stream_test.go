package tensor_test

import (
	"testing"
	"time"

	"github.com/ember-ml/ember/internal/tensor"
)

// TestStream_RecordEventIdle tests that an event recorded on an idle stream
// is already resolved.
func TestStream_RecordEventIdle(t *testing.T) {
	s := tensor.NewStream(tensor.CPU)
	e := s.RecordEvent()
	if !e.Signaled() {
		t.Error("event on an idle stream should be signaled immediately")
	}
	// WaitEvent must not block.
	s.WaitEvent(e)
}

// TestStream_RecordEventPending tests that an event recorded while work is
// pending resolves only when the work drains.
func TestStream_RecordEventPending(t *testing.T) {
	s := tensor.NewStream(tensor.CUDA)

	s.BeginWork()
	e := s.RecordEvent()
	if e.Signaled() {
		t.Fatal("event should not resolve while work is pending")
	}

	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before EndWork")
	case <-time.After(10 * time.Millisecond):
	}

	s.EndWork()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after EndWork")
	}
}

// TestStream_NestedWork tests that events resolve only when all pending
// work has drained.
func TestStream_NestedWork(t *testing.T) {
	s := tensor.NewStream(tensor.Metal)

	s.BeginWork()
	s.BeginWork()
	e := s.RecordEvent()

	s.EndWork()
	if e.Signaled() {
		t.Error("event resolved with work still pending")
	}

	s.EndWork()
	if !e.Signaled() {
		t.Error("event should resolve once all work drains")
	}
}

// TestDefaultStream_Memoized tests that the default stream is one instance
// per device.
func TestDefaultStream_Memoized(t *testing.T) {
	a := tensor.DefaultStream(tensor.CUDA)
	b := tensor.DefaultStream(tensor.CUDA)
	if a != b {
		t.Error("DefaultStream should return the same instance per device")
	}
	if a.Device() != tensor.CUDA {
		t.Errorf("Device() = %s, want CUDA", a.Device())
	}

	c := tensor.DefaultStream(tensor.CPU)
	if c == a {
		t.Error("different devices should get different default streams")
	}
}

// TestEvent_SignalIdempotent tests that signaling twice is safe.
func TestEvent_SignalIdempotent(t *testing.T) {
	s := tensor.NewStream(tensor.CPU)
	s.BeginWork()
	e := s.RecordEvent()
	e.Signal()
	e.Signal()
	s.EndWork()
	if !e.Signaled() {
		t.Error("event should stay signaled")
	}
}
