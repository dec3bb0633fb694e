package distributed_test

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-ml/ember/internal/distributed"
	"github.com/ember-ml/ember/internal/tensor"
)

// fakeAgent is an in-process transport: sends are recorded and optionally
// delivered straight into a peer container's message handler.
type fakeAgent struct {
	workerID uint16
	peer     *distributed.Container
	fail     error

	mu   sync.Mutex
	sent []sentMessage
}

type sentMessage struct {
	to  uint16
	msg distributed.Message
}

func (a *fakeAgent) WorkerID() uint16 { return a.workerID }

func (a *fakeAgent) Send(to uint16, msg distributed.Message) *distributed.Future {
	a.mu.Lock()
	a.sent = append(a.sent, sentMessage{to: to, msg: msg})
	a.mu.Unlock()

	f := distributed.NewFuture()
	if a.fail != nil {
		f.CompleteError(a.fail)
		return f
	}
	if a.peer != nil {
		if err := a.peer.HandleMessage(msg); err != nil {
			f.CompleteError(err)
			return f
		}
	}
	f.Complete()
	return f
}

func (a *fakeAgent) sentMessages() []sentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentMessage{}, a.sent...)
}

func newTestContainer(t *testing.T, workerID uint16) (*distributed.Container, *fakeAgent) {
	t.Helper()
	agent := &fakeAgent{workerID: workerID}
	c, err := distributed.NewContainer(workerID, agent)
	require.NoError(t, err)
	return c, agent
}

// TestNewContainer_RequiresAgent tests construction validation.
func TestNewContainer_RequiresAgent(t *testing.T) {
	_, err := distributed.NewContainer(0, nil)
	require.Error(t, err)
}

// TestContainer_IDLayout tests that generated ids carry the worker id in
// the top 16 bits.
func TestContainer_IDLayout(t *testing.T) {
	c, _ := newTestContainer(t, 3)

	ctx, err := c.NewContext()
	require.NoError(t, err)
	assert.Equal(t, int64(3), ctx.ID()>>48)

	mid, err := c.NewMessageID()
	require.NoError(t, err)
	assert.Equal(t, int64(3), mid>>48)

	assert.Equal(t, int64(4)<<48-1, c.MaxID())
}

// TestContainer_IDUniqueness tests that ids are unique under concurrency and
// disjoint between workers. Context ids and message ids count independently,
// so uniqueness holds within each space, not across them.
func TestContainer_IDUniqueness(t *testing.T) {
	c1, _ := newTestContainer(t, 1)
	c2, _ := newTestContainer(t, 2)

	const perWorker = 200
	ctxIDs := make(chan int64, 2*perWorker)
	msgIDs := make(chan int64, 2*perWorker)
	var wg sync.WaitGroup
	for _, c := range []*distributed.Container{c1, c2} {
		wg.Add(1)
		go func(c *distributed.Container) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ctx, err := c.NewContext()
				if err != nil {
					t.Error(err)
					return
				}
				ctxIDs <- ctx.ID()
				mid, err := c.NewMessageID()
				if err != nil {
					t.Error(err)
					return
				}
				msgIDs <- mid
			}
		}(c)
	}
	wg.Wait()
	close(ctxIDs)
	close(msgIDs)

	for name, ids := range map[string]chan int64{"context": ctxIDs, "message": msgIDs} {
		seen := make(map[int64]bool)
		for id := range ids {
			if seen[id] {
				t.Fatalf("%s id %d generated twice", name, id)
			}
			seen[id] = true
		}
		assert.Len(t, seen, 2*perWorker)
	}
}

// TestContainer_ContextLifecycle tests create, retrieve, release, and the
// loud-versus-silent release variants.
func TestContainer_ContextLifecycle(t *testing.T) {
	c, agent := newTestContainer(t, 0)

	ctx, err := c.NewContext()
	require.NoError(t, err)
	assert.Equal(t, 1, c.NumContexts())

	got, err := c.RetrieveContext(ctx.ID())
	require.NoError(t, err)
	assert.Same(t, ctx, got)

	ctx.AddKnownWorker(4)

	require.NoError(t, c.ReleaseContext(ctx.ID()))
	assert.Equal(t, 0, c.NumContexts())

	// Release notice went to the participating worker.
	sent := agent.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, uint16(4), sent[0].to)
	rel, ok := sent[0].msg.(*distributed.ReleaseContextMessage)
	require.True(t, ok)
	assert.Equal(t, ctx.ID(), rel.PassID)

	// Operations on the released pass fail loudly.
	_, err = c.RetrieveContext(ctx.ID())
	assert.True(t, errors.Is(err, distributed.ErrUnknownContext))
	err = c.ReleaseContext(ctx.ID())
	assert.True(t, errors.Is(err, distributed.ErrUnknownContext))

	// The tolerant variant stays silent.
	c.ReleaseContextIfPresent(ctx.ID())
}

// TestContainer_GetOrCreateContext tests the remote-initiated path where a
// pass id arrives before this worker has seen it.
func TestContainer_GetOrCreateContext(t *testing.T) {
	origin, _ := newTestContainer(t, 1)
	remote, _ := newTestContainer(t, 2)

	ctx, err := origin.NewContext()
	require.NoError(t, err)

	created := remote.GetOrCreateContext(ctx.ID())
	require.NotNil(t, created)
	assert.Equal(t, ctx.ID(), created.ID())
	assert.Equal(t, 1, remote.NumContexts())

	// Second call returns the same instance.
	assert.Same(t, created, remote.GetOrCreateContext(ctx.ID()))
	assert.Equal(t, 1, remote.NumContexts())
}

// TestContainer_Reinit tests post-fork reinitialization: every inherited
// context is discarded and id generation restarts for the new worker id.
func TestContainer_Reinit(t *testing.T) {
	c, _ := newTestContainer(t, 1)
	for i := 0; i < 5; i++ {
		_, err := c.NewContext()
		require.NoError(t, err)
	}
	require.Equal(t, 5, c.NumContexts())

	c.Reinit(7)

	assert.Equal(t, 0, c.NumContexts())
	assert.Equal(t, uint16(7), c.WorkerID())
	ctx, err := c.NewContext()
	require.NoError(t, err)
	assert.Equal(t, int64(7), ctx.ID()>>48)
}

// TestContainer_HandleReleaseNotice tests that release notices from other
// workers are best-effort on the receiving side.
func TestContainer_HandleReleaseNotice(t *testing.T) {
	c, _ := newTestContainer(t, 0)
	ctx, err := c.NewContext()
	require.NoError(t, err)

	require.NoError(t, c.HandleMessage(&distributed.ReleaseContextMessage{PassID: ctx.ID()}))
	assert.Equal(t, 0, c.NumContexts())

	// A second notice for the same pass is tolerated.
	require.NoError(t, c.HandleMessage(&distributed.ReleaseContextMessage{PassID: ctx.ID()}))
}

// TestContainer_DispatchGradients tests gradient demultiplexing by pass id.
func TestContainer_DispatchGradients(t *testing.T) {
	c, _ := newTestContainer(t, 0)
	ctx, err := c.NewContext()
	require.NoError(t, err)
	mid, err := c.NewMessageID()
	require.NoError(t, err)

	g, err := tensor.Full(tensor.Shape{2}, 3, tensor.Float32, tensor.CPU)
	require.NoError(t, err)

	require.NoError(t, c.DispatchGradients(&distributed.GradientsMessage{
		PassID:       ctx.ID(),
		MessageID:    mid,
		OriginWorker: 5,
		Grads:        []*tensor.Value{g},
	}))

	got, ok := ctx.Received(mid)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, []float32{3, 3}, got[0].AsFloat32())
	assert.Contains(t, ctx.KnownWorkers(), uint16(5))

	// Gradients for an unknown pass are an error back to the sender.
	err = c.DispatchGradients(&distributed.GradientsMessage{PassID: ctx.ID() + 99})
	assert.True(t, errors.Is(err, distributed.ErrUnknownContext))
}

// TestFuture_FirstCompletionWins tests the future's single-resolution rule.
func TestFuture_FirstCompletionWins(t *testing.T) {
	f := distributed.NewFuture()
	f.CompleteError(errors.New("send failed"))
	f.Complete()

	select {
	case <-f.Done():
	default:
		t.Fatal("future should be resolved")
	}
	require.Error(t, f.Wait())
}

// TestContext_SendRelayRegistry tests the forward-pass relay registry.
func TestContext_SendRelayRegistry(t *testing.T) {
	c, _ := newTestContainer(t, 0)
	ctx, err := c.NewContext()
	require.NoError(t, err)

	_, ok := ctx.SendRelay(1)
	assert.False(t, ok)

	v, err := tensor.Zeros(tensor.Shape{1}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	relay := distributed.NewRecvRelay(c, ctx, 1, 2, []*tensor.Value{v})
	ctx.RegisterSend(1, relay)

	got, ok := ctx.SendRelay(1)
	require.True(t, ok)
	assert.Same(t, relay, got.(*distributed.RecvRelay))
}
