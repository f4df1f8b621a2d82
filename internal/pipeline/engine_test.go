package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/tinywideclouds/go-push-gateway/internal/pipeline"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubTransport records every batch and answers with a fixed behaviour.
type stubTransport struct {
	mu      sync.Mutex
	batches [][]string
	answer  func(batch []*dispatch.Notification) []*dispatch.Notification
}

func (s *stubTransport) Deliver(_ context.Context, batch []*dispatch.Notification) []*dispatch.Notification {
	hashes := make([]string, 0, len(batch))
	for _, n := range batch {
		hashes = append(hashes, n.DeviceHash)
	}
	s.mu.Lock()
	s.batches = append(s.batches, hashes)
	s.mu.Unlock()
	return s.answer(batch)
}

func (s *stubTransport) calls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.batches))
	copy(out, s.batches)
	return out
}

func alwaysRetry(batch []*dispatch.Notification) []*dispatch.Notification { return batch }

func alwaysReject(batch []*dispatch.Notification) []*dispatch.Notification {
	for _, n := range batch {
		n.Reject()
	}
	return nil
}

func TestEngine_Enqueue(t *testing.T) {
	t.Run("Later notification for the same device supersedes the earlier", func(t *testing.T) {
		engine := pipeline.NewEngine(dispatch.KindGCM, &stubTransport{answer: alwaysRetry}, time.Second, newTestLogger())

		first := &dispatch.Notification{DeviceHash: "dev-1", Payload: map[string]string{"message-count": "1"}}
		other := &dispatch.Notification{DeviceHash: "dev-2"}
		second := &dispatch.Notification{DeviceHash: "dev-1", Payload: map[string]string{"message-count": "2"}}

		engine.Enqueue(first)
		engine.Enqueue(other)
		engine.Enqueue(second)

		queued := engine.Queued()
		require.Len(t, queued, 2)
		assert.Same(t, other, queued[0])
		assert.Same(t, second, queued[1])
	})
}

func TestEngine_Worker(t *testing.T) {
	const retryPeriod = 10 * time.Second

	t.Run("Retryable notifications stay queued across retry periods", func(t *testing.T) {
		fakeClock := testingclock.NewFakeClock(time.Now())
		transport := &stubTransport{answer: alwaysRetry}
		engine := pipeline.NewEngine(dispatch.KindAPNS, transport, retryPeriod, newTestLogger(), pipeline.WithClock(fakeClock))

		engine.Start(context.Background())
		t.Cleanup(engine.Stop)

		engine.Enqueue(&dispatch.Notification{DeviceHash: "dev-1"})

		require.Eventually(t, func() bool { return len(transport.calls()) == 1 }, time.Second, 5*time.Millisecond)

		for round := 2; round <= 4; round++ {
			require.Eventually(t, fakeClock.HasWaiters, time.Second, 5*time.Millisecond)
			fakeClock.Step(retryPeriod)
			want := round
			require.Eventually(t, func() bool { return len(transport.calls()) == want }, time.Second, 5*time.Millisecond)
		}

		for _, batch := range transport.calls() {
			assert.Equal(t, []string{"dev-1"}, batch)
		}
	})

	t.Run("New arrivals merge into the retry batch", func(t *testing.T) {
		fakeClock := testingclock.NewFakeClock(time.Now())
		transport := &stubTransport{answer: alwaysRetry}
		engine := pipeline.NewEngine(dispatch.KindAPNS, transport, retryPeriod, newTestLogger(), pipeline.WithClock(fakeClock))

		engine.Start(context.Background())
		t.Cleanup(engine.Stop)

		engine.Enqueue(&dispatch.Notification{DeviceHash: "dev-1"})
		require.Eventually(t, func() bool { return len(transport.calls()) == 1 }, time.Second, 5*time.Millisecond)
		require.Eventually(t, fakeClock.HasWaiters, time.Second, 5*time.Millisecond)

		engine.Enqueue(&dispatch.Notification{DeviceHash: "dev-2"})
		engine.Enqueue(&dispatch.Notification{DeviceHash: "dev-1"})

		require.Eventually(t, func() bool { return len(transport.calls()) >= 2 }, time.Second, 5*time.Millisecond)
		last := transport.calls()[len(transport.calls())-1]
		assert.ElementsMatch(t, []string{"dev-1", "dev-2"}, last)
	})

	t.Run("Rejected notifications unregister exactly once", func(t *testing.T) {
		fakeClock := testingclock.NewFakeClock(time.Now())
		transport := &stubTransport{answer: alwaysReject}
		engine := pipeline.NewEngine(dispatch.KindGCM, transport, retryPeriod, newTestLogger(), pipeline.WithClock(fakeClock))

		engine.Start(context.Background())
		t.Cleanup(engine.Stop)

		var counts [3]atomic.Int32
		for i := range counts {
			i := i
			engine.Enqueue(&dispatch.Notification{
				DeviceHash: string(rune('a' + i)),
				Unregister: func() { counts[i].Add(1) },
			})
		}

		require.Eventually(t, func() bool {
			for i := range counts {
				if counts[i].Load() != 1 {
					return false
				}
			}
			return true
		}, time.Second, 5*time.Millisecond)

		// Nothing is held back, so the worker must not arm a retry timer.
		fakeClock.Step(retryPeriod)
		time.Sleep(20 * time.Millisecond)
		assert.False(t, fakeClock.HasWaiters())
		for i := range counts {
			assert.Equal(t, int32(1), counts[i].Load())
		}
	})

	t.Run("Stop joins the worker", func(t *testing.T) {
		engine := pipeline.NewEngine(dispatch.KindGCM, &stubTransport{answer: alwaysRetry}, retryPeriod, newTestLogger())
		engine.Start(context.Background())

		stopped := make(chan struct{})
		go func() {
			engine.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Fatal("engine did not stop")
		}
	})
}
