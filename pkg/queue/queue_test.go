package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	swarmerrors "github.com/SpideXD/mcp-swarm/pkg/errors"
	"github.com/SpideXD/mcp-swarm/pkg/workers"
)

// recordingExec captures dispatch order and lets tests control completion.
type recordingExec struct {
	mu      sync.Mutex
	calls   []string // "<instance>/<tool>"
	release chan struct{}
}

func newRecordingExec(blocking bool) *recordingExec {
	e := &recordingExec{}
	if blocking {
		e.release = make(chan struct{})
	}
	return e
}

func (e *recordingExec) exec(_ context.Context, internalName, tool string, _ map[string]any) (*workers.CallResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, internalName+"/"+tool)
	e.mu.Unlock()
	if e.release != nil {
		<-e.release
	}
	return workers.TextResult("ok"), nil
}

func (e *recordingExec) recorded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func noScale(string) {}

func TestEnqueueDispatchesFIFO(t *testing.T) {
	t.Parallel()

	exec := newRecordingExec(false)
	q := New(exec.exec, noScale, Options{})
	q.RegisterInstance("w", "w")

	results := make([]string, 3)
	for i, tool := range []string{"a", "b", "c"} {
		res, err := q.Enqueue(context.Background(), "w", tool, nil)
		require.NoError(t, err)
		results[i] = res.Content[0].Text
	}

	assert.Equal(t, []string{"ok", "ok", "ok"}, results)
	assert.Equal(t, []string{"w/a", "w/b", "w/c"}, exec.recorded())
}

func TestSingleInstanceSerializesCalls(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight atomic.Int32
	exec := func(context.Context, string, string, map[string]any) (*workers.CallResult, error) {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return workers.TextResult("ok"), nil
	}

	q := New(exec, noScale, Options{})
	q.RegisterInstance("w", "w")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), "w", "t", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load(), "busy gate must keep one call in flight per instance")
}

func TestMultipleIdleInstancesSaturateInOnePass(t *testing.T) {
	t.Parallel()

	exec := newRecordingExec(true)
	q := New(exec.exec, noScale, Options{})
	q.RegisterInstance("w", "w")
	q.RegisterInstance("w", "w#1")

	for i := 0; i < 2; i++ {
		go func() { _, _ = q.Enqueue(context.Background(), "w", "t", nil) }()
	}

	require.Eventually(t, func() bool {
		return len(exec.recorded()) == 2
	}, time.Second, 5*time.Millisecond, "both instances should pick up work")

	close(exec.release)
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()

	q := New(newRecordingExec(false).exec, noScale, Options{TTL: 30 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		// No instances registered: the call can only expire.
		_, err := q.Enqueue(context.Background(), "w", "t", nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	q.tick(time.Now())

	select {
	case err := <-done:
		assert.True(t, swarmerrors.IsTimeout(err), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("expired call never resolved")
	}
}

func TestDrainRejectsQueuedCalls(t *testing.T) {
	t.Parallel()

	q := New(newRecordingExec(false).exec, noScale, Options{})

	const n = 3
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := q.Enqueue(context.Background(), "w", "t", nil)
			done <- err
		}()
	}

	require.Eventually(t, func() bool { return q.Depth("w") == n }, time.Second, time.Millisecond)
	q.Drain("w")

	for i := 0; i < n; i++ {
		select {
		case err := <-done:
			require.Error(t, err)
			assert.True(t, swarmerrors.IsCancelled(err))
			assert.Contains(t, err.Error(), "server stopped")
		case <-time.After(time.Second):
			t.Fatal("drained call never resolved")
		}
	}
	assert.Zero(t, q.Depth("w"))
}

func TestScaleUpSignal(t *testing.T) {
	t.Parallel()

	var scaleCalls atomic.Int32
	exec := newRecordingExec(true)
	q := New(exec.exec, func(base string) {
		assert.Equal(t, "w", base)
		scaleCalls.Add(1)
	}, Options{ScaleUpWait: 10 * time.Millisecond})
	q.RegisterInstance("w", "w")

	// One call occupies the only instance, a second waits at the head.
	go func() { _, _ = q.Enqueue(context.Background(), "w", "t", nil) }()
	require.Eventually(t, func() bool { return len(exec.recorded()) == 1 }, time.Second, time.Millisecond)
	go func() { _, _ = q.Enqueue(context.Background(), "w", "t", nil) }()
	require.Eventually(t, func() bool { return q.Depth("w") == 1 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	q.tick(time.Now())
	require.Eventually(t, func() bool { return scaleCalls.Load() == 1 }, time.Second, time.Millisecond)

	// Pending flag suppresses re-signalling until resolved.
	q.tick(time.Now())
	assert.Equal(t, int32(1), scaleCalls.Load())

	q.ScaleUpResolved("w")
	q.tick(time.Now())
	require.Eventually(t, func() bool { return scaleCalls.Load() == 2 }, time.Second, time.Millisecond)

	close(exec.release)
}

func TestNoScaleUpWithIdleInstance(t *testing.T) {
	t.Parallel()

	var scaleCalls atomic.Int32
	q := New(newRecordingExec(false).exec, func(string) { scaleCalls.Add(1) }, Options{ScaleUpWait: time.Millisecond})
	q.RegisterInstance("w", "w")

	_, err := q.Enqueue(context.Background(), "w", "t", nil)
	require.NoError(t, err)

	q.tick(time.Now().Add(time.Minute))
	assert.Zero(t, scaleCalls.Load())
}

func TestNoScaleUpWithoutInstances(t *testing.T) {
	t.Parallel()

	var scaleCalls atomic.Int32
	q := New(newRecordingExec(false).exec, func(string) { scaleCalls.Add(1) }, Options{ScaleUpWait: time.Millisecond, TTL: time.Hour})

	go func() { _, _ = q.Enqueue(context.Background(), "w", "t", nil) }()
	require.Eventually(t, func() bool { return q.Depth("w") == 1 }, time.Second, time.Millisecond)

	q.tick(time.Now().Add(time.Minute))
	assert.Zero(t, scaleCalls.Load(), "scale-up without a registered instance is pointless")
}

func TestCallerAbandonmentLeavesCallQueued(t *testing.T) {
	t.Parallel()

	q := New(newRecordingExec(false).exec, noScale, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, "w", "t", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return q.Depth("w") == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, swarmerrors.IsCancelled(err))
	case <-time.After(time.Second):
		t.Fatal("abandoned caller never returned")
	}

	// The entry itself stays queued for the TTL sweep.
	assert.Equal(t, 1, q.Depth("w"))
}

func TestUnregisterInstanceStopsDispatch(t *testing.T) {
	t.Parallel()

	exec := newRecordingExec(false)
	q := New(exec.exec, noScale, Options{})
	q.RegisterInstance("w", "w")
	q.UnregisterInstance("w", "w")

	go func() { _, _ = q.Enqueue(context.Background(), "w", "t", nil) }()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, exec.recorded())
	assert.Equal(t, 1, q.Depth("w"))
}
