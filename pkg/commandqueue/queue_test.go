package commandqueue

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/relay/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue() *CommandQueue {
	return New(Config{Logger: zerolog.Nop()})
}

func queued(cq *CommandQueue, lane string) int {
	ls := cq.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

func TestCommandQueue_Enqueue(t *testing.T) {
	t.Run("should return task result", func(t *testing.T) {
		cq := newTestQueue()
		defer cq.Close()

		result, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			return "result", nil
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, "result", result)
	})

	t.Run("should return task error", func(t *testing.T) {
		cq := newTestQueue()
		defer cq.Close()

		expectedErr := errors.New("task failed")
		result, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
			return nil, expectedErr
		}, nil)

		assert.ErrorIs(t, err, expectedErr)
		assert.Nil(t, result)
	})

	t.Run("should pass caller context to task", func(t *testing.T) {
		cq := newTestQueue()
		defer cq.Close()

		ctx, cancel := context.WithCancel(context.Background())
		started := make(chan struct{})
		go func() {
			<-started
			cancel()
		}()

		_, err := cq.Enqueue(ctx, "test", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)

		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCommandQueue_SerialExecution(t *testing.T) {
	cq := newTestQueue()
	defer cq.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), SessionLane("a"), func(ctx context.Context) (interface{}, error) {
				n := running.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil, nil
			}, nil)
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := newTestQueue()
	defer cq.Close()

	release := make(chan struct{})
	blocked := make(chan struct{})

	go func() {
		_, _ = cq.Enqueue(context.Background(), SessionLane("slow"), func(ctx context.Context) (interface{}, error) {
			close(blocked)
			<-release
			return nil, nil
		}, nil)
	}()
	<-blocked

	done := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), SessionLane("fast"), func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent lane was blocked")
	}
	close(release)
}

func TestCommandQueue_Drain(t *testing.T) {
	cq := newTestQueue()
	defer cq.Close()

	lane := SessionLane("x")
	release := make(chan struct{})
	started := make(chan struct{})
	firstDone := make(chan error, 1)
	queuedDone := make(chan error, 1)

	go func() {
		_, err := cq.Enqueue(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
		firstDone <- err
	}()
	<-started

	go func() {
		_, err := cq.Enqueue(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		queuedDone <- err
	}()
	require.Eventually(t, func() bool { return queued(cq, lane) == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, cq.Drain())
	assert.ErrorIs(t, <-queuedDone, ErrLaneCleared)

	_, err := cq.Enqueue(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, ErrDraining)

	close(release)
	assert.NoError(t, <-firstDone)
	assert.True(t, cq.WaitForActive(time.Second))
}

func TestCommandQueue_WarnAfter(t *testing.T) {
	var buf syncBuffer
	cq := New(Config{Logger: zerolog.New(&buf)})
	defer cq.Close()

	lane := SessionLane("ses_wait")
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	ctx := tracing.NewRunContext(context.Background(), "ses_wait")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cq.Enqueue(ctx, lane, func(ctx context.Context) (interface{}, error) { return nil, nil }, &TaskOptions{
			WarnAfter: 10 * time.Millisecond,
		})
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "Task waiting longer than expected")
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, buf.String(), `"session_id":"ses_wait"`)
	assert.Contains(t, buf.String(), `"queue_pos":0`)

	close(release)
	<-done
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
