package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLog = &log.Logger{Handler: discard.New(), Level: log.DebugLevel}

func TestSequentialFIFO(t *testing.T) {
	q := New(time.Second, testLog)
	defer q.Close()

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		maxRun  atomic.Int32
	)

	// Hold the slot so the rest queue up behind it in submission order
	gate := make(chan struct{})
	first := make(chan struct{})
	go q.Enqueue(t.Context(), func(ctx context.Context) (string, error) {
		close(first)
		<-gate
		return "", nil
	})
	<-first

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(t.Context(), func(ctx context.Context) (string, error) {
				n := running.Add(1)
				if n > maxRun.Load() {
					maxRun.Store(n)
				}
				defer running.Add(-1)

				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				return fmt.Sprint(i), nil
			})
			assert.NoError(t, err)
		}()
		// Enqueue in a known order
		require.Eventually(t, func() bool { return q.Len() == i+1 }, time.Second, time.Millisecond)
	}

	close(gate)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, int32(1), maxRun.Load())
}

func TestResultAndError(t *testing.T) {
	q := New(time.Second, testLog)
	defer q.Close()

	text, err := q.Enqueue(t.Context(), func(ctx context.Context) (string, error) {
		return "cat, dog", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cat, dog", text)

	boom := errors.New("boom")
	_, err = q.Enqueue(t.Context(), func(ctx context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)

	// A failure does not stop the queue
	text, err = q.Enqueue(t.Context(), func(ctx context.Context) (string, error) {
		return "after", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "after", text)
}

func TestTimeoutReleasesSlot(t *testing.T) {
	q := New(time.Second, testLog)
	defer q.Close()

	release := make(chan struct{})
	var (
		finished   atomic.Bool
		sawCancel  atomic.Bool
		slowCalled = make(chan struct{})
	)
	start := time.Now()
	_, err := q.Enqueue(t.Context(), func(ctx context.Context) (string, error) {
		close(slowCalled)
		select {
		case <-release:
		case <-ctx.Done():
			sawCancel.Store(true)
		}
		finished.Store(true)
		return "late", nil
	}, WithTimeout(20*time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	<-slowCalled

	// The next task runs while the timed out one is still going
	text, err := q.Enqueue(t.Context(), func(ctx context.Context) (string, error) {
		return "next", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "next", text)
	assert.False(t, finished.Load())

	close(release)
	require.Eventually(t, finished.Load, time.Second, time.Millisecond)
	assert.False(t, sawCancel.Load(), "timed out task must not be canceled")
}

func TestClearDropsPending(t *testing.T) {
	q := New(time.Second, testLog)
	defer q.Close()

	gate := make(chan struct{})
	first := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(t.Context(), func(ctx context.Context) (string, error) {
			close(first)
			<-gate
			return "running", nil
		})
		firstDone <- err
	}()
	<-first

	var ran atomic.Int32
	errs := make(chan error, 3)
	for range 3 {
		go func() {
			_, err := q.Enqueue(t.Context(), func(ctx context.Context) (string, error) {
				ran.Add(1)
				return "", nil
			})
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return q.Len() == 3 }, time.Second, time.Millisecond)

	q.Clear()
	for range 3 {
		assert.ErrorIs(t, <-errs, ErrCleared)
	}
	assert.Equal(t, 0, q.Len())

	// The running task is untouched
	close(gate)
	assert.NoError(t, <-firstDone)
	assert.Equal(t, int32(0), ran.Load())
}

func TestCanceledBeforeRun(t *testing.T) {
	q := New(time.Second, testLog)
	defer q.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	var ran atomic.Bool
	_, err := q.Enqueue(ctx, func(ctx context.Context) (string, error) {
		ran.Store(true)
		return "", nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	// Flush the queue, the canceled task must have been skipped
	_, err = q.Enqueue(t.Context(), func(ctx context.Context) (string, error) { return "", nil })
	require.NoError(t, err)
	assert.False(t, ran.Load())
}

func TestClosed(t *testing.T) {
	q := New(0, testLog)
	q.Close()
	q.Close()

	_, err := q.Enqueue(t.Context(), func(ctx context.Context) (string, error) { return "x", nil })
	assert.ErrorIs(t, err, ErrClosed)
}
