package debounce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInvoker struct {
	mu          sync.Mutex
	calls       []string
	concurrent  int32
	maxConcurrent int32
	failFirst   bool
	failed      bool
	invoked     chan struct{}
}

func newRecordingInvoker() *recordingInvoker {
	return &recordingInvoker{invoked: make(chan struct{}, 16)}
}

func (r *recordingInvoker) Invoke(ctx context.Context, conversationID, combinedText string, synthetic bool) error {
	n := atomic.AddInt32(&r.concurrent, 1)
	defer atomic.AddInt32(&r.concurrent, -1)
	for {
		max := atomic.LoadInt32(&r.maxConcurrent)
		if n <= max || atomic.CompareAndSwapInt32(&r.maxConcurrent, max, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)

	r.mu.Lock()
	shouldFail := r.failFirst && !r.failed
	if shouldFail {
		r.failed = true
	}
	r.calls = append(r.calls, combinedText)
	r.mu.Unlock()
	r.invoked <- struct{}{}

	if shouldFail {
		return assert.AnError
	}
	return nil
}

func TestEnqueueCoalescesBurstIntoOneInvocation(t *testing.T) {
	invoker := newRecordingInvoker()
	m := New(30*time.Millisecond, time.Second, invoker, nil)

	m.Enqueue("conv-1", "hi")
	time.Sleep(5 * time.Millisecond)
	m.Enqueue("conv-1", "are you there?")
	time.Sleep(5 * time.Millisecond)
	m.Enqueue("conv-1", "I need help")

	select {
	case <-invoker.invoked:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for invocation")
	}

	invoker.mu.Lock()
	defer invoker.mu.Unlock()
	require.Len(t, invoker.calls, 1)
	assert.Equal(t, "hi\nare you there?\nI need help", invoker.calls[0])
}

func TestSerializationNeverRunsConcurrentlyForSameConversation(t *testing.T) {
	invoker := newRecordingInvoker()
	m := New(5*time.Millisecond, time.Second, invoker, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.EnqueueSynthetic(context.Background(), "conv-shared", "[System: Scheduled follow-up triggered]")
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&invoker.maxConcurrent), int32(1))
}

func TestFailedInvocationRequeuesBuffer(t *testing.T) {
	invoker := newRecordingInvoker()
	invoker.failFirst = true
	m := New(20*time.Millisecond, time.Second, invoker, nil)

	m.Enqueue("conv-retry", "hello")

	for i := 0; i < 2; i++ {
		select {
		case <-invoker.invoked:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for invocation %d", i+1)
		}
	}

	invoker.mu.Lock()
	defer invoker.mu.Unlock()
	require.Len(t, invoker.calls, 2)
	assert.Equal(t, "hello", invoker.calls[0])
	assert.Equal(t, "hello", invoker.calls[1])
}

func TestDifferentConversationsDoNotShareLocks(t *testing.T) {
	invoker := newRecordingInvoker()
	m := New(5*time.Millisecond, time.Second, invoker, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		id := []string{"conv-a", "conv-b", "conv-c"}[i]
		wg.Add(1)
		go func(convID string) {
			defer wg.Done()
			_ = m.EnqueueSynthetic(context.Background(), convID, "synthetic")
		}(id)
	}
	wg.Wait()

	invoker.mu.Lock()
	defer invoker.mu.Unlock()
	assert.Len(t, invoker.calls, 3)
	assert.Greater(t, atomic.LoadInt32(&invoker.maxConcurrent), int32(1))
}
