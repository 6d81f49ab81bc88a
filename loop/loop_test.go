package loop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startLoop runs l on its own goroutine with a ref held so Run stays up.
func startLoop(t *testing.T, l *Loop) {
	t.Helper()
	l.Ref()
	go l.Run()
	t.Cleanup(func() {
		l.Stop()
		<-l.Done()
	})
}

func TestRunReturnsWithoutWork(t *testing.T) {
	l := New()
	finished := make(chan struct{})
	go func() {
		l.Run()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run did not return on an idle loop")
	}
}

func TestDeferRunsInOrder(t *testing.T) {
	l := New(WithBatchSize(3))
	startLoop(t, l)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		l.Defer(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	require.True(t, l.Sync(func() {}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestPreAndPostHandlersWrapBatch(t *testing.T) {
	l := New()
	var trace []string
	l.AddPreHandler("k", func(*Loop) { trace = append(trace, "pre") })
	l.AddPostHandler("k", func(*Loop) { trace = append(trace, "post") })
	startLoop(t, l)

	var snapshot []string
	require.True(t, l.Sync(func() { trace = append(trace, "work") }))
	require.True(t, l.Sync(func() {
		l.RemovePreHandler("k")
		l.RemovePostHandler("k")
		snapshot = append(snapshot, trace...)
	}))

	// Everything before the removal ran inside pre/post brackets.
	require.GreaterOrEqual(t, len(snapshot), 4)
	assert.Equal(t, "pre", snapshot[0])
	assert.Contains(t, snapshot, "work")
	idx := indexOf(snapshot, "work")
	assert.Equal(t, "pre", snapshot[idx-1])
	assert.Equal(t, "post", snapshot[idx+1])
}

func TestReAddingHookReplacesIt(t *testing.T) {
	l := New()
	var a, b int
	l.AddPreHandler("same", func(*Loop) { a++ })
	l.AddPreHandler("same", func(*Loop) { b++ })
	require.Len(t, l.pre, 1)
	l.runHooks(l.pre)
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
}

func TestUnrefLetsRunExit(t *testing.T) {
	l := New()
	l.Ref()
	go l.Run()
	require.True(t, l.Sync(func() {}))
	l.Unref()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("Run kept going after the last ref was released")
	}
}

func TestSyncAfterStop(t *testing.T) {
	l := New()
	l.Ref()
	go l.Run()
	l.Stop()
	<-l.Done()
	assert.False(t, l.Sync(func() {}))
}

func TestValueIsCreatedOnce(t *testing.T) {
	l := New()
	var created int
	mk := func() any { created++; return &created }
	first := l.Value("zlib", mk)
	second := l.Value("zlib", mk)
	assert.Same(t, first, second)
	assert.Equal(t, 1, created)
	assert.Nil(t, l.Value("missing", nil))
}

func TestTimerFiresOnLoop(t *testing.T) {
	l := New()
	startLoop(t, l)

	fired := make(chan struct{})
	l.Defer(func() {
		l.AfterFunc(10*time.Millisecond, func() { close(fired) })
	})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimerStopAndResetDiscardStaleExpiry(t *testing.T) {
	l := New()
	startLoop(t, l)

	var count atomic.Int32
	var tm *Timer
	require.True(t, l.Sync(func() {
		tm = l.AfterFunc(5*time.Millisecond, func() { count.Add(1) })
		tm.Stop()
	}))
	time.Sleep(30 * time.Millisecond)
	require.True(t, l.Sync(func() {}))
	assert.Equal(t, int32(0), count.Load())

	require.True(t, l.Sync(func() {
		tm.Reset(5 * time.Millisecond)
		tm.Reset(10 * time.Millisecond)
	}))
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func indexOf(s []string, v string) int {
	for i := range s {
		if s[i] == v {
			return i
		}
	}
	return -1
}

func TestPinnedLoopRuns(t *testing.T) {
	l := New(WithCPU(0))
	startLoop(t, l)
	ran := false
	require.True(t, l.Sync(func() { ran = true }))
	assert.True(t, ran)
}
