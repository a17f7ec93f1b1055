package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/go-querycache/querykey"
	"github.com/hashicorp/go-querycache/retrier"
	"github.com/hashicorp/go-querycache/wheel"
)

func newTestWheel(t *testing.T) *wheel.Wheel {
	t.Helper()
	w, err := wheel.New(wheel.Config{TickInterval: time.Millisecond})
	require.NoError(t, err)
	return w
}

func waitForStatus[T any](t *testing.T, q *Query[T], want Status, timeout time.Duration) State[T] {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s := q.State()
		if s.Status == want {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %s, last state %+v", want, q.State())
	return State[T]{}
}

func TestNewFetchesImmediatelyAndSucceeds(t *testing.T) {
	w := newTestWheel(t)
	var calls int32
	q := New[string](querykey.Key{"todos"}, Options[string]{
		Fetcher: func(ctx context.Context, k querykey.Key) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "hello", nil
		},
	}, w, nil)

	s := waitForStatus(t, q, StatusSuccess, time.Second)
	require.Equal(t, "hello", s.Data)
	require.EqualValues(t, 1, calls)
	require.False(t, q.IsStale() && s.DataUpdatedAt.IsZero())
}

func TestFetchErrorTransitionsToErrorStatus(t *testing.T) {
	w := newTestWheel(t)
	wantErr := errors.New("boom")
	q := New[string](querykey.Key{"x"}, Options[string]{
		Fetcher: func(ctx context.Context, k querykey.Key) (string, error) {
			return "", wantErr
		},
		Retry: retrier.Never,
	}, w, nil)

	s := waitForStatus(t, q, StatusError, time.Second)
	require.ErrorIs(t, s.Err, wantErr)
}

func TestFetchDeduplicatesConcurrentCalls(t *testing.T) {
	w := newTestWheel(t)
	var calls int32
	block := make(chan struct{})
	q := New[string](querykey.Key{"x"}, Options[string]{
		Fetcher: func(ctx context.Context, k querykey.Key) (string, error) {
			atomic.AddInt32(&calls, 1)
			<-block
			return "v", nil
		},
	}, w, nil)

	f1 := q.Fetch()
	f2 := q.Fetch()
	require.Same(t, f1, f2)

	close(block)
	_, err := f1.Wait(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, calls)
}

func TestSubscribeNotifiesPendingSynchronously(t *testing.T) {
	w := newTestWheel(t)
	block := make(chan struct{})
	q := New[string](querykey.Key{"x"}, Options[string]{
		Fetcher: func(ctx context.Context, k querykey.Key) (string, error) {
			<-block
			return "v", nil
		},
	}, w, nil)

	notified := make(chan struct{}, 1)
	unsub := q.Subscribe(func() {
		select {
		case notified <- struct{}{}:
		default:
		}
	})
	defer unsub()

	select {
	case <-notified:
	default:
		t.Fatal("expected synchronous notification while pending")
	}
	close(block)
}

func TestSubscribersNotifiedInOrder(t *testing.T) {
	w := newTestWheel(t)
	q := New[string](querykey.Key{"x"}, Options[string]{
		Fetcher: func(ctx context.Context, k querykey.Key) (string, error) {
			return "v", nil
		},
	}, w, nil)
	waitForStatus(t, q, StatusSuccess, time.Second)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.Subscribe(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	q.Invalidate()
	waitForStatus(t, q, StatusSuccess, time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(order), 5)
	// Every notification round walks subscribers in insertion order, so
	// the first time each listener is reached follows that order even
	// when rounds overlap.
	seen := map[int]bool{}
	var firstSeen []int
	for _, v := range order {
		if !seen[v] {
			seen[v] = true
			firstSeen = append(firstSeen, v)
		}
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, firstSeen)
}

func TestUnsubscribeAllSchedulesGCAndDestroys(t *testing.T) {
	w := newTestWheel(t)
	gcFired := make(chan struct{})
	var once sync.Once
	q := New[string](querykey.Key{"x"}, Options[string]{
		Fetcher: func(ctx context.Context, k querykey.Key) (string, error) { return "v", nil },
		GCTime:  10 * time.Millisecond,
	}, w, func() { once.Do(func() { close(gcFired) }) })
	waitForStatus(t, q, StatusSuccess, time.Second)

	unsub := q.Subscribe(func() {})
	unsub()

	select {
	case <-gcFired:
	case <-time.After(time.Second):
		t.Fatal("gc callback never fired")
	}
}

func TestResubscribeBeforeGCCancelsIt(t *testing.T) {
	w := newTestWheel(t)
	gcFired := int32(0)
	q := New[string](querykey.Key{"x"}, Options[string]{
		Fetcher: func(ctx context.Context, k querykey.Key) (string, error) { return "v", nil },
		GCTime:  50 * time.Millisecond,
	}, w, func() { atomic.AddInt32(&gcFired, 1) })
	waitForStatus(t, q, StatusSuccess, time.Second)

	unsub := q.Subscribe(func() {})
	unsub()
	q.Subscribe(func() {})

	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&gcFired))
}

func TestInvalidateExemptsStaticStaleTime(t *testing.T) {
	w := newTestWheel(t)
	var calls int32
	q := New[string](querykey.Key{"x"}, Options[string]{
		Fetcher: func(ctx context.Context, k querykey.Key) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "v", nil
		},
		StaleTime: StaticStaleTime,
	}, w, nil)
	waitForStatus(t, q, StatusSuccess, time.Second)

	require.False(t, q.IsStale())
	q.Invalidate()
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, calls)
	require.False(t, q.IsStale())
}

func TestInvalidateCancelsInFlightFetchAndStartsNew(t *testing.T) {
	w := newTestWheel(t)
	var gen int32
	firstBlocked := make(chan struct{})
	q := New[string](querykey.Key{"x"}, Options[string]{
		Fetcher: func(ctx context.Context, k querykey.Key) (string, error) {
			n := atomic.AddInt32(&gen, 1)
			if n == 1 {
				close(firstBlocked)
				<-ctx.Done()
				return "", ctx.Err()
			}
			return "second", nil
		},
		Retry: retrier.Retries(100),
	}, w, nil)
	_ = q.Subscribe(func() {})

	<-firstBlocked
	q.Invalidate()

	s := waitForStatus(t, q, StatusSuccess, time.Second)
	require.Equal(t, "second", s.Data)
}

// TestSupersededFetchCompletingAfterNewerOneMustNotClobberState exercises
// the race the prior version of this test sidestepped: the superseded
// fetch doesn't stay blocked forever, it actually runs to completion
// (successfully) after a newer fetch has already won. Its result must
// be discarded, not written into q.state.
func TestSupersededFetchCompletingAfterNewerOneMustNotClobberState(t *testing.T) {
	w := newTestWheel(t)
	var gen int32
	firstStarted := make(chan struct{})
	allowFirstFinish := make(chan struct{})
	q := New[string](querykey.Key{"x"}, Options[string]{
		Fetcher: func(ctx context.Context, k querykey.Key) (string, error) {
			n := atomic.AddInt32(&gen, 1)
			if n == 1 {
				close(firstStarted)
				<-allowFirstFinish
				return "first-stale", nil
			}
			return "second", nil
		},
		Retry: retrier.Retries(100),
	}, w, nil)
	_ = q.Subscribe(func() {})

	<-firstStarted
	q.Invalidate()

	s := waitForStatus(t, q, StatusSuccess, time.Second)
	require.Equal(t, "second", s.Data)

	close(allowFirstFinish)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, "second", q.State().Data,
		"a superseded fetch that completes late must not overwrite newer state")
}

func TestIsStaleRespectsStaleTime(t *testing.T) {
	w := newTestWheel(t)
	q := New[string](querykey.Key{"x"}, Options[string]{
		Fetcher:   func(ctx context.Context, k querykey.Key) (string, error) { return "v", nil },
		StaleTime: 20 * time.Millisecond,
	}, w, nil)
	waitForStatus(t, q, StatusSuccess, time.Second)

	require.False(t, q.IsStale())
	time.Sleep(30 * time.Millisecond)
	require.True(t, q.IsStale())
}

func TestResetReturnsToPendingIdle(t *testing.T) {
	w := newTestWheel(t)
	q := New[string](querykey.Key{"x"}, Options[string]{
		Fetcher: func(ctx context.Context, k querykey.Key) (string, error) { return "v", nil },
	}, w, nil)
	waitForStatus(t, q, StatusSuccess, time.Second)

	q.Reset()
	s := q.State()
	require.Equal(t, StatusPending, s.Status)
	require.Nil(t, q.Promise())
}

func TestDestroyIsIdempotentAndCancelsGC(t *testing.T) {
	w := newTestWheel(t)
	gcFired := int32(0)
	q := New[string](querykey.Key{"x"}, Options[string]{
		Fetcher: func(ctx context.Context, k querykey.Key) (string, error) { return "v", nil },
		GCTime:  10 * time.Millisecond,
	}, w, func() { atomic.AddInt32(&gcFired, 1) })
	waitForStatus(t, q, StatusSuccess, time.Second)

	unsub := q.Subscribe(func() {})
	unsub()
	q.Destroy()
	q.Destroy()
	time.Sleep(30 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&gcFired))
}
