package wheel

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPowerOfTwoSlots(t *testing.T) {
	_, err := New(Config{SlotsPerLevel: 100})
	require.Error(t, err)
}

func TestNewRejectsNegativeTick(t *testing.T) {
	_, err := New(Config{TickInterval: -time.Millisecond})
	require.Error(t, err)
}

func TestScheduleFiresOnce(t *testing.T) {
	w, err := New(Config{TickInterval: time.Millisecond})
	require.NoError(t, err)

	var fired int32
	done := make(chan struct{})
	_, err = w.Schedule(5*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&fired))
}

func TestCancelPreventsFire(t *testing.T) {
	w, err := New(Config{})
	require.NoError(t, err)

	var fired int32
	h, err := w.Schedule(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	require.NoError(t, err)

	require.True(t, w.Cancel(h))
	require.False(t, w.Cancel(h), "cancelling twice is a no-op")

	time.Sleep(60 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

func TestScheduleRejectsNegativeDelay(t *testing.T) {
	w, err := New(Config{})
	require.NoError(t, err)
	_, err = w.Schedule(-time.Millisecond, func() {})
	require.Error(t, err)
}

func TestClearCancelsEverything(t *testing.T) {
	w, err := New(Config{})
	require.NoError(t, err)

	var fired int32
	for i := 0; i < 10; i++ {
		_, err := w.Schedule(10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
		require.NoError(t, err)
	}
	w.Clear()
	require.Equal(t, 0, w.Len())
	require.False(t, w.Armed())

	time.Sleep(40 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

func TestManyEntriesAllFireExactlyOnce(t *testing.T) {
	w, err := New(Config{})
	require.NoError(t, err)

	const n = 200
	var mu sync.Mutex
	counts := make(map[int]int, n)
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		i := i
		delay := time.Duration(i%25) * time.Millisecond
		_, err := w.Schedule(delay, func() {
			mu.Lock()
			counts[i]++
			mu.Unlock()
			wg.Done()
		})
		require.NoError(t, err)
	}

	waitTimeout(t, &wg, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, counts, n)
	for i, c := range counts {
		require.Equalf(t, 1, c, "entry %d fired %d times", i, c)
	}
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for callbacks")
	}
}

func TestLongDelayClampsToHighestLevel(t *testing.T) {
	w, err := New(Config{Levels: 2, SlotsPerLevel: 4, TickInterval: time.Millisecond})
	require.NoError(t, err)

	done := make(chan struct{})
	_, err = w.Schedule(5*time.Second, func() { close(done) })
	require.NoError(t, err)
	require.Equal(t, 1, w.Len())
	// Not expected to fire promptly; just confirm it's scheduled without
	// panicking despite exceeding the wheel's nominal per-level span.
	select {
	case <-done:
		t.Fatal("fired too early")
	case <-time.After(50 * time.Millisecond):
	}
	w.Clear()
}
