// Package query implements the per-key state machine described by the
// cache spec: pending -> success/error, fetch orchestration through a
// retrier, ordered subscriber fan-out, and GC scheduling through the
// shared timer wheel.
//
// It generalizes consul's cacheEntry (agent/cache/cache.go): Fetching
// plus a Waiter channel there is Future/currentPromise here; the
// FetchRateLimiter there is the optional per-Query rate.Limiter here;
// the attempt-counter-driven backoff there is delegated wholesale to
// the retrier package here, since this port pulls that loop out into
// its own reusable component rather than inlining it into fetch.
package query

import (
	"context"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	uuid "github.com/hashicorp/go-uuid"
	"golang.org/x/time/rate"

	metrics "github.com/armon/go-metrics"

	"github.com/hashicorp/go-querycache/querykey"
	"github.com/hashicorp/go-querycache/retrier"
	"github.com/hashicorp/go-querycache/wheel"
)

// Fetcher produces the value for a key. It must be restartable: the
// Query may call it again for retries and refetches, and may discard
// the result of a superseded call (§6.1).
type Fetcher[T any] func(ctx context.Context, key querykey.Key) (T, error)

// Listener is a subscriber callback. Panics raised by a Listener are
// recovered and logged; they never interrupt fetch control flow.
type Listener func()

// Options configures a Query. The zero Options is not usable: Fetcher
// must be set.
type Options[T any] struct {
	Fetcher    Fetcher[T]
	GCTime     time.Duration // default Infinite
	StaleTime  time.Duration // default 0; see StaticStaleTime/Infinite
	Retry      retrier.Policy
	RetryDelay retrier.Delay

	// RateLimit/RateBurst optionally throttle how often this Query may
	// re-enter Fetcher, grounded on consul cache's per-entry
	// FetchRateLimiter. Zero RateLimit disables throttling.
	RateLimit rate.Limit
	RateBurst int

	Logger hclog.Logger
}

func (o *Options[T]) setDefaults() {
	if o.GCTime == 0 {
		o.GCTime = Infinite
	}
	if o.Retry == nil {
		o.Retry = retrier.Default
	}
	if o.RetryDelay == nil {
		o.RetryDelay = retrier.NoDelay
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
}

type subEntry struct {
	id uint64
	cb Listener
}

// Query holds one logical asynchronous value for one canonical key.
// The zero Query is not usable; construct one with New.
type Query[T any] struct {
	key   querykey.Key
	canon string
	id    string

	opts    Options[T]
	wheel   *wheel.Wheel
	retrier *retrier.Retrier[T]
	limiter *rate.Limiter
	logger  hclog.Logger

	// onGarbageCollect is invoked, outside any Query lock, after this
	// Query has destroyed itself following GC expiry. The cache uses it
	// to drop its own registry entry and fire the deferred change
	// notification. Query never reaches back into the cache directly
	// (§9 "Cyclic references"): it only ever calls this callback.
	onGarbageCollect func()

	mu              sync.Mutex
	state           State[T]
	currentPromise  *Future[T]
	subscribers     []subEntry
	nextSubID       uint64
	gcHandle        wheel.Handle
	gcScheduled     bool
	refetchPending  bool
	destroyed       bool
}

// New constructs a Query and immediately begins its first fetch
// (pending/idle -> pending/fetching), per the lifecycle in §3.3.
func New[T any](key querykey.Key, opts Options[T], w *wheel.Wheel, onGarbageCollect func()) *Query[T] {
	opts.setDefaults()
	id, _ := uuid.GenerateUUID()

	q := &Query[T]{
		key:              key,
		canon:            querykey.String(key),
		id:               id,
		opts:             opts,
		wheel:            w,
		logger:           opts.Logger.Named("query").With("key", querykey.String(key), "trace", id),
		onGarbageCollect: onGarbageCollect,
	}
	q.retrier = retrier.New[T](w, opts.Retry, opts.RetryDelay, q.logger, querykey.String(key))
	if opts.RateLimit > 0 {
		q.limiter = rate.NewLimiter(opts.RateLimit, opts.RateBurst)
	}
	q.state = State[T]{Status: StatusPending, FetchStatus: FetchIdle}

	q.fetch(context.Background())
	return q
}

// Key returns the Query's immutable key.
func (q *Query[T]) Key() querykey.Key { return q.key }

// Canonical returns the canonical encoding used as this Query's
// registry identity.
func (q *Query[T]) Canonical() string { return q.canon }

// State returns a snapshot of the Query's observable state.
func (q *Query[T]) State() State[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Promise returns the current in-flight or most recently completed
// fetch, or nil once Reset or Destroy has dropped it.
func (q *Query[T]) Promise() *Future[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.currentPromise
}

// IsStale reports whether the Query's data should be considered stale
// per §4.C: true if never successfully fetched; false if StaleTime is
// "static" or infinite; else true once now >= dataUpdatedAt +
// max(staleTime, 1).
func (q *Query[T]) IsStale() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isStaleLocked()
}

func (q *Query[T]) isStaleLocked() bool {
	if q.state.DataUpdatedAt.IsZero() {
		return true
	}
	if q.opts.StaleTime == StaticStaleTime || q.opts.StaleTime == Infinite {
		return false
	}
	st := q.opts.StaleTime
	if st < time.Millisecond {
		st = time.Millisecond
	}
	return !time.Now().Before(q.state.DataUpdatedAt.Add(st))
}

func (q *Query[T]) liveCountLocked() int {
	n := 0
	for _, s := range q.subscribers {
		if s.cb != nil {
			n++
		}
	}
	return n
}

// Fetch returns the in-flight fetch, starting a new one only if none
// is running (invariant 6: dedup). It is the operation backing
// refetch(); callers that just want "start a fetch if needed" and
// don't care about the returned Future can ignore it.
func (q *Query[T]) Fetch() *Future[T] {
	return q.fetch(context.Background())
}

// Refetch is an alias for Fetch matching the consumer-side API name in
// §6.2.
func (q *Query[T]) Refetch() *Future[T] { return q.Fetch() }

func (q *Query[T]) fetch(ctx context.Context) *Future[T] {
	q.mu.Lock()
	if q.state.FetchStatus == FetchFetching && q.currentPromise != nil {
		f := q.currentPromise
		q.mu.Unlock()
		return f
	}
	q.state.FetchStatus = FetchFetching
	q.retrier.Reset()
	fut := newFuture[T]()
	q.currentPromise = fut
	q.mu.Unlock()

	q.notify()
	metrics.IncrCounter([]string{"querycache", "query", "fetch_start"}, 1)
	go q.run(ctx, fut)
	return fut
}

func (q *Query[T]) run(ctx context.Context, fut *Future[T]) {
	val, err := q.retrier.Execute(ctx, func() (T, error) {
		if q.limiter != nil {
			if werr := q.limiter.Wait(ctx); werr != nil {
				var zero T
				return zero, werr
			}
		}
		return q.opts.Fetcher(ctx, q.key)
	})

	if err == retrier.ErrCancelled {
		// This execution was cancelled, either by Invalidate (which has
		// already started a newer fetch that owns state and
		// currentPromise now) or by Destroy. Its result, if it ever
		// arrives, is discarded per §4.B "does not attempt to abort ...
		// ignored".
		return
	}

	q.mu.Lock()
	q.state.FetchStatus = FetchIdle
	now := time.Now()
	if err != nil {
		q.state.Status = StatusError
		q.state.Err = err
		q.state.ErrorUpdatedAt = now
		metrics.IncrCounter([]string{"querycache", "query", "fetch_error"}, 1)
	} else {
		q.state.Status = StatusSuccess
		q.state.Data = val
		q.state.Err = nil
		q.state.DataUpdatedAt = now
		metrics.IncrCounter([]string{"querycache", "query", "fetch_success"}, 1)
	}
	fut.complete(val, err)
	q.mu.Unlock()

	q.notify()
}

// Subscribe registers cb and returns a disposer. If cb is the first
// subscriber, any pending GC is cancelled and the retrier is resumed.
// If the Query is pending, cb is notified synchronously before
// Subscribe returns. If the Query was already stale at the time of
// this call and has reached success, a background refetch is
// scheduled (coalesced with any other Subscribe calls observing the
// same staleness in the same beat, per §9 "Microtask batching").
func (q *Query[T]) Subscribe(cb Listener) func() {
	q.mu.Lock()
	wasEmpty := q.liveCountLocked() == 0
	id := q.nextSubID
	q.nextSubID++
	q.subscribers = append(q.subscribers, subEntry{id: id, cb: cb})

	if wasEmpty {
		q.retrier.Resume()
		if q.gcScheduled {
			q.wheel.Cancel(q.gcHandle)
			q.gcScheduled = false
		}
	}

	isPending := q.state.Status == StatusPending
	wasStale := q.isStaleLocked()
	isSuccess := q.state.Status == StatusSuccess
	q.mu.Unlock()

	if isPending {
		invokeListener(q.logger, cb)
	}
	if wasStale && isSuccess {
		q.scheduleStaleRefetch()
	}

	return func() { q.unsubscribe(id) }
}

func (q *Query[T]) unsubscribe(id uint64) {
	q.mu.Lock()
	for i := range q.subscribers {
		if q.subscribers[i].id == id {
			q.subscribers[i].cb = nil
			break
		}
	}
	empty := q.liveCountLocked() == 0
	var shouldScheduleGC bool
	if empty {
		q.retrier.Pause()
		if q.opts.GCTime != Infinite && !q.gcScheduled && !q.destroyed {
			shouldScheduleGC = true
		}
	}
	q.mu.Unlock()

	if shouldScheduleGC {
		q.scheduleGC()
	}
}

func (q *Query[T]) scheduleGC() {
	h, err := q.wheel.Schedule(q.opts.GCTime, q.onGCFire)
	if err != nil {
		q.logger.Error("failed to schedule gc", "error", err)
		return
	}
	q.mu.Lock()
	// A resubscribe could have raced in between unsubscribe() releasing
	// the lock and this call; honor it by cancelling the timer we just
	// armed instead of leaving a stray GC pending on a live Query.
	if q.liveCountLocked() > 0 || q.destroyed {
		q.mu.Unlock()
		q.wheel.Cancel(h)
		return
	}
	q.gcHandle = h
	q.gcScheduled = true
	q.mu.Unlock()
}

func (q *Query[T]) onGCFire() {
	q.mu.Lock()
	q.gcScheduled = false
	if q.destroyed || q.liveCountLocked() > 0 || q.state.FetchStatus == FetchFetching {
		q.mu.Unlock()
		return
	}
	q.destroyed = true
	q.mu.Unlock()

	metrics.IncrCounter([]string{"querycache", "query", "gc"}, 1)
	q.teardown()
	if q.onGarbageCollect != nil {
		q.onGarbageCollect()
	}
}

// scheduleStaleRefetch coalesces concurrently-observed staleness into
// a single background refetch, the Go analogue of the microtask batch
// described in §9: a goroutine boundary stands in for the host's
// deferred-task primitive.
func (q *Query[T]) scheduleStaleRefetch() {
	q.mu.Lock()
	if q.refetchPending {
		q.mu.Unlock()
		return
	}
	q.refetchPending = true
	q.mu.Unlock()

	go func() {
		q.mu.Lock()
		q.refetchPending = false
		destroyed := q.destroyed
		q.mu.Unlock()
		if !destroyed {
			q.fetch(context.Background())
		}
	}()
}

// Invalidate clears dataUpdatedAt, forcing IsStale to report true, and
// — if the Query has subscribers — cancels any in-flight retrier
// execution and starts a fresh fetch. Queries with StaleTime ==
// StaticStaleTime are exempt.
func (q *Query[T]) Invalidate() {
	q.mu.Lock()
	if q.opts.StaleTime == StaticStaleTime {
		q.mu.Unlock()
		return
	}
	q.state.DataUpdatedAt = time.Time{}
	hasSubscribers := q.liveCountLocked() > 0
	q.mu.Unlock()

	if hasSubscribers {
		q.retrier.Cancel()
		q.retrier.Reset()
		// The cancelled execution never settles state, so drop its
		// fetching mark; otherwise fetch would dedup onto it.
		q.mu.Lock()
		q.state.FetchStatus = FetchIdle
		q.mu.Unlock()
		q.fetch(context.Background())
	}
	q.notify()
}

// Reset returns the Query to pending/idle, drops currentPromise, and
// notifies subscribers.
func (q *Query[T]) Reset() {
	q.mu.Lock()
	q.state = State[T]{Status: StatusPending, FetchStatus: FetchIdle}
	q.currentPromise = nil
	q.mu.Unlock()
	q.notify()
}

// Destroy tears the Query down: reset, cancel any pending GC, clear
// subscribers, and detach the retrier. Safe to call more than once.
func (q *Query[T]) Destroy() {
	q.mu.Lock()
	alreadyDestroyed := q.destroyed
	q.destroyed = true
	q.mu.Unlock()
	if alreadyDestroyed {
		return
	}
	q.teardown()
}

func (q *Query[T]) teardown() {
	q.Reset()
	q.mu.Lock()
	if q.gcScheduled {
		q.wheel.Cancel(q.gcHandle)
		q.gcScheduled = false
	}
	q.subscribers = nil
	q.mu.Unlock()
	q.retrier.Cancel()
}

func (q *Query[T]) notify() {
	q.mu.Lock()
	subs := make([]subEntry, len(q.subscribers))
	copy(subs, q.subscribers)
	q.mu.Unlock()

	for _, s := range subs {
		if s.cb == nil {
			continue
		}
		invokeListener(q.logger, s.cb)
	}
}

func invokeListener(logger hclog.Logger, cb Listener) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscriber panicked", "panic", r)
			metrics.IncrCounter([]string{"querycache", "query", "subscriber_panic"}, 1)
		}
	}()
	cb()
}
