// Package retrier implements the cancellable, pausable retry loop
// described by the query cache spec: execute a user function, consult
// a pluggable retry predicate on failure, sleep via the shared timer
// wheel, and repeat until success, a non-retryable rejection, or
// cancellation.
//
// The backoff and cancellation shape is grounded in two places in the
// teacher: consul's agent/cache backOffWait (exponential backoff,
// capped, jittered) and watch/plan.go's Run loop (a stop channel that
// both a blocked sleep and the next loop iteration observe). This
// package generalizes both into a reusable, per-Query primitive rather
// than inlining the loop into the cache as consul does.
package retrier

import (
	"context"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/go-querycache/wheel"
)

// CancelledError is the distinguished error kind a superseded or
// explicitly cancelled execution observes. It is never surfaced to
// consumer-visible query state (§7): callers that see it should treat
// it as "this call no longer matters", not as a fetch failure.
type CancelledError struct{}

func (CancelledError) Error() string { return "retrier: execution cancelled" }

// ErrCancelled is the sentinel CancelledError value.
var ErrCancelled error = CancelledError{}

// Policy decides, given the number of failures so far and the most
// recent error, whether another attempt should be made.
type Policy interface {
	ShouldRetry(failureCount int, err error) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(failureCount int, err error) bool

// ShouldRetry implements Policy.
func (f PolicyFunc) ShouldRetry(failureCount int, err error) bool { return f(failureCount, err) }

// Retries returns a Policy allowing at most max retries (so max+1
// total attempts).
func Retries(max int) Policy {
	return PolicyFunc(func(failureCount int, _ error) bool { return failureCount < max })
}

// Never never retries: a single attempt, original rejection surfaces.
var Never Policy = Retries(0)

// Default is the spec's default retry policy: "true" retries at most
// three times.
var Default Policy = Retries(3)

// Delay computes the sleep between attempt failureCount and the next.
type Delay interface {
	Compute(failureCount int, err error) time.Duration
}

// DelayFunc adapts a function to Delay.
type DelayFunc func(failureCount int, err error) time.Duration

// Compute implements Delay.
func (f DelayFunc) Compute(failureCount int, err error) time.Duration { return f(failureCount, err) }

// Fixed returns a Delay that always waits d.
func Fixed(d time.Duration) Delay {
	return DelayFunc(func(int, error) time.Duration { return d })
}

// NoDelay is the spec's default retryDelay: 0ms, still yielding once
// through the wheel so cancellation has a point to observe.
var NoDelay Delay = Fixed(0)

// Retrier executes fn(), retrying per Policy with delays from Delay,
// until it succeeds, the policy declines a retry, or the execution is
// cancelled or superseded. T is the return type of the user function,
// per the generic parameterization called for in the design notes.
type Retrier[T any] struct {
	wheel  *wheel.Wheel
	policy Policy
	delay  Delay
	logger hclog.Logger
	name   string

	mu         sync.Mutex
	generation uint64
	cancelled  bool
	paused     bool
	interrupt  chan struct{}
	resumeCh   chan struct{}
}

// New constructs a Retrier that sleeps via w.
func New[T any](w *wheel.Wheel, policy Policy, delay Delay, logger hclog.Logger, name string) *Retrier[T] {
	if policy == nil {
		policy = Default
	}
	if delay == nil {
		delay = NoDelay
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Retrier[T]{
		wheel:     w,
		policy:    policy,
		delay:     delay,
		logger:    logger.Named("retrier").With("query", name),
		name:      name,
		interrupt: make(chan struct{}),
	}
}

// Execute runs fn to completion under this retrier's policy. Only one
// execution is ever "current"; calling Execute again while a prior
// call is still running supersedes it — a sleep the prior call is in
// is interrupted, and the prior call returns ErrCancelled at its next
// checkpoint, sleep, or return from fn(). An fn() call already in
// flight is not aborted; its result is discarded in favour of
// ErrCancelled.
func (r *Retrier[T]) Execute(ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T

	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return zero, ErrCancelled
	}
	r.generation++
	myGen := r.generation
	// Interrupt any sleep of a superseded execution so it observes the
	// new generation now rather than after its full delay.
	r.wake()
	r.mu.Unlock()

	failureCount := 0
	for {
		if err := r.checkpoint(ctx, myGen); err != nil {
			return zero, err
		}

		val, err := fn()
		if err == nil {
			if r.superseded(myGen) {
				return zero, ErrCancelled
			}
			metrics.IncrCounter([]string{"querycache", "retrier", "success"}, 1)
			return val, nil
		}

		if !r.policy.ShouldRetry(failureCount, err) {
			if r.superseded(myGen) {
				return zero, ErrCancelled
			}
			metrics.IncrCounter([]string{"querycache", "retrier", "give_up"}, 1)
			return zero, err
		}

		d := r.delay.Compute(failureCount, err)
		failureCount++
		metrics.IncrCounter([]string{"querycache", "retrier", "attempt"}, 1)

		if err := r.sleep(ctx, d, myGen); err != nil {
			return zero, err
		}
	}
}

// Cancel rejects all in-flight sleeps belonging to the current
// execution and causes the next loop iteration (current or future,
// until Reset) to reject with ErrCancelled. It does not attempt to
// abort an in-flight fn() call; that call's eventual result is
// ignored.
func (r *Retrier[T]) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	r.generation++
	r.wake()
}

// Reset clears cancellation state so the Retrier can be reused.
func (r *Retrier[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = false
}

// Pause blocks the next sleep or loop re-entry on a resume signal. A
// sleep already in progress is interrupted and, on Resume, restarts
// its full delay rather than its remaining portion — a documented
// limitation inherited from the source this cache was ported from.
func (r *Retrier[T]) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return
	}
	r.paused = true
	r.resumeCh = make(chan struct{})
	r.wake()
}

// Resume releases all blocked sleeps and the single blocked loop
// re-entry point.
func (r *Retrier[T]) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return
	}
	r.paused = false
	close(r.resumeCh)
}

// wake must be called with mu held. It interrupts anything blocked on
// the current interrupt channel (a sleep in progress) so it re-checks
// cancellation/pause state instead of waiting out its full delay.
func (r *Retrier[T]) wake() {
	close(r.interrupt)
	r.interrupt = make(chan struct{})
}

// superseded reports whether myGen is no longer the current execution:
// either Cancel was called or a later Execute call has already started.
// fn() itself cannot be interrupted mid-call, so every point where the
// loop is about to hand a terminal result (success or exhausted
// retries) back to the caller must re-check this, exactly as
// checkpoint/sleep already do for the retry-and-sleep path.
func (r *Retrier[T]) superseded(myGen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled || r.generation != myGen
}

// checkpoint is the loop's re-entry point: it rejects a superseded or
// cancelled execution, and blocks while paused.
func (r *Retrier[T]) checkpoint(ctx context.Context, myGen uint64) error {
	for {
		r.mu.Lock()
		if r.cancelled || r.generation != myGen {
			r.mu.Unlock()
			return ErrCancelled
		}
		if !r.paused {
			r.mu.Unlock()
			return nil
		}
		resumeCh := r.resumeCh
		r.mu.Unlock()

		select {
		case <-resumeCh:
			// loop and re-check: cancellation may have raced with resume
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sleep waits out d via the shared timer wheel, cancellable and
// pausable. A zero delay still schedules through the wheel so
// cancellation always has a point to observe, per spec.
func (r *Retrier[T]) sleep(ctx context.Context, d time.Duration, myGen uint64) error {
	for {
		r.mu.Lock()
		if r.cancelled || r.generation != myGen {
			r.mu.Unlock()
			return ErrCancelled
		}
		localInterrupt := r.interrupt
		r.mu.Unlock()

		doneCh := make(chan struct{})
		handle, err := r.wheel.Schedule(d, func() { close(doneCh) })
		if err != nil {
			return err
		}

		select {
		case <-doneCh:
			return nil
		case <-ctx.Done():
			r.wheel.Cancel(handle)
			return ctx.Err()
		case <-localInterrupt:
			r.wheel.Cancel(handle)

			r.mu.Lock()
			cancelledNow := r.cancelled || r.generation != myGen
			pausedNow := r.paused
			resumeCh := r.resumeCh
			r.mu.Unlock()

			if cancelledNow {
				return ErrCancelled
			}
			if pausedNow {
				select {
				case <-resumeCh:
					// restart the full delay, not the remainder (documented limitation)
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			// Spurious wake: re-evaluate with the same delay.
			continue
		}
	}
}
