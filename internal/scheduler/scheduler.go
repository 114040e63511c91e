// Package scheduler admits, throttles, and sequences generation calls to a
// rate-limited provider. One FIFO queue feeds an event-driven admission loop;
// per-category bookkeeping enforces concurrency caps, minimum dispatch
// spacing, and a trailing sixty-second rate window.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"storyloom/internal/logging"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Category names a class of work with its own rate limits.
type Category string

// Limits holds the admission constraints for one category.
type Limits struct {
	// MaxConcurrent caps simultaneous in-flight executions.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MinDelay is the minimum spacing between consecutive dispatches.
	MinDelay time.Duration `yaml:"min_delay"`

	// PerMinute caps dispatches in any trailing 60-second window.
	// Zero means no rate cap.
	PerMinute int `yaml:"per_minute"`
}

// Config maps categories to their limits. Categories without an entry use
// Default.
type Config struct {
	Default    Limits
	Categories map[Category]Limits
}

// DefaultConfig returns limits suitable for a typical provider tier.
func DefaultConfig() Config {
	return Config{
		Default: Limits{MaxConcurrent: 2, MinDelay: time.Second, PerMinute: 20},
		Categories: map[Category]Limits{
			"scene":    {MaxConcurrent: 1, MinDelay: 3 * time.Second, PerMinute: 10},
			"outline":  {MaxConcurrent: 2, MinDelay: time.Second, PerMinute: 20},
			"analysis": {MaxConcurrent: 2, MinDelay: 500 * time.Millisecond, PerMinute: 30},
		},
	}
}

func (c Config) limitsFor(cat Category) Limits {
	if l, ok := c.Categories[cat]; ok {
		return l
	}
	return c.Default
}

// =============================================================================
// QUEUE ENTRIES
// =============================================================================

// Executor performs the actual provider call once the scheduler admits it.
type Executor func(ctx context.Context) (string, error)

// Callbacks are purely informational progress hooks. They carry no control
// semantics back into the scheduler and may be nil.
type Callbacks struct {
	OnDequeued func()
	OnFinished func(result string)
	OnError    func(err error)
}

type outcome struct {
	text string
	err  error
}

type entry struct {
	ctx       context.Context
	category  Category
	executor  Executor
	callbacks Callbacks
	enqueued  time.Time
	done      chan outcome // buffered, written exactly once
}

func (e *entry) settle(text string, err error) {
	e.done <- outcome{text: text, err: err}
	if err != nil {
		if e.callbacks.OnError != nil {
			e.callbacks.OnError(err)
		}
	} else if e.callbacks.OnFinished != nil {
		e.callbacks.OnFinished(text)
	}
}

// categoryState is the per-category bookkeeping behind admission decisions.
type categoryState struct {
	lastDispatch time.Time
	executing    int
	recent       []time.Time // dispatch timestamps within the trailing window
}

func (cs *categoryState) pruneRecent(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(cs.recent) && !cs.recent[i].After(cutoff) {
		i++
	}
	cs.recent = cs.recent[i:]
}

const rateWindow = time.Minute

// =============================================================================
// SCHEDULER
// =============================================================================

// ErrCleared rejects entries removed from the queue by Clear.
var ErrCleared = errors.New("scheduler: queue cleared")

// ErrStopped rejects submissions after Stop.
var ErrStopped = errors.New("scheduler: stopped")

// Scheduler is an explicit instance; construct one per process and pass it by
// reference.
type Scheduler struct {
	config Config

	mu     sync.Mutex
	queue  []*entry
	states map[Category]*categoryState

	dedup singleflight.Group

	wake    chan struct{} // buffered(1) wake signal for the admission loop
	stopCh  chan struct{}
	stopped sync.Once
	loopWG  sync.WaitGroup

	// Metrics
	totalDispatched int64
	totalDeduped    int64
	totalRejected   int64
	totalWaitNs     int64
}

// New constructs a scheduler and starts its admission loop.
func New(config Config) *Scheduler {
	s := &Scheduler{
		config: config,
		states: make(map[Category]*categoryState),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	s.loopWG.Add(1)
	go s.admissionLoop()
	return s
}

// Submit enqueues one generation call and blocks until it settles or the
// scheduler rejects it. Submissions sharing a non-empty idempotencyKey while
// one is in flight resolve to that execution's result.
func (s *Scheduler) Submit(ctx context.Context, category Category, idempotencyKey string, executor Executor, callbacks Callbacks) (string, error) {
	if executor == nil {
		return "", errors.New("scheduler: nil executor")
	}
	if idempotencyKey == "" {
		return s.submitOne(ctx, category, executor, callbacks)
	}

	v, err, shared := s.dedup.Do(idempotencyKey, func() (interface{}, error) {
		return s.submitOne(ctx, category, executor, callbacks)
	})
	if shared {
		atomic.AddInt64(&s.totalDeduped, 1)
		logging.SchedulerDebug("deduplicated submission key=%s category=%s", idempotencyKey, category)
	}
	text, _ := v.(string)
	return text, err
}

func (s *Scheduler) submitOne(ctx context.Context, category Category, executor Executor, callbacks Callbacks) (string, error) {
	e := &entry{
		ctx:       ctx,
		category:  category,
		executor:  executor,
		callbacks: callbacks,
		enqueued:  time.Now(),
		done:      make(chan outcome, 1),
	}

	s.mu.Lock()
	select {
	case <-s.stopCh:
		s.mu.Unlock()
		return "", ErrStopped
	default:
	}
	s.queue = append(s.queue, e)
	depth := len(s.queue)
	s.mu.Unlock()

	logging.SchedulerDebug("enqueued category=%s depth=%d", category, depth)

	// Wake the loop for the new entry, and again if the caller's context dies
	// while the entry is still queued.
	s.signalWake()
	stop := context.AfterFunc(ctx, s.signalWake)
	defer stop()

	out := <-e.done
	return out.text, out.err
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// -----------------------------------------------------------------------------
// Admission loop
// -----------------------------------------------------------------------------

// admissionLoop is event-driven: it sleeps until a submission, a settle, a
// context cancellation, or the expiry of the head entry's delay window, then
// re-evaluates admission for the head of the queue.
func (s *Scheduler) admissionLoop() {
	defer s.loopWG.Done()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		delay := s.dispatchReady()

		if delay > 0 {
			timer.Reset(delay)
			select {
			case <-s.wake:
				if !timer.Stop() {
					<-timer.C
				}
			case <-timer.C:
			case <-s.stopCh:
				return
			}
			continue
		}

		select {
		case <-s.wake:
		case <-s.stopCh:
			return
		}
	}
}

// dispatchReady admits every entry it can right now. It returns how long the
// loop should sleep before the blocked head entry's delay or rate window
// opens, or 0 to wait for the next wake signal (queue empty, or head blocked
// on concurrency alone).
func (s *Scheduler) dispatchReady() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		head := s.queue[0]

		// A cancelled entry is rejected at dispatch time.
		if err := head.ctx.Err(); err != nil {
			s.queue = s.queue[1:]
			atomic.AddInt64(&s.totalRejected, 1)
			go head.settle("", err)
			continue
		}

		now := time.Now()
		st := s.state(head.category)
		limits := s.config.limitsFor(head.category)
		st.pruneRecent(now)

		if wait, ok := admissible(st, limits, now); !ok {
			// Head-of-line blocking is intentional: entries behind the head
			// wait even when their own category is admissible.
			return wait
		}

		s.queue = s.queue[1:]
		st.lastDispatch = now
		st.executing++
		st.recent = append(st.recent, now)
		atomic.AddInt64(&s.totalDispatched, 1)
		atomic.AddInt64(&s.totalWaitNs, int64(now.Sub(head.enqueued)))

		logging.SchedulerDebug("dispatch category=%s queued_for=%v executing=%d/%d",
			head.category, now.Sub(head.enqueued), st.executing, limits.MaxConcurrent)

		go s.execute(head)
	}
	return 0
}

// admissible reports whether a dispatch is allowed now; when blocked on a
// time window it returns how long until that window opens (0 when blocked on
// concurrency, which only a settle can relieve).
func admissible(st *categoryState, limits Limits, now time.Time) (time.Duration, bool) {
	if limits.MaxConcurrent > 0 && st.executing >= limits.MaxConcurrent {
		return 0, false
	}
	var wait time.Duration
	if limits.MinDelay > 0 && !st.lastDispatch.IsZero() {
		if remaining := limits.MinDelay - now.Sub(st.lastDispatch); remaining > 0 {
			wait = remaining
		}
	}
	if limits.PerMinute > 0 && len(st.recent) >= limits.PerMinute {
		// Window opens when the oldest timestamp ages out.
		if remaining := rateWindow - now.Sub(st.recent[0]); remaining > wait {
			wait = remaining
		}
	}
	return wait, wait == 0
}

func (s *Scheduler) execute(e *entry) {
	if e.callbacks.OnDequeued != nil {
		e.callbacks.OnDequeued()
	}

	text, err := e.executor(e.ctx)

	s.mu.Lock()
	if st, ok := s.states[e.category]; ok {
		st.executing--
	}
	s.mu.Unlock()
	s.signalWake() // a freed slot may unblock the head

	e.settle(text, err)
}

func (s *Scheduler) state(cat Category) *categoryState {
	if st, ok := s.states[cat]; ok {
		return st
	}
	st := &categoryState{}
	s.states[cat] = st
	return st
}

// -----------------------------------------------------------------------------
// Queries and lifecycle
// -----------------------------------------------------------------------------

// EstimatedWait returns 0 when a dispatch for the category would be admitted
// now, otherwise the larger of the remaining min-delay window and the
// remaining rate-limit window.
func (s *Scheduler) EstimatedWait(cat Category) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	st := s.state(cat)
	st.pruneRecent(now)
	wait, _ := admissible(st, s.config.limitsFor(cat), now)
	return wait
}

// Clear rejects every queued (not yet executing) entry with ErrCleared.
// In-flight executions are unaffected.
func (s *Scheduler) Clear() int {
	s.mu.Lock()
	cleared := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, e := range cleared {
		atomic.AddInt64(&s.totalRejected, 1)
		e.settle("", ErrCleared)
	}
	if len(cleared) > 0 {
		logging.Scheduler("cleared %d queued entries", len(cleared))
	}
	return len(cleared)
}

// Stop shuts the scheduler down. Queued entries are rejected; in-flight
// executions run to completion.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() {
		close(s.stopCh)
	})
	s.loopWG.Wait()
	s.Clear()
}

// Metrics is a point-in-time observability snapshot.
type Metrics struct {
	QueueDepth      int
	Executing       map[Category]int
	TotalDispatched int64
	TotalDeduped    int64
	TotalRejected   int64
	TotalWaitNs     int64
}

// String returns a human-readable summary.
func (m Metrics) String() string {
	avgWait := time.Duration(0)
	if m.TotalDispatched > 0 {
		avgWait = time.Duration(m.TotalWaitNs / m.TotalDispatched)
	}
	return fmt.Sprintf("queued=%d dispatched=%d deduped=%d rejected=%d avg_wait=%v",
		m.QueueDepth, m.TotalDispatched, m.TotalDeduped, m.TotalRejected, avgWait)
}

// Metrics returns current scheduler metrics.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	executing := make(map[Category]int, len(s.states))
	for cat, st := range s.states {
		if st.executing > 0 {
			executing[cat] = st.executing
		}
	}
	depth := len(s.queue)
	s.mu.Unlock()

	return Metrics{
		QueueDepth:      depth,
		Executing:       executing,
		TotalDispatched: atomic.LoadInt64(&s.totalDispatched),
		TotalDeduped:    atomic.LoadInt64(&s.totalDeduped),
		TotalRejected:   atomic.LoadInt64(&s.totalRejected),
		TotalWaitNs:     atomic.LoadInt64(&s.totalWaitNs),
	}
}
