package hub

import (
	"context"
	"slices"
	"sync"
	"time"
)

// EventKind classifies a sync trigger.
type EventKind string

// Sync event kinds.
const (
	EventStartup         EventKind = "startup"
	EventRegistryChanged EventKind = "registry_changed"
	EventLabelChanged    EventKind = "label_changed"
	EventAreaChanged     EventKind = "area_changed"
	EventRemoteLiveness  EventKind = "remote_liveness"
)

// DefaultDebounce is the quiet period before a reconciliation runs.
const DefaultDebounce = 2 * time.Second

// SyncEvent is an enqueued reconciliation trigger.
type SyncEvent struct {
	Kind EventKind
	At   time.Time
}

// Batch is the coalesced set of events one cycle consumes.
type Batch struct {
	Kinds  map[EventKind]int
	First  time.Time
	Last   time.Time
	Events int
}

// Has reports whether the batch contains kind.
func (b Batch) Has(kind EventKind) bool {
	return b.Kinds[kind] > 0
}

// KindList returns the kinds in the batch, sorted.
func (b Batch) KindList() []EventKind {
	out := make([]EventKind, 0, len(b.Kinds))
	for k := range b.Kinds {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// CycleFunc runs one reconciliation for a batch.
type CycleFunc func(ctx context.Context, batch Batch)

type job struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Scheduler is the single consumer loop for one hub. It coalesces events,
// debounces them and runs cycles and jobs one at a time.
//
// Thread Safety: Enqueue, Submit and Post are safe from any goroutine. Run
// must be called once.
type Scheduler struct {
	debounce time.Duration
	cycle    CycleFunc
	now      func() time.Time

	mu      sync.Mutex
	pending Batch
	posted  []func(ctx context.Context)

	notify     chan struct{}
	postNotify chan struct{}
	jobs       chan job
	stopped    chan struct{}
}

// NewScheduler creates a scheduler. A zero debounce uses DefaultDebounce.
func NewScheduler(debounce time.Duration, cycle CycleFunc) *Scheduler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Scheduler{
		debounce:   debounce,
		cycle:      cycle,
		now:        time.Now,
		pending:    Batch{Kinds: make(map[EventKind]int)},
		notify:     make(chan struct{}, 1),
		postNotify: make(chan struct{}, 1),
		jobs:       make(chan job),
		stopped:    make(chan struct{}),
	}
}

// Enqueue records an event and restarts the debounce window.
func (s *Scheduler) Enqueue(kind EventKind) {
	now := s.now()
	s.mu.Lock()
	if s.pending.Events == 0 {
		s.pending.First = now
	}
	s.pending.Kinds[kind]++
	s.pending.Events++
	s.pending.Last = now
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) drain() Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.pending
	s.pending = Batch{Kinds: make(map[EventKind]int)}
	return b
}

// Submit runs fn on the loop goroutine and waits for its result.
//
// Returns:
//   - error: fn's error, ctx.Err(), or ErrSchedulerStopped
func (s *Scheduler) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-s.stopped:
		return ErrSchedulerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues fn on the loop goroutine without waiting. Posted functions run
// in the order they were posted. Functions posted after Run returns never run.
func (s *Scheduler) Post(fn func(ctx context.Context)) {
	s.mu.Lock()
	s.posted = append(s.posted, fn)
	s.mu.Unlock()

	select {
	case s.postNotify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runPosted(ctx context.Context) {
	s.mu.Lock()
	fns := s.posted
	s.posted = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ctx)
	}
}

// Stopped is closed when Run returns.
func (s *Scheduler) Stopped() <-chan struct{} {
	return s.stopped
}

// Run executes the startup cycle immediately, then serves events and jobs
// until ctx is cancelled. Events arriving during a cycle are picked up after
// it completes.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.stopped)

	startup := s.drain()
	startup.Kinds[EventStartup]++
	startup.Events++
	if startup.First.IsZero() {
		startup.First = s.now()
	}
	startup.Last = s.now()
	s.cycle(ctx, startup)

	timer := time.NewTimer(s.debounce)
	timer.Stop()
	var timerC <-chan time.Time
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.notify:
			timer.Reset(s.debounce)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			batch := s.drain()
			if batch.Events == 0 {
				continue
			}
			s.cycle(ctx, batch)

		case <-s.postNotify:
			s.runPosted(ctx)

		case j := <-s.jobs:
			j.done <- j.fn(ctx)
		}
	}
}
