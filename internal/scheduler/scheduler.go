// Package scheduler drives the four periodic tasks (C8): single-threaded
// cooperative, fixed priority order, "interrupt" equivalents that only
// ever set an atomic ready flag (§4.8, §5).
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ecowatt/agent/internal/logger"
)

// Task names a periodic job, in the fixed priority order the main loop
// inspects flags in (§4.8: "Poll > Upload > ConfigCheck > OtaCheck").
type Task int

const (
	Poll Task = iota
	Upload
	ConfigCheck
	OtaCheck
	taskCount
)

func (t Task) String() string {
	switch t {
	case Poll:
		return "Poll"
	case Upload:
		return "Upload"
	case ConfigCheck:
		return "ConfigCheck"
	case OtaCheck:
		return "OtaCheck"
	default:
		return "Unknown"
	}
}

// Handler runs one task's work for a tick. A handler must not block
// indefinitely; it owns its own bounded timeouts (§5).
type Handler func(ctx context.Context) error

type taskState struct {
	ready    atomic.Bool
	paused   atomic.Bool
	period   atomic.Int64 // nanoseconds; 0 means disabled
	handler  Handler
	lastTick time.Time
}

// Scheduler is the cooperative main loop described in §4.8: hardware
// timer equivalents set ready flags; Run inspects them in fixed
// priority order, runs at most one ready handler per pass, clears its
// flag, and repeats. It never runs two handlers concurrently.
type Scheduler struct {
	mu        sync.Mutex
	tasks     [taskCount]*taskState
	lg        *logger.Logger
	pausedAll atomic.Bool
	onFault   func(task Task, err error)
}

func New(lg *logger.Logger) *Scheduler {
	s := &Scheduler{lg: lg}
	for i := range s.tasks {
		s.tasks[i] = &taskState{}
	}
	return s
}

// OnFault registers a callback invoked when a handler returns an error,
// matching §4.8/§9: "a fault in one subsystem never halts the others" —
// the scheduler logs it, passes it to this callback, and continues.
func (s *Scheduler) OnFault(fn func(task Task, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFault = fn
}

// SetHandler installs the work function for a task and its initial
// period. A period of 0 disables the task's timer (it can still be
// woken manually via Trigger).
func (s *Scheduler) SetHandler(t Task, period time.Duration, h Handler) {
	st := s.tasks[t]
	st.handler = h
	st.period.Store(int64(period))
}

// SetPeriod updates a task's period at runtime (§4.8: "independent
// period updatable at runtime").
func (s *Scheduler) SetPeriod(t Task, period time.Duration) {
	s.tasks[t].period.Store(int64(period))
}

// Trigger sets a task's ready flag, standing in for the hardware timer
// interrupt of §5 ("whose only job is to set atomic boolean flags").
func (s *Scheduler) Trigger(t Task) {
	s.tasks[t].ready.Store(true)
}

// Pause marks a single task paused; its ready flag is still set by
// timers but the main loop will not run its handler until Resume.
func (s *Scheduler) Pause(t Task) {
	s.tasks[t].paused.Store(true)
}

func (s *Scheduler) Resume(t Task) {
	s.tasks[t].paused.Store(false)
}

// PauseAll and ResumeAll implement §4.8's OTA Applying/Verifying pause
// semantics: "so that poll/upload do not contend for flash or the HTTP
// client."
func (s *Scheduler) PauseAll() {
	s.pausedAll.Store(true)
}

func (s *Scheduler) ResumeAll() {
	s.pausedAll.Store(false)
}

// Run drives the timer simulation and the cooperative main loop until
// ctx is cancelled. tick is how often the loop polls timers and ready
// flags; it should be smaller than the shortest task period.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireTimers(now)
			s.runOneReady(ctx)
		}
	}
}

func (s *Scheduler) fireTimers(now time.Time) {
	for _, st := range s.tasks {
		period := time.Duration(st.period.Load())
		if period <= 0 {
			continue
		}
		if st.lastTick.IsZero() || now.Sub(st.lastTick) >= period {
			st.lastTick = now
			st.ready.Store(true)
		}
	}
}

// runOneReady runs at most one ready, unpaused handler per call, in
// fixed priority order, then clears its flag (§4.8 "Ordering": each
// flag handled at most once per tick; no task preempts another).
func (s *Scheduler) runOneReady(ctx context.Context) {
	if s.pausedAll.Load() {
		return
	}
	for t := Task(0); t < taskCount; t++ {
		st := s.tasks[t]
		if !st.ready.Load() || st.paused.Load() || st.handler == nil {
			continue
		}
		st.ready.Store(false)
		if err := st.handler(ctx); err != nil {
			s.lg.Warnf("%s tick failed: %v", t, err)
			s.mu.Lock()
			cb := s.onFault
			s.mu.Unlock()
			if cb != nil {
				cb(t, err)
			}
		}
		return
	}
}
