// -----------------------------------------------------------------------
// Poll Scheduler - adaptive, non-overlapping periodic fetches
// -----------------------------------------------------------------------

package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/common"
)

// DefaultSuspendCheckInterval is how often a suspended scheduler looks again
const DefaultSuspendCheckInterval = time.Second

// Skip reasons reported to the Recorder
const (
	SkipInFlight  = "in_flight"
	SkipSuspended = "suspended"
)

var errTickPanicked = errors.New("poll tick panicked")

// TickFunc performs one fetch. The context is cancelled when the scheduler stops.
type TickFunc func(ctx context.Context) error

// Outcome describes the tick that just finished
type Outcome struct {
	Err      error
	Duration time.Duration
}

// DelayFunc picks the delay before the next tick. Returning false halts the
// scheduler for good (for example once a job is terminal).
type DelayFunc func(Outcome) (time.Duration, bool)

// Recorder receives scheduler activity; the metrics service implements it
type Recorder interface {
	TickStarted(name string)
	TickFinished(name string, elapsed time.Duration, err error)
	TickSkipped(name string, reason string)
}

// Config describes one scheduler
type Config struct {
	Name      string
	Tick      TickFunc
	NextDelay DelayFunc

	// IsSuspended is consulted before every tick. While it reports true the
	// tick is skipped and re-checked after SuspendCheckInterval.
	IsSuspended          func() bool
	SuspendCheckInterval time.Duration

	Logger   arbor.ILogger
	Recorder Recorder
}

// Stats counts scheduler activity since Start
type Stats struct {
	Ticks   int64
	Skipped int64
	Errors  int64
}

// Scheduler runs Tick eagerly on Start and then after each NextDelay.
// At most one tick is in flight and at most one timer is pending.
type Scheduler struct {
	cfg    Config
	logger arbor.ILogger

	mu       sync.Mutex
	started  bool
	stopped  bool
	inFlight bool
	timer    *time.Timer
	gen      uint64 // invalidates timers superseded by a newer schedule
	stats    Stats

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a scheduler. Nothing runs until Start.
func New(cfg Config) *Scheduler {
	if cfg.SuspendCheckInterval <= 0 {
		cfg.SuspendCheckInterval = DefaultSuspendCheckInterval
	}
	if cfg.Name == "" {
		cfg.Name = "poller"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = arbor.NewNoOpLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start runs the first tick immediately in the background.
// Calling Start twice, or after Stop, does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Debug().Str("scheduler", s.cfg.Name).Msg("Poll scheduler started")
	s.fire(0, true, true)
}

// Trigger requests an out-of-band tick now. It returns false when the tick was
// skipped because the scheduler is not running, a tick is in flight, or the
// owner reports suspension.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return false
	}
	return s.fire(0, true, true)
}

// Stop cancels the pending timer and the in-flight tick's context.
// It is idempotent and safe to call from inside a tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	idle := !s.inFlight
	s.mu.Unlock()

	s.cancel()
	if idle {
		s.markDone()
	}
	s.logger.Debug().Str("scheduler", s.cfg.Name).Msg("Poll scheduler stopped")
}

// Done is closed once the scheduler is stopped or halted and no tick is running
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Stopped reports whether the scheduler will run no further ticks
func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stats returns a copy of the activity counters
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// fire claims the tick slot and launches the tick. Timer callbacks pass the
// generation they were scheduled under; manual fires ignore it.
func (s *Scheduler) fire(gen uint64, manual bool, async bool) bool {
	s.mu.Lock()
	if s.stopped || (!manual && gen != s.gen) {
		s.mu.Unlock()
		return false
	}
	if s.inFlight {
		s.stats.Skipped++
		s.mu.Unlock()
		s.recordSkip(SkipInFlight)
		return false
	}
	s.inFlight = true
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if s.cfg.IsSuspended != nil && s.cfg.IsSuspended() {
		s.mu.Lock()
		s.stats.Skipped++
		s.inFlight = false
		stopped := s.stopped
		if !stopped {
			s.scheduleLocked(s.cfg.SuspendCheckInterval)
		}
		s.mu.Unlock()
		s.recordSkip(SkipSuspended)
		if stopped {
			s.markDone()
		}
		return false
	}

	if async {
		common.SafeGo(s.logger, "poller:"+s.cfg.Name, s.runTick)
	} else {
		s.runTick()
	}
	return true
}

// runTick executes one claimed tick and schedules the next
func (s *Scheduler) runTick() {
	outcome := Outcome{}
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.TickStarted(s.cfg.Name)
	}

	start := time.Now()
	panicked := !common.SafeCall(s.logger, "poller:"+s.cfg.Name+":tick", func() {
		outcome.Err = s.cfg.Tick(s.ctx)
	})
	outcome.Duration = time.Since(start)
	if panicked && outcome.Err == nil {
		outcome.Err = errTickPanicked
	}

	if s.cfg.Recorder != nil {
		s.cfg.Recorder.TickFinished(s.cfg.Name, outcome.Duration, outcome.Err)
	}

	delay, keepGoing := time.Duration(0), false
	if s.cfg.NextDelay != nil && !s.Stopped() {
		delay, keepGoing = s.cfg.NextDelay(outcome)
	}

	s.mu.Lock()
	s.inFlight = false
	s.stats.Ticks++
	if outcome.Err != nil {
		s.stats.Errors++
	}
	if s.stopped {
		s.mu.Unlock()
		s.markDone()
		return
	}
	if !keepGoing {
		s.stopped = true
		s.gen++
		s.mu.Unlock()
		s.cancel()
		s.markDone()
		s.logger.Debug().Str("scheduler", s.cfg.Name).Msg("Poll scheduler halted")
		return
	}
	s.scheduleLocked(delay)
	s.mu.Unlock()
}

// scheduleLocked replaces any pending timer; caller holds mu
func (s *Scheduler) scheduleLocked(delay time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(delay, func() {
		s.fire(gen, false, false)
	})
}

func (s *Scheduler) recordSkip(reason string) {
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.TickSkipped(s.cfg.Name, reason)
	}
	s.logger.Trace().Str("scheduler", s.cfg.Name).Str("reason", reason).Msg("Poll tick skipped")
}

func (s *Scheduler) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
