package boost

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"cdr.dev/slog/v3"
)

// primaryExpiryGrace keeps CPU 0 boosted slightly past the session window so
// CPUs that joined late expire first and the session closes on the primary.
const primaryExpiryGrace = 10 * time.Millisecond

// inputSession is the state of one input boost window, shared by every CPU.
// running is the lock-free gate consulted by the event path; the remaining
// fields are guarded by mu and never read on the arbitration path without it.
type inputSession struct {
	running atomic.Bool

	mu       sync.Mutex
	boosted  int
	target   int
	start    time.Time
	duration time.Duration
}

func (s *inputSession) begin(start time.Time, duration time.Duration, target int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boosted = 0
	s.target = target
	s.start = start
	s.duration = duration
}

func (s *inputSession) countBoosted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boosted++
}

// tryJoin admits rec into the running session if the session still wants more
// CPUs and its window has time left, marking the record boosted and returning
// the remaining window. It returns zero when there is nothing to join.
func (s *inputSession) tryJoin(rec *cpuRecord, now time.Time) time.Duration {
	if !s.running.Load() {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() || s.boosted >= s.target {
		return 0
	}
	remaining := s.duration - now.Sub(s.start)
	if remaining <= 0 {
		return 0
	}
	rec.inputPhase.Store(int32(phaseBoosted))
	s.boosted++
	return remaining
}

// adjustedDuration scales the configured boost duration down as more CPUs are
// online, so aggregate boost capacity stays roughly constant.
func adjustedDuration(configured time.Duration, onlineCPUs int) time.Duration {
	return configured * 3 / time.Duration(3+onlineCPUs)
}

// OnInputActivity requests an input boost session. Pulses arriving while a
// session is already running, while the engine is disabled, or while a
// display boost is active are dropped. It never blocks: session setup is
// handed off to a deferred task.
func (e *Engine) OnInputActivity() {
	switch {
	case e.session.running.Load():
		e.metrics.inputPulsesDropped.WithLabelValues(dropSessionRunning).Inc()
		return
	case !e.cfg.enabled.Load():
		e.metrics.inputPulsesDropped.WithLabelValues(dropDisabled).Inc()
		return
	case e.fbBoostActive():
		e.metrics.inputPulsesDropped.WithLabelValues(dropDisplayBoost).Inc()
		return
	}
	if !e.session.running.CompareAndSwap(false, true) {
		e.metrics.inputPulsesDropped.WithLabelValues(dropSessionRunning).Inc()
		return
	}
	e.sessionTask.Arm(0, e.startInputSession)
}

func (e *Engine) startInputSession() {
	if !e.cfg.enabled.Load() {
		// Disabled between the pulse and this task running.
		e.session.running.Store(false)
		return
	}
	online := len(e.host.OnlineCPUs())

	// With a single CPU online the session aims for two so that a second CPU
	// hotplugged mid-window joins it.
	target := 1
	if online == 1 {
		target = 2
	}
	duration := adjustedDuration(e.cfg.inputBoostDur.Load(), online)
	e.session.begin(e.clock.Now(), duration, target)

	e.metrics.inputSessions.Inc()
	e.logger.Debug(e.ctx, "input boost session started",
		slog.F("online_cpus", online),
		slog.F("target_cpus", target),
		slog.F("duration", duration),
	)

	rec := e.records[0]
	rec.inputPhase.Store(int32(phaseBoosted))
	e.session.countBoosted()
	e.host.Refresh(rec.cpu)
	rec.expiry.Arm(duration+primaryExpiryGrace, func() {
		e.expireInputBoost(rec)
	})
}

// expireInputBoost clears rec's input boost and closes the session once no
// CPU is left boosted.
func (e *Engine) expireInputBoost(rec *cpuRecord) {
	rec.inputPhase.Store(int32(phaseUnboosted))
	if e.host.IsOnline(rec.cpu) {
		e.host.Refresh(rec.cpu)
	}
	for _, other := range e.records {
		if phase(other.inputPhase.Load()) == phaseBoosted {
			return
		}
	}
	e.session.running.Store(false)
	e.logger.Debug(e.ctx, "input boost session finished")
}
