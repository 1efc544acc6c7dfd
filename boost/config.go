package boost

import (
	"time"

	"go.uber.org/atomic"
	"golang.org/x/xerrors"
)

// tunables are the runtime-adjustable knobs. All fields are atomics so the
// event and arbitration paths read them without locking.
type tunables struct {
	enabled atomic.Bool
	// inputFreqKHz[0] is the input boost floor for CPU 0, inputFreqKHz[1]
	// the floor for every other CPU.
	inputFreqKHz  [2]atomic.Uint64
	inputBoostDur atomic.Duration
	// migBoostDur zero disables migration boosting entirely.
	migBoostDur   atomic.Duration
	migLoadPct    atomic.Int32
	loadBasedSync atomic.Bool
}

// SetEnabled turns the engine on or off. Disabling synchronously cancels
// every outstanding boost: pending session starts, display pulses, expiry and
// removal timers, and migration floors are all unwound, and every online CPU
// is re-evaluated back to its natural minimum before this returns. It is
// idempotent.
func (e *Engine) SetEnabled(enabled bool) {
	e.cfg.enabled.Store(enabled)
	if !enabled {
		e.stopRemoveAllBoosts()
	}
}

// Enabled reports whether the engine is boosting.
func (e *Engine) Enabled() bool {
	return e.cfg.enabled.Load()
}

// SetInputBoostFreqs sets the input boost floors in kHz for CPU 0 and for the
// remaining CPUs. Both must be non-zero.
func (e *Engine) SetInputBoostFreqs(cpu0KHz, otherKHz uint64) error {
	if cpu0KHz == 0 || otherKHz == 0 {
		return xerrors.New("input boost frequencies must be non-zero")
	}
	e.cfg.inputFreqKHz[0].Store(cpu0KHz)
	e.cfg.inputFreqKHz[1].Store(otherKHz)
	return nil
}

// InputBoostFreqs returns the input boost floors in kHz for CPU 0 and for the
// remaining CPUs.
func (e *Engine) InputBoostFreqs() (cpu0KHz, otherKHz uint64) {
	return e.cfg.inputFreqKHz[0].Load(), e.cfg.inputFreqKHz[1].Load()
}

// SetInputBoostDuration sets the configured input boost duration. The
// per-session duration is scaled down from this by the online CPU count. It
// must be positive.
func (e *Engine) SetInputBoostDuration(d time.Duration) error {
	if d <= 0 {
		return xerrors.New("input boost duration must be positive")
	}
	e.cfg.inputBoostDur.Store(d)
	return nil
}

// InputBoostDuration returns the configured input boost duration.
func (e *Engine) InputBoostDuration() time.Duration {
	return e.cfg.inputBoostDur.Load()
}

// SetMigrationBoostDuration sets how long a migration floor lasts. Zero
// disables migration boosting.
func (e *Engine) SetMigrationBoostDuration(d time.Duration) error {
	if d < 0 {
		return xerrors.New("migration boost duration cannot be negative")
	}
	e.cfg.migBoostDur.Store(d)
	return nil
}

// MigrationBoostDuration returns how long a migration floor lasts.
func (e *Engine) MigrationBoostDuration() time.Duration {
	return e.cfg.migBoostDur.Load()
}

// SetMigrationLoadThreshold sets the task load percentage at or below which
// migration events are ignored when load-based sync is on.
func (e *Engine) SetMigrationLoadThreshold(pct int) error {
	if pct < 0 || pct > 100 {
		return xerrors.Errorf("migration load threshold %d%% outside 0-100", pct)
	}
	e.cfg.migLoadPct.Store(int32(pct))
	return nil
}

// MigrationLoadThreshold returns the migration load threshold percentage.
func (e *Engine) MigrationLoadThreshold() int {
	return int(e.cfg.migLoadPct.Load())
}

// SetLoadBasedSync chooses whether migration floors scale with the migrated
// task's load. When off, floors track the source CPU's operating frequency
// alone.
func (e *Engine) SetLoadBasedSync(enabled bool) {
	e.cfg.loadBasedSync.Store(enabled)
}

// LoadBasedSync reports whether migration floors scale with task load.
func (e *Engine) LoadBasedSync() bool {
	return e.cfg.loadBasedSync.Load()
}
