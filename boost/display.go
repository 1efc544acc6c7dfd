package boost

import "time"

// fbBoostDuration is the fixed length of the display boost's full pulse and
// of the cooldown leg that follows it.
const fbBoostDuration = 900 * time.Millisecond

// OnDisplayBlank tells the engine the display changed blank state. Blanking
// only marks the engine suspended, which gates migration boosts. Unblanking
// clears suspension and, unless a pulse is already in progress, forces every
// online CPU to its maximum for a full pulse followed by a cooldown leg.
func (e *Engine) OnDisplayBlank(blanked bool) {
	if !e.cfg.enabled.Load() {
		return
	}
	if blanked {
		e.suspended.Store(true)
		return
	}
	e.suspended.Store(false)

	e.fbMu.Lock()
	defer e.fbMu.Unlock()
	if !e.cfg.enabled.Load() || e.fbBoostActive() {
		return
	}
	e.fbPhase.Store(int32(phaseBoosted))
	e.metrics.displayPulses.Inc()
	e.logger.Debug(e.ctx, "display boost pulse started")
	e.host.RefreshAll()
	e.fbTask.Arm(fbBoostDuration, e.fbPulse)
}

// fbPulse advances the display boost machine one leg per timer firing: full
// pulse to cooldown, cooldown to inactive.
func (e *Engine) fbPulse() {
	e.fbMu.Lock()
	if phase(e.fbPhase.Load()) == phaseBoosted {
		// Refresh while the pulse still forces the maximum, then let the
		// applied floor ride through the cooldown leg.
		e.host.RefreshAll()
		e.fbPhase.Store(int32(phaseWaiting))
		e.fbTask.Arm(fbBoostDuration, e.fbPulse)
		e.fbMu.Unlock()
		return
	}
	e.fbPhase.Store(int32(phaseUnboosted))
	e.fbMu.Unlock()

	e.logger.Debug(e.ctx, "display boost pulse finished")
	e.unboostAllCPUs()
}
