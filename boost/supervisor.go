package boost

// stopRemoveAllBoosts unwinds every outstanding boost. Timer cancellation is
// synchronous, and the per-CPU sync lock is taken so an in-flight migration
// cycle finishes before its floor is cleared; nothing re-arms afterwards
// because every path re-checks the enabled flag.
func (e *Engine) stopRemoveAllBoosts() {
	e.session.running.Store(false)
	e.sessionTask.Stop()

	e.fbMu.Lock()
	e.fbPhase.Store(int32(phaseUnboosted))
	e.fbMu.Unlock()
	e.fbTask.Stop()

	for _, rec := range e.records {
		rec.expiry.Stop()
		rec.drainMailbox()
		rec.syncMu.Lock()
		rec.removal.Stop()
		rec.migFloorKHz.Store(0)
		rec.syncMu.Unlock()
	}

	e.unboostAllCPUs()
	e.logger.Debug(e.ctx, "all boosts removed")
}

// unboostAllCPUs clears every CPU's input phase, re-evaluates the online
// ones, and closes the input session. Migration floors are left to their
// removal timers.
func (e *Engine) unboostAllCPUs() {
	for _, rec := range e.records {
		rec.inputPhase.Store(int32(phaseUnboosted))
		if e.host.IsOnline(rec.cpu) {
			e.host.Refresh(rec.cpu)
		}
	}
	e.session.running.Store(false)
}
