package boost

import (
	"github.com/coder/cpuboost/cpufreq"
)

// onPolicyEvaluate rewrites the minimum bound of the policy under evaluation.
// It runs on the host's evaluation path, so it only reads atomics, takes the
// short session lock, and arms timers; it never blocks and never calls back
// into the host.
//
// Precedence: display boost forces the maximum, otherwise the input phase
// picks between the boost floor and the hardware minimum, and a migration
// floor can only raise the result.
func (e *Engine) onPolicyEvaluate(p *cpufreq.Policy) {
	if p.CPU < 0 || p.CPU >= len(e.records) {
		return
	}
	rec := e.records[p.CPU]

	if !e.cfg.enabled.Load() && p.Min == p.HWMin {
		return
	}

	if e.fbBoostActive() {
		p.Min = p.Max
		return
	}

	switch phase(rec.inputPhase.Load()) {
	case phaseUnboosted:
		p.Min = p.HWMin
	case phaseBoosted:
		p.Min = min(p.Max, e.inputBoostFreq(p.CPU))
	}

	// A CPU that was offline when the input session started joins the same
	// boost window for whatever time remains of it.
	if p.CPU != 0 {
		if remaining := e.session.tryJoin(rec, e.clock.Now()); remaining > 0 {
			p.Min = min(p.Max, e.inputBoostFreq(p.CPU))
			rec.expiry.Arm(remaining, func() {
				e.expireInputBoost(rec)
			})
		}
	}

	if mig := rec.migFloorKHz.Load(); mig > p.Min {
		p.Min = min(p.Max, mig)
	}
}

// onPolicyStart fires when a CPU's frequency engine starts. The sync worker's
// affinity does not survive the CPU going down, so poke it to re-pin.
func (e *Engine) onPolicyStart(cpu int) {
	if cpu < 0 || cpu >= len(e.records) {
		return
	}
	select {
	case e.records[cpu].repin <- struct{}{}:
	default:
	}
}

func (e *Engine) fbBoostActive() bool {
	return phase(e.fbPhase.Load()) != phaseUnboosted
}

func (e *Engine) inputBoostFreq(cpu int) uint64 {
	if cpu == 0 {
		return e.cfg.inputFreqKHz[0].Load()
	}
	return e.cfg.inputFreqKHz[1].Load()
}
