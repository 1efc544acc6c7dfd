// Package cpufreq defines the boundary between frequency policy consumers and
// the frequency-scaling subsystem. A Host owns per-CPU policy state and invokes
// subscriber hooks whenever a CPU's bounds are recomputed; subscribers adjust
// the minimum bound in place and the host applies the result.
//
// Frequencies are expressed in kHz throughout, matching the kernel's cpufreq
// sysfs units.
package cpufreq

import "golang.org/x/xerrors"

// ErrCPUOffline is returned by Host.Policy for CPUs that are currently
// offline. Policy state is not readable while a CPU is down.
var ErrCPUOffline = xerrors.New("cpu is offline")

// Policy is a snapshot of a single CPU's frequency policy. Min and Max are the
// currently configured scaling bounds, Cur is the last observed operating
// frequency, and HWMin/HWMax are the hardware limits the scaling bounds must
// stay within.
type Policy struct {
	CPU   int
	Min   uint64
	Max   uint64
	Cur   uint64
	HWMin uint64
	HWMax uint64
}

// Hooks are the callbacks a subscriber registers with a Host. Either hook may
// be nil.
type Hooks struct {
	// OnEvaluate is invoked synchronously each time the host recomputes a
	// CPU's bounds, with a snapshot of the policy under evaluation. The hook
	// may raise or lower Min; the host applies whatever Min holds when the
	// hook returns. It is called from the host's evaluation context and must
	// not block or call back into the Host.
	OnEvaluate func(policy *Policy)
	// OnStart is invoked when a CPU's frequency engine starts, which happens
	// when the CPU comes online.
	OnStart func(cpu int)
}

// Host is a frequency-scaling subsystem. Implementations must be safe for
// concurrent use.
type Host interface {
	// Subscribe registers hooks, replacing any previously registered set.
	Subscribe(hooks Hooks)
	// CPUCount returns the number of possible CPUs. CPUs are identified by
	// index in [0, CPUCount()).
	CPUCount() int
	// OnlineCPUs returns the identifiers of the CPUs that are currently
	// online.
	OnlineCPUs() []int
	// IsOnline reports whether the given CPU is online.
	IsOnline(cpu int) bool
	// Policy returns a snapshot of the CPU's current policy. It fails with
	// ErrCPUOffline for offline CPUs.
	Policy(cpu int) (Policy, error)
	// Refresh synchronously re-evaluates the CPU's policy, invoking
	// Hooks.OnEvaluate and applying the resulting minimum. It is a no-op for
	// offline CPUs.
	Refresh(cpu int)
	// RefreshAll re-evaluates every online CPU.
	RefreshAll()
}
