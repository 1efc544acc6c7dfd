package cpufreq

import (
	"sync"

	"golang.org/x/xerrors"
)

// MemHost is an in-memory Host for testing and embedding. CPUs can be flipped
// online and offline, their observed operating frequency adjusted, and policy
// reads forced to fail.
type MemHost struct {
	mu    sync.Mutex
	hooks Hooks
	cpus  []memCPU
}

type memCPU struct {
	online  bool
	policy  Policy
	readErr error
}

// NewMemHost returns a MemHost with count CPUs, all online, each starting from
// the given policy template.
func NewMemHost(count int, template Policy) *MemHost {
	m := &MemHost{cpus: make([]memCPU, count)}
	for i := range m.cpus {
		p := template
		p.CPU = i
		m.cpus[i] = memCPU{online: true, policy: p}
	}
	return m
}

// Subscribe implements Host.
func (m *MemHost) Subscribe(hooks Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = hooks
}

// CPUCount implements Host.
func (m *MemHost) CPUCount() int {
	return len(m.cpus)
}

// OnlineCPUs implements Host.
func (m *MemHost) OnlineCPUs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	online := make([]int, 0, len(m.cpus))
	for i := range m.cpus {
		if m.cpus[i].online {
			online = append(online, i)
		}
	}
	return online
}

// IsOnline implements Host.
func (m *MemHost) IsOnline(cpu int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cpu >= 0 && cpu < len(m.cpus) && m.cpus[cpu].online
}

// Policy implements Host.
func (m *MemHost) Policy(cpu int) (Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cpu < 0 || cpu >= len(m.cpus) {
		return Policy{}, xerrors.Errorf("cpu %d out of range", cpu)
	}
	c := m.cpus[cpu]
	if c.readErr != nil {
		return Policy{}, c.readErr
	}
	if !c.online {
		return Policy{}, xerrors.Errorf("cpu %d: %w", cpu, ErrCPUOffline)
	}
	return c.policy, nil
}

// Refresh implements Host. The registered OnEvaluate hook runs with the host
// lock held, so hooks must not call back into the host.
func (m *MemHost) Refresh(cpu int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked(cpu)
}

func (m *MemHost) refreshLocked(cpu int) {
	if cpu < 0 || cpu >= len(m.cpus) || !m.cpus[cpu].online {
		return
	}
	p := m.cpus[cpu].policy
	if m.hooks.OnEvaluate != nil {
		m.hooks.OnEvaluate(&p)
	}
	m.cpus[cpu].policy.Min = p.Min
}

// RefreshAll implements Host.
func (m *MemHost) RefreshAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cpu := range m.cpus {
		if m.cpus[cpu].online {
			m.refreshLocked(cpu)
		}
	}
}

// SetOnline flips a CPU online or offline. Bringing a CPU online fires the
// OnStart hook and re-evaluates its policy, mirroring a frequency engine
// start.
func (m *MemHost) SetOnline(cpu int, online bool) {
	m.mu.Lock()
	if cpu < 0 || cpu >= len(m.cpus) || m.cpus[cpu].online == online {
		m.mu.Unlock()
		return
	}
	m.cpus[cpu].online = online
	hooks := m.hooks
	m.mu.Unlock()
	if !online {
		return
	}
	if hooks.OnStart != nil {
		hooks.OnStart(cpu)
	}
	m.Refresh(cpu)
}

// SetCur updates the CPU's observed operating frequency.
func (m *MemHost) SetCur(cpu int, khz uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cpu >= 0 && cpu < len(m.cpus) {
		m.cpus[cpu].policy.Cur = khz
	}
}

// SetPolicyErr forces Policy reads for the CPU to fail with err until cleared
// with a nil err.
func (m *MemHost) SetPolicyErr(cpu int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cpu >= 0 && cpu < len(m.cpus) {
		m.cpus[cpu].readErr = err
	}
}

// AppliedMin returns the minimum bound most recently applied to the CPU's
// policy.
func (m *MemHost) AppliedMin(cpu int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cpu < 0 || cpu >= len(m.cpus) {
		return 0
	}
	return m.cpus[cpu].policy.Min
}
