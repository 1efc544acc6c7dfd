package boost

import (
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"github.com/coder/cpuboost/cpufreq"
	"github.com/coder/cpuboost/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("NoCPUs", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		_, err := New(ctx, testutil.Logger(t), cpufreq.NewMemHost(0, cpufreq.Policy{}))
		require.ErrorContains(t, err, "0 cpus")
	})

	t.Run("InertUntilConfigured", func(t *testing.T) {
		t.Parallel()
		host := newTestHost(2)
		e, _ := newTestEngine(t, host)

		require.False(t, e.Enabled())
		e.OnInputActivity()
		e.OnDisplayBlank(false)
		e.OnMigration(MigrationEvent{SrcCPU: 0, DestCPU: 1, LoadPercent: 80})

		require.False(t, e.session.running.Load())
		require.EqualValues(t, phaseUnboosted, e.fbPhase.Load())
		require.EqualValues(t, 300, host.AppliedMin(0))
		require.EqualValues(t, 300, host.AppliedMin(1))
	})
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, newTestHost(2))
	e.Close()
	e.Close()
}

func TestMetrics_Registered(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	reg := prometheus.NewRegistry()
	host := newTestHost(1)
	e, _ := newTestEngine(t, host, WithRegisterer(reg))
	configureTestEngine(t, e)

	e.OnInputActivity()
	e.OnInputActivity()

	metrics := promGather(t, reg)
	require.True(t, testutil.PromCounterHasValue(t, metrics, 1,
		"cpuboost_input_pulses_dropped_total", dropSessionRunning))

	// The registry rejects a second engine's collectors.
	_, err := New(ctx, testutil.Logger(t), host, WithRegisterer(reg))
	require.ErrorContains(t, err, "register metrics")
}

func newTestHost(cpus int) *cpufreq.MemHost {
	return cpufreq.NewMemHost(cpus, cpufreq.Policy{
		Min:   300,
		Max:   2000,
		Cur:   1000,
		HWMin: 300,
		HWMax: 2000,
	})
}

func newTestEngine(t *testing.T, host cpufreq.Host, opts ...Option) (*Engine, *quartz.Mock) {
	t.Helper()
	ctx := testutil.Context(t, testutil.WaitShort)
	mClock := quartz.NewMock(t)
	e, err := New(ctx, testutil.Logger(t), host, append([]Option{WithClock(mClock)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, mClock
}

// configureTestEngine enables e with the floors and durations the tests
// reason about: input floors 1200/1400 kHz for 900ms, migration floors for
// 3s gated on 20% load.
func configureTestEngine(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.SetInputBoostFreqs(1200, 1400))
	require.NoError(t, e.SetInputBoostDuration(900*time.Millisecond))
	require.NoError(t, e.SetMigrationBoostDuration(3*time.Second))
	require.NoError(t, e.SetMigrationLoadThreshold(20))
	e.SetLoadBasedSync(true)
	e.SetEnabled(true)
}

func promGather(t testing.TB, reg *prometheus.Registry) []*dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	require.NoError(t, err)
	return metrics
}

// fakeHost is a scripted cpufreq.Host for edge cases the in-memory host
// cannot reach, like policy snapshots that outlive the CPU going offline.
type fakeHost struct {
	count int

	mu          sync.Mutex
	hooks       cpufreq.Hooks
	online      map[int]bool
	policies    map[int]cpufreq.Policy
	applied     map[int]uint64
	policyCalls int
	// policyGate, when set, blocks Policy reads until it is closed.
	policyGate chan struct{}
}

func newFakeHost(count int) *fakeHost {
	f := &fakeHost{
		count:    count,
		online:   map[int]bool{},
		policies: map[int]cpufreq.Policy{},
		applied:  map[int]uint64{},
	}
	for cpu := 0; cpu < count; cpu++ {
		f.online[cpu] = true
		f.policies[cpu] = cpufreq.Policy{
			CPU: cpu, Min: 300, Max: 2000, Cur: 1000, HWMin: 300, HWMax: 2000,
		}
	}
	return f
}

func (f *fakeHost) Subscribe(hooks cpufreq.Hooks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = hooks
}

func (f *fakeHost) CPUCount() int {
	return f.count
}

func (f *fakeHost) OnlineCPUs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var online []int
	for cpu := 0; cpu < f.count; cpu++ {
		if f.online[cpu] {
			online = append(online, cpu)
		}
	}
	return online
}

func (f *fakeHost) IsOnline(cpu int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[cpu]
}

func (f *fakeHost) Policy(cpu int) (cpufreq.Policy, error) {
	f.mu.Lock()
	f.policyCalls++
	gate := f.policyGate
	p, ok := f.policies[cpu]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if !ok {
		return cpufreq.Policy{}, xerrors.Errorf("no policy for cpu %d", cpu)
	}
	return p, nil
}

func (f *fakeHost) Refresh(cpu int) {
	f.mu.Lock()
	hooks := f.hooks
	p, ok := f.policies[cpu]
	online := f.online[cpu]
	f.mu.Unlock()
	if !ok || !online {
		return
	}
	if hooks.OnEvaluate != nil {
		hooks.OnEvaluate(&p)
	}
	f.mu.Lock()
	f.applied[cpu] = p.Min
	f.mu.Unlock()
}

func (f *fakeHost) RefreshAll() {
	for cpu := 0; cpu < f.count; cpu++ {
		f.Refresh(cpu)
	}
}

func (f *fakeHost) appliedMin(cpu int) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied[cpu]
}

func (f *fakeHost) policyCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policyCalls
}

func (f *fakeHost) setOnline(cpu int, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[cpu] = online
}

func (f *fakeHost) setPolicyGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policyGate = gate
}
