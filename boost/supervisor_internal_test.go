package boost

import (
	"context"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/coder/cpuboost/testutil"
)

// TestDisable_UnwindsAllBoosts drives every boost source active at once and
// checks that disabling returns the engine to a blank slate: no boosted
// phase, no migration floor, no armed timer, every online CPU back at its
// hardware minimum.
func TestDisable_UnwindsAllBoosts(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	host := newTestHost(3)
	e, mClock := newTestEngine(t, host)
	configureTestEngine(t, e)

	// Migration floor on CPU 2.
	e.OnMigration(MigrationEvent{SrcCPU: 1, DestCPU: 2, LoadPercent: 80})
	testutil.Eventually(ctx, t, func(context.Context) bool {
		return promtest.ToFloat64(e.metrics.migrationSyncs.WithLabelValues(syncApplied)) == 1
	}, testutil.IntervalFast)
	require.EqualValues(t, 1600, host.AppliedMin(2))

	// Input session on CPU 0.
	trap := mClock.Trap().AfterFunc("cpuboost", "input_expiry")
	e.OnInputActivity()
	trap.MustWait(ctx).MustRelease(ctx)
	trap.Close()
	require.EqualValues(t, 1200, host.AppliedMin(0))

	// Display pulse forcing everything to max. The pulse gate rejects it
	// normally, so flip the phase the way a pulse started earlier would have.
	e.fbMu.Lock()
	e.fbPhase.Store(int32(phaseBoosted))
	e.fbMu.Unlock()
	e.fbTask.Arm(fbBoostDuration, e.fbPulse)
	host.RefreshAll()
	require.EqualValues(t, 2000, host.AppliedMin(1))

	e.SetEnabled(false)

	require.False(t, e.Enabled())
	require.False(t, e.session.running.Load())
	require.EqualValues(t, phaseUnboosted, e.fbPhase.Load())
	for cpu := 0; cpu < 3; cpu++ {
		require.EqualValues(t, phaseUnboosted, e.records[cpu].inputPhase.Load())
		require.Zero(t, e.records[cpu].migFloorKHz.Load())
		require.EqualValues(t, 300, host.AppliedMin(cpu))
	}
	_, ok := mClock.Peek()
	require.False(t, ok, "disable left a timer armed")
}

func TestDisable_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	host := newTestHost(2)
	e, mClock := newTestEngine(t, host)
	configureTestEngine(t, e)

	trap := mClock.Trap().AfterFunc("cpuboost", "input_expiry")
	e.OnInputActivity()
	trap.MustWait(ctx).MustRelease(ctx)
	trap.Close()

	e.SetEnabled(false)
	e.SetEnabled(false)

	require.EqualValues(t, 300, host.AppliedMin(0))
	require.EqualValues(t, phaseUnboosted, e.records[0].inputPhase.Load())

	// Nothing fires later either.
	mClock.Advance(time.Minute).MustWait(ctx)
	require.EqualValues(t, 300, host.AppliedMin(0))
	require.False(t, e.session.running.Load())
}

// TestDisable_WaitsForInFlightSync holds a migration sync cycle open on a
// blocked policy read and checks that SetEnabled(false) does not return until
// the cycle is out, and that the cycle's floor never lands.
func TestDisable_WaitsForInFlightSync(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	host := newFakeHost(2)
	e, _ := newTestEngine(t, host)
	configureTestEngine(t, e)

	gate := make(chan struct{})
	host.setPolicyGate(gate)
	e.OnMigration(MigrationEvent{SrcCPU: 0, DestCPU: 1, LoadPercent: 80})
	testutil.Eventually(ctx, t, func(context.Context) bool {
		return host.policyCallCount() > 0
	}, testutil.IntervalFast)

	done := testutil.Go(t, func() {
		e.SetEnabled(false)
	})

	select {
	case <-done:
		t.Fatal("disable returned while a sync cycle was in flight")
	case <-time.After(testutil.IntervalMedium):
	}

	close(gate)
	testutil.TryReceive(ctx, t, done)

	// The cycle finished under the disable's nose, but its floor was unwound
	// before disable returned and its refresh hit the disabled bypass.
	require.Zero(t, e.records[1].migFloorKHz.Load())
	require.EqualValues(t, 300, host.appliedMin(1))
}

// TestDisable_ReenableStartsClean checks that boosting works again after a
// disable cycle without any leftover state from before it.
func TestDisable_ReenableStartsClean(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	host := newTestHost(1)
	e, mClock := newTestEngine(t, host)
	configureTestEngine(t, e)

	trap := mClock.Trap().AfterFunc("cpuboost", "input_expiry")
	defer trap.Close()

	e.OnInputActivity()
	trap.MustWait(ctx).MustRelease(ctx)
	e.SetEnabled(false)

	e.SetEnabled(true)
	e.OnInputActivity()
	trap.MustWait(ctx).MustRelease(ctx)
	require.EqualValues(t, 1200, host.AppliedMin(0))
	require.EqualValues(t, 2, promtest.ToFloat64(e.metrics.inputSessions))
}
