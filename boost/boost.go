// Package boost arbitrates a per-CPU floor on operating frequency in response
// to user activity. Three sources of boost pressure feed a single arbitration
// point: input events raise the floor of the primary CPU (and of late-arriving
// CPUs) for a short session, display unblank forces every online CPU to its
// maximum for a fixed pulse and cooldown, and task migrations raise the floor
// of the destination CPU until a removal timer fires.
//
// The engine subscribes to a cpufreq.Host and rewrites the minimum bound each
// time the host re-evaluates a CPU's policy. Display boost always wins,
// migration floors can only raise what input boost produced, and disabling the
// engine unwinds every outstanding boost synchronously.
package boost

import (
	"context"
	"strconv"
	"sync"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/cpuboost/cpufreq"
)

type phase int32

const (
	phaseUnboosted phase = iota
	phaseWaiting
	phaseBoosted
)

// cpuRecord is the per-CPU boost state. The phase and floor fields are read
// by the arbitration path without locking.
type cpuRecord struct {
	cpu int

	inputPhase atomic.Int32
	// migFloorKHz is the migration floor, zero when inactive.
	migFloorKHz atomic.Uint64

	// expiry clears the input boost, removal clears the migration floor.
	expiry  *task
	removal *task

	// mailbox holds at most one pending migration request; a newer request
	// replaces an undrained older one.
	mailboxMu sync.Mutex
	mailbox   chan migRequest
	// repin pokes the sync worker to re-pin itself to this CPU.
	repin chan struct{}
	// syncMu serializes migration sync cycles with the disable path.
	syncMu sync.Mutex
	// workerTID is the OS thread id of the sync worker, zero when unknown.
	workerTID atomic.Int64
}

func newCPURecord(clock quartz.Clock, cpu int) *cpuRecord {
	id := strconv.Itoa(cpu)
	return &cpuRecord{
		cpu:     cpu,
		expiry:  newTask(clock, "cpuboost", "input_expiry", id),
		removal: newTask(clock, "cpuboost", "migration_removal", id),
		mailbox: make(chan migRequest, 1),
		repin:   make(chan struct{}, 1),
	}
}

// Engine reacts to input, display, and migration events by adjusting the
// minimum frequency bound of each CPU on the Host it is subscribed to. A new
// Engine is inert: it boosts nothing until enabled and configured through its
// setters.
type Engine struct {
	logger  slog.Logger
	host    cpufreq.Host
	clock   quartz.Clock
	reg     prometheus.Registerer
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cfg tunables
	// suspended is set while the display is blanked and gates migration
	// boosts only.
	suspended atomic.Bool

	// fbPhase is the display boost tri-state: unboosted (inactive), boosted
	// (full pulse), waiting (cooldown). fbMu serializes transitions; readers
	// load the phase without it.
	fbMu    sync.Mutex
	fbPhase atomic.Int32
	fbTask  *task

	session     inputSession
	sessionTask *task

	records []*cpuRecord

	// gettid reports the calling OS thread's id, zero when unknown.
	gettid func() int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock substitutes the time source, for testing.
func WithClock(clock quartz.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithRegisterer registers the engine's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.reg = reg
	}
}

// New subscribes an Engine to host and starts one migration sync worker per
// possible CPU. The workers stop when ctx is done or Close is called.
func New(ctx context.Context, logger slog.Logger, host cpufreq.Host, opts ...Option) (*Engine, error) {
	e := &Engine{
		logger: logger,
		host:   host,
		clock:  quartz.NewReal(),
		gettid: gettid,
	}
	for _, opt := range opts {
		opt(e)
	}

	var err error
	e.metrics, err = newMetrics(e.reg)
	if err != nil {
		return nil, xerrors.Errorf("register metrics: %w", err)
	}

	count := host.CPUCount()
	if count <= 0 {
		return nil, xerrors.Errorf("host reports %d cpus", count)
	}
	e.records = make([]*cpuRecord, count)
	for cpu := range e.records {
		e.records[cpu] = newCPURecord(e.clock, cpu)
	}
	e.sessionTask = newTask(e.clock, "cpuboost", "input_session")
	e.fbTask = newTask(e.clock, "cpuboost", "display_pulse")

	e.ctx, e.cancel = context.WithCancel(ctx)

	host.Subscribe(cpufreq.Hooks{
		OnEvaluate: e.onPolicyEvaluate,
		OnStart:    e.onPolicyStart,
	})

	for _, rec := range e.records {
		e.wg.Add(1)
		go e.runSyncWorker(e.ctx, rec)
	}
	return e, nil
}

// Close stops the sync workers and cancels all outstanding timers. It does
// not unwind applied boosts; call SetEnabled(false) first for that.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
	e.sessionTask.Stop()
	e.fbTask.Stop()
	for _, rec := range e.records {
		rec.expiry.Stop()
		rec.removal.Stop()
	}
}
