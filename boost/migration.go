package boost

import (
	"context"
	"runtime"

	"cdr.dev/slog/v3"
)

// MigrationEvent describes a task migrating between CPUs. LoadPercent is the
// migrated task's load as a percentage and is only consulted when load-based
// sync is on.
type MigrationEvent struct {
	SrcCPU      int
	DestCPU     int
	LoadPercent int
}

type migRequest struct {
	srcCPU int
	// load is the task load percentage, zero when load-based sync is off.
	load int
}

// OnMigration requests a migration boost of the destination CPU. The request
// is filtered against the engine state and then dropped into the destination
// worker's single-slot mailbox; a request already waiting there is replaced.
// It never blocks.
func (e *Engine) OnMigration(ev MigrationEvent) {
	if ev.SrcCPU < 0 || ev.SrcCPU >= len(e.records) ||
		ev.DestCPU < 0 || ev.DestCPU >= len(e.records) {
		e.logger.Error(e.ctx, "migration event for unknown cpu",
			slog.F("src_cpu", ev.SrcCPU),
			slog.F("dest_cpu", ev.DestCPU),
		)
		e.metrics.migrationsDropped.WithLabelValues(dropBadCPU).Inc()
		return
	}
	if !e.cfg.enabled.Load() || e.cfg.migBoostDur.Load() == 0 {
		e.metrics.migrationsDropped.WithLabelValues(dropDisabled).Inc()
		return
	}
	if e.suspended.Load() {
		e.metrics.migrationsDropped.WithLabelValues(dropSuspended).Inc()
		return
	}
	if e.fbBoostActive() {
		e.metrics.migrationsDropped.WithLabelValues(dropDisplayBoost).Inc()
		return
	}

	load := 0
	if e.cfg.loadBasedSync.Load() {
		if ev.LoadPercent < 0 || ev.LoadPercent > 100 {
			e.logger.Error(e.ctx, "invalid migration load",
				slog.F("load_percent", ev.LoadPercent),
			)
			e.metrics.migrationsDropped.WithLabelValues(dropInvalidLoad).Inc()
			return
		}
		if ev.LoadPercent <= e.MigrationLoadThreshold() {
			e.logger.Debug(e.ctx, "migration load below threshold",
				slog.F("load_percent", ev.LoadPercent),
			)
			e.metrics.migrationsDropped.WithLabelValues(dropBelowThreshold).Inc()
			return
		}
		load = ev.LoadPercent
	}

	rec := e.records[ev.DestCPU]
	// The sync worker's own wakeup can migrate it and report the migration
	// here; boosting for that would self-perpetuate.
	if tid := rec.workerTID.Load(); tid != 0 && tid == int64(e.gettid()) {
		e.metrics.migrationsDropped.WithLabelValues(dropSelfWake).Inc()
		return
	}

	e.logger.Debug(e.ctx, "task migration",
		slog.F("src_cpu", ev.SrcCPU),
		slog.F("dest_cpu", ev.DestCPU),
		slog.F("load_percent", ev.LoadPercent),
	)
	rec.offer(migRequest{srcCPU: ev.SrcCPU, load: load})
}

// offer replaces whatever request is waiting in the mailbox with req.
func (r *cpuRecord) offer(req migRequest) {
	r.mailboxMu.Lock()
	defer r.mailboxMu.Unlock()
	select {
	case <-r.mailbox:
	default:
	}
	r.mailbox <- req
}

func (r *cpuRecord) drainMailbox() {
	r.mailboxMu.Lock()
	defer r.mailboxMu.Unlock()
	select {
	case <-r.mailbox:
	default:
	}
}

// runSyncWorker is the migration sync loop for one destination CPU. The
// goroutine stays locked to an OS thread pinned to its CPU so the frequency
// writes it triggers land close to the hardware they affect.
func (e *Engine) runSyncWorker(ctx context.Context, rec *cpuRecord) {
	defer e.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	rec.workerTID.Store(int64(e.gettid()))
	e.pinWorker(rec.cpu)

	for {
		select {
		case <-ctx.Done():
			return
		case <-rec.repin:
			e.pinWorker(rec.cpu)
		case req := <-rec.mailbox:
			if ctx.Err() != nil {
				return
			}
			e.syncMigration(rec, req)
		}
	}
}

func (e *Engine) pinWorker(cpu int) {
	if err := pinThread(cpu); err != nil {
		e.logger.Debug(e.ctx, "pin sync worker", slog.F("cpu", cpu), slog.Error(err))
	}
}

// syncMigration applies one migration request to rec's CPU: floor the
// destination at the source's operating frequency, scaled up by task load
// when that is in play. Policy read failures skip the cycle; the next event
// retries naturally.
func (e *Engine) syncMigration(rec *cpuRecord, req migRequest) {
	rec.syncMu.Lock()
	defer rec.syncMu.Unlock()

	if !e.cfg.enabled.Load() {
		return
	}

	src, err := e.host.Policy(req.srcCPU)
	if err != nil {
		e.logger.Debug(e.ctx, "read source policy", slog.F("cpu", req.srcCPU), slog.Error(err))
		e.metrics.migrationSyncs.WithLabelValues(syncSkippedPolicyRead).Inc()
		return
	}
	dest, err := e.host.Policy(rec.cpu)
	if err != nil {
		e.logger.Debug(e.ctx, "read dest policy", slog.F("cpu", rec.cpu), slog.Error(err))
		e.metrics.migrationSyncs.WithLabelValues(syncSkippedPolicyRead).Inc()
		return
	}

	requested := max(dest.Max*uint64(req.load)/100, src.Cur)
	if requested <= dest.HWMin {
		e.logger.Debug(e.ctx, "migration sync skipped",
			slog.F("dest_cpu", rec.cpu),
			slog.F("requested_khz", requested),
		)
		e.metrics.migrationSyncs.WithLabelValues(syncSkippedBelowMin).Inc()
		return
	}

	rec.removal.Stop()
	rec.migFloorKHz.Store(requested)

	// Poking the source makes its governor re-sample sooner now that the
	// migrated task's load is gone.
	if e.host.IsOnline(req.srcCPU) {
		e.host.Refresh(req.srcCPU)
	}
	if e.host.IsOnline(rec.cpu) {
		e.host.Refresh(rec.cpu)
		rec.removal.Arm(e.cfg.migBoostDur.Load(), func() {
			e.removeMigrationFloor(rec)
		})
	} else {
		// The destination went down between the policy read and now.
		rec.migFloorKHz.Store(0)
	}
	e.metrics.migrationSyncs.WithLabelValues(syncApplied).Inc()
}

func (e *Engine) removeMigrationFloor(rec *cpuRecord) {
	rec.migFloorKHz.Store(0)
	e.host.Refresh(rec.cpu)
}
