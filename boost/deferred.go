package boost

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// task is a unit of deferred work that can be rescheduled and synchronously
// cancelled. At most one run is pending at a time: Arm replaces any pending
// schedule without waiting for it. Stop cancels the pending schedule and does
// not return until an in-flight run has finished, including runs the work
// re-arms while Stop waits.
type task struct {
	clock quartz.Clock
	tags  []string

	mu sync.Mutex
	// gen invalidates fired-but-not-yet-run callbacks from stale schedules.
	gen     uint64
	timer   *quartz.Timer
	running int
	idle    chan struct{}
}

func newTask(clock quartz.Clock, tags ...string) *task {
	return &task{clock: clock, tags: tags}
}

// Arm schedules fn to run once after d, replacing any pending schedule. It
// never blocks on running work.
func (t *task) Arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = t.clock.AfterFunc(d, func() {
		t.run(gen, fn)
	}, t.tags...)
}

func (t *task) run(gen uint64, fn func()) {
	t.mu.Lock()
	if gen != t.gen {
		// Replaced or stopped after the timer fired but before we ran.
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.running++
	t.mu.Unlock()

	fn()

	t.mu.Lock()
	t.running--
	if t.running == 0 && t.idle != nil {
		close(t.idle)
		t.idle = nil
	}
	t.mu.Unlock()
}

// Stop cancels the pending schedule and waits for in-flight work to return.
// It loops because the work may re-arm the task while Stop is waiting.
func (t *task) Stop() {
	t.mu.Lock()
	for {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		t.gen++
		if t.running == 0 {
			break
		}
		if t.idle == nil {
			t.idle = make(chan struct{})
		}
		idle := t.idle
		t.mu.Unlock()
		<-idle
		t.mu.Lock()
	}
	t.mu.Unlock()
}
