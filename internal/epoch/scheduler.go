package epoch

import (
	"strconv"
	"sync"
	"time"

	"github.com/katzenpost/core/worker"
	"github.com/katzenpost/randsrv/internal/metrics"
)

// schedulerWorker owns the long-lived rotation goroutine for one
// instance. Aborting a scheduler on instance replacement or
// worker-pause is a single Halt() call.
type schedulerWorker struct {
	worker.Worker
	token *taskToken
}

// schedulerSet tracks the running scheduler, if any, per instance name, so
// InstallImported and rebuild can abort a superseded one.
type schedulerSet struct {
	mu    sync.Mutex
	tasks map[string]*schedulerWorker
}

func (r *Registry) taskSet() *schedulerSet {
	r.taskSetOnce.Do(func() {
		r.tasks = &schedulerSet{tasks: make(map[string]*schedulerWorker)}
	})
	return r.tasks
}

// startScheduler launches the rotation goroutine for the named
// instance. At most one task is ever attached to an instance: any prior
// task for the same name is aborted first.
func (r *Registry) startScheduler(name string) {
	r.abortScheduler(name)

	token := new(taskToken)
	slot := r.slots[name]
	slot.mu.Lock()
	if slot.instance != nil {
		slot.instance.task = token
	}
	slot.mu.Unlock()

	sw := &schedulerWorker{token: token}
	ts := r.taskSet()
	ts.mu.Lock()
	ts.tasks[name] = sw
	ts.mu.Unlock()

	sw.Go(func() { r.runScheduler(name, sw) })
}

// abortScheduler halts the running scheduler for name, if any, and
// waits for it to stop before returning.
func (r *Registry) abortScheduler(name string) {
	ts := r.taskSet()
	ts.mu.Lock()
	sw, ok := ts.tasks[name]
	delete(ts.tasks, name)
	ts.mu.Unlock()
	if ok {
		sw.Halt()
	}
}

// runScheduler is the rotation loop: sleep until the next rotation
// instant, puncture the expiring tag, advance (or rebuild, or pause)
// the instance, and publish the new rotation time. Within an epoch range
// rotation targets are absolute: each is the previous target plus the
// epoch duration, never now plus the duration, so a slow wakeup cannot
// drift the schedule. A rebuilt instance takes its first target from
// newInstance, which anchors to the configured base time (so processes
// sharing a base time agree on tag boundaries) or, without one, to the
// current second. It panics on puncture or rebuild failure; continuing to
// serve under an unpunctured expired tag would break forward privacy.
func (r *Registry) runScheduler(name string, sw *schedulerWorker) {
	log := r.log
	for {
		slot := r.slots[name]

		slot.mu.RLock()
		inst := slot.instance
		if inst == nil || inst.task != sw.token {
			slot.mu.RUnlock()
			return
		}
		next := inst.NextRotation
		slot.mu.RUnlock()

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}

		select {
		case <-sw.HaltCh():
			return
		case <-time.After(wait):
		}

		rebuilt := false
		paused := false

		slot.mu.Lock()
		inst = slot.instance
		if inst == nil || inst.task != sw.token {
			// Superseded while sleeping; this goroutine no longer owns
			// the slot.
			slot.mu.Unlock()
			return
		}

		oldTag := inst.ActiveTag
		if err := inst.Server.Puncture(oldTag); err != nil {
			slot.mu.Unlock()
			panic("epoch: BUG: failed to puncture active tag " +
				name + ": " + err.Error())
		}

		candidate := int(oldTag) + 1
		if candidate <= int(inst.lastEpoch) {
			inst.ActiveTag = uint8(candidate)
			inst.NextRotation = inst.Duration.AddTo(inst.NextRotation)
		} else if r.RebuildOnExhaustion == nil || r.RebuildOnExhaustion() {
			rebuiltInst, err := newInstance(r.cfg, name, true)
			if err != nil {
				slot.mu.Unlock()
				panic("epoch: BUG: failed to rebuild exhausted instance " +
					name + ": " + err.Error())
			}
			rebuiltInst.task = sw.token
			slot.instance = rebuiltInst
			rebuilt = true
		} else {
			slot.instance = nil
			paused = true
		}
		slot.mu.Unlock()

		if log != nil {
			if paused {
				log.Noticef("instance %q: epochs exhausted, pausing pending new keys", name)
			} else if rebuilt {
				log.Noticef("instance %q: epochs exhausted, rebuilt with fresh keys", name)
			} else {
				log.Debugf("instance %q: epoch now %d", name, candidate)
			}
		}

		metrics.RotationsTotal.WithLabelValues(name, strconv.FormatBool(rebuilt)).Inc()

		if paused {
			ts := r.taskSet()
			ts.mu.Lock()
			delete(ts.tasks, name)
			ts.mu.Unlock()
			return
		}

		if rebuilt && r.OnRebuild != nil {
			r.OnRebuild()
		}
	}
}
