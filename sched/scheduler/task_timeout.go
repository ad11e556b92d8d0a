package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/lumenlabs/borealis/common/stats"
	"github.com/lumenlabs/borealis/sched"
	"github.com/lumenlabs/borealis/sched/events"
	"github.com/lumenlabs/borealis/storage"
)

// TaskTimeout force-fails tasks stuck in a transient state. A watch is
// armed when a task enters a transient state and cleared when it leaves;
// if the deadline fires first the task is transitioned to Lost, which puts
// it back through the reschedule path.
type TaskTimeout struct {
	mu      sync.Mutex
	watches map[string]*timeoutWatch
	timeout time.Duration
	clk     clock.Clock
	store   storage.Storage
	bus     *events.Bus
	stat    stats.StatsReceiver
	stopped bool
}

type timeoutWatch struct {
	taskID string
	status sched.Status
	timer  *clock.Timer
}

func NewTaskTimeout(
	store storage.Storage,
	bus *events.Bus,
	timeout time.Duration,
	clk clock.Clock,
	stat stats.StatsReceiver,
) *TaskTimeout {
	return &TaskTimeout{
		watches: make(map[string]*timeoutWatch),
		timeout: timeout,
		clk:     clk,
		store:   store,
		bus:     bus,
		stat:    stat.Scope("task_timeout"),
	}
}

// Register subscribes to task state changes on the bus.
func (t *TaskTimeout) Register(bus *events.Bus) {
	bus.OnTaskStateChange(t.TaskChangedState)
}

// TaskChangedState arms a watch when a task enters a transient state and
// clears it when the task moves on. Re-entering a different transient state
// restarts the deadline; intermediate events never extend an existing one.
func (t *TaskTimeout) TaskChangedState(e events.TaskStateChange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	if w, ok := t.watches[e.Task.ID]; ok {
		if e.Task.Status == w.status {
			return
		}
		w.timer.Stop()
		delete(t.watches, e.Task.ID)
	}

	if !e.Task.Status.Transient() {
		t.stat.Gauge("watch_count").Update(int64(len(t.watches)))
		return
	}

	w := &timeoutWatch{taskID: e.Task.ID, status: e.Task.Status}
	w.timer = t.clk.AfterFunc(t.timeout, func() {
		t.fire(w)
	})
	t.watches[e.Task.ID] = w
	t.stat.Gauge("watch_count").Update(int64(len(t.watches)))
}

// WatchCount returns the number of armed watches.
func (t *TaskTimeout) WatchCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.watches)
}

// Stop cancels all armed watches.
func (t *TaskTimeout) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, w := range t.watches {
		w.timer.Stop()
		delete(t.watches, id)
	}
}

// fire runs when a watch deadline elapses. The task's current state is
// re-read inside the write transaction: if a real status update won the
// race and the task already left the watched state, this is a no-op.
func (t *TaskTimeout) fire(w *timeoutWatch) {
	t.mu.Lock()
	if t.watches[w.taskID] != w {
		t.mu.Unlock()
		return
	}
	delete(t.watches, w.taskID)
	t.stat.Gauge("watch_count").Update(int64(len(t.watches)))
	t.mu.Unlock()

	now := t.clk.Now()
	timedOut := false
	err := t.store.Write(func(p storage.MutableStoreProvider) error {
		p.Tasks().MutateTask(w.taskID, func(task sched.Task) sched.Task {
			if task.Status != w.status {
				return task
			}
			timedOut = true
			task.Status = sched.Lost
			task.StatusTimestamp = now
			return task
		})
		return nil
	})
	if err != nil {
		log.WithFields(log.Fields{"taskID": w.taskID, "err": err}).Warn("Failed to expire stuck task")
		return
	}
	if !timedOut {
		return
	}

	t.stat.Counter("timed_out").Inc(1)
	log.WithFields(log.Fields{
		"taskID": w.taskID,
		"status": w.status.String(),
	}).Info("Task stuck in transient state, marking lost")

	var lost sched.Task
	var ok bool
	readErr := t.store.Read(func(p storage.StoreProvider) error {
		lost, ok = p.Tasks().FetchTask(w.taskID)
		return nil
	})
	if readErr == nil && ok {
		t.bus.PublishTaskStateChange(events.TaskStateChange{Task: lost, Old: w.status})
	}
}
