package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	cbackoff "github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/lumenlabs/borealis/common/stats"
	"github.com/lumenlabs/borealis/sched"
	"github.com/lumenlabs/borealis/sched/events"
	"github.com/lumenlabs/borealis/storage"
)

// Scheduler issues one placement attempt for a pending task. Satisfied by
// *TaskScheduler; faked in tests.
type Scheduler interface {
	Schedule(taskID string) Outcome
}

// TaskGroupsSettings controls retry pacing for pending task groups.
type TaskGroupsSettings struct {
	// Delay before a newly pending task is first evaluated. Deliberately
	// not zero so offer batches can accumulate.
	FirstScheduleDelay time.Duration

	// Penalty growth for groups that repeatedly fail to schedule.
	TaskBackoff BackoffPolicy

	// Global ceiling on scheduling attempts across all groups combined.
	MaxScheduleAttemptsPerSec rate.Limit

	// Maximum evaluations in flight at once; <= 0 means unbounded.
	MaxConcurrentEvaluations int
}

// TaskGroups batches pending tasks by group key and decides when each group
// is handed to the TaskScheduler, applying per-group exponential backoff
// under a global rate limit. Evaluations of different groups run
// concurrently; a single group is never evaluated twice at once.
type TaskGroups struct {
	mu        sync.Mutex
	groups    map[sched.TaskGroupKey]*taskGroup
	scheduler Scheduler
	limiter   *rate.Limiter
	clk       clock.Clock
	settings  TaskGroupsSettings
	stat      stats.StatsReceiver
	sem       chan struct{}
	stopped   bool
}

// taskGroup tracks the pending tasks and penalty state for one group key.
// All fields are guarded by the parent's mutex.
type taskGroup struct {
	key     sched.TaskGroupKey
	tasks   map[string]struct{}
	backoff *cbackoff.ExponentialBackOff
	penalty time.Duration
	timer   *clock.Timer

	// True while an evaluation goroutine is running for this group.
	evaluating bool

	// Set when the group changed while an evaluation was in flight, so the
	// finishing evaluation reschedules promptly.
	kicked bool
}

func NewTaskGroups(
	scheduler Scheduler,
	settings TaskGroupsSettings,
	clk clock.Clock,
	stat stats.StatsReceiver,
) *TaskGroups {
	tg := &TaskGroups{
		groups:    make(map[sched.TaskGroupKey]*taskGroup),
		scheduler: scheduler,
		limiter:   rate.NewLimiter(settings.MaxScheduleAttemptsPerSec, 1),
		clk:       clk,
		settings:  settings,
		stat:      stat.Scope("task_groups"),
	}
	if settings.MaxConcurrentEvaluations > 0 {
		tg.sem = make(chan struct{}, settings.MaxConcurrentEvaluations)
	}
	return tg
}

// Register subscribes to task state changes on the bus.
func (tg *TaskGroups) Register(bus *events.Bus) {
	bus.OnTaskStateChange(tg.TaskChangedState)
	bus.OnTasksDeleted(func(e events.TasksDeleted) {
		for _, id := range e.TaskIDs {
			tg.removeTask(id)
		}
	})
}

// TaskChangedState keeps group membership in sync with task status: a task
// entering Pending joins its group and triggers an evaluation, a task
// leaving Pending is dropped from it.
func (tg *TaskGroups) TaskChangedState(e events.TaskStateChange) {
	if e.Task.Status == sched.Pending {
		tg.AddPendingTask(e.Task, tg.settings.FirstScheduleDelay)
	} else if e.Old == sched.Pending {
		tg.removeTask(e.Task.ID)
	}
}

// AddPendingTask enqueues a pending task, scheduling its group's next
// evaluation after at most delay.
func (tg *TaskGroups) AddPendingTask(task sched.Task, delay time.Duration) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if tg.stopped {
		return
	}

	key := task.Config.GroupKey()
	g, ok := tg.groups[key]
	if !ok {
		g = &taskGroup{
			key:     key,
			tasks:   make(map[string]struct{}),
			backoff: tg.settings.TaskBackoff.NewEngine(),
		}
		tg.groups[key] = g
		tg.stat.Gauge("group_count").Update(int64(len(tg.groups)))
	}
	g.tasks[task.ID] = struct{}{}
	tg.scheduleLocked(g, delay)
}

// RecoverTasks re-enqueues every pending task found in storage, jittered by
// the reschedule calculator so a restarted scheduler does not hammer the
// resource manager. Called once at startup.
func (tg *TaskGroups) RecoverTasks(store storage.Storage, calc *RescheduleCalculator) error {
	var pending []sched.Task
	err := store.Read(func(p storage.StoreProvider) error {
		pending = p.Tasks().FetchTasksByStatus(sched.Pending)
		return nil
	})
	if err != nil {
		return err
	}
	for _, task := range pending {
		tg.AddPendingTask(task, calc.StartupPenaltyFor(task))
	}
	log.Infof("Recovered %d pending tasks", len(pending))
	return nil
}

// Stop cancels all scheduled evaluations. In-flight evaluations finish but
// do not reschedule.
func (tg *TaskGroups) Stop() {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.stopped = true
	for _, g := range tg.groups {
		if g.timer != nil {
			g.timer.Stop()
			g.timer = nil
		}
	}
}

// Penalty returns the group's current backoff delay. Zero for unknown or
// never-penalized groups.
func (tg *TaskGroups) Penalty(key sched.TaskGroupKey) time.Duration {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if g, ok := tg.groups[key]; ok {
		return g.penalty
	}
	return 0
}

func (tg *TaskGroups) removeTask(taskID string) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	for key, g := range tg.groups {
		if _, ok := g.tasks[taskID]; ok {
			delete(g.tasks, taskID)
			tg.maybeDropLocked(key, g)
			return
		}
	}
}

// scheduleLocked arms the group's evaluation timer. An already-armed group
// keeps its existing deadline; a group mid-evaluation is kicked instead and
// the finishing evaluation reschedules promptly.
func (tg *TaskGroups) scheduleLocked(g *taskGroup, delay time.Duration) {
	if g.evaluating {
		g.kicked = true
		return
	}
	if g.timer != nil {
		// Keep the existing, possibly sooner, deadline.
		return
	}
	group := g
	g.timer = tg.clk.AfterFunc(delay, func() {
		tg.beginEvaluation(group)
	})
}

// beginEvaluation transitions the group into its single-flight evaluation.
func (tg *TaskGroups) beginEvaluation(g *taskGroup) {
	tg.mu.Lock()
	if tg.stopped || g.evaluating {
		tg.mu.Unlock()
		return
	}
	g.timer = nil
	if len(g.tasks) == 0 {
		tg.maybeDropLocked(g.key, g)
		tg.mu.Unlock()
		return
	}
	g.evaluating = true
	var taskID string
	for id := range g.tasks {
		taskID = id
		break
	}
	tg.mu.Unlock()

	go tg.evaluate(g, taskID)
}

// evaluate runs one rate-limited scheduling attempt for the group and
// applies the backoff consequence of the outcome. Panics from the
// scheduler are contained here: they count as NoMatch so the group backs
// off instead of disappearing from the retry loop.
func (tg *TaskGroups) evaluate(g *taskGroup, taskID string) {
	if tg.sem != nil {
		tg.sem <- struct{}{}
		defer func() { <-tg.sem }()
	}
	if r := tg.limiter.Reserve(); r.OK() {
		if d := r.Delay(); d > 0 {
			tg.clk.Sleep(d)
		}
	}

	outcome := tg.schedule(g, taskID)

	tg.mu.Lock()
	defer tg.mu.Unlock()
	g.evaluating = false

	switch outcome {
	case Launched:
		delete(g.tasks, taskID)
		g.backoff.Reset()
		g.penalty = 0
	case NoMatch, Vetoed:
		g.penalty = g.backoff.NextBackOff()
	}

	if tg.stopped {
		return
	}
	if len(g.tasks) == 0 {
		tg.maybeDropLocked(g.key, g)
		return
	}

	delay := g.penalty
	if delay <= 0 || g.kicked {
		delay = tg.settings.FirstScheduleDelay
	}
	g.kicked = false
	group := g
	g.timer = tg.clk.AfterFunc(delay, func() {
		tg.beginEvaluation(group)
	})
}

func (tg *TaskGroups) schedule(g *taskGroup, taskID string) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			tg.stat.Counter("evaluation_panics").Inc(1)
			log.WithFields(log.Fields{
				"group":  g.key.String(),
				"taskID": taskID,
				"panic":  r,
			}).Error("Recovered panic during group evaluation")
			outcome = NoMatch
		}
	}()

	defer tg.stat.Latency("evaluation_ms").Time().Stop()
	outcome = tg.scheduler.Schedule(taskID)
	tg.stat.Counter("outcome_" + outcome.String()).Inc(1)
	return outcome
}

// maybeDropLocked discards a group with no tasks and no pending work.
func (tg *TaskGroups) maybeDropLocked(key sched.TaskGroupKey, g *taskGroup) {
	if len(g.tasks) > 0 || g.evaluating {
		return
	}
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	delete(tg.groups, key)
	tg.stat.Gauge("group_count").Update(int64(len(tg.groups)))
}
