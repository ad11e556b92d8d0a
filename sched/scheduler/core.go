// Package scheduler implements the decision core of the Borealis cluster
// scheduler: offer bookkeeping, task placement, throttled retries,
// preemption reservations, reschedule penalties and transient-state
// timeouts. External collaborators (storage, the resource-manager driver,
// the event bus, the clock) are injected; nothing here blocks on I/O apart
// from storage transactions and driver calls.
package scheduler

import (
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/lumenlabs/borealis/cloud/driver"
	"github.com/lumenlabs/borealis/common/stats"
	"github.com/lumenlabs/borealis/sched"
	"github.com/lumenlabs/borealis/sched/config"
	"github.com/lumenlabs/borealis/sched/events"
	"github.com/lumenlabs/borealis/storage"
)

// How many recent run durations are kept per task for flap detection.
const runHistoryLimit = 10

// Core assembles the scheduling components and owns their lifecycle.
type Core struct {
	Offers       *OfferManager
	Reservations *BiCache[sched.TaskGroupKey, string]
	Scheduler    *TaskScheduler
	Groups       *TaskGroups
	Timeout      *TaskTimeout
	Reschedule   *RescheduleCalculator

	store storage.Storage
	bus   *events.Bus
	clk   clock.Clock
}

// NewCore wires the scheduling components together from configuration.
// Nothing starts until Start is called.
func NewCore(
	cfg config.Config,
	store storage.Storage,
	d driver.Driver,
	bus *events.Bus,
	clk clock.Clock,
	rng *rand.Rand,
	stat stats.StatsReceiver,
) *Core {
	offers := NewOfferManager(d, OfferManagerSettings{
		MinHoldTime:      cfg.MinOfferHoldTime.Unwrap(),
		HoldJitterWindow: cfg.OfferHoldJitterWindow.Unwrap(),
	}, clk, rng, stat)

	reservations := NewBiCache[sched.TaskGroupKey, string](
		cfg.ReservationDuration.Unwrap(), clk, stat.Scope("reservations"))

	taskScheduler := NewTaskScheduler(store, offers, reservations, d, bus, clk, stat)

	groups := NewTaskGroups(taskScheduler, TaskGroupsSettings{
		FirstScheduleDelay: cfg.FirstScheduleDelay.Unwrap(),
		TaskBackoff: BackoffPolicy{
			Floor:   cfg.InitialSchedulePenalty.Unwrap(),
			Ceiling: cfg.MaxSchedulePenalty.Unwrap(),
		},
		MaxScheduleAttemptsPerSec: rate.Limit(cfg.MaxScheduleAttemptsPerSec),
		MaxConcurrentEvaluations:  cfg.WorkerCount,
	}, clk, stat)

	timeout := NewTaskTimeout(store, bus, cfg.TransientTaskStateTimeout.Unwrap(), clk, stat)

	reschedule := NewRescheduleCalculator(RescheduleCalculatorSettings{
		TaskBackoff: BackoffPolicy{
			Floor:   cfg.InitialSchedulePenalty.Unwrap(),
			Ceiling: cfg.MaxSchedulePenalty.Unwrap(),
		},
		FlappingThreshold: cfg.FlappingThreshold.Unwrap(),
		FlappingBackoff: BackoffPolicy{
			Floor:   cfg.InitialFlappingDelay.Unwrap(),
			Ceiling: cfg.MaxFlappingDelay.Unwrap(),
		},
		MaxStartupRescheduleDelay: cfg.MaxStartupRescheduleDelay.Unwrap(),
	}, rng)

	return &Core{
		Offers:       offers,
		Reservations: reservations,
		Scheduler:    taskScheduler,
		Groups:       groups,
		Timeout:      timeout,
		Reschedule:   reschedule,
		store:        store,
		bus:          bus,
		clk:          clk,
	}
}

// Start subscribes the components to the event bus and re-enqueues pending
// tasks found in storage. The in-memory offer table starts empty; offers
// re-arrive from the resource manager.
func (c *Core) Start() error {
	c.bus.OnOfferAdded(func(e events.OfferAdded) {
		c.Offers.AddOffer(e.Offer)
	})
	c.bus.OnOfferRescinded(func(e events.OfferRescinded) {
		c.Offers.CancelOffer(e.OfferID)
	})
	c.Groups.Register(c.bus)
	c.Timeout.Register(c.bus)

	// Any task observed entering a reschedulable terminal state is revived,
	// whether the transition came from a real status update or from the
	// timeout watchdog forcing it Lost.
	c.bus.OnTaskStateChange(func(e events.TaskStateChange) {
		if shouldReschedule(e.Task.Status) {
			c.reschedule(e.Task)
		}
	})

	return c.Groups.RecoverTasks(c.store, c.Reschedule)
}

// Stop cancels all outstanding timers. In-flight evaluations drain on
// their own; no new work is scheduled.
func (c *Core) Stop() {
	c.Groups.Stop()
	c.Timeout.Stop()
	c.Offers.Stop()
	c.Reservations.Stop()
}

// StatusUpdate applies an externally observed task status change: the
// durable record is updated and the change fans out to the components.
// A task failing or going lost is revived as pending after the reschedule
// penalty; the core never silently drops a task.
func (c *Core) StatusUpdate(taskID string, status sched.Status) error {
	now := c.clk.Now()
	var updated sched.Task
	var old sched.Status
	found := false
	err := c.store.Write(func(p storage.MutableStoreProvider) error {
		p.Tasks().MutateTask(taskID, func(t sched.Task) sched.Task {
			found = true
			old = t.Status
			t = applyTransition(t, status, now)
			updated = t
			return t
		})
		return nil
	})
	if err != nil {
		return err
	}
	if !found || old == status {
		return nil
	}

	c.bus.PublishTaskStateChange(events.TaskStateChange{Task: updated, Old: old})
	return nil
}

// reschedule revives a terminated task as pending. The group evaluation is
// delayed by the computed penalty, so a flapping task backs off even though
// its durable record is pending right away.
func (c *Core) reschedule(task sched.Task) {
	penalty := c.Reschedule.PenaltyFor(task)

	now := c.clk.Now()
	var revived sched.Task
	err := c.store.Write(func(p storage.MutableStoreProvider) error {
		p.Tasks().MutateTask(task.ID, func(t sched.Task) sched.Task {
			t.Status = sched.Pending
			t.Host = ""
			t.StatusTimestamp = now
			revived = t
			return t
		})
		return nil
	})
	if err != nil {
		log.WithFields(log.Fields{"taskID": task.ID, "err": err}).Error("Failed to revive task")
		return
	}

	// Arm the penalized timer before the bus handler can arm the default.
	c.Groups.AddPendingTask(revived, penalty)
	c.bus.PublishTaskStateChange(events.TaskStateChange{Task: revived, Old: task.Status})
}

// applyTransition folds a status update into the task record, maintaining
// failure counts and the run-duration history used for flap detection.
func applyTransition(t sched.Task, status sched.Status, now time.Time) sched.Task {
	if t.Status == sched.Running && status.Terminal() {
		run := now.Sub(t.StatusTimestamp)
		t.RunHistory = append(t.RunHistory, run)
		if len(t.RunHistory) > runHistoryLimit {
			t.RunHistory = t.RunHistory[len(t.RunHistory)-runHistoryLimit:]
		}
	}
	if status == sched.Failed || status == sched.Lost {
		t.Failures++
	}
	t.Status = status
	t.StatusTimestamp = now
	return t
}

// shouldReschedule reports whether a task entering this status re-enters
// the pending pool. User-initiated kills and clean finishes do not.
func shouldReschedule(status sched.Status) bool {
	return status == sched.Failed || status == sched.Lost
}
