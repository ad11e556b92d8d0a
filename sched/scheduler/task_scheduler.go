package scheduler

import (
	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/lumenlabs/borealis/cloud/driver"
	"github.com/lumenlabs/borealis/common/stats"
	"github.com/lumenlabs/borealis/sched"
	"github.com/lumenlabs/borealis/sched/events"
	"github.com/lumenlabs/borealis/storage"
)

// Outcome of a single scheduling attempt for one pending task.
type Outcome int

const (
	// A launch was issued; the task is now assigned.
	Launched Outcome = iota

	// No held offer could satisfy the task right now. Retried per backoff.
	NoMatch

	// Every held offer was rejected by a static veto: the task's immutable
	// requirements can never be met by the current offer set.
	Vetoed
)

func (o Outcome) String() string {
	return [...]string{"Launched", "NoMatch", "Vetoed"}[o]
}

// vetoKind distinguishes vetoes that could clear on their own (offer churn,
// maintenance ending) from those rooted in the task's own requirements.
type vetoKind int

const (
	vetoNone vetoKind = iota
	vetoDynamic
	vetoStatic
)

// TaskScheduler matches one pending task against held offers and produces a
// placement decision. When nothing fits it looks for a preemption slot:
// a lower-priority task whose host could run the pending task once evicted.
type TaskScheduler struct {
	store        storage.Storage
	offers       *OfferManager
	reservations *BiCache[sched.TaskGroupKey, string]
	driver       driver.Driver
	bus          *events.Bus
	clk          clock.Clock
	stat         stats.StatsReceiver
}

func NewTaskScheduler(
	store storage.Storage,
	offers *OfferManager,
	reservations *BiCache[sched.TaskGroupKey, string],
	d driver.Driver,
	bus *events.Bus,
	clk clock.Clock,
	stat stats.StatsReceiver,
) *TaskScheduler {
	return &TaskScheduler{
		store:        store,
		offers:       offers,
		reservations: reservations,
		driver:       d,
		bus:          bus,
		clk:          clk,
		stat:         stat.Scope("task_scheduler"),
	}
}

// Schedule attempts to place the pending task with the given id. Offers are
// evaluated in the OfferManager's stable order, so the choice is
// deterministic for a fixed offer set. Offers requiring no preemption are
// always preferred; preemption is a last resort that reserves the slot and
// retries later rather than launching now.
func (s *TaskScheduler) Schedule(taskID string) Outcome {
	defer s.stat.Latency("attempt_ms").Time().Stop()

	var task sched.Task
	var ok bool
	err := s.store.Read(func(p storage.StoreProvider) error {
		task, ok = p.Tasks().FetchTask(taskID)
		return nil
	})
	if err != nil {
		log.WithFields(log.Fields{"taskID": taskID, "err": err}).Warn("Storage read failed, will retry")
		return NoMatch
	}
	if !ok || task.Status != sched.Pending {
		// Raced with a kill or a concurrent launch; nothing to do.
		return Launched
	}

	group := task.Config.GroupKey()
	reservedHost, hasReservation := s.reservations.GetByKey(group)

	offers := s.offers.GetOffers()
	if len(offers) == 0 {
		return NoMatch
	}

	sawDynamic := false
	for _, offer := range offers {
		// A slot reserved for a different group is off limits until the
		// reservation expires or is consumed.
		if g, ok := s.reservations.GetByValue(offer.Host); ok && g != group {
			sawDynamic = true
			continue
		}
		// A group holding a reservation waits for its reserved slot.
		if hasReservation && offer.Host != reservedHost {
			sawDynamic = true
			continue
		}

		switch veto(offer, task.Config) {
		case vetoStatic:
			continue
		case vetoDynamic:
			sawDynamic = true
			continue
		}

		switch s.launch(offer, task) {
		case Launched:
			s.reservations.Remove(group)
			s.stat.Counter("launched").Inc(1)
			return Launched
		case NoMatch:
			// Offer vanished or the launch failed; try the next offer.
			sawDynamic = true
			continue
		}
	}

	if s.tryPreempt(task, offers) {
		sawDynamic = true
	}

	if sawDynamic {
		s.stat.Counter("no_match").Inc(1)
		return NoMatch
	}
	s.stat.Counter("vetoed").Inc(1)
	return Vetoed
}

// launch transitions the task to Assigned in storage, then consumes the
// offer. Storage goes first so a task is never launched without a durable
// record; if the offer is gone by then, the assignment is rolled back and
// the caller moves on to the next offer.
func (s *TaskScheduler) launch(offer sched.Offer, task sched.Task) Outcome {
	now := s.clk.Now()
	err := s.store.Write(func(p storage.MutableStoreProvider) error {
		if !p.Tasks().MutateTask(task.ID, func(t sched.Task) sched.Task {
			t.Status = sched.Assigned
			t.Host = offer.Host
			t.StatusTimestamp = now
			return t
		}) {
			return storage.NewTransientError("task %s disappeared during launch", task.ID)
		}
		return nil
	})
	if err != nil {
		log.WithFields(log.Fields{"taskID": task.ID, "err": err}).Warn("Storage write failed, leaving task pending")
		return NoMatch
	}

	assigned := sched.AssignedTask{TaskID: task.ID, Host: offer.Host, Config: task.Config}
	if err := s.offers.LaunchTask(offer.ID, assigned); err != nil {
		s.revertToPending(task.ID)
		if err != ErrOfferNotFound {
			log.WithFields(log.Fields{
				"taskID":  task.ID,
				"offerID": offer.ID,
				"err":     err,
			}).Warn("Launch failed")
		}
		return NoMatch
	}

	assignedTask := task
	assignedTask.Status = sched.Assigned
	assignedTask.Host = offer.Host
	assignedTask.StatusTimestamp = now
	s.bus.PublishTaskStateChange(events.TaskStateChange{Task: assignedTask, Old: sched.Pending})

	log.WithFields(log.Fields{
		"taskID":  task.ID,
		"offerID": offer.ID,
		"host":    offer.Host,
	}).Info("Launched task")
	return Launched
}

func (s *TaskScheduler) revertToPending(taskID string) {
	err := s.store.Write(func(p storage.MutableStoreProvider) error {
		p.Tasks().MutateTask(taskID, func(t sched.Task) sched.Task {
			if t.Status == sched.Assigned {
				t.Status = sched.Pending
				t.Host = ""
			}
			return t
		})
		return nil
	})
	if err != nil {
		log.WithFields(log.Fields{"taskID": taskID, "err": err}).Error("Failed to revert assignment")
	}
}

// tryPreempt searches the offers' hosts for a lower-priority running victim
// whose resources, combined with the host's free offer, would fit the
// pending task. If a slot is found and neither side is already reserved,
// the slot is reserved for the task's group and the victim's eviction is
// requested. First reservation wins: an existing reservation on either side
// blocks a new one. Returns whether a reservation now stands in the way of
// this task launching immediately.
func (s *TaskScheduler) tryPreempt(task sched.Task, offers []sched.Offer) bool {
	group := task.Config.GroupKey()
	if _, ok := s.reservations.GetByKey(group); ok {
		return true
	}

	for _, offer := range offers {
		if _, reserved := s.reservations.GetByValue(offer.Host); reserved {
			continue
		}
		if kind := staticVeto(offer, task.Config); kind == vetoStatic {
			continue
		}

		victim, ok := s.findVictim(offer, task.Config)
		if !ok {
			continue
		}

		s.reservations.Put(group, offer.Host)
		s.stat.Counter("reservations").Inc(1)
		log.WithFields(log.Fields{
			"group":    group.String(),
			"host":     offer.Host,
			"victimID": victim.ID,
			"taskID":   task.ID,
		}).Info("Reserved slot pending preemption")

		s.preemptVictim(victim)
		return true
	}
	return false
}

// findVictim returns a running task on the offer's host that the pending
// config outranks and whose eviction would free enough resources.
func (s *TaskScheduler) findVictim(offer sched.Offer, config sched.TaskConfig) (sched.Task, bool) {
	var victim sched.Task
	found := false
	err := s.store.Read(func(p storage.StoreProvider) error {
		for _, t := range p.Tasks().FetchTasksByHost(offer.Host) {
			if t.Status != sched.Running || !outranks(config, t.Config) {
				continue
			}
			freed := sched.Resources{
				CPU:    offer.Resources.CPU + t.Config.Resources.CPU,
				MemMB:  offer.Resources.MemMB + t.Config.Resources.MemMB,
				DiskMB: offer.Resources.DiskMB + t.Config.Resources.DiskMB,
			}
			if !config.Resources.Fits(freed) {
				continue
			}
			// Among eligible victims take the weakest one.
			if !found || outranks(victim.Config, t.Config) {
				victim = t
				found = true
			}
		}
		return nil
	})
	if err != nil {
		log.WithFields(log.Fields{"host": offer.Host, "err": err}).Warn("Storage read failed during victim search")
		return sched.Task{}, false
	}
	return victim, found
}

// preemptVictim marks the victim Preempting and asks the driver to kill it.
// Both operations fail soft; the reservation TTL bounds how long a failed
// eviction can hold the slot.
func (s *TaskScheduler) preemptVictim(victim sched.Task) {
	now := s.clk.Now()
	err := s.store.Write(func(p storage.MutableStoreProvider) error {
		p.Tasks().MutateTask(victim.ID, func(t sched.Task) sched.Task {
			if t.Status == sched.Running {
				t.Status = sched.Preempting
				t.StatusTimestamp = now
			}
			return t
		})
		return nil
	})
	if err != nil {
		log.WithFields(log.Fields{"taskID": victim.ID, "err": err}).Warn("Failed to record preemption")
		return
	}

	preempting := victim
	preempting.Status = sched.Preempting
	preempting.StatusTimestamp = now
	s.bus.PublishTaskStateChange(events.TaskStateChange{Task: preempting, Old: sched.Running})

	if err := s.driver.Kill(victim.ID); err != nil {
		log.WithFields(log.Fields{"taskID": victim.ID, "err": err}).Warn("Failed to kill preemption victim")
	}
}

// outranks reports whether a's config takes scheduling precedence over b's:
// production beats non-production, then higher priority wins.
func outranks(a, b sched.TaskConfig) bool {
	if a.Production != b.Production {
		return a.Production
	}
	return a.Priority > b.Priority
}

// veto evaluates the full predicate chain for an offer.
func veto(offer sched.Offer, config sched.TaskConfig) vetoKind {
	if kind := staticVeto(offer, config); kind != vetoNone {
		return kind
	}
	if offer.Maintenance {
		return vetoDynamic
	}
	if !config.Resources.Fits(offer.Resources) {
		return vetoDynamic
	}
	return vetoNone
}

// staticVeto covers mismatches rooted in the task's immutable requirements:
// no amount of offer churn on this host can clear them.
func staticVeto(offer sched.Offer, config sched.TaskConfig) vetoKind {
	if !offerSatisfies(offer, config.Constraints) {
		return vetoStatic
	}
	return vetoNone
}
