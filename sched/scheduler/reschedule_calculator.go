package scheduler

import (
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lumenlabs/borealis/sched"
)

// RescheduleCalculatorSettings configures penalty computation for
// terminated tasks re-entering the pending pool.
type RescheduleCalculatorSettings struct {
	// Base policy applied to tasks that failed without flapping.
	TaskBackoff BackoffPolicy

	// A task whose most recent run lasted less than this is flapping.
	FlappingThreshold time.Duration

	// Distinct, typically harsher, policy for flapping tasks.
	FlappingBackoff BackoffPolicy

	// Ceiling for the extra random delay applied to tasks rescheduled
	// during scheduler startup recovery.
	MaxStartupRescheduleDelay time.Duration
}

// RescheduleCalculator computes how long a terminated task should wait
// before becoming pending again. Pure bookkeeping: the caller enqueues the
// retry after the returned delay.
type RescheduleCalculator struct {
	settings RescheduleCalculatorSettings
	rng      *rand.Rand
}

func NewRescheduleCalculator(settings RescheduleCalculatorSettings, rng *rand.Rand) *RescheduleCalculator {
	return &RescheduleCalculator{settings: settings, rng: rng}
}

// PenaltyFor returns the reschedule delay for a task that just terminated.
// A flapping task (most recent run below the threshold) is penalized with
// the flapping policy, doubling per consecutive short run.
func (r *RescheduleCalculator) PenaltyFor(task sched.Task) time.Duration {
	if flaps := r.consecutiveFlaps(task); flaps > 0 {
		penalty := r.settings.FlappingBackoff.DelayFor(flaps)
		log.WithFields(log.Fields{
			"taskID":  task.ID,
			"flaps":   flaps,
			"penalty": penalty,
		}).Info("Penalizing flapping task")
		return penalty
	}
	if task.Failures > 0 {
		return r.settings.TaskBackoff.DelayFor(task.Failures)
	}
	return 0
}

// StartupPenaltyFor is PenaltyFor plus bounded uniform jitter, applied to
// tasks re-discovered during startup recovery so a restarted scheduler does
// not stampede the resource manager.
func (r *RescheduleCalculator) StartupPenaltyFor(task sched.Task) time.Duration {
	jitter := time.Duration(r.rng.Int63n(int64(r.settings.MaxStartupRescheduleDelay) + 1))
	return r.PenaltyFor(task) + jitter
}

// consecutiveFlaps counts trailing runs shorter than the flapping
// threshold, most recent first. Zero means the task is not flapping.
func (r *RescheduleCalculator) consecutiveFlaps(task sched.Task) int {
	flaps := 0
	for i := len(task.RunHistory) - 1; i >= 0; i-- {
		if task.RunHistory[i] >= r.settings.FlappingThreshold {
			break
		}
		flaps++
	}
	return flaps
}
