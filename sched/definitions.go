// Package sched provides definitions for Borealis jobs, tasks and resource offers.
package sched

import (
	"fmt"
	"time"
)

// JobKey uniquely identifies a job in the cluster.
type JobKey struct {
	Role        string
	Environment string
	Name        string
}

func (k JobKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Role, k.Environment, k.Name)
}

// TaskGroupKey identifies a set of pending tasks that are identical for
// scheduling purposes: same job, same task configuration. Tasks in a group
// are batched for retry; insertion order within a group is irrelevant.
type TaskGroupKey struct {
	Job        JobKey
	ConfigHash string
}

func (k TaskGroupKey) String() string {
	return fmt.Sprintf("%s[%s]", k.Job, k.ConfigHash)
}

// Status of a Task as tracked by the scheduler.
type Status int

const (
	// Waiting to be matched against an offer.
	Pending Status = iota

	// Matched to an offer, waiting for the executor to pick it up.
	Assigned

	// Executor acknowledged the task and is preparing to run it.
	Starting

	// Actively running.
	Running

	// A victim task being evicted to make room for a reservation.
	Preempting

	// Being drained off a host entering maintenance.
	Draining

	// Kill request sent, waiting for the executor to confirm.
	Killing

	// Terminal states.
	Finished
	Failed
	Killed

	// Terminal state for tasks the scheduler lost track of, e.g. a task
	// stuck in a transient state past its deadline.
	Lost
)

func (s Status) String() string {
	asString := [...]string{
		"Pending", "Assigned", "Starting", "Running", "Preempting",
		"Draining", "Killing", "Finished", "Failed", "Killed", "Lost",
	}
	return asString[s]
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case Finished, Failed, Killed, Lost:
		return true
	}
	return false
}

// Transient reports whether s is an in-between state the task is expected
// to leave promptly. Tasks stuck in a transient state are force-failed by
// the timeout watchdog.
func (s Status) Transient() bool {
	switch s {
	case Assigned, Starting, Preempting, Draining, Killing:
		return true
	}
	return false
}

// Resources is the resource vector attached to offers and task requirements.
type Resources struct {
	CPU    float64
	MemMB  int64
	DiskMB int64
}

// Fits reports whether a task asking for r can run within available.
func (r Resources) Fits(available Resources) bool {
	return r.CPU <= available.CPU && r.MemMB <= available.MemMB && r.DiskMB <= available.DiskMB
}

// Constraints restrict which hosts a task may be placed on.
type Constraints struct {
	// If set, the task may only run on a host advertising this dedicated value.
	Dedicated string

	// Required host attribute values, all of which must match.
	HostAttrs map[string]string
}

// TaskConfig is the immutable shape of a task. Tasks sharing a config hash
// (and job) are interchangeable for scheduling.
type TaskConfig struct {
	Job         JobKey
	Priority    int
	Production  bool
	Resources   Resources
	Constraints Constraints
	ConfigHash  string
}

func (c TaskConfig) GroupKey() TaskGroupKey {
	return TaskGroupKey{Job: c.Job, ConfigHash: c.ConfigHash}
}

// Task is a single schedulable instance of a TaskConfig.
type Task struct {
	ID     string
	Config TaskConfig
	Status Status

	// Host the task is (or was last) placed on; empty while pending.
	Host string

	// Number of times the task has failed to launch or run.
	Failures int

	// Durations of recent runs, most recent last. Used for flap detection.
	RunHistory []time.Duration

	// When the task entered its current status.
	StatusTimestamp time.Time
}

// OfferID identifies a resource offer granted by the cluster manager.
type OfferID string

// Offer is a time-bounded grant of resources on a single host. Offers are
// owned by the OfferManager from receipt until launched against or declined.
type Offer struct {
	ID          OfferID
	Host        string
	Resources   Resources
	Attrs       map[string]string
	Dedicated   string
	Maintenance bool
}

// AssignedTask pairs a task with the offer slot it is being launched on.
type AssignedTask struct {
	TaskID string
	Host   string
	Config TaskConfig
}

// Lock is an exclusivity record over a job, preventing concurrent
// modification. At most one live Lock exists per key; the storage layer
// enforces uniqueness.
type Lock struct {
	Key       JobKey
	Token     string
	User      string
	Timestamp time.Time
}
