// Package driver defines the interface to the external cluster resource
// manager. All operations are fire-and-forget: the result of an accept or
// kill is observed asynchronously through status update events, never
// through the return value. A non-nil error means the request could not be
// handed to the transport at all.
package driver

//go:generate mockgen -destination=mocks/driver.go -package=mocks github.com/lumenlabs/borealis/cloud/driver Driver

import (
	"github.com/lumenlabs/borealis/sched"
)

type Driver interface {
	// Accept launches a task against the given offer. The offer is consumed
	// whether or not the launch ultimately succeeds.
	Accept(offerID sched.OfferID, task sched.AssignedTask) error

	// Decline returns an unused offer to the resource manager.
	Decline(offerID sched.OfferID) error

	// Kill requests termination of a running task, e.g. a preemption victim.
	Kill(taskID string) error
}
