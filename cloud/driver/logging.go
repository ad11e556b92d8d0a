package driver

import (
	log "github.com/sirupsen/logrus"

	"github.com/lumenlabs/borealis/sched"
)

// NewLoggingDriver returns a Driver that records operations in the log and
// does nothing else. Used by the local daemon and in demos where no real
// resource manager is attached.
func NewLoggingDriver() Driver {
	return loggingDriver{}
}

type loggingDriver struct{}

func (loggingDriver) Accept(offerID sched.OfferID, task sched.AssignedTask) error {
	log.WithFields(log.Fields{"offerID": offerID, "taskID": task.TaskID, "host": task.Host}).Info("Accept offer")
	return nil
}

func (loggingDriver) Decline(offerID sched.OfferID) error {
	log.WithFields(log.Fields{"offerID": offerID}).Info("Decline offer")
	return nil
}

func (loggingDriver) Kill(taskID string) error {
	log.WithFields(log.Fields{"taskID": taskID}).Info("Kill task")
	return nil
}
