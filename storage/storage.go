// Package storage defines the durable store the scheduler keeps task and
// lock state in, and an in-memory implementation used by tests and the
// local daemon. Writes are atomic: either every mutation in the work
// function is applied, or (on error) none are observed by later readers.
package storage

import (
	"fmt"

	"github.com/lumenlabs/borealis/sched"
)

// Error is returned for storage failures. Transient errors may be retried
// by the caller; non-transient errors indicate the operation cannot succeed.
type Error struct {
	Msg       string
	Transient bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s", e.Msg)
}

// NewTransientError creates a retryable storage error.
func NewTransientError(format string, args ...interface{}) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...), Transient: true}
}

// IsTransient reports whether err is a storage error marked retryable.
func IsTransient(err error) bool {
	if se, ok := err.(*Error); ok {
		return se.Transient
	}
	return false
}

// Storage provides transactional access to scheduler state. A Read sees a
// consistent snapshot; a Write is applied atomically with respect to other
// reads and writes.
type Storage interface {
	Read(work func(StoreProvider) error) error
	Write(work func(MutableStoreProvider) error) error
}

// StoreProvider hands out read-only stores inside a Read transaction.
type StoreProvider interface {
	Tasks() TaskStore
	Locks() LockStore
}

// MutableStoreProvider hands out mutable stores inside a Write transaction.
type MutableStoreProvider interface {
	Tasks() MutableTaskStore
	Locks() MutableLockStore
}

type TaskStore interface {
	// FetchTask returns the task with the given id, if present.
	FetchTask(id string) (sched.Task, bool)

	// FetchTasksByStatus returns all tasks currently in the given status.
	FetchTasksByStatus(status sched.Status) []sched.Task

	// FetchTasksByHost returns all non-terminal tasks placed on host.
	FetchTasksByHost(host string) []sched.Task
}

type MutableTaskStore interface {
	TaskStore

	// SaveTask inserts or replaces a task record.
	SaveTask(task sched.Task)

	// MutateTask applies f to the stored task and saves the result.
	// Returns false if the task does not exist.
	MutateTask(id string, f func(sched.Task) sched.Task) bool

	// DeleteTask removes a task record; no-op if absent.
	DeleteTask(id string)
}

type LockStore interface {
	FetchLock(key sched.JobKey) (sched.Lock, bool)
	FetchLocks() []sched.Lock
}

type MutableLockStore interface {
	LockStore

	// SaveLock inserts a lock record. The store enforces at most one live
	// lock per key; callers must check existence first inside the same
	// write transaction.
	SaveLock(lock sched.Lock)

	// RemoveLock deletes the lock for key; no-op if absent.
	RemoveLock(key sched.JobKey)
}
