// Package state implements mutual-exclusion primitives for job-level
// critical sections of the scheduler.
package state

import (
	"fmt"

	"github.com/benbjohnson/clock"
	uuid "github.com/nu7hatch/gouuid"

	"github.com/lumenlabs/borealis/sched"
	"github.com/lumenlabs/borealis/storage"
)

// LockError is the typed conflict returned when a lock operation cannot
// proceed because of the current lock state. Callers may surface it to the
// user as retryable ("lock held, retry later").
type LockError struct {
	Msg string
}

func (e *LockError) Error() string {
	return e.Msg
}

// LockManager provides single-holder mutual exclusion over job keys. Lock
// records live in storage; atomicity of the check-then-insert comes from
// the storage write transaction.
type LockManager struct {
	store storage.Storage
	clk   clock.Clock
}

func NewLockManager(store storage.Storage, clk clock.Clock) *LockManager {
	return &LockManager{store: store, clk: clk}
}

// AcquireLock creates a lock for key on behalf of user. Fails with a
// *LockError if a live lock already exists; the existence check and insert
// run inside one write transaction, so two concurrent callers can never
// both succeed.
func (m *LockManager) AcquireLock(key sched.JobKey, user string) (sched.Lock, error) {
	var lock sched.Lock
	err := m.store.Write(func(p storage.MutableStoreProvider) error {
		if existing, ok := p.Locks().FetchLock(key); ok {
			return &LockError{Msg: fmt.Sprintf(
				"Operation for: %s is already in progress. Started at: %s. Current owner: %s.",
				key, existing.Timestamp.Format("Mon Jan 2 15:04:05 MST 2006"), existing.User)}
		}
		lock = sched.Lock{
			Key:       key,
			Token:     generateToken(),
			User:      user,
			Timestamp: m.clk.Now(),
		}
		p.Locks().SaveLock(lock)
		return nil
	})
	if err != nil {
		return sched.Lock{}, err
	}
	return lock, nil
}

// ReleaseLock removes the lock by key. Idempotent and unconditional: the
// token presented is not checked against the stored one, so a caller with
// a stale handle can release a lock it no longer holds. Known accepted
// race, kept for admin override semantics.
func (m *LockManager) ReleaseLock(lock sched.Lock) error {
	return m.store.Write(func(p storage.MutableStoreProvider) error {
		p.Locks().RemoveLock(lock.Key)
		return nil
	})
}

// ValidateIfLocked verifies the caller's belief about the lock state for
// key before a protected mutation:
//
//	                held            not held
//	stored          stored == held? invalid
//	not stored      invalid         valid
func (m *LockManager) ValidateIfLocked(key sched.JobKey, held *sched.Lock) error {
	var stored sched.Lock
	var ok bool
	err := m.store.Read(func(p storage.StoreProvider) error {
		stored, ok = p.Locks().FetchLock(key)
		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case ok && held != nil && stored == *held:
		return nil
	case !ok && held == nil:
		return nil
	case ok:
		return &LockError{Msg: fmt.Sprintf(
			"Unable to perform operation for: %s. Use override/cancel option.", key)}
	default:
		return &LockError{Msg: fmt.Sprintf("Invalid operation context: %s", key)}
	}
}

// GetLocks enumerates all live locks.
func (m *LockManager) GetLocks() ([]sched.Lock, error) {
	var locks []sched.Lock
	err := m.store.Read(func(p storage.StoreProvider) error {
		locks = p.Locks().FetchLocks()
		return nil
	})
	return locks, err
}

// generateToken returns a random uuid. uuid.NewV4 reads from crypto/rand
// which should never actually fail; loop in the unlikely case it does.
func generateToken() string {
	for {
		if id, err := uuid.NewV4(); err == nil {
			return id.String()
		}
	}
}
