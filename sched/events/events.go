// Package events provides the process-wide publish/subscribe channel the
// scheduling core and its collaborators communicate through. Each event is
// an explicit variant with its own handler registry; publishing dispatches
// synchronously to the registered handlers, so handlers must restrict
// themselves to non-blocking bookkeeping.
package events

import (
	"sync"

	"github.com/lumenlabs/borealis/sched"
)

// TaskStateChange is published after a task transitions between statuses.
// Task carries the post-transition snapshot.
type TaskStateChange struct {
	Task sched.Task
	Old  sched.Status
}

// New returns the status the task transitioned into.
func (e TaskStateChange) New() sched.Status {
	return e.Task.Status
}

// OfferAdded is published when the resource manager grants a new offer.
type OfferAdded struct {
	Offer sched.Offer
}

// OfferRescinded is published when the resource manager withdraws an offer.
type OfferRescinded struct {
	OfferID sched.OfferID
}

// TasksDeleted is published when task records are removed from storage.
type TasksDeleted struct {
	TaskIDs []string
}

// Bus fans events out to subscribed handlers. Subscription is expected to
// happen at startup; publishing is safe from any goroutine.
type Bus struct {
	mu              sync.RWMutex
	taskStateChange []func(TaskStateChange)
	offerAdded      []func(OfferAdded)
	offerRescinded  []func(OfferRescinded)
	tasksDeleted    []func(TasksDeleted)
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) OnTaskStateChange(h func(TaskStateChange)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taskStateChange = append(b.taskStateChange, h)
}

func (b *Bus) OnOfferAdded(h func(OfferAdded)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offerAdded = append(b.offerAdded, h)
}

func (b *Bus) OnOfferRescinded(h func(OfferRescinded)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offerRescinded = append(b.offerRescinded, h)
}

func (b *Bus) OnTasksDeleted(h func(TasksDeleted)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasksDeleted = append(b.tasksDeleted, h)
}

func (b *Bus) PublishTaskStateChange(e TaskStateChange) {
	b.mu.RLock()
	handlers := b.taskStateChange
	b.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

func (b *Bus) PublishOfferAdded(e OfferAdded) {
	b.mu.RLock()
	handlers := b.offerAdded
	b.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

func (b *Bus) PublishOfferRescinded(e OfferRescinded) {
	b.mu.RLock()
	handlers := b.offerRescinded
	b.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

func (b *Bus) PublishTasksDeleted(e TasksDeleted) {
	b.mu.RLock()
	handlers := b.tasksDeleted
	b.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}
