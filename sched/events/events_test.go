package events

import (
	"testing"

	"github.com/lumenlabs/borealis/sched"
)

func Test_Bus_FansOutToAllHandlers(t *testing.T) {
	bus := NewBus()

	var first, second []TaskStateChange
	bus.OnTaskStateChange(func(e TaskStateChange) { first = append(first, e) })
	bus.OnTaskStateChange(func(e TaskStateChange) { second = append(second, e) })

	change := TaskStateChange{
		Task: sched.Task{ID: "t1", Status: sched.Running},
		Old:  sched.Starting,
	}
	bus.PublishTaskStateChange(change)

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("handlers saw %d and %d events, want 1 each", len(first), len(second))
	}
	if first[0].New() != sched.Running || first[0].Old != sched.Starting {
		t.Fatalf("handler saw %+v, want a Starting->Running change", first[0])
	}
}

func Test_Bus_VariantsAreIndependent(t *testing.T) {
	bus := NewBus()

	var adds []OfferAdded
	var rescinds []OfferRescinded
	var deletes []TasksDeleted
	bus.OnOfferAdded(func(e OfferAdded) { adds = append(adds, e) })
	bus.OnOfferRescinded(func(e OfferRescinded) { rescinds = append(rescinds, e) })
	bus.OnTasksDeleted(func(e TasksDeleted) { deletes = append(deletes, e) })

	bus.PublishOfferAdded(OfferAdded{Offer: sched.Offer{ID: "o1", Host: "h1"}})
	bus.PublishOfferRescinded(OfferRescinded{OfferID: "o1"})

	if len(adds) != 1 || adds[0].Offer.ID != "o1" {
		t.Fatalf("offer handler saw %v, want one o1 add", adds)
	}
	if len(rescinds) != 1 || rescinds[0].OfferID != "o1" {
		t.Fatalf("rescind handler saw %v, want one o1 rescind", rescinds)
	}
	if len(deletes) != 0 {
		t.Fatalf("delete handler saw %v, want nothing", deletes)
	}
}

func Test_Bus_PublishWithNoHandlersIsFine(t *testing.T) {
	bus := NewBus()
	bus.PublishTaskStateChange(TaskStateChange{Task: sched.Task{ID: "t1"}})
	bus.PublishTasksDeleted(TasksDeleted{TaskIDs: []string{"t1"}})
}
