package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/lumenlabs/borealis/common/stats"
	"github.com/lumenlabs/borealis/sched"
	"github.com/lumenlabs/borealis/sched/events"
)

// fakeScheduler replays a scripted sequence of outcomes and records calls.
type fakeScheduler struct {
	mu       sync.Mutex
	outcomes []Outcome
	calls    []string

	inFlight    int
	maxInFlight int

	// When set, Schedule blocks until the channel is closed.
	gate chan struct{}

	panicNext bool
}

func (f *fakeScheduler) Schedule(taskID string) Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, taskID)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	gate := f.gate
	panicNow := f.panicNext
	f.panicNext = false
	var outcome Outcome = NoMatch
	if len(f.outcomes) > 0 {
		outcome = f.outcomes[0]
		f.outcomes = f.outcomes[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if panicNow {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
		panic("scripted failure")
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return outcome
}

func (f *fakeScheduler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func makeTaskGroups(f *fakeScheduler) (*TaskGroups, *clock.Mock) {
	mock := clock.NewMock()
	tg := NewTaskGroups(f, TaskGroupsSettings{
		FirstScheduleDelay:        time.Millisecond,
		TaskBackoff:               BackoffPolicy{Floor: time.Second, Ceiling: time.Minute},
		MaxScheduleAttemptsPerSec: rate.Inf,
		MaxConcurrentEvaluations:  4,
	}, mock, stats.NilStatsReceiver())
	return tg, mock
}

// Evaluations run on their own goroutines, so assertions poll in real time
// while the mock clock drives the timers.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		mock.Add(step)
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func Test_TaskGroups_BackoffDoublesOnNoMatchAndResetsOnLaunch(t *testing.T) {
	f := &fakeScheduler{outcomes: []Outcome{NoMatch, NoMatch, Launched}}
	tg, mock := makeTaskGroups(f)
	defer tg.Stop()

	task := makePendingTask("p1", 1)
	key := task.Config.GroupKey()
	tg.AddPendingTask(task, time.Millisecond)

	mock.Add(time.Millisecond)
	waitUntil(t, func() bool { return tg.Penalty(key) == time.Second },
		"first NoMatch should set the penalty to the backoff floor")

	mock.Add(time.Second)
	waitUntil(t, func() bool { return tg.Penalty(key) == 2*time.Second },
		"second NoMatch should double the penalty")

	mock.Add(2 * time.Second)
	waitUntil(t, func() bool { return f.callCount() == 3 && tg.Penalty(key) == 0 },
		"launch should clear the penalty and drop the emptied group")

	// The group is gone; advancing the clock triggers nothing further.
	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if f.callCount() != 3 {
		t.Fatalf("saw %d attempts after the group emptied, want 3", f.callCount())
	}
}

func Test_TaskGroups_SingleFlightPerGroup(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeScheduler{gate: gate, outcomes: []Outcome{NoMatch, NoMatch}}
	tg, mock := makeTaskGroups(f)
	defer tg.Stop()

	first := makePendingTask("p1", 1)
	tg.AddPendingTask(first, time.Millisecond)
	mock.Add(time.Millisecond)
	waitUntil(t, func() bool { return f.callCount() == 1 }, "first evaluation never started")

	// A second task in the same group arrives mid-evaluation. It must not
	// start a concurrent evaluation, only kick a prompt re-run.
	second := first
	second.ID = "p2"
	tg.AddPendingTask(second, time.Millisecond)
	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if f.callCount() != 1 {
		t.Fatalf("saw %d evaluations while one was in flight, want 1", f.callCount())
	}

	close(gate)

	// The kicked re-run goes at FirstScheduleDelay, not the backoff penalty.
	// Step the clock while polling: the finishing evaluation arms its timer
	// on another goroutine.
	advanceUntil(t, mock, time.Millisecond,
		func() bool { return f.callCount() == 2 },
		"kicked group was not promptly re-evaluated")

	if f.maxConcurrent() != 1 {
		t.Fatalf("max concurrent evaluations for one group is %d, want 1", f.maxConcurrent())
	}
}

func (f *fakeScheduler) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func Test_TaskGroups_PanicCountsAsNoMatch(t *testing.T) {
	f := &fakeScheduler{panicNext: true}
	tg, mock := makeTaskGroups(f)
	defer tg.Stop()

	task := makePendingTask("p1", 1)
	key := task.Config.GroupKey()
	tg.AddPendingTask(task, time.Millisecond)

	mock.Add(time.Millisecond)
	waitUntil(t, func() bool { return tg.Penalty(key) == time.Second },
		"panicking evaluation should back the group off like a NoMatch")
}

func Test_TaskGroups_DeletedTaskDropsGroupBeforeEvaluation(t *testing.T) {
	f := &fakeScheduler{}
	tg, mock := makeTaskGroups(f)
	defer tg.Stop()

	bus := events.NewBus()
	tg.Register(bus)

	task := makePendingTask("p1", 1)
	tg.AddPendingTask(task, time.Millisecond)
	bus.PublishTasksDeleted(events.TasksDeleted{TaskIDs: []string{"p1"}})

	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if f.callCount() != 0 {
		t.Fatalf("saw %d evaluations for a deleted task, want 0", f.callCount())
	}
}

func Test_TaskGroups_BusDrivenMembership(t *testing.T) {
	f := &fakeScheduler{outcomes: []Outcome{NoMatch}}
	tg, mock := makeTaskGroups(f)
	defer tg.Stop()

	bus := events.NewBus()
	tg.Register(bus)

	task := makePendingTask("p1", 1)
	bus.PublishTaskStateChange(events.TaskStateChange{Task: task, Old: sched.Failed})

	mock.Add(time.Millisecond)
	waitUntil(t, func() bool { return f.callCount() == 1 },
		"a task entering Pending on the bus should be evaluated")

	// The task leaves Pending; its group empties and stops retrying.
	assigned := task
	assigned.Status = sched.Assigned
	bus.PublishTaskStateChange(events.TaskStateChange{Task: assigned, Old: sched.Pending})

	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if f.callCount() != 1 {
		t.Fatalf("saw %d evaluations after the task left Pending, want 1", f.callCount())
	}
}

func Test_TaskGroups_StopCancelsPendingEvaluations(t *testing.T) {
	f := &fakeScheduler{}
	tg, mock := makeTaskGroups(f)

	tg.AddPendingTask(makePendingTask("p1", 1), time.Millisecond)
	tg.Stop()

	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if f.callCount() != 0 {
		t.Fatalf("saw %d evaluations after Stop, want 0", f.callCount())
	}
}
