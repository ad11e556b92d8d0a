package scheduler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/lumenlabs/borealis/sched"
)

func makeCalculator() *RescheduleCalculator {
	return NewRescheduleCalculator(RescheduleCalculatorSettings{
		TaskBackoff:               BackoffPolicy{Floor: time.Second, Ceiling: time.Minute},
		FlappingThreshold:         5 * time.Minute,
		FlappingBackoff:           BackoffPolicy{Floor: 30 * time.Second, Ceiling: 5 * time.Minute},
		MaxStartupRescheduleDelay: 30 * time.Second,
	}, rand.New(rand.NewSource(1)))
}

func Test_RescheduleCalculator_FlappingTaskGetsFlappingPenalty(t *testing.T) {
	calc := makeCalculator()

	// Three short runs in a row, all below the 5 minute threshold.
	task := sched.Task{
		ID:         "task1",
		RunHistory: []time.Duration{10 * time.Second, 8 * time.Second, 12 * time.Second},
	}

	penalty := calc.PenaltyFor(task)
	// Three consecutive flaps: 30s doubled twice = 120s.
	if want := 120 * time.Second; penalty != want {
		t.Fatalf("flapping penalty is %v, want %v", penalty, want)
	}
}

func Test_RescheduleCalculator_LongRunBreaksFlapDetection(t *testing.T) {
	calc := makeCalculator()

	// The most recent run was healthy, so the task is not flapping even
	// though it flapped before.
	task := sched.Task{
		ID:         "task1",
		RunHistory: []time.Duration{10 * time.Second, 10 * time.Minute},
		Failures:   2,
	}

	penalty := calc.PenaltyFor(task)
	// Normal backoff for two failures: 1s doubled once = 2s.
	if want := 2 * time.Second; penalty != want {
		t.Fatalf("penalty is %v, want normal backoff %v", penalty, want)
	}
}

func Test_RescheduleCalculator_FlappingPenaltyIsCapped(t *testing.T) {
	calc := makeCalculator()

	history := make([]time.Duration, 20)
	for i := range history {
		history[i] = time.Second
	}
	penalty := calc.PenaltyFor(sched.Task{ID: "task1", RunHistory: history})
	if want := 5 * time.Minute; penalty != want {
		t.Fatalf("penalty is %v, want the flapping ceiling %v", penalty, want)
	}
}

func Test_RescheduleCalculator_NoHistoryNoFailuresNoPenalty(t *testing.T) {
	calc := makeCalculator()
	if penalty := calc.PenaltyFor(sched.Task{ID: "task1"}); penalty != 0 {
		t.Fatalf("penalty is %v, want 0", penalty)
	}
}

func Test_RescheduleCalculator_StartupJitterIsBounded(t *testing.T) {
	calc := makeCalculator()
	task := sched.Task{ID: "task1"}

	for i := 0; i < 100; i++ {
		d := calc.StartupPenaltyFor(task)
		if d < 0 || d > 30*time.Second {
			t.Fatalf("startup delay %v outside [0, 30s]", d)
		}
	}
}
