package scheduler

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/lumenlabs/borealis/common/stats"
	"github.com/lumenlabs/borealis/sched"
)

func Test_BiCache_BidirectionalUniqueness(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// For any sequence of Put calls, each key maps to at most one value and
	// each value to at most one key, and the mappings are mutual inverses.
	properties.Property("forward and reverse mappings stay mutually inverse", prop.ForAll(
		func(pairs []int) bool {
			mock := clock.NewMock()
			cache := NewBiCache[sched.TaskGroupKey, string](time.Minute, mock, stats.NilStatsReceiver())

			names := [...]string{"a", "b", "c"}
			hosts := [...]string{"h1", "h2", "h3"}
			for _, p := range pairs {
				key := makeGroupKey(names[p%len(names)])
				host := hosts[(p/len(names))%len(hosts)]
				cache.Put(key, host)
			}

			for _, name := range names {
				key := makeGroupKey(name)
				host, ok := cache.GetByKey(key)
				if !ok {
					continue
				}
				back, ok := cache.GetByValue(host)
				if !ok || back != key {
					return false
				}
			}
			for _, host := range hosts {
				key, ok := cache.GetByValue(host)
				if !ok {
					continue
				}
				back, ok := cache.GetByKey(key)
				if !ok || back != host {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 8)),
	))

	// Only the most recent Put for a key is retrievable.
	properties.Property("latest Put wins for a key", prop.ForAll(
		func(n int) bool {
			mock := clock.NewMock()
			cache := NewBiCache[sched.TaskGroupKey, string](time.Minute, mock, stats.NilStatsReceiver())

			key := makeGroupKey("job")
			last := ""
			for i := 0; i <= n; i++ {
				last = string(rune('a' + i%26))
				cache.Put(key, last)
			}
			v, ok := cache.GetByKey(key)
			return ok && v == last && cache.Size() == 1
		},
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}

func Test_Backoff_MonotonicAndBounded(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// Repeated failures never decrease the delay and never exceed the
	// ceiling; the first failure starts at the floor.
	properties.Property("delays are monotonic within [floor, ceiling]", prop.ForAll(
		func(failures int) bool {
			policy := BackoffPolicy{Floor: time.Second, Ceiling: time.Minute}
			engine := policy.NewEngine()

			prev := time.Duration(0)
			for i := 0; i < failures; i++ {
				d := engine.NextBackOff()
				if d < prev || d < policy.Floor || d > policy.Ceiling {
					return false
				}
				prev = d
			}
			return failures == 0 || prev <= policy.Ceiling
		},
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}
