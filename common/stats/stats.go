// Package stats provides a minimal metrics interface backed by go-metrics.
// We wrap go-metrics so components depend on a small surface that can be
// swapped for a no-op receiver in tests, and so instrument names can be
// scoped per component the way a receiver is passed down a call tree.
package stats

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Counter is a monotonically increasing event count.
type Counter interface {
	Inc(int64)
	Count() int64
}

// Gauge holds an int64 value that can be set arbitrarily.
type Gauge interface {
	Update(int64)
	Value() int64
}

// Latency records callsite durations into a histogram.
type Latency interface {
	Time() *StopWatch
	Percentile(float64) float64
}

// StatsReceiver hands out instruments registered under hierarchical names.
// Name elements are joined with '/'.
type StatsReceiver interface {
	// Scope returns a receiver that namespaces all instruments under the
	// given elements, ex: stat.Scope("offers").Counter("declined").
	Scope(scope ...string) StatsReceiver

	Counter(name ...string) Counter
	Gauge(name ...string) Gauge
	Latency(name ...string) Latency

	// Render marshals the registry contents as JSON.
	Render() []byte
}

// DefaultStatsReceiver returns a receiver backed by a fresh go-metrics registry.
func DefaultStatsReceiver() StatsReceiver {
	return &defaultStatsReceiver{registry: metrics.NewRegistry()}
}

// NilStatsReceiver returns a receiver whose instruments discard everything.
func NilStatsReceiver(scope ...string) StatsReceiver {
	return nilStatsReceiver{}
}

type defaultStatsReceiver struct {
	registry metrics.Registry
	scope    []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{registry: s.registry, scope: append(append([]string{}, s.scope...), scope...)}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return metrics.GetOrRegisterCounter(s.scoped(name), s.registry)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return metrics.GetOrRegisterGauge(s.scoped(name), s.registry)
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	h := metrics.GetOrRegisterHistogram(s.scoped(name), s.registry, metrics.NewExpDecaySample(1028, 0.015))
	return &latency{hist: h}
}

func (s *defaultStatsReceiver) Render() []byte {
	out := map[string]interface{}{}
	s.registry.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case metrics.Counter:
			out[name] = m.Count()
		case metrics.Gauge:
			out[name] = m.Value()
		case metrics.Histogram:
			out[name] = m.Percentile(0.95)
		}
	})
	b, _ := json.Marshal(out)
	return b
}

func (s *defaultStatsReceiver) scoped(name []string) string {
	return strings.Join(append(append([]string{}, s.scope...), name...), "/")
}

type latency struct {
	hist metrics.Histogram
}

func (l *latency) Time() *StopWatch {
	return &StopWatch{start: time.Now(), record: func(d time.Duration) { l.hist.Update(int64(d)) }}
}

func (l *latency) Percentile(p float64) float64 {
	return l.hist.Percentile(p)
}

// StopWatch records the elapsed duration into its parent instrument on Stop.
type StopWatch struct {
	start  time.Time
	record func(time.Duration)
}

func (s *StopWatch) Stop() {
	s.record(time.Since(s.start))
}

// No-op implementations.

type nilStatsReceiver struct{}

func (nilStatsReceiver) Scope(scope ...string) StatsReceiver { return nilStatsReceiver{} }
func (nilStatsReceiver) Counter(name ...string) Counter      { return nilCounter{} }
func (nilStatsReceiver) Gauge(name ...string) Gauge          { return nilGauge{} }
func (nilStatsReceiver) Latency(name ...string) Latency      { return nilLatency{} }
func (nilStatsReceiver) Render() []byte                      { return []byte("{}") }

type nilCounter struct{}

func (nilCounter) Inc(int64)   {}
func (nilCounter) Count() int64 { return 0 }

type nilGauge struct{}

func (nilGauge) Update(int64) {}
func (nilGauge) Value() int64 { return 0 }

type nilLatency struct{}

func (nilLatency) Time() *StopWatch          { return &StopWatch{record: func(time.Duration) {}} }
func (nilLatency) Percentile(float64) float64 { return 0 }
