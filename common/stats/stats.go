// Package stats provides a minimal metrics layer backed by go-metrics.
// It exists so the rest of loadsweep never imports go-metrics directly:
// instruments are created through a StatsReceiver that can be passed down a
// call tree and scoped at each level, and the whole registry renders to JSON
// for logging or an HTTP status endpoint.
//
// These instruments are live, sampled views meant for watching a long sweep
// in flight. The exact per-level numbers in a report come from
// loadtest.Aggregate, which operates on the full outcome set.
package stats

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Hierarchical names use '/' as a separator, so scope elements have any '/'
// replaced rather than rejected; counters are often named dynamically.
const scopeSep = "/"

// Counter is a monotonically increasing event count.
type Counter interface {
	Inc(int64)
	Count() int64
	Clear()
}

// Gauge holds an int64 value that can be set arbitrarily.
type Gauge interface {
	Update(int64)
	Value() int64
}

// Latency records durations into a sampled histogram.
type Latency interface {
	Record(time.Duration)
	Count() int64
}

// StatsReceiver creates and registers instruments under a scope.
type StatsReceiver interface {
	// Scope returns a receiver that namespaces all instrument names with
	// the given elements: stat.Scope("driver").Counter("sent") is the
	// instrument "driver/sent".
	Scope(scope ...string) StatsReceiver

	Counter(name ...string) Counter
	Gauge(name ...string) Gauge
	Latency(name ...string) Latency

	// Render marshals every registered instrument to JSON. Latencies are
	// rendered in milliseconds with avg/min/max and p50/p90/p99 keys.
	Render(pretty bool) []byte
}

// DefaultStatsReceiver returns a receiver backed by a fresh registry.
func DefaultStatsReceiver() StatsReceiver {
	return &defaultStatsReceiver{registry: metrics.NewRegistry()}
}

// NilStatsReceiver ignores all stats operations.
func NilStatsReceiver() StatsReceiver {
	return &nilStatsReceiver{}
}

type defaultStatsReceiver struct {
	registry metrics.Registry
	scope    []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{registry: s.registry, scope: s.scoped(scope...)}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.scopedName(name...), metrics.NewCounter).(metrics.Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return s.registry.GetOrRegister(s.scopedName(name...), metrics.NewGauge).(metrics.Gauge)
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	h := s.registry.GetOrRegister(s.scopedName(name...), func() metrics.Histogram {
		return metrics.NewHistogram(metrics.NewUniformSample(1000))
	}).(metrics.Histogram)
	return &histLatency{h}
}

func (s *defaultStatsReceiver) Render(pretty bool) []byte {
	data := make(map[string]interface{})
	s.registry.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case metrics.Counter:
			data[name] = m.Count()
		case metrics.Gauge:
			data[name] = m.Value()
		case metrics.Histogram:
			h := m.Snapshot()
			marshalHistogram(data, name, h)
		}
	})
	var b []byte
	var err error
	if pretty {
		b, err = json.MarshalIndent(data, "", "  ")
	} else {
		b, err = json.Marshal(data)
	}
	if err != nil {
		panic("stats registry cannot be marshaled: " + err.Error())
	}
	return b
}

var percentiles = []float64{0.5, 0.9, 0.99}
var percentileLabels = []string{"p50", "p90", "p99"}

func marshalHistogram(data map[string]interface{}, name string, h metrics.Histogram) {
	ms := float64(time.Millisecond)
	data[name+".count"] = h.Count()
	data[name+".avg"] = h.Mean() / ms
	data[name+".min"] = float64(h.Min()) / ms
	data[name+".max"] = float64(h.Max()) / ms
	for i, p := range h.Percentiles(percentiles) {
		data[name+"."+percentileLabels[i]] = p / ms
	}
}

func (s *defaultStatsReceiver) scoped(scope ...string) []string {
	for i, el := range scope {
		scope[i] = strings.Replace(el, scopeSep, "_SLASH_", -1)
	}
	return append(s.scope[:len(s.scope):len(s.scope)], scope...)
}

func (s *defaultStatsReceiver) scopedName(name ...string) string {
	return strings.Join(s.scoped(name...), scopeSep)
}

type histLatency struct {
	h metrics.Histogram
}

func (l *histLatency) Record(d time.Duration) { l.h.Update(d.Nanoseconds()) }
func (l *histLatency) Count() int64           { return l.h.Count() }

type nilStatsReceiver struct{}

func (s *nilStatsReceiver) Scope(scope ...string) StatsReceiver { return s }
func (s *nilStatsReceiver) Counter(name ...string) Counter      { return metrics.NilCounter{} }
func (s *nilStatsReceiver) Gauge(name ...string) Gauge          { return metrics.NilGauge{} }
func (s *nilStatsReceiver) Latency(name ...string) Latency      { return nilLatency{} }
func (s *nilStatsReceiver) Render(pretty bool) []byte           { return []byte("{}") }

type nilLatency struct{}

func (nilLatency) Record(time.Duration) {}
func (nilLatency) Count() int64         { return 0 }
