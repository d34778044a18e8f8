// Package telemetry collects in-process run metrics and flushes them to the
// log when a run ends. Runs are short-lived batch jobs, so there is no
// exporter; the structured log line is the metrics sink.
package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Timer   MetricType = "timer"
)

// Metric represents one recorded measurement
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Collector accumulates metrics for one run
type Collector struct {
	mu      sync.Mutex
	metrics []Metric
	enabled bool
}

func NewCollector(enabled bool) *Collector {
	return &Collector{enabled: enabled}
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	if !c.enabled {
		return
	}
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels, Timestamp: time.Now()})
}

// Timer records an operation duration
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	if !c.enabled {
		return
	}
	c.add(Metric{Name: name, Type: Timer, Value: d.Seconds(), Labels: labels, Timestamp: time.Now()})
}

// Time measures the duration of fn under the given metric name
func (c *Collector) Time(name string, labels map[string]string, fn func()) {
	start := time.Now()
	fn()
	c.Timer(name, time.Since(start), labels)
}

func (c *Collector) add(m Metric) {
	c.mu.Lock()
	c.metrics = append(c.metrics, m)
	c.mu.Unlock()
}

// Snapshot returns a copy of everything recorded so far
func (c *Collector) Snapshot() []Metric {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// Flush writes all recorded metrics as one log event and clears the buffer
func (c *Collector) Flush() {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	metrics := c.metrics
	c.metrics = nil
	c.mu.Unlock()
	if len(metrics) == 0 {
		return
	}

	totals := map[string]float64{}
	for _, m := range metrics {
		totals[m.Name] += m.Value
	}
	ev := log.Info()
	for name, v := range totals {
		ev = ev.Float64(name, v)
	}
	ev.Int("metric_count", len(metrics)).Msg("run metrics")
}
