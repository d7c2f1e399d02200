// Package monitoring defines the observability seams of the vault:
// a metrics collector interface with no-op, in-memory, and Prometheus
// implementations. Components accept a collector and never assume a
// backend.
package monitoring

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricsCollector receives counters and timings from the core.
type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	IncrementCounterBy(name string, value int64, tags map[string]string)
	SetGauge(name string, value float64, tags map[string]string)
	RecordTiming(name string, duration time.Duration, tags map[string]string)
}

// Metric names emitted by the core.
const (
	MetricDecryptions      = "vlt_broker_decryptions"
	MetricCoalescedWaiters = "vlt_broker_coalesced_waiters"
	MetricAccessDenied     = "vlt_broker_denied"
	MetricAccessLatency    = "vlt_broker_access_latency"
	MetricRotations        = "vlt_rotation_runs"
	MetricRotationFailures = "vlt_rotation_failures"
	MetricAuditAppends     = "vlt_audit_appends"
	MetricVaultSaves       = "vlt_store_saves"
)

// NoOpCollector discards everything.
type NoOpCollector struct{}

func (NoOpCollector) IncrementCounter(string, map[string]string)            {}
func (NoOpCollector) IncrementCounterBy(string, int64, map[string]string)   {}
func (NoOpCollector) SetGauge(string, float64, map[string]string)           {}
func (NoOpCollector) RecordTiming(string, time.Duration, map[string]string) {}

// InMemoryCollector accumulates metrics for tests.
type InMemoryCollector struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
	timings  map[string][]time.Duration
}

// NewInMemoryCollector returns an empty in-memory collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
		timings:  make(map[string][]time.Duration),
	}
}

func keyWithTags(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	parts := make([]string, 0, len(tags))
	for k, v := range tags {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s{%s}", name, strings.Join(parts, ","))
}

func (m *InMemoryCollector) IncrementCounter(name string, tags map[string]string) {
	m.IncrementCounterBy(name, 1, tags)
}

func (m *InMemoryCollector) IncrementCounterBy(name string, value int64, tags map[string]string) {
	m.mu.Lock()
	m.counters[keyWithTags(name, tags)] += value
	m.mu.Unlock()
}

func (m *InMemoryCollector) SetGauge(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	m.gauges[keyWithTags(name, tags)] = value
	m.mu.Unlock()
}

func (m *InMemoryCollector) RecordTiming(name string, d time.Duration, tags map[string]string) {
	m.mu.Lock()
	key := keyWithTags(name, tags)
	m.timings[key] = append(m.timings[key], d)
	m.mu.Unlock()
}

// Counter returns the accumulated value for a name+tags combination.
func (m *InMemoryCollector) Counter(name string, tags map[string]string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[keyWithTags(name, tags)]
}

// Timings returns recorded durations for a name+tags combination.
func (m *InMemoryCollector) Timings(name string, tags map[string]string) []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.timings[keyWithTags(name, tags)]...)
}
