package ublkctl

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-ublkctl/internal/ctrl"
	"github.com/ehrlich-b/go-ublkctl/internal/uapi"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Control commands range from a few microseconds (GET_DEV_INFO) to seconds
// (START_DEV waits for every queue to be ready).
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const (
	numLatencyBuckets = 8

	// control opcodes are small integers; index counters by them directly
	numOpcodes = uapi.UBLK_CMD_GET_PARAMS + 1
)

// Metrics tracks control command statistics for a session
type Metrics struct {
	Commands [numOpcodes]atomic.Uint64 // submitted commands by opcode
	Errors   [numOpcodes]atomic.Uint64 // failed commands by opcode

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Each bucket[i] counts commands with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCommand records one completed control command. Unknown opcodes only
// count towards latency.
func (m *Metrics) RecordCommand(op uint32, latencyNs uint64, success bool) {
	op = uapi.CommandNumber(op)
	if op < numOpcodes {
		m.Commands[op].Add(1)
		if !success {
			m.Errors[op].Add(1)
		}
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the session as closed
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	// keyed by command name, e.g. "ADD_DEV"; only commands seen at least once
	Commands map[string]uint64
	Errors   map[string]uint64

	TotalCommands uint64
	TotalErrors   uint64
	ErrorRate     float64 // percentage of failed commands

	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	UptimeNs uint64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Commands: make(map[string]uint64),
		Errors:   make(map[string]uint64),
	}

	for op := uint32(0); op < numOpcodes; op++ {
		n := m.Commands[op].Load()
		if n == 0 {
			continue
		}
		name := uapi.CommandName(op)
		snap.Commands[name] = n
		snap.TotalCommands += n
		if e := m.Errors[op].Load(); e > 0 {
			snap.Errors[name] = e
			snap.TotalErrors += e
		}
	}

	if snap.TotalCommands > 0 {
		snap.ErrorRate = float64(snap.TotalErrors) / float64(snap.TotalCommands) * 100.0
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	startTime := m.StartTime.Load()
	if stopTime := m.StopTime.Load(); stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all counters (useful for testing)
func (m *Metrics) Reset() {
	for op := range m.Commands {
		m.Commands[op].Store(0)
		m.Errors[op].Store(0)
	}
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives one call per completed control command. Install one
// with Controller.SetObserver.
type Observer = ctrl.Observer

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveCommand(uint32, uint64, bool) {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCommand(op uint32, latencyNs uint64, success bool) {
	o.metrics.RecordCommand(op, latencyNs, success)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
