package model

import "time"

// FailureKind classifies why a node test failed. All kinds are
// per-node and non-fatal to the run.
type FailureKind string

const (
	FailureNone                FailureKind = ""
	FailureUnsupportedProtocol FailureKind = "unsupported_protocol"
	FailurePoolExhausted       FailureKind = "pool_exhausted"
	FailureStartupFailed       FailureKind = "startup_failed"
	FailureReadinessTimeout    FailureKind = "readiness_timeout"
	FailureLatencyUnreachable  FailureKind = "latency_unreachable"
	FailureBelowMinimumSpeed   FailureKind = "below_minimum_speed"
	FailureProbeTimeout        FailureKind = "probe_timeout"
	FailureInternal            FailureKind = "internal_error"
)

// TestResult is the single record a worker produces for one node.
// Latency and Throughput are only meaningful when Success is true.
type TestResult struct {
	Node        *Node         `json:"node"`
	Fingerprint string        `json:"fingerprint"`
	Success     bool          `json:"success"`
	Failure     FailureKind   `json:"failure,omitempty"`
	Latency     time.Duration `json:"latency_ns,omitempty"`
	// Throughput is measured in bytes per second.
	Throughput float64 `json:"throughput_bps,omitempty"`
	// BytesTransferred is the traffic consumed by the speed probe,
	// kept for run-level accounting.
	BytesTransferred int64 `json:"bytes_transferred"`
}

// Failed builds a failure result for a node.
func Failed(node *Node, kind FailureKind) *TestResult {
	return &TestResult{
		Node:        node,
		Fingerprint: node.Fingerprint(),
		Failure:     kind,
	}
}

// LatencyMs returns the latency in whole milliseconds.
func (r *TestResult) LatencyMs() int64 {
	return r.Latency.Milliseconds()
}

// ThroughputMbps returns the throughput in megabits per second.
func (r *TestResult) ThroughputMbps() float64 {
	return r.Throughput * 8 / (1024 * 1024)
}
