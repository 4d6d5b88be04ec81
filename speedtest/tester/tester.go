// Package tester is the orchestration engine: a bounded pool of
// workers that drives the port allocator, the engine session and the
// metrics collector over the deduplicated node set. Every per-node
// error is caught at the worker boundary and becomes a failed result;
// nothing a single node does can stall or crash the batch.
package tester

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"subcheck/internal/shared/logger"
	"subcheck/speedtest/engine"
	"subcheck/speedtest/model"
	"subcheck/speedtest/portpool"
	"subcheck/speedtest/probe"
)

// Ports abstracts the port allocator.
type Ports interface {
	Acquire() (int, error)
	Release(port int)
}

// Session is a running engine process owned by one worker.
type Session interface {
	Close()
}

// Launcher starts engine sessions.
type Launcher interface {
	Start(ctx context.Context, node *model.Node, port int) (Session, error)
}

// Collector measures a node through its local port.
type Collector interface {
	Collect(ctx context.Context, port int) (probe.Measurement, error)
}

// EngineLauncher adapts engine.Runner to the Launcher interface.
type EngineLauncher struct {
	Runner *engine.Runner
}

func (e EngineLauncher) Start(ctx context.Context, node *model.Node, port int) (Session, error) {
	s, err := e.Runner.Start(ctx, node, port)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Config holds the orchestration knobs.
type Config struct {
	// Concurrency is the fixed worker pool width.
	Concurrency int
	// NodeTimeout is the hard per-node deadline covering engine
	// startup, readiness and both probes.
	NodeTimeout time.Duration
	// Retries is how many extra attempts a failed node gets.
	Retries int
	// SuccessLimit stops scheduling new nodes once this many have
	// succeeded. 0 disables the limit.
	SuccessLimit int
}

// Tester runs the full test over a node set.
type Tester struct {
	cfg       Config
	ports     Ports
	launcher  Launcher
	collector Collector

	tested     atomic.Int64
	succeeded  atomic.Int64
	totalBytes atomic.Int64
}

func New(cfg Config, ports Ports, launcher Launcher, collector Collector) *Tester {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	return &Tester{
		cfg:       cfg,
		ports:     ports,
		launcher:  launcher,
		collector: collector,
	}
}

// TotalBytes reports the traffic consumed by all speed probes so far.
func (t *Tester) TotalBytes() int64 { return t.totalBytes.Load() }

// Run tests every node with bounded concurrency and returns one result
// per tested node. When the context is cancelled or the success limit
// is reached, remaining nodes are not started; in-flight nodes are
// cancelled and torn down before Run returns.
func (t *Tester) Run(ctx context.Context, nodes []*model.Node) []*model.TestResult {
	l := logger.WithComponent("Speedtest/Tester")
	if len(nodes) == 0 {
		return nil
	}

	l.Info().Int("count", len(nodes)).Int("concurrency", t.cfg.Concurrency).Msg("Starting test batch...")

	var wg sync.WaitGroup
	resultsChan := make(chan *model.TestResult, len(nodes))
	semaphore := make(chan struct{}, t.cfg.Concurrency)

	for _, node := range nodes {
		if ctx.Err() != nil {
			l.Warn().Msg("Run cancelled, not scheduling remaining nodes.")
			break
		}
		if t.cfg.SuccessLimit > 0 && t.succeeded.Load() >= int64(t.cfg.SuccessLimit) {
			l.Info().Int("limit", t.cfg.SuccessLimit).Msg("Success limit reached, not scheduling remaining nodes.")
			break
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func(node *model.Node) {
			defer wg.Done()
			defer func() { <-semaphore }()

			result := t.testNode(ctx, node)
			t.tested.Add(1)
			if result.Success {
				t.succeeded.Add(1)
				l.Info().
					Str("node", node.Name).
					Int64("latency_ms", result.LatencyMs()).
					Float64("mbps", result.ThroughputMbps()).
					Msg("Node passed.")
			} else {
				l.Debug().
					Str("node", node.Name).
					Str("failure", string(result.Failure)).
					Msg("Node failed.")
			}
			resultsChan <- result
		}(node)
	}

	wg.Wait()
	close(resultsChan)

	results := make([]*model.TestResult, 0, len(nodes))
	for r := range resultsChan {
		results = append(results, r)
	}

	l.Info().
		Int("tested", len(results)).
		Int64("succeeded", t.succeeded.Load()).
		Msg("Test batch finished.")
	return results
}

// testNode produces exactly one result for one node, retrying
// transient failures up to the configured attempt budget.
func (t *Tester) testNode(ctx context.Context, node *model.Node) (result *model.TestResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("node", node.Name).Msg("Worker panicked, recording internal error.")
			result = model.Failed(node, model.FailureInternal)
		}
	}()

	// Surfaced before any resource is acquired.
	if !node.Protocol.Supported() {
		return model.Failed(node, model.FailureUnsupportedProtocol)
	}

	for attempt := 0; ; attempt++ {
		result = t.attempt(ctx, node)
		if result.Success {
			return result
		}
		if result.Failure == model.FailureUnsupportedProtocol {
			return result
		}
		if attempt >= t.cfg.Retries || ctx.Err() != nil {
			return result
		}
		select {
		case <-ctx.Done():
			return result
		case <-time.After(time.Second):
		}
	}
}

// attempt runs one full probe lifecycle: acquire port, start engine,
// collect metrics, tear everything down. Each resource is released on
// every exit path by the deferred calls.
func (t *Tester) attempt(parent context.Context, node *model.Node) *model.TestResult {
	ctx, cancel := context.WithTimeout(parent, t.cfg.NodeTimeout)
	defer cancel()

	port, err := t.ports.Acquire()
	if err != nil {
		return model.Failed(node, model.FailurePoolExhausted)
	}
	defer t.ports.Release(port)

	session, err := t.launcher.Start(ctx, node, port)
	if err != nil {
		return model.Failed(node, startFailureKind(err))
	}
	defer session.Close()

	m, err := t.collector.Collect(ctx, port)
	t.totalBytes.Add(m.Bytes)
	if err != nil {
		result := model.Failed(node, collectFailureKind(err))
		result.BytesTransferred = m.Bytes
		return result
	}

	return &model.TestResult{
		Node:             node,
		Fingerprint:      node.Fingerprint(),
		Success:          true,
		Latency:          m.Latency,
		Throughput:       m.Throughput,
		BytesTransferred: m.Bytes,
	}
}

func startFailureKind(err error) model.FailureKind {
	switch {
	case errors.Is(err, engine.ErrUnsupportedProtocol):
		return model.FailureUnsupportedProtocol
	case errors.Is(err, engine.ErrStartupFailed):
		return model.FailureStartupFailed
	case errors.Is(err, engine.ErrReadinessTimeout):
		return model.FailureReadinessTimeout
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return model.FailureProbeTimeout
	}
	return model.FailureInternal
}

func collectFailureKind(err error) model.FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return model.FailureProbeTimeout
	case errors.Is(err, probe.ErrLatencyUnreachable):
		return model.FailureLatencyUnreachable
	case errors.Is(err, probe.ErrBelowMinimumSpeed):
		return model.FailureBelowMinimumSpeed
	}
	return model.FailureInternal
}

// Ensure portpool satisfies the Ports seam.
var _ Ports = (*portpool.Pool)(nil)
