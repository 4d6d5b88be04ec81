package tester

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subcheck/speedtest/engine"
	"subcheck/speedtest/model"
	"subcheck/speedtest/portpool"
	"subcheck/speedtest/probe"
)

type fakePorts struct {
	mu       sync.Mutex
	next     int
	held     map[int]struct{}
	failAll  bool
	maxSeen  int
	acquired int
	released int
}

func newFakePorts() *fakePorts {
	return &fakePorts{next: 10800, held: make(map[int]struct{})}
}

func (f *fakePorts) Acquire() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return 0, portpool.ErrExhausted
	}
	port := f.next
	f.next++
	f.held[port] = struct{}{}
	f.acquired++
	if len(f.held) > f.maxSeen {
		f.maxSeen = len(f.held)
	}
	return port, nil
}

func (f *fakePorts) Release(port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, port)
	f.released++
}

type fakeSession struct {
	closed *atomic.Int64
}

func (s *fakeSession) Close() { s.closed.Add(1) }

type fakeLauncher struct {
	err    error
	closed atomic.Int64
	delay  time.Duration
}

func (f *fakeLauncher) Start(ctx context.Context, _ *model.Node, _ int) (Session, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &fakeSession{closed: &f.closed}, nil
}

type fakeCollector struct {
	err     error
	panics  bool
	latency time.Duration
	speed   float64
	bytes   int64
	calls   atomic.Int64
}

func (f *fakeCollector) Collect(ctx context.Context, _ int) (probe.Measurement, error) {
	f.calls.Add(1)
	if f.panics {
		panic("collector exploded")
	}
	m := probe.Measurement{Latency: f.latency, Throughput: f.speed, Bytes: f.bytes}
	if f.err != nil {
		return m, f.err
	}
	return m, nil
}

func makeNodes(n int) []*model.Node {
	nodes := make([]*model.Node, n)
	for i := range nodes {
		nodes[i] = &model.Node{
			Name:     fmt.Sprintf("node-%02d", i),
			Protocol: model.ProtocolTrojan,
			Server:   fmt.Sprintf("host-%02d.example.com", i),
			Port:     443,
			Auth:     model.Auth{Password: "pw", TLS: true},
		}
	}
	return nodes
}

func baseConfig() Config {
	return Config{Concurrency: 4, NodeTimeout: 5 * time.Second}
}

func TestRun_OneResultPerNode(t *testing.T) {
	ports := newFakePorts()
	launcher := &fakeLauncher{}
	collector := &fakeCollector{latency: 50 * time.Millisecond, speed: 1 << 20, bytes: 4 << 20}
	tr := New(baseConfig(), ports, launcher, collector)

	nodes := makeNodes(20)
	results := tr.Run(context.Background(), nodes)

	require.Len(t, results, len(nodes))
	seen := map[string]int{}
	for _, r := range results {
		seen[r.Fingerprint]++
		assert.True(t, r.Success)
	}
	for fp, count := range seen {
		assert.Equal(t, 1, count, "fingerprint %s", fp)
	}
}

func TestRun_ConcurrencyCeilingHolds(t *testing.T) {
	ports := newFakePorts()
	launcher := &fakeLauncher{delay: 50 * time.Millisecond}
	collector := &fakeCollector{latency: time.Millisecond, speed: 1, bytes: 1}
	cfg := baseConfig()
	cfg.Concurrency = 3
	tr := New(cfg, ports, launcher, collector)

	tr.Run(context.Background(), makeNodes(12))

	// Held ports track active probes one to one.
	assert.LessOrEqual(t, ports.maxSeen, 3)
}

func TestRun_PortsReleasedOnEveryPath(t *testing.T) {
	cases := []struct {
		name      string
		launcher  *fakeLauncher
		collector *fakeCollector
	}{
		{"success", &fakeLauncher{}, &fakeCollector{latency: 1, speed: 1 << 20, bytes: 1}},
		{"startup failure", &fakeLauncher{err: engine.ErrStartupFailed}, &fakeCollector{}},
		{"latency failure", &fakeLauncher{}, &fakeCollector{err: probe.ErrLatencyUnreachable}},
		{"collector panic", &fakeLauncher{}, &fakeCollector{panics: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ports := newFakePorts()
			cfg := baseConfig()
			cfg.Retries = 1
			tr := New(cfg, ports, tc.launcher, tc.collector)

			results := tr.Run(context.Background(), makeNodes(6))

			require.Len(t, results, 6)
			assert.Equal(t, ports.acquired, ports.released)
			assert.Empty(t, ports.held)
		})
	}
}

func TestRun_FailureKindMapping(t *testing.T) {
	cases := []struct {
		name      string
		launcher  *fakeLauncher
		collector *fakeCollector
		want      model.FailureKind
	}{
		{"startup", &fakeLauncher{err: engine.ErrStartupFailed}, &fakeCollector{}, model.FailureStartupFailed},
		{"readiness", &fakeLauncher{err: engine.ErrReadinessTimeout}, &fakeCollector{}, model.FailureReadinessTimeout},
		{"latency", &fakeLauncher{}, &fakeCollector{err: probe.ErrLatencyUnreachable}, model.FailureLatencyUnreachable},
		{"min speed", &fakeLauncher{}, &fakeCollector{err: probe.ErrBelowMinimumSpeed}, model.FailureBelowMinimumSpeed},
		{"deadline", &fakeLauncher{}, &fakeCollector{err: context.DeadlineExceeded}, model.FailureProbeTimeout},
		{"panic", &fakeLauncher{}, &fakeCollector{panics: true}, model.FailureInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := New(baseConfig(), newFakePorts(), tc.launcher, tc.collector)

			results := tr.Run(context.Background(), makeNodes(1))

			require.Len(t, results, 1)
			assert.False(t, results[0].Success)
			assert.Equal(t, tc.want, results[0].Failure)
		})
	}
}

func TestRun_UnsupportedProtocolNeverTouchesResources(t *testing.T) {
	ports := newFakePorts()
	collector := &fakeCollector{}
	tr := New(baseConfig(), ports, &fakeLauncher{}, collector)

	nodes := makeNodes(1)
	nodes[0].Protocol = "wireguard"

	results := tr.Run(context.Background(), nodes)

	require.Len(t, results, 1)
	assert.Equal(t, model.FailureUnsupportedProtocol, results[0].Failure)
	assert.Equal(t, 0, ports.acquired)
	assert.Equal(t, int64(0), collector.calls.Load())
}

func TestRun_PoolExhaustedIsPerNodeFailure(t *testing.T) {
	ports := newFakePorts()
	ports.failAll = true
	tr := New(baseConfig(), ports, &fakeLauncher{}, &fakeCollector{})

	results := tr.Run(context.Background(), makeNodes(3))

	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, model.FailurePoolExhausted, r.Failure)
	}
}

func TestRun_RetryRecoversTransientFailure(t *testing.T) {
	var attempts atomic.Int64
	launcher := &fakeLauncher{}
	collector := &flakyCollector{failFirst: 1, attempts: &attempts}
	cfg := baseConfig()
	cfg.Retries = 2
	tr := New(cfg, newFakePorts(), launcher, collector)

	results := tr.Run(context.Background(), makeNodes(1))

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, int64(2), attempts.Load())
}

type flakyCollector struct {
	failFirst int64
	attempts  *atomic.Int64
}

func (f *flakyCollector) Collect(ctx context.Context, _ int) (probe.Measurement, error) {
	n := f.attempts.Add(1)
	if n <= f.failFirst {
		return probe.Measurement{}, probe.ErrLatencyUnreachable
	}
	return probe.Measurement{Latency: time.Millisecond, Throughput: 1 << 20, Bytes: 1 << 10}, nil
}

func TestRun_SuccessLimitStopsScheduling(t *testing.T) {
	launcher := &fakeLauncher{delay: 20 * time.Millisecond}
	collector := &fakeCollector{latency: 1, speed: 1 << 20, bytes: 1}
	cfg := baseConfig()
	cfg.Concurrency = 1
	cfg.SuccessLimit = 2
	tr := New(cfg, newFakePorts(), launcher, collector)

	results := tr.Run(context.Background(), makeNodes(10))

	assert.Less(t, len(results), 10)
	assert.GreaterOrEqual(t, len(results), 2)
}

func TestRun_CancelledRunStopsIntakeAndTearsDown(t *testing.T) {
	ports := newFakePorts()
	launcher := &fakeLauncher{delay: 100 * time.Millisecond}
	collector := &fakeCollector{latency: 1, speed: 1, bytes: 1}
	cfg := baseConfig()
	cfg.Concurrency = 2
	tr := New(cfg, ports, launcher, collector)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(120 * time.Millisecond)
		cancel()
	}()

	results := tr.Run(ctx, makeNodes(50))

	assert.Less(t, len(results), 50)
	assert.Equal(t, ports.acquired, ports.released)
	assert.Empty(t, ports.held)
}

func TestRun_CancelDuringRetryBackoffReturnsPromptly(t *testing.T) {
	collector := &fakeCollector{err: probe.ErrLatencyUnreachable}
	cfg := baseConfig()
	cfg.Retries = 5
	tr := New(cfg, newFakePorts(), &fakeLauncher{}, collector)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results := tr.Run(ctx, makeNodes(1))

	// The backoff between attempts must not outlive the run context.
	assert.Less(t, time.Since(start), 700*time.Millisecond)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
}

func TestRun_TotalBytesAccountedEvenOnFailure(t *testing.T) {
	collector := &fakeCollector{err: probe.ErrBelowMinimumSpeed, bytes: 3 << 20}
	tr := New(baseConfig(), newFakePorts(), &fakeLauncher{}, collector)

	results := tr.Run(context.Background(), makeNodes(2))

	// No retries configured, so exactly one probe per node.
	assert.Equal(t, int64(6<<20), tr.TotalBytes())

	// Each failed result still carries the traffic it consumed.
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Equal(t, int64(3<<20), r.BytesTransferred)
	}
}
