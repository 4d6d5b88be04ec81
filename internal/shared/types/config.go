package types

import "time"

// GeneralConf holds run-wide knobs for the testing pipeline.
type GeneralConf struct {
	// Concurrency is the width of the worker pool driving node tests.
	Concurrency int `ini:"concurrency"`
	// MaxNodes caps how many deduplicated nodes are tested per run.
	// -1 means no cap.
	MaxNodes int `ini:"max_nodes"`
	// SuccessLimit stops scheduling new nodes once this many have
	// succeeded. 0 means test everything.
	SuccessLimit int `ini:"success_limit"`
	// Retries is how many extra attempts a failed node gets before its
	// failure is final.
	Retries int `ini:"retries"`
	// EnginePath is the external proxy engine binary.
	EnginePath string `ini:"engine_path"`
}

// SubscriptionConf describes where node subscriptions come from.
type SubscriptionConf struct {
	Sources             []string `ini:"sources" delim:","`
	FetchTimeoutSeconds int      `ini:"fetch_timeout_seconds"`
	FetchRetries        int      `ini:"fetch_retries"`
	// NameFilter keeps only nodes whose display name contains this
	// substring. Empty means keep all.
	NameFilter string `ini:"name_filter"`
	// Protocols keeps only the listed protocol tags. Empty means all
	// supported protocols.
	Protocols []string `ini:"protocols" delim:","`
}

// TestConf describes how each node is measured.
type TestConf struct {
	LatencyURLs             []string `ini:"latency_urls" delim:","`
	SpeedURLs               []string `ini:"speed_urls" delim:","`
	RequestTimeoutSeconds   int      `ini:"request_timeout_seconds"`
	SpeedDurationSeconds    int      `ini:"speed_duration_seconds"`
	SpeedByteCap            int64    `ini:"speed_byte_cap"`
	MinSpeedKBps            int      `ini:"min_speed_kbps"`
	NodeTimeoutSeconds      int      `ini:"node_timeout_seconds"`
	ReadinessTimeoutSeconds int      `ini:"readiness_timeout_seconds"`
	// BandwidthLimitMBps throttles the aggregate download rate across
	// all concurrent speed probes. 0 disables the limiter.
	BandwidthLimitMBps int `ini:"bandwidth_limit_mbps"`
}

// PortConf bounds the local port range handed to probe sessions.
type PortConf struct {
	RangeStart int `ini:"range_start"`
	RangeEnd   int `ini:"range_end"`
}

// OutputConf controls reporting.
type OutputConf struct {
	TopN       int    `ini:"top_n"`
	ResultsDir string `ini:"results_dir"`
	WebhookURL string `ini:"webhook_url"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// Config is the unified behavior configuration for a subcheck run.
type Config struct {
	GeneralConf      `ini:"general"`
	SubscriptionConf `ini:"subscription"`
	TestConf         `ini:"test"`
	PortConf         `ini:"ports"`
	OutputConf       `ini:"output"`
	LogConf          `ini:"log"`
}

// Default returns a Config with the defaults used when a section or key
// is absent from the ini file.
func Default() *Config {
	return &Config{
		GeneralConf: GeneralConf{
			Concurrency:  16,
			MaxNodes:     -1,
			SuccessLimit: 0,
			Retries:      1,
			EnginePath:   "sing-box",
		},
		SubscriptionConf: SubscriptionConf{
			FetchTimeoutSeconds: 15,
			FetchRetries:        2,
		},
		TestConf: TestConf{
			LatencyURLs:             []string{"https://www.gstatic.com/generate_204", "https://www.cloudflare.com/cdn-cgi/trace"},
			SpeedURLs:               []string{"https://speed.cloudflare.com/__down?bytes=104857600"},
			RequestTimeoutSeconds:   8,
			SpeedDurationSeconds:    10,
			SpeedByteCap:            64 << 20,
			MinSpeedKBps:            0,
			NodeTimeoutSeconds:      45,
			ReadinessTimeoutSeconds: 5,
		},
		PortConf: PortConf{
			RangeStart: 10800,
			RangeEnd:   11800,
		},
		OutputConf: OutputConf{
			TopN:       50,
			ResultsDir: "results",
		},
		LogConf: LogConf{Level: "info"},
	}
}

// RequestTimeout returns the per-probe HTTP timeout.
func (t TestConf) RequestTimeout() time.Duration {
	return time.Duration(t.RequestTimeoutSeconds) * time.Second
}

// SpeedDuration returns the wall-clock budget of one speed probe.
func (t TestConf) SpeedDuration() time.Duration {
	return time.Duration(t.SpeedDurationSeconds) * time.Second
}

// NodeTimeout returns the hard deadline for one node's full test.
func (t TestConf) NodeTimeout() time.Duration {
	return time.Duration(t.NodeTimeoutSeconds) * time.Second
}

// ReadinessTimeout bounds the wait for the engine to bind its port.
func (t TestConf) ReadinessTimeout() time.Duration {
	return time.Duration(t.ReadinessTimeoutSeconds) * time.Second
}
