// Package probe measures a node through its locally bound socks port:
// first HTTP latency against a set of lightweight targets, then real
// download throughput against large-file URLs.
package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/juju/ratelimit"
	"golang.org/x/net/proxy"

	"subcheck/internal/shared/logger"
)

var (
	// ErrLatencyUnreachable means no latency target answered in time.
	ErrLatencyUnreachable = errors.New("no latency target reachable")
	// ErrBelowMinimumSpeed means the download completed but measured
	// under the configured floor (or produced no usable bytes at all).
	ErrBelowMinimumSpeed = errors.New("throughput below minimum speed")
)

const speedChunkSize = 32 * 1024

// Config holds the measurement parameters for one run. All values are
// plain scalars supplied by the config layer.
type Config struct {
	LatencyURLs    []string
	SpeedURLs      []string
	RequestTimeout time.Duration
	SpeedDuration  time.Duration
	SpeedByteCap   int64
	// MinSpeed is the throughput floor in bytes per second. 0 disables
	// the floor, but a probe that moves no bytes at all still fails.
	MinSpeed float64
}

// Measurement is what a successful collection produces. Bytes is
// populated even when the collection fails, for traffic accounting.
type Measurement struct {
	Latency    time.Duration
	Throughput float64
	Bytes      int64
}

type dialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Collector performs both measurements through a local socks port.
// The optional bucket throttles the aggregate download rate shared by
// all concurrent collectors.
type Collector struct {
	cfg    Config
	bucket *ratelimit.Bucket

	// dialFor is replaced in tests to bypass the socks hop.
	dialFor func(port int) (dialContextFunc, error)
}

func NewCollector(cfg Config, bucket *ratelimit.Bucket) *Collector {
	c := &Collector{cfg: cfg, bucket: bucket}
	c.dialFor = c.socksDialer
	return c
}

// Collect runs latency then throughput through the given port. The
// ctx carries the per-node deadline; if it expires mid-probe the
// remaining work is abandoned and its error returned. The returned
// Measurement is valid even on error so callers can account traffic.
func (c *Collector) Collect(ctx context.Context, port int) (Measurement, error) {
	var m Measurement

	dial, err := c.dialFor(port)
	if err != nil {
		return m, fmt.Errorf("socks dialer: %w", err)
	}
	client := c.newClient(dial)
	defer client.CloseIdleConnections()

	latency, err := c.measureLatency(ctx, client)
	if err != nil {
		return m, err
	}
	m.Latency = latency

	throughput, bytes, err := c.measureThroughput(ctx, client)
	m.Bytes = bytes
	if err != nil {
		return m, err
	}
	m.Throughput = throughput

	if throughput <= 0 || (c.cfg.MinSpeed > 0 && throughput < c.cfg.MinSpeed) {
		return m, fmt.Errorf("%w: measured %.1f KB/s", ErrBelowMinimumSpeed, throughput/1024)
	}
	return m, nil
}

// measureLatency probes every configured target and reports the
// minimum successful latency. One responsive fast target is enough
// for the node to pass; slow or dead targets only matter when all of
// them are.
func (c *Collector) measureLatency(ctx context.Context, client *http.Client) (time.Duration, error) {
	l := logger.WithComponent("Speedtest/Probe")

	best := time.Duration(-1)
	for _, target := range c.cfg.LatencyURLs {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		elapsed, err := c.probeOnce(reqCtx, client, target)
		cancel()
		if err != nil {
			l.Debug().Err(err).Str("target", target).Msg("Latency probe failed.")
			continue
		}
		if best < 0 || elapsed < best {
			best = elapsed
		}
	}

	if best < 0 {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, ErrLatencyUnreachable
	}
	return best, nil
}

func (c *Collector) probeOnce(ctx context.Context, client *http.Client, target string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

// measureThroughput downloads from the speed URLs, one after another,
// until a single usable measurement is obtained. The download stops at
// the duration budget or the byte cap, whichever comes first.
func (c *Collector) measureThroughput(ctx context.Context, client *http.Client) (float64, int64, error) {
	l := logger.WithComponent("Speedtest/Probe")

	var totalBytes int64
	for _, target := range c.cfg.SpeedURLs {
		if ctx.Err() != nil {
			return 0, totalBytes, ctx.Err()
		}

		speed, bytes, err := c.downloadOnce(ctx, client, target)
		totalBytes += bytes
		if err != nil {
			l.Debug().Err(err).Str("target", target).Msg("Speed probe failed.")
			continue
		}
		if speed > 0 {
			return speed, totalBytes, nil
		}
	}

	if ctx.Err() != nil {
		return 0, totalBytes, ctx.Err()
	}
	return 0, totalBytes, fmt.Errorf("%w: no speed target produced a measurement", ErrBelowMinimumSpeed)
}

func (c *Collector) downloadOnce(ctx context.Context, client *http.Client, target string) (float64, int64, error) {
	dlCtx, cancel := context.WithTimeout(ctx, c.cfg.SpeedDuration+2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, target, nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("status %d", resp.StatusCode)
	}

	start := time.Now()
	var downloaded int64
	buf := make([]byte, speedChunkSize)
	for {
		if time.Since(start) >= c.cfg.SpeedDuration {
			break
		}
		if c.cfg.SpeedByteCap > 0 && downloaded >= c.cfg.SpeedByteCap {
			break
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			downloaded += int64(n)
			if c.bucket != nil {
				// Cooperative throttle against the shared uplink
				// budget.
				c.bucket.Wait(int64(n))
			}
		}
		if err != nil {
			break
		}
	}

	// A download cut short by the node deadline is not a measurement,
	// no matter how many bytes arrived before the cut.
	if ctx.Err() != nil {
		return 0, downloaded, ctx.Err()
	}

	elapsed := time.Since(start)
	// Less than 1 KB is noise, not a measurement.
	if downloaded < 1024 || elapsed <= 0 {
		return 0, downloaded, nil
	}
	return float64(downloaded) / elapsed.Seconds(), downloaded, nil
}

func (c *Collector) newClient(dial dialContextFunc) *http.Client {
	transport := &http.Transport{
		DialContext:           dial,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		IdleConnTimeout:       c.cfg.RequestTimeout,
		TLSHandshakeTimeout:   c.cfg.RequestTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     false,
	}
	return &http.Client{Transport: transport}
}

func (c *Collector) socksDialer(port int) (dialContextFunc, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	dialer, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{Timeout: c.cfg.RequestTimeout})
	if err != nil {
		return nil, err
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support context dialing")
	}
	return contextDialer.DialContext, nil
}
