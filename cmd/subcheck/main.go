package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/juju/ratelimit"

	"subcheck/internal/shared/config"
	"subcheck/internal/shared/logger"
	"subcheck/internal/shared/types"
	"subcheck/speedtest/engine"
	"subcheck/speedtest/model"
	"subcheck/speedtest/portpool"
	"subcheck/speedtest/probe"
	"subcheck/speedtest/report"
	"subcheck/speedtest/subscription"
	"subcheck/speedtest/tester"
)

func main() {
	configPath := flag.String("config", "configs/subcheck.ini", "Path to behavior config file")
	subsFile := flag.String("subs", "", "Optional file of subscription sources, one per line (overrides config)")
	flag.Parse()

	cfg := types.Default()
	if err := config.LoadIni(cfg, *configPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", *configPath, err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	sources := cfg.SubscriptionConf.Sources
	if *subsFile != "" {
		fileSources, err := readSources(*subsFile)
		if err != nil {
			logger.Fatal().Err(err).Msgf("Failed to read subscription file '%s'", *subsFile)
		}
		sources = fileSources
	}
	if len(sources) == 0 {
		logger.Fatal().Msg("No subscription sources configured.")
	}

	enginePath := cfg.GeneralConf.EnginePath
	if resolved, err := exec.LookPath(enginePath); err != nil {
		logger.Fatal().Err(err).Str("engine", enginePath).Msg("Engine binary not found.")
	} else {
		enginePath = resolved
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetcher := subscription.NewHTTPFetcher(
		time.Duration(cfg.SubscriptionConf.FetchTimeoutSeconds)*time.Second,
		cfg.SubscriptionConf.FetchRetries,
	)
	aggregator := subscription.NewAggregator(fetcher, subscription.Options{
		NameFilter: cfg.SubscriptionConf.NameFilter,
		Protocols:  parseProtocols(cfg.SubscriptionConf.Protocols),
		MaxNodes:   cfg.GeneralConf.MaxNodes,
	})

	nodes := aggregator.Collect(ctx, sources)
	if len(nodes) == 0 {
		logger.Fatal().Msg("No testable nodes found in any subscription.")
	}

	var bucket *ratelimit.Bucket
	if cfg.TestConf.BandwidthLimitMBps > 0 {
		rate := float64(cfg.TestConf.BandwidthLimitMBps) * 1024 * 1024
		bucket = ratelimit.NewBucketWithRate(rate, int64(rate))
	}

	pool := portpool.New(cfg.PortConf.RangeStart, cfg.PortConf.RangeEnd)
	runner := engine.NewRunner(enginePath, cfg.TestConf.ReadinessTimeout())
	collector := probe.NewCollector(probe.Config{
		LatencyURLs:    cfg.TestConf.LatencyURLs,
		SpeedURLs:      cfg.TestConf.SpeedURLs,
		RequestTimeout: cfg.TestConf.RequestTimeout(),
		SpeedDuration:  cfg.TestConf.SpeedDuration(),
		SpeedByteCap:   cfg.TestConf.SpeedByteCap,
		MinSpeed:       float64(cfg.TestConf.MinSpeedKBps) * 1024,
	}, bucket)

	t := tester.New(tester.Config{
		Concurrency:  cfg.GeneralConf.Concurrency,
		NodeTimeout:  cfg.TestConf.NodeTimeout(),
		Retries:      cfg.GeneralConf.Retries,
		SuccessLimit: cfg.GeneralConf.SuccessLimit,
	}, pool, tester.EngineLauncher{Runner: runner}, collector)

	results := t.Run(ctx, nodes)

	summary := report.Summarize(results, t.TotalBytes(), cfg.OutputConf.TopN)
	fmt.Print(summary.Render())

	var sinks []report.Sink
	if cfg.OutputConf.ResultsDir != "" {
		sinks = append(sinks, &report.FileSink{Dir: cfg.OutputConf.ResultsDir})
	}
	if cfg.OutputConf.WebhookURL != "" {
		sinks = append(sinks, report.NewWebhookSink(cfg.OutputConf.WebhookURL))
	}
	report.Publish(sinks, summary)
}

func readSources(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sources []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sources = append(sources, line)
	}
	return sources, scanner.Err()
}

func parseProtocols(tags []string) []model.Protocol {
	var protocols []model.Protocol
	for _, tag := range tags {
		switch strings.ToLower(strings.TrimSpace(tag)) {
		case "ss", "shadowsocks":
			protocols = append(protocols, model.ProtocolShadowsocks)
		case "vmess":
			protocols = append(protocols, model.ProtocolVMess)
		case "vless":
			protocols = append(protocols, model.ProtocolVLESS)
		case "trojan":
			protocols = append(protocols, model.ProtocolTrojan)
		}
	}
	return protocols
}
