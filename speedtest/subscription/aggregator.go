// Package subscription fetches subscription sources, normalizes them
// and produces the deduplicated node set handed to the orchestrator.
package subscription

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"subcheck/internal/shared/logger"
	"subcheck/speedtest/model"
	"subcheck/speedtest/parser"
)

// fetchConcurrency bounds how many sources are pulled at once.
const fetchConcurrency = 8

// Options control filtering and capping of the merged node set.
type Options struct {
	// NameFilter keeps only nodes whose name contains the substring.
	NameFilter string
	// Protocols keeps only the listed protocol tags. Empty keeps all.
	Protocols []model.Protocol
	// MaxNodes truncates the final set. Values < 0 mean no cap.
	MaxNodes int
}

// Aggregator merges nodes from many sources into one deduplicated,
// stably ordered batch.
type Aggregator struct {
	fetcher Fetcher
	opts    Options
}

func NewAggregator(fetcher Fetcher, opts Options) *Aggregator {
	return &Aggregator{fetcher: fetcher, opts: opts}
}

// Collect fetches every source, normalizes the payloads, merges the
// results in source order, deduplicates by fingerprint (first
// occurrence wins) and applies filters and the node cap. A source that
// fails to fetch is logged and skipped; it never fails the batch.
func (a *Aggregator) Collect(ctx context.Context, sources []string) []*model.Node {
	l := logger.WithComponent("Speedtest/Aggregator")

	payloads := make([][]*model.Node, len(sources))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, source := range sources {
		i, source := i, source
		g.Go(func() error {
			body, err := a.fetcher.Fetch(gctx, source)
			if err != nil {
				l.Warn().Err(err).Str("source", source).Msg("Failed to fetch subscription, skipping.")
				return nil
			}
			nodes := parser.Parse(string(body))
			l.Info().Str("source", source).Int("nodes", len(nodes)).Msg("Subscription fetched.")
			mu.Lock()
			payloads[i] = nodes
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; Wait is only a join point.
	_ = g.Wait()

	raw := 0
	seen := make(map[string]struct{})
	var merged []*model.Node
	for _, nodes := range payloads {
		for _, node := range nodes {
			raw++
			fp := node.Fingerprint()
			if _, dup := seen[fp]; dup {
				continue
			}
			seen[fp] = struct{}{}
			merged = append(merged, node)
		}
	}
	deduped := len(merged)

	merged = a.filter(merged)
	filtered := len(merged)

	// The cap keeps discovery order so reruns against unchanged
	// sources test the same prefix.
	if a.opts.MaxNodes >= 0 && len(merged) > a.opts.MaxNodes {
		merged = merged[:a.opts.MaxNodes]
	}

	l.Info().
		Int("raw", raw).
		Int("deduplicated", deduped).
		Int("filtered", filtered).
		Int("capped", len(merged)).
		Msg("Node set aggregated.")
	return merged
}

func (a *Aggregator) filter(nodes []*model.Node) []*model.Node {
	if a.opts.NameFilter == "" && len(a.opts.Protocols) == 0 {
		return nodes
	}

	allowed := make(map[model.Protocol]struct{}, len(a.opts.Protocols))
	for _, p := range a.opts.Protocols {
		allowed[p] = struct{}{}
	}

	kept := nodes[:0]
	for _, node := range nodes {
		if a.opts.NameFilter != "" && !strings.Contains(node.Name, a.opts.NameFilter) {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[node.Protocol]; !ok {
				continue
			}
		}
		kept = append(kept, node)
	}
	return kept
}
