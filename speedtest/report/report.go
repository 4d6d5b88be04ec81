// Package report turns the raw result set into a ranked listing plus
// summary statistics and hands them to the configured sinks. It is a
// pure read/transform step: nothing here touches node state.
package report

import (
	"fmt"
	"sort"
	"strings"

	"subcheck/speedtest/model"
)

// Summary is the final product of a run.
type Summary struct {
	Attempted   int                         `json:"attempted"`
	Succeeded   int                         `json:"succeeded"`
	SuccessRate float64                     `json:"success_rate"`
	Failures    map[model.FailureKind]int   `json:"failures"`
	TotalBytes  int64                       `json:"total_bytes"`
	Ranked      []*model.TestResult         `json:"ranked"`
}

// Summarize drops failures (keeping their kind counts), ranks the
// successes by throughput descending with latency ascending as the
// tie-break, and truncates to topN. topN <= 0 keeps everything.
func Summarize(results []*model.TestResult, totalBytes int64, topN int) *Summary {
	s := &Summary{
		Attempted:  len(results),
		Failures:   make(map[model.FailureKind]int),
		TotalBytes: totalBytes,
	}

	var succeeded []*model.TestResult
	for _, r := range results {
		if r.Success {
			succeeded = append(succeeded, r)
		} else {
			s.Failures[r.Failure]++
		}
	}
	s.Succeeded = len(succeeded)
	if s.Attempted > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Attempted) * 100
	}

	sort.Slice(succeeded, func(i, j int) bool {
		if succeeded[i].Throughput != succeeded[j].Throughput {
			return succeeded[i].Throughput > succeeded[j].Throughput
		}
		return succeeded[i].Latency < succeeded[j].Latency
	})

	if topN > 0 && len(succeeded) > topN {
		succeeded = succeeded[:topN]
	}
	s.Ranked = succeeded
	return s
}

// Render formats the summary as a plain text table for the console.
func (s *Summary) Render() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%-4s  %-40s  %-8s  %12s  %12s\n", "Rank", "Name", "Proto", "Speed(Mbps)", "Latency(ms)")
	for i, r := range s.Ranked {
		name := r.Node.Name
		if len(name) > 40 {
			name = name[:37] + "..."
		}
		fmt.Fprintf(&sb, "%-4d  %-40s  %-8s  %12.2f  %12d\n",
			i+1, name, r.Node.Protocol, r.ThroughputMbps(), r.LatencyMs())
	}

	fmt.Fprintf(&sb, "\nattempted=%d succeeded=%d success_rate=%.1f%% traffic=%.2fMB\n",
		s.Attempted, s.Succeeded, s.SuccessRate, float64(s.TotalBytes)/(1024*1024))

	if len(s.Failures) > 0 {
		kinds := make([]string, 0, len(s.Failures))
		for kind := range s.Failures {
			kinds = append(kinds, string(kind))
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Fprintf(&sb, "  %s: %d\n", kind, s.Failures[model.FailureKind(kind)])
		}
	}
	return sb.String()
}
