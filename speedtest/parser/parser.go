// Package parser normalizes raw subscription payloads into node
// descriptors. A payload may be a Clash-style YAML document, a Base64
// blob wrapping either of the other two shapes, or a plain
// newline-delimited list of share links. Malformed entries are skipped
// one by one and never fail the whole payload.
package parser

import (
	"encoding/base64"
	"strings"

	"subcheck/internal/shared/logger"
	"subcheck/speedtest/model"
)

// Parse decodes one subscription payload into a fresh slice of nodes.
// Each call returns an independent slice; callers may mutate or
// re-iterate freely.
func Parse(payload string) []*model.Node {
	l := logger.WithComponent("Speedtest/Parser")

	if nodes, ok := parseClash(payload); ok {
		l.Debug().Int("count", len(nodes)).Msg("Parsed payload as Clash document.")
		return nodes
	}

	if decoded, ok := decodeBase64(strings.TrimSpace(payload)); ok {
		payload = decoded
		if nodes, ok := parseClash(payload); ok {
			l.Debug().Int("count", len(nodes)).Msg("Parsed Base64 payload as Clash document.")
			return nodes
		}
	}

	var nodes []*model.Node
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		node, err := ParseURI(line)
		if err != nil {
			l.Debug().Err(err).Str("line", truncate(line, 48)).Msg("Skipping unparsable subscription line.")
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// decodeBase64 tries the common subscription encodings. Feeds are
// inconsistent about padding and alphabet, so every variant is
// attempted before giving up.
func decodeBase64(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		if decoded, err := enc.DecodeString(s); err == nil {
			return string(decoded), true
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
