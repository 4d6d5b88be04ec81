// Package engine drives the external proxy engine: it translates one
// node descriptor into an ephemeral engine configuration, runs the
// engine process bound to a local socks port and guarantees teardown on
// every exit path.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"subcheck/speedtest/model"
)

// ErrUnsupportedProtocol is surfaced before any process is spawned.
var ErrUnsupportedProtocol = errors.New("protocol not supported by engine")

// BuildConfig renders the engine configuration for exactly one node
// proxied through a socks inbound on 127.0.0.1:port. The schema is the
// sing-box shape: one inbound, one typed outbound, a route sending
// everything through it.
func BuildConfig(node *model.Node, port int) ([]byte, error) {
	outbound, err := buildOutbound(node)
	if err != nil {
		return nil, err
	}

	cfg := map[string]any{
		"log": map[string]any{
			"level": "error",
		},
		"inbounds": []map[string]any{
			{
				"type":        "socks",
				"tag":         "socks-in",
				"listen":      "127.0.0.1",
				"listen_port": port,
			},
		},
		"outbounds": []map[string]any{
			outbound,
			{"type": "direct", "tag": "direct"},
		},
		"route": map[string]any{
			"rules": []map[string]any{
				{"inbound": []string{"socks-in"}, "outbound": "proxy"},
			},
		},
	}
	return json.MarshalIndent(cfg, "", "  ")
}

func buildOutbound(node *model.Node) (map[string]any, error) {
	out := map[string]any{
		"tag":         "proxy",
		"server":      node.Server,
		"server_port": node.Port,
	}

	switch node.Protocol {
	case model.ProtocolShadowsocks:
		out["type"] = "shadowsocks"
		out["method"] = node.Auth.Method
		out["password"] = node.Auth.Password
	case model.ProtocolVMess:
		out["type"] = "vmess"
		out["uuid"] = node.Auth.UUID
		out["alter_id"] = node.Auth.AlterID
		addTransport(out, node)
		addTLS(out, node)
	case model.ProtocolVLESS:
		out["type"] = "vless"
		out["uuid"] = node.Auth.UUID
		addTransport(out, node)
		addTLS(out, node)
	case model.ProtocolTrojan:
		out["type"] = "trojan"
		out["password"] = node.Auth.Password
		addTLS(out, node)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, node.Protocol)
	}
	return out, nil
}

func addTransport(out map[string]any, node *model.Node) {
	if node.Auth.Network != "ws" {
		return
	}
	host := node.Auth.Host
	if host == "" {
		host = node.Server
	}
	path := node.Auth.Path
	if path == "" {
		path = "/"
	}
	out["transport"] = map[string]any{
		"type":    "ws",
		"path":    path,
		"headers": map[string]string{"Host": host},
	}
}

func addTLS(out map[string]any, node *model.Node) {
	if !node.Auth.TLS {
		return
	}
	serverName := node.Auth.SNI
	if serverName == "" {
		serverName = node.Auth.Host
	}
	if serverName == "" {
		serverName = node.Server
	}
	out["tls"] = map[string]any{
		"enabled":     true,
		"server_name": serverName,
	}
}
