package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Protocol is the closed set of node protocols the pipeline understands.
// Anything else is dropped during normalization.
type Protocol string

const (
	ProtocolShadowsocks Protocol = "ss"
	ProtocolVMess       Protocol = "vmess"
	ProtocolVLESS       Protocol = "vless"
	ProtocolTrojan      Protocol = "trojan"
)

// Supported reports whether the protocol is one the engine can run.
func (p Protocol) Supported() bool {
	switch p {
	case ProtocolShadowsocks, ProtocolVMess, ProtocolVLESS, ProtocolTrojan:
		return true
	}
	return false
}

// Auth carries the protocol-specific credential bundle plus the
// transport options needed to reproduce the node in an engine config.
type Auth struct {
	UUID     string `json:"uuid,omitempty"`     // vmess, vless
	AlterID  int    `json:"alter_id,omitempty"` // vmess
	Method   string `json:"method,omitempty"`   // shadowsocks cipher
	Password string `json:"password,omitempty"` // shadowsocks, trojan

	Network string `json:"network,omitempty"` // "tcp" or "ws"
	Path    string `json:"path,omitempty"`    // ws path
	Host    string `json:"host,omitempty"`    // ws Host header
	TLS     bool   `json:"tls,omitempty"`
	SNI     string `json:"sni,omitempty"`
}

// Node is one proxy endpoint extracted from a subscription. It is
// immutable once created.
type Node struct {
	Name     string   `json:"name"`
	Protocol Protocol `json:"protocol"`
	Server   string   `json:"server"`
	Port     int      `json:"port"`
	Auth     Auth     `json:"auth"`
}

// Fingerprint is the canonical identity used for deduplication. It is
// derived from protocol, endpoint and credentials. The display name is
// deliberately excluded: subscription names are cosmetic and often
// rewritten per source.
func (n *Node) Fingerprint() string {
	canonical := strings.Join([]string{
		string(n.Protocol),
		n.Server,
		fmt.Sprintf("%d", n.Port),
		n.Auth.UUID,
		n.Auth.Method,
		n.Auth.Password,
		fmt.Sprintf("%d", n.Auth.AlterID),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8])
}

// Addr returns the remote endpoint as host:port.
func (n *Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Server, n.Port)
}
