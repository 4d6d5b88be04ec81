package parser

import (
	"strings"

	"gopkg.in/yaml.v3"

	"subcheck/speedtest/model"
)

type clashDocument struct {
	Proxies []clashProxy `yaml:"proxies"`
}

type clashProxy struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	UUID     string `yaml:"uuid"`
	AlterID  int    `yaml:"alterId"`
	Cipher   string `yaml:"cipher"`
	Password string `yaml:"password"`
	Network  string `yaml:"network"`
	TLS      bool   `yaml:"tls"`
	SNI      string `yaml:"servername"`
	TrojanNI string `yaml:"sni"`
	WSOpts   struct {
		Path    string            `yaml:"path"`
		Headers map[string]string `yaml:"headers"`
	} `yaml:"ws-opts"`
}

// parseClash attempts to interpret the payload as a Clash configuration
// document. The second return value reports whether the payload had
// that shape at all; individual bad proxies inside a valid document are
// dropped, not fatal.
func parseClash(payload string) ([]*model.Node, bool) {
	var doc clashDocument
	if err := yaml.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, false
	}
	if len(doc.Proxies) == 0 {
		return nil, false
	}

	nodes := make([]*model.Node, 0, len(doc.Proxies))
	for _, p := range doc.Proxies {
		if node := p.toNode(); node != nil {
			nodes = append(nodes, node)
		}
	}
	return nodes, true
}

func (p clashProxy) toNode() *model.Node {
	if p.Server == "" || p.Port <= 0 || p.Port > 65535 {
		return nil
	}

	var proto model.Protocol
	auth := model.Auth{
		Network: defaultStr(p.Network, "tcp"),
		TLS:     p.TLS,
		SNI:     defaultStr(p.SNI, p.TrojanNI),
		Path:    p.WSOpts.Path,
		Host:    p.WSOpts.Headers["Host"],
	}

	switch strings.ToLower(p.Type) {
	case "ss", "shadowsocks":
		if p.Cipher == "" || p.Password == "" {
			return nil
		}
		proto = model.ProtocolShadowsocks
		auth.Method = p.Cipher
		auth.Password = p.Password
	case "vmess":
		if p.UUID == "" {
			return nil
		}
		proto = model.ProtocolVMess
		auth.UUID = p.UUID
		auth.AlterID = p.AlterID
	case "vless":
		if p.UUID == "" {
			return nil
		}
		proto = model.ProtocolVLESS
		auth.UUID = p.UUID
	case "trojan":
		if p.Password == "" {
			return nil
		}
		proto = model.ProtocolTrojan
		auth.Password = p.Password
		auth.TLS = true
	default:
		return nil
	}

	name := p.Name
	if name == "" {
		name = p.Server
	}

	return &model.Node{
		Name:     name,
		Protocol: proto,
		Server:   p.Server,
		Port:     p.Port,
		Auth:     auth,
	}
}
