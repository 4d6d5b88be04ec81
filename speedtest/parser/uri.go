package parser

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"subcheck/speedtest/model"
)

// ParseURI parses a single share link by its scheme. Unknown schemes
// are an error so the caller can count and skip them.
func ParseURI(raw string) (*model.Node, error) {
	switch {
	case strings.HasPrefix(raw, "ss://"):
		return parseShadowsocks(raw)
	case strings.HasPrefix(raw, "vmess://"):
		return parseVMess(raw)
	case strings.HasPrefix(raw, "vless://"):
		return parseVLESS(raw)
	case strings.HasPrefix(raw, "trojan://"):
		return parseTrojan(raw)
	}
	return nil, fmt.Errorf("unsupported scheme: %s", truncate(raw, 24))
}

// parseShadowsocks handles both common ss:// encodings: the userinfo
// form ss://base64(method:password)@host:port#name and the legacy fully
// encoded form ss://base64(method:password@host:port)#name.
func parseShadowsocks(raw string) (*model.Node, error) {
	body := strings.TrimPrefix(raw, "ss://")
	name := ""
	if idx := strings.Index(body, "#"); idx >= 0 {
		name = unescape(body[idx+1:])
		body = body[:idx]
	}
	if idx := strings.Index(body, "?"); idx >= 0 {
		// Plugin options are not runnable through the engine config we
		// generate, but the endpoint itself still is.
		body = body[:idx]
	}

	if !strings.Contains(body, "@") {
		decoded, ok := decodeBase64(body)
		if !ok {
			return nil, fmt.Errorf("ss: body is neither userinfo form nor base64")
		}
		body = decoded
	}

	at := strings.LastIndex(body, "@")
	if at < 0 {
		return nil, fmt.Errorf("ss: missing credentials separator")
	}
	userinfo, hostport := body[:at], body[at+1:]

	if !strings.Contains(userinfo, ":") {
		decoded, ok := decodeBase64(userinfo)
		if !ok {
			return nil, fmt.Errorf("ss: undecodable userinfo")
		}
		userinfo = decoded
	}
	method, password, found := strings.Cut(userinfo, ":")
	if !found || method == "" {
		return nil, fmt.Errorf("ss: malformed method:password")
	}

	server, port, err := splitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("ss: %w", err)
	}
	if name == "" {
		name = server
	}

	return &model.Node{
		Name:     name,
		Protocol: model.ProtocolShadowsocks,
		Server:   server,
		Port:     port,
		Auth: model.Auth{
			Method:   method,
			Password: password,
		},
	}, nil
}

// vmessJSON is the de facto vmess:// share format: a Base64 wrapped
// JSON object. Port and alterId appear as either strings or numbers in
// the wild, hence json.Number.
type vmessJSON struct {
	Ps   string      `json:"ps"`
	Add  string      `json:"add"`
	Port json.Number `json:"port"`
	ID   string      `json:"id"`
	Aid  json.Number `json:"aid"`
	Net  string      `json:"net"`
	TLS  string      `json:"tls"`
	Host string      `json:"host"`
	Path string      `json:"path"`
	SNI  string      `json:"sni"`
}

func parseVMess(raw string) (*model.Node, error) {
	decoded, ok := decodeBase64(strings.TrimPrefix(raw, "vmess://"))
	if !ok {
		return nil, fmt.Errorf("vmess: body is not base64")
	}

	var v vmessJSON
	if err := json.Unmarshal([]byte(decoded), &v); err != nil {
		return nil, fmt.Errorf("vmess: %w", err)
	}
	if v.Add == "" {
		return nil, fmt.Errorf("vmess: missing server address")
	}
	if _, err := uuid.Parse(v.ID); err != nil {
		return nil, fmt.Errorf("vmess: invalid uuid: %w", err)
	}
	port, err := strconv.Atoi(v.Port.String())
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("vmess: invalid port %q", v.Port.String())
	}
	alterID, _ := strconv.Atoi(v.Aid.String())

	name := v.Ps
	if name == "" {
		name = v.Add
	}
	sni := v.SNI
	if sni == "" {
		sni = v.Host
	}

	return &model.Node{
		Name:     name,
		Protocol: model.ProtocolVMess,
		Server:   v.Add,
		Port:     port,
		Auth: model.Auth{
			UUID:    v.ID,
			AlterID: alterID,
			Network: defaultStr(v.Net, "tcp"),
			Path:    v.Path,
			Host:    v.Host,
			TLS:     v.TLS == "tls",
			SNI:     sni,
		},
	}, nil
}

func parseVLESS(raw string) (*model.Node, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("vless: %w", err)
	}
	id := u.User.Username()
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("vless: invalid uuid: %w", err)
	}
	server := u.Hostname()
	port, err := strconv.Atoi(u.Port())
	if err != nil || server == "" || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("vless: malformed host:port")
	}

	q := u.Query()
	name := unescape(u.Fragment)
	if name == "" {
		name = server
	}

	return &model.Node{
		Name:     name,
		Protocol: model.ProtocolVLESS,
		Server:   server,
		Port:     port,
		Auth: model.Auth{
			UUID:    id,
			Network: defaultStr(q.Get("type"), "tcp"),
			Path:    q.Get("path"),
			Host:    q.Get("host"),
			TLS:     q.Get("security") == "tls",
			SNI:     q.Get("sni"),
		},
	}, nil
}

func parseTrojan(raw string) (*model.Node, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("trojan: %w", err)
	}
	password := u.User.Username()
	if password == "" {
		return nil, fmt.Errorf("trojan: missing password")
	}
	server := u.Hostname()
	port, err := strconv.Atoi(u.Port())
	if err != nil || server == "" || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("trojan: malformed host:port")
	}

	name := unescape(u.Fragment)
	if name == "" {
		name = server
	}

	return &model.Node{
		Name:     name,
		Protocol: model.ProtocolTrojan,
		Server:   server,
		Port:     port,
		Auth: model.Auth{
			Password: password,
			// Trojan is TLS by definition.
			TLS: true,
			SNI: u.Query().Get("sni"),
		},
	}, nil
}

func splitHostPort(hostport string) (string, int, error) {
	colon := strings.LastIndex(hostport, ":")
	if colon < 0 {
		return "", 0, fmt.Errorf("missing port in %q", hostport)
	}
	host := hostport[:colon]
	port, err := strconv.Atoi(hostport[colon+1:])
	if err != nil || host == "" || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("malformed host:port %q", hostport)
	}
	return host, port, nil
}

func unescape(s string) string {
	if decoded, err := url.QueryUnescape(s); err == nil {
		return decoded
	}
	return s
}

func defaultStr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
