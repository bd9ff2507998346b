package descriptor

import (
	"fmt"
	"net/url"
	"strings"

	"endpoint-balancer/pkg/models"
)

// parseVLESS decodes the query-parameter form used by vless URIs,
// including REALITY parameters.
func parseVLESS(raw string) (models.Descriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return models.Descriptor{}, fmt.Errorf("vless url: %w", err)
	}
	port, err := parsePort(u.Port())
	if err != nil {
		return models.Descriptor{}, err
	}

	q := u.Query()
	network := strings.ToLower(q.Get("type"))
	if network == "" {
		network = "tcp"
	}
	security := strings.ToLower(q.Get("security"))
	if security == "none" {
		security = ""
	}
	sni := q.Get("sni")
	if sni == "" {
		sni = q.Get("peer")
	}

	return models.Descriptor{
		Protocol:    models.ProtocolVLESS,
		Host:        u.Hostname(),
		Port:        port,
		Identity:    u.User.Username(),
		DisplayName: u.Fragment,
		Transport: models.Transport{
			Network:     network,
			Security:    security,
			SNI:         sni,
			Fingerprint: q.Get("fp"),
			ALPN:        q.Get("alpn"),
			RealityPbk:  q.Get("pbk"),
			RealitySid:  q.Get("sid"),
			WSPath:      q.Get("path"),
			WSHost:      q.Get("host"),
			GRPCService: firstNonEmpty(q.Get("serviceName"), q.Get("path")),
			HeaderType:  q.Get("headerType"),
		},
	}, nil
}

// parseTrojan decodes trojan URIs. Trojan is always TLS on the wire, so
// security defaults to "tls" unless the URI explicitly disables it.
func parseTrojan(raw string) (models.Descriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return models.Descriptor{}, fmt.Errorf("trojan url: %w", err)
	}
	port, err := parsePort(u.Port())
	if err != nil {
		return models.Descriptor{}, err
	}

	q := u.Query()
	security := strings.ToLower(q.Get("security"))
	if security == "" {
		security = "tls"
	} else if security == "none" {
		security = ""
	}
	network := strings.ToLower(q.Get("type"))
	if network == "" {
		network = "tcp"
	}
	sni := q.Get("sni")
	if sni == "" {
		sni = q.Get("peer")
	}

	return models.Descriptor{
		Protocol:    models.ProtocolTrojan,
		Host:        u.Hostname(),
		Port:        port,
		Identity:    u.User.Username(),
		DisplayName: u.Fragment,
		Transport: models.Transport{
			Network:     network,
			Security:    security,
			SNI:         sni,
			Fingerprint: q.Get("fp"),
			ALPN:        q.Get("alpn"),
			WSPath:      q.Get("path"),
			WSHost:      q.Get("host"),
			GRPCService: firstNonEmpty(q.Get("serviceName"), q.Get("path")),
		},
	}, nil
}

// parseSS decodes shadowsocks URIs in both encodings: the legacy fully
// base64 form (ss://BASE64(method:password@host:port)) and the SIP002
// form with a base64 userinfo component.
func parseSS(raw string) (models.Descriptor, error) {
	trimmed := strings.TrimPrefix(raw, "ss://")
	name := ""
	if idx := strings.Index(trimmed, "#"); idx != -1 {
		name, _ = url.QueryUnescape(trimmed[idx+1:])
		trimmed = trimmed[:idx]
	}

	var userInfo, hostInfo string
	if atIdx := strings.LastIndex(trimmed, "@"); atIdx != -1 {
		userInfo = trimmed[:atIdx]
		hostInfo = trimmed[atIdx+1:]
	} else {
		decoded, err := decodeBase64(trimmed)
		if err != nil {
			return models.Descriptor{}, fmt.Errorf("ss base64: %w", err)
		}
		at := strings.LastIndex(string(decoded), "@")
		if at == -1 {
			return models.Descriptor{}, fmt.Errorf("ss: missing @ separator")
		}
		userInfo = string(decoded)[:at]
		hostInfo = string(decoded)[at+1:]
	}

	if idx := strings.IndexAny(hostInfo, "?/"); idx != -1 {
		hostInfo = hostInfo[:idx]
	}

	// Userinfo may itself be base64("method:password").
	if decoded, err := decodeBase64(userInfo); err == nil && strings.Contains(string(decoded), ":") {
		userInfo = string(decoded)
	} else if unescaped, err := url.QueryUnescape(userInfo); err == nil {
		userInfo = unescaped
	}
	parts := strings.SplitN(userInfo, ":", 2)
	if len(parts) != 2 {
		return models.Descriptor{}, fmt.Errorf("ss: malformed method:password")
	}

	host, portStr, err := splitAddr(hostInfo)
	if err != nil {
		return models.Descriptor{}, fmt.Errorf("ss: %w", err)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return models.Descriptor{}, err
	}

	return models.Descriptor{
		Protocol:    models.ProtocolSS,
		Host:        host,
		Port:        port,
		Identity:    parts[1],
		Method:      parts[0],
		DisplayName: name,
		Transport:   models.Transport{Network: "tcp"},
	}, nil
}

// splitAddr splits host:port, tolerating bracketed IPv6 literals.
func splitAddr(s string) (string, string, error) {
	idx := strings.LastIndex(s, ":")
	if idx == -1 {
		return "", "", fmt.Errorf("missing port in %q", s)
	}
	host := strings.Trim(s[:idx], "[]")
	if host == "" {
		return "", "", fmt.Errorf("missing host in %q", s)
	}
	return host, s[idx+1:], nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
