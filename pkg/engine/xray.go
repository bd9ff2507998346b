package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"endpoint-balancer/pkg/models"
)

// xrayRenderer emits the JSON dialect shared by xray-core and
// v2ray-core binaries.
type xrayRenderer struct{}

func (r *xrayRenderer) Render(d models.Descriptor, listenPort int) ([]byte, error) {
	outbound, err := xrayOutbound(d, "proxy")
	if err != nil {
		return nil, err
	}

	cfg := map[string]any{
		"log": map[string]any{"loglevel": "error"},
		"inbounds": []map[string]any{
			xrayInbound(listenPort, "127.0.0.1"),
		},
		"outbounds": []map[string]any{outbound},
	}
	return json.Marshal(cfg)
}

func (r *xrayRenderer) RenderPool(ds []models.Descriptor, listenPort int, directFallback bool) ([]byte, error) {
	if len(ds) == 0 && directFallback {
		return nil, fmt.Errorf("no outbound targets")
	}

	outbounds := make([]map[string]any, 0, len(ds)+1)
	selector := make([]string, 0, len(ds))
	for i, d := range ds {
		tag := fmt.Sprintf("out-%d", i)
		ob, err := xrayOutbound(d, tag)
		if err != nil {
			return nil, fmt.Errorf("outbound %s: %w", tag, err)
		}
		outbounds = append(outbounds, ob)
		selector = append(selector, tag)
	}

	fallbackTag := "fallback"
	fallbackProto := "blackhole"
	if directFallback {
		fallbackProto = "freedom"
	}
	outbounds = append(outbounds, map[string]any{
		"tag":      fallbackTag,
		"protocol": fallbackProto,
		"settings": map[string]any{},
	})

	cfg := map[string]any{
		"log": map[string]any{"loglevel": "warning"},
		"inbounds": []map[string]any{
			xrayInbound(listenPort, "0.0.0.0"),
		},
		"outbounds": outbounds,
	}

	if len(selector) > 0 {
		cfg["routing"] = map[string]any{
			"domainStrategy": "AsIs",
			"balancers": []map[string]any{
				{
					"tag":      "pool",
					"selector": selector,
					"strategy": map[string]any{"type": "leastPing"},
					"fallbackTag": fallbackTag,
				},
			},
			"rules": []map[string]any{
				{"type": "field", "network": "tcp,udp", "balancerTag": "pool"},
			},
		}
		cfg["observatory"] = map[string]any{
			"subjectSelector": []string{"out-"},
			"probeUrl":        "https://www.gstatic.com/generate_204",
			"probeInterval":   "60s",
		}
	} else {
		cfg["routing"] = map[string]any{
			"rules": []map[string]any{
				{"type": "field", "network": "tcp,udp", "outboundTag": fallbackTag},
			},
		}
	}
	return json.Marshal(cfg)
}

func xrayInbound(port int, listen string) map[string]any {
	return map[string]any{
		"tag":      "entry",
		"port":     port,
		"listen":   listen,
		"protocol": "socks",
		"settings": map[string]any{
			"auth": "noauth",
			"udp":  true,
		},
		"sniffing": map[string]any{"enabled": false},
		// Both the old and the replacement pool process may hold the
		// port for an instant during a hot swap.
		"sockopt": map[string]any{"reusePort": true},
	}
}

func xrayOutbound(d models.Descriptor, tag string) (map[string]any, error) {
	ob := map[string]any{
		"tag":            tag,
		"protocol":       xrayProtocol(d.Protocol),
		"streamSettings": xrayStreamSettings(d.Transport),
	}

	switch d.Protocol {
	case models.ProtocolVMess:
		ob["settings"] = map[string]any{
			"vnext": []map[string]any{{
				"address": d.Host,
				"port":    d.Port,
				"users": []map[string]any{{
					"id":       d.Identity,
					"security": defaultStr(d.Method, "auto"),
					"level":    0,
				}},
			}},
		}
	case models.ProtocolVLESS:
		ob["settings"] = map[string]any{
			"vnext": []map[string]any{{
				"address": d.Host,
				"port":    d.Port,
				"users": []map[string]any{{
					"id":         d.Identity,
					"encryption": "none",
					"level":      0,
				}},
			}},
		}
	case models.ProtocolTrojan:
		ob["settings"] = map[string]any{
			"servers": []map[string]any{{
				"address":  d.Host,
				"port":     d.Port,
				"password": d.Identity,
				"level":    0,
			}},
		}
	case models.ProtocolSS:
		ob["settings"] = map[string]any{
			"servers": []map[string]any{{
				"address":  d.Host,
				"port":     d.Port,
				"method":   d.Method,
				"password": d.Identity,
				"level":    0,
			}},
		}
	default:
		return nil, fmt.Errorf("unsupported protocol %q", d.Protocol)
	}
	return ob, nil
}

func xrayProtocol(p models.Protocol) string {
	if p == models.ProtocolSS {
		return "shadowsocks"
	}
	return string(p)
}

func xrayStreamSettings(t models.Transport) map[string]any {
	ss := map[string]any{
		"network": defaultStr(t.Network, "tcp"),
	}

	switch t.Network {
	case "ws":
		ws := map[string]any{"path": defaultStr(t.WSPath, "/")}
		if t.WSHost != "" {
			ws["headers"] = map[string]any{"Host": t.WSHost}
		}
		ss["wsSettings"] = ws
	case "grpc":
		ss["grpcSettings"] = map[string]any{"serviceName": t.GRPCService}
	case "h2":
		h2 := map[string]any{"path": defaultStr(t.WSPath, "/")}
		if t.WSHost != "" {
			h2["host"] = []string{t.WSHost}
		}
		ss["httpSettings"] = h2
	}

	switch t.Security {
	case "tls":
		ss["security"] = "tls"
		tls := map[string]any{"allowInsecure": true}
		if t.SNI != "" {
			tls["serverName"] = t.SNI
		}
		if t.ALPN != "" {
			tls["alpn"] = strings.Split(t.ALPN, ",")
		}
		if t.Fingerprint != "" {
			tls["fingerprint"] = t.Fingerprint
		}
		ss["tlsSettings"] = tls
	case "reality":
		ss["security"] = "reality"
		ss["realitySettings"] = map[string]any{
			"serverName":  t.SNI,
			"publicKey":   t.RealityPbk,
			"shortId":     t.RealitySid,
			"fingerprint": defaultStr(t.Fingerprint, "chrome"),
		}
	}
	return ss
}

func defaultStr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
