package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"endpoint-balancer/pkg/models"
)

// singBoxRenderer emits the sing-box configuration dialect, used as an
// alternate engine family when the xray family yields no definitive
// probe result.
type singBoxRenderer struct{}

func (r *singBoxRenderer) Render(d models.Descriptor, listenPort int) ([]byte, error) {
	outbound, err := singBoxOutbound(d, "proxy")
	if err != nil {
		return nil, err
	}

	cfg := map[string]any{
		"log": map[string]any{"level": "error"},
		"inbounds": []map[string]any{
			singBoxInbound(listenPort, "127.0.0.1"),
		},
		"outbounds": []map[string]any{outbound},
	}
	return json.Marshal(cfg)
}

func (r *singBoxRenderer) RenderPool(ds []models.Descriptor, listenPort int, directFallback bool) ([]byte, error) {
	if len(ds) == 0 && directFallback {
		return nil, fmt.Errorf("no outbound targets")
	}

	outbounds := make([]map[string]any, 0, len(ds)+2)
	members := make([]string, 0, len(ds))
	for i, d := range ds {
		tag := fmt.Sprintf("out-%d", i)
		ob, err := singBoxOutbound(d, tag)
		if err != nil {
			return nil, fmt.Errorf("outbound %s: %w", tag, err)
		}
		outbounds = append(outbounds, ob)
		members = append(members, tag)
	}

	fallbackType := "block"
	if directFallback {
		fallbackType = "direct"
	}
	outbounds = append(outbounds, map[string]any{"tag": "fallback", "type": fallbackType})

	final := "fallback"
	if len(members) > 0 {
		outbounds = append(outbounds, map[string]any{
			"tag":       "pool",
			"type":      "urltest",
			"outbounds": members,
			"url":       "https://www.gstatic.com/generate_204",
			"interval":  "1m",
		})
		final = "pool"
	}

	cfg := map[string]any{
		"log": map[string]any{"level": "warn"},
		"inbounds": []map[string]any{
			singBoxInbound(listenPort, "0.0.0.0"),
		},
		"outbounds": outbounds,
		"route":     map[string]any{"final": final},
	}
	return json.Marshal(cfg)
}

func singBoxInbound(port int, listen string) map[string]any {
	return map[string]any{
		"tag":    "entry",
		"type":   "socks",
		"listen": listen,
		"listen_port": port,
	}
}

func singBoxOutbound(d models.Descriptor, tag string) (map[string]any, error) {
	ob := map[string]any{
		"tag":         tag,
		"server":      d.Host,
		"server_port": d.Port,
	}

	switch d.Protocol {
	case models.ProtocolVMess:
		ob["type"] = "vmess"
		ob["uuid"] = d.Identity
		ob["security"] = defaultStr(d.Method, "auto")
	case models.ProtocolVLESS:
		ob["type"] = "vless"
		ob["uuid"] = d.Identity
	case models.ProtocolTrojan:
		ob["type"] = "trojan"
		ob["password"] = d.Identity
	case models.ProtocolSS:
		ob["type"] = "shadowsocks"
		ob["method"] = d.Method
		ob["password"] = d.Identity
	default:
		return nil, fmt.Errorf("unsupported protocol %q", d.Protocol)
	}

	if tlsCfg := singBoxTLS(d.Transport); tlsCfg != nil {
		ob["tls"] = tlsCfg
	}
	if tr := singBoxTransport(d.Transport); tr != nil {
		ob["transport"] = tr
	}
	return ob, nil
}

func singBoxTLS(t models.Transport) map[string]any {
	switch t.Security {
	case "tls":
		tls := map[string]any{"enabled": true, "insecure": true}
		if t.SNI != "" {
			tls["server_name"] = t.SNI
		}
		if t.ALPN != "" {
			tls["alpn"] = strings.Split(t.ALPN, ",")
		}
		if t.Fingerprint != "" {
			tls["utls"] = map[string]any{"enabled": true, "fingerprint": t.Fingerprint}
		}
		return tls
	case "reality":
		return map[string]any{
			"enabled":     true,
			"server_name": t.SNI,
			"utls": map[string]any{
				"enabled":     true,
				"fingerprint": defaultStr(t.Fingerprint, "chrome"),
			},
			"reality": map[string]any{
				"enabled":    true,
				"public_key": t.RealityPbk,
				"short_id":   t.RealitySid,
			},
		}
	}
	return nil
}

func singBoxTransport(t models.Transport) map[string]any {
	switch t.Network {
	case "ws":
		tr := map[string]any{"type": "ws", "path": defaultStr(t.WSPath, "/")}
		if t.WSHost != "" {
			tr["headers"] = map[string]any{"Host": t.WSHost}
		}
		return tr
	case "grpc":
		return map[string]any{"type": "grpc", "service_name": t.GRPCService}
	case "h2":
		tr := map[string]any{"type": "http", "path": defaultStr(t.WSPath, "/")}
		if t.WSHost != "" {
			tr["host"] = []string{t.WSHost}
		}
		return tr
	}
	return nil
}
