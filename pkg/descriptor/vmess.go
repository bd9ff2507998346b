package descriptor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"endpoint-balancer/pkg/models"
)

// vmessPayload is the base64-encoded JSON object carried in a vmess URI.
// Numeric fields arrive as either strings or numbers depending on the
// generator, so they are decoded loosely.
type vmessPayload struct {
	Add  string          `json:"add"`
	Port json.RawMessage `json:"port"`
	ID   string          `json:"id"`
	Aid  json.RawMessage `json:"aid"`
	Scy  string          `json:"scy"`
	Net  string          `json:"net"`
	Type string          `json:"type"`
	Host string          `json:"host"`
	Path string          `json:"path"`
	TLS  string          `json:"tls"`
	SNI  string          `json:"sni"`
	Fp   string          `json:"fp"`
	Alpn string          `json:"alpn"`
	Ps   string          `json:"ps"`
}

func parseVMess(raw string) (models.Descriptor, error) {
	payload := strings.TrimPrefix(raw, "vmess://")
	decoded, err := decodeBase64(payload)
	if err != nil {
		return models.Descriptor{}, fmt.Errorf("vmess base64: %w", err)
	}

	var p vmessPayload
	if err := json.Unmarshal(decoded, &p); err != nil {
		return models.Descriptor{}, fmt.Errorf("vmess json: %w", err)
	}

	port, err := looseInt(p.Port)
	if err != nil {
		return models.Descriptor{}, fmt.Errorf("vmess port: %w", err)
	}

	network := p.Net
	if network == "" {
		network = "tcp"
	}
	security := ""
	if p.TLS == "tls" {
		security = "tls"
	}
	sni := p.SNI
	if sni == "" && security == "tls" {
		sni = p.Host
	}

	method := p.Scy
	if method == "" {
		method = "auto"
	}

	return models.Descriptor{
		Protocol:    models.ProtocolVMess,
		Host:        strings.TrimSpace(p.Add),
		Port:        port,
		Identity:    strings.TrimSpace(p.ID),
		Method:      method,
		DisplayName: p.Ps,
		Transport: models.Transport{
			Network:     network,
			Security:    security,
			SNI:         sni,
			Fingerprint: p.Fp,
			ALPN:        p.Alpn,
			WSPath:      p.Path,
			WSHost:      p.Host,
			GRPCService: p.Path,
			HeaderType:  p.Type,
		},
	}, nil
}

// looseInt reads a JSON value that may be a number or a quoted number.
func looseInt(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing value")
	}
	s := strings.Trim(string(raw), `"`)
	return strconv.Atoi(strings.TrimSpace(s))
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("not valid base64")
}
