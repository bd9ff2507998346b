package descriptor

import (
	"encoding/base64"
	"reflect"
	"testing"

	"endpoint-balancer/pkg/models"
)

func TestParseVLESS(t *testing.T) {
	raw := "vless://b831381d-6324-4d53-ad4f-8cda48b30811@vpn.example.net:443?security=reality&type=grpc&sni=cdn.edge.net&pbk=SbVKOEMjK0sIlbwg4akyBg5mL5KZwwB-ed4eEE7YnRc&sid=6ba85179&fp=chrome&serviceName=TunService#My%20Node"

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	want := models.Descriptor{
		URI:         raw,
		Protocol:    models.ProtocolVLESS,
		Host:        "vpn.example.net",
		Port:        443,
		Identity:    "b831381d-6324-4d53-ad4f-8cda48b30811",
		DisplayName: "My Node",
		Transport: models.Transport{
			Network:     "grpc",
			Security:    "reality",
			SNI:         "cdn.edge.net",
			Fingerprint: "chrome",
			RealityPbk:  "SbVKOEMjK0sIlbwg4akyBg5mL5KZwwB-ed4eEE7YnRc",
			RealitySid:  "6ba85179",
			GRPCService: "TunService",
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse() = %+v, want %+v", got, want)
	}
}

func TestParseVMess(t *testing.T) {
	payload := `{"add":"host.example.org","port":"8443","id":"0c8b3a2b-4747-4a2d-9b80-6e7d3a835b2e","aid":"0","scy":"auto","net":"ws","host":"front.example.org","path":"/ray","tls":"tls","sni":"front.example.org","ps":"relay-1"}`
	raw := "vmess://" + base64.StdEncoding.EncodeToString([]byte(payload))

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got.Protocol != models.ProtocolVMess {
		t.Errorf("Protocol = %v, want vmess", got.Protocol)
	}
	if got.Host != "host.example.org" || got.Port != 8443 {
		t.Errorf("addr = %s:%d, want host.example.org:8443", got.Host, got.Port)
	}
	if got.Transport.Network != "ws" || got.Transport.Security != "tls" {
		t.Errorf("transport = %+v, want ws over tls", got.Transport)
	}
	if got.Transport.WSPath != "/ray" || got.Transport.SNI != "front.example.org" {
		t.Errorf("ws settings = %+v", got.Transport)
	}
	if got.DisplayName != "relay-1" {
		t.Errorf("DisplayName = %q, want relay-1", got.DisplayName)
	}
}

func TestParseTrojan(t *testing.T) {
	got, err := Parse("trojan://s3cr3t@203.0.113.9:443?sni=mask.example.com&type=ws&path=%2Ftunnel#node")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got.Identity != "s3cr3t" {
		t.Errorf("Identity = %q, want s3cr3t", got.Identity)
	}
	if got.Transport.Security != "tls" {
		t.Errorf("trojan must default to tls, got %q", got.Transport.Security)
	}
	if got.Transport.Network != "ws" || got.Transport.WSPath != "/tunnel" {
		t.Errorf("transport = %+v", got.Transport)
	}
}

func TestParseSS(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantHost string
		wantPort int
		wantID   string
	}{
		{
			name:     "SIP002 base64 userinfo",
			raw:      "ss://" + base64.RawURLEncoding.EncodeToString([]byte("chacha20-ietf-poly1305:pass-word")) + "@198.51.100.7:8388#srv",
			wantHost: "198.51.100.7",
			wantPort: 8388,
			wantID:   "pass-word",
		},
		{
			name:     "legacy whole-URI base64",
			raw:      "ss://" + base64.StdEncoding.EncodeToString([]byte("aes-256-gcm:open-sesame@relay.example.io:443")),
			wantHost: "relay.example.io",
			wantPort: 443,
			wantID:   "open-sesame",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got.Host != tt.wantHost || got.Port != tt.wantPort {
				t.Errorf("addr = %s:%d, want %s:%d", got.Host, got.Port, tt.wantHost, tt.wantPort)
			}
			if got.Identity != tt.wantID {
				t.Errorf("Identity = %q, want %q", got.Identity, tt.wantID)
			}
		})
	}
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unsupported scheme", "http://example.com/list"},
		{"missing host", "trojan://pw@:443"},
		{"missing port", "vless://uuid@host.example.com:?type=tcp"},
		{"port out of range", "trojan://pw@host.example.com:70000"},
		{"missing identity", "trojan://host.example.com:443"},
		{"loopback host", "vless://uuid@127.0.0.1:443?type=tcp"},
		{"placeholder host", "trojan://pw@localhost:443"},
		{"garbage vmess payload", "vmess://!!!notbase64!!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.raw); err == nil {
				t.Errorf("Parse(%q) expected error, got none", tt.raw)
			}
		})
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain ascii kept", "fast node 7", "fast node 7"},
		{"non-ascii stripped", "⚡ tehran ❤️ node", "tehran  node"},
		{"control bytes stripped", "a\x00b\x1fc", "abc"},
		{"empty falls back", "فارسی", DefaultName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeName(tt.in); got != tt.want {
				t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExtractURIs(t *testing.T) {
	text := "intro text\nvless://abc@host.example.com:443?type=tcp watch\n" +
		"dup vless://abc@host.example.com:443?type=tcp\n" +
		"trojan://pw@other.example.net:8443#x trailing"

	got := ExtractURIs(text)
	if len(got) != 2 {
		t.Fatalf("ExtractURIs() returned %d URIs, want 2: %v", len(got), got)
	}
	if got[0] != "vless://abc@host.example.com:443?type=tcp" {
		t.Errorf("first URI = %q", got[0])
	}
}

func TestExtractURIsBase64Blob(t *testing.T) {
	inner := "vless://uuid-one@alpha.example.com:443?type=ws&security=tls\n" +
		"trojan://pw@beta.example.org:443?sni=beta.example.org\n" +
		"ss://YWVzLTI1Ni1nY206cGFzcw@gamma.example.net:8388\n" +
		"vless://uuid-two@delta.example.io:2053?type=grpc&security=reality&pbk=k\n"
	blob := base64.StdEncoding.EncodeToString([]byte(inner))

	got := ExtractURIs("subscription dump:\n" + blob + "\nend")
	if len(got) != 4 {
		t.Fatalf("ExtractURIs() returned %d URIs from blob, want 4: %v", len(got), got)
	}
}
