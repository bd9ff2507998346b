package prioritize

import (
	"math/rand"
	"testing"

	"endpoint-balancer/pkg/models"
)

func desc(host string, port int, proto models.Protocol, t models.Transport) models.Descriptor {
	return models.Descriptor{
		Protocol:  proto,
		Host:      host,
		Port:      port,
		Identity:  "id",
		Transport: t,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		d    models.Descriptor
		want Bucket
	}{
		{
			name: "reality behind cdn",
			d:    desc("edge.workers.dev", 443, models.ProtocolVLESS, models.Transport{Network: "tcp", Security: "reality"}),
			want: BucketRealityCDN,
		},
		{
			name: "reality direct",
			d:    desc("203.0.113.4", 443, models.ProtocolVLESS, models.Transport{Network: "tcp", Security: "reality"}),
			want: BucketReality,
		},
		{
			name: "grpc over tls",
			d:    desc("host.example.com", 2087, models.ProtocolVLESS, models.Transport{Network: "grpc", Security: "tls"}),
			want: BucketMuxTLS,
		},
		{
			name: "ws tls canonical port",
			d:    desc("host.example.com", 2053, models.ProtocolVMess, models.Transport{Network: "ws", Security: "tls"}),
			want: BucketWSTLSCanon,
		},
		{
			name: "ws tls odd port is not canonical",
			d:    desc("host.example.com", 12345, models.ProtocolVMess, models.Transport{Network: "ws", Security: "tls"}),
			want: BucketRest,
		},
		{
			name: "trojan behind cdn",
			d:    desc("site.pages.dev", 9999, models.ProtocolTrojan, models.Transport{Network: "tcp", Security: "tls"}),
			want: BucketAltCDN,
		},
		{
			name: "plain tls canonical port",
			d:    desc("host.example.com", 443, models.ProtocolVLESS, models.Transport{Network: "tcp", Security: "tls"}),
			want: BucketTLSCanon,
		},
		{
			name: "ipv6 deprioritized even with reality",
			d:    desc("2001:db8::10", 443, models.ProtocolVLESS, models.Transport{Network: "tcp", Security: "reality"}),
			want: BucketIPv6,
		},
		{
			name: "bare tcp falls through",
			d:    desc("198.51.100.1", 8388, models.ProtocolSS, models.Transport{Network: "tcp"}),
			want: BucketRest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.d); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	d := desc("edge.workers.dev", 443, models.ProtocolVLESS, models.Transport{Network: "ws", Security: "tls"})
	first := Classify(d)
	for i := 0; i < 100; i++ {
		if got := Classify(d); got != first {
			t.Fatalf("Classify() unstable: run %d got %v, first %v", i, got, first)
		}
	}
}

func TestBlocked(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"192.168.1.5", true},
		{"0.0.0.0", true},
		{"fe80::1", true},
		{"nl-speedtest.example.net", true},
		{"node.corp.local", true},
		{"203.0.113.77", false},
		{"real-host.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			d := desc(tt.host, 443, models.ProtocolVLESS, models.Transport{})
			if got := Blocked(d); got != tt.want {
				t.Errorf("Blocked(%q) = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}

func TestOrderBucketsAndFilters(t *testing.T) {
	rest := desc("198.51.100.1", 9000, models.ProtocolSS, models.Transport{Network: "tcp"})
	gold := desc("edge.workers.dev", 443, models.ProtocolVLESS, models.Transport{Network: "tcp", Security: "reality"})
	blocked := desc("10.0.0.1", 443, models.ProtocolVLESS, models.Transport{Network: "tcp", Security: "reality"})
	mid := desc("host.example.com", 443, models.ProtocolVLESS, models.Transport{Network: "grpc", Security: "tls"})

	got := Order([]models.Descriptor{rest, blocked, mid, gold}, rand.New(rand.NewSource(1)))
	if len(got) != 3 {
		t.Fatalf("Order() kept %d descriptors, want 3", len(got))
	}
	if got[0].Host != gold.Host {
		t.Errorf("Order()[0] = %s, want reality-cdn candidate first", got[0].Host)
	}
	if got[2].Host != rest.Host {
		t.Errorf("Order()[2] = %s, want bare candidate last", got[2].Host)
	}
}

func TestOrderScoreRanksWithinBucket(t *testing.T) {
	plain := desc("plain.example.net", 9000, models.ProtocolSS, models.Transport{Network: "tcp"})
	evasive := desc("evasive.example.net", 9000, models.ProtocolSS, models.Transport{
		Network:     "tcp",
		Fingerprint: "chrome",
	})

	for seed := int64(0); seed < 20; seed++ {
		got := Order([]models.Descriptor{plain, evasive}, rand.New(rand.NewSource(seed)))
		if got[0].Host != evasive.Host {
			t.Fatalf("seed %d: Order()[0] = %s, want the higher-scored candidate first", seed, got[0].Host)
		}
	}
}

func TestScoreWeights(t *testing.T) {
	d := desc("edge.workers.dev", 443, models.ProtocolVLESS, models.Transport{
		Network:     "grpc",
		Security:    "reality",
		Fingerprint: "chrome",
	})
	d.URI = "vless://id@edge.workers.dev:443?security=reality&fp=chrome&serviceName=gun"

	// reality(40) + cdn(25) + fp(10) + mux(8) + port(5) + 3 indicators(2 each)
	want := 40 + 25 + 10 + 8 + 5 + 6
	if got := Score(d); got != want {
		t.Errorf("Score() = %d, want %d", got, want)
	}
}
