package models

import "time"

// Protocol identifies the proxy wire protocol of a descriptor. The wire
// protocols themselves are implemented by the external tunneling engine;
// we only carry the identifier around.
type Protocol string

const (
	ProtocolVMess  Protocol = "vmess"
	ProtocolVLESS  Protocol = "vless"
	ProtocolTrojan Protocol = "trojan"
	ProtocolSS     Protocol = "ss"
)

// Transport holds the stream-transport settings nested inside a
// descriptor: plain TCP, WebSocket, gRPC or HTTP/2, optionally wrapped
// in TLS or REALITY.
type Transport struct {
	Network     string // "tcp", "ws", "grpc", "h2"
	Security    string // "", "tls", "reality"
	SNI         string
	Fingerprint string
	ALPN        string
	RealityPbk  string
	RealitySid  string
	WSPath      string
	WSHost      string
	GRPCService string
	HeaderType  string
}

// Descriptor is the canonical decoded form of a proxy connection URI.
// It is immutable once created; pipeline stages pass it by value.
type Descriptor struct {
	URI         string
	Protocol    Protocol
	Host        string
	Port        int
	Identity    string // uuid for vmess/vless, password for trojan/ss
	Method      string // ss cipher, vmess security
	DisplayName string
	Transport   Transport
}

// Addr returns the host:port pair of the descriptor.
func (d Descriptor) Addr() string {
	if d.Port == 0 {
		return d.Host
	}
	return joinHostPort(d.Host, d.Port)
}

// ProbeResult is the outcome of benchmarking one descriptor. It is
// ephemeral: produced by the probe runner, consumed by tiering.
type ProbeResult struct {
	Descriptor Descriptor
	LatencyMs  int64 // valid only when Err is nil
	Err        error
}

// Tier is the coarse quality class derived from measured latency.
type Tier string

const (
	TierGold   Tier = "gold"
	TierSilver Tier = "silver"
	TierDead   Tier = "dead"
)

// RelayServer describes one remote secure-transport server available to
// the SOCKS5 relay, together with its health counters. Counters are
// mutated in place by the relay under its own lock; records are loaded
// once from configuration and never persisted.
type RelayServer struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string

	SuccessCount  int
	FailCount     int
	LastSuccess   time.Time
	LastLatencyMs int64
}

// Addr returns the host:port pair of the relay server.
func (r *RelayServer) Addr() string {
	return joinHostPort(r.Host, r.Port)
}
