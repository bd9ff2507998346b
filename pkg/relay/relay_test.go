package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"endpoint-balancer/pkg/models"
)

type fakeSession struct {
	mu      sync.Mutex
	dials   []string
	targets chan net.Conn
	closed  bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{targets: make(chan net.Conn, 8)}
}

func (s *fakeSession) Dial(network, addr string) (net.Conn, error) {
	s.mu.Lock()
	s.dials = append(s.dials, addr)
	s.mu.Unlock()
	local, remote := net.Pipe()
	s.targets <- remote
	return local, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) dialed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.dials))
	copy(out, s.dials)
	return out
}

func testTunnel(servers []*models.RelayServer, connect ConnectFunc) *Tunnel {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	return NewTunnel(Config{
		ConnectTimeout: time.Second,
		IdleTimeout:    time.Second,
		ProbeAddr:      "probe.invalid:53",
	}, servers, connect, logger)
}

func staticConnect(s *fakeSession) ConnectFunc {
	return func(ctx context.Context, srv *models.RelayServer, timeout time.Duration) (Session, error) {
		return s, nil
	}
}

func oneServer() []*models.RelayServer {
	return []*models.RelayServer{{Host: "relay.example.com", Port: 22, User: "u"}}
}

// serveOne runs a single client connection through the tunnel and
// returns the client side of the pipe with a deadline already set.
func serveOne(t *testing.T, tun *Tunnel) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go tun.handleConn(context.Background(), server)
	if err := client.SetDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("SetDeadline: %v", err)
	}
	return client
}

func mustWrite(t *testing.T, conn net.Conn, b []byte) {
	t.Helper()
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write %v: %v", b, err)
	}
}

func mustRead(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

func TestConnectIPv4SuccessAndBridge(t *testing.T) {
	session := newFakeSession()
	tun := testTunnel(oneServer(), staticConnect(session))
	client := serveOne(t, tun)
	defer client.Close()

	mustWrite(t, client, []byte{0x05, 0x01, 0x00})
	if got := mustRead(t, client, 2); !bytes.Equal(got, []byte{0x05, 0x00}) {
		t.Fatalf("method selection = %v, want [5 0]", got)
	}

	mustWrite(t, client, []byte{0x05, 0x01, 0x00, 0x01, 1, 2, 3, 4, 0x01, 0xBB})
	// Probe channel opens first, then the destination channel.
	<-session.targets
	target := <-session.targets
	reply := mustRead(t, client, 10)
	if reply[0] != 0x05 || reply[1] != 0x00 {
		t.Fatalf("reply = %v, want success", reply)
	}

	dials := session.dialed()
	if len(dials) != 2 || dials[0] != "probe.invalid:53" || dials[1] != "1.2.3.4:443" {
		t.Errorf("session dials = %v, want probe then destination", dials)
	}

	// Echo a payload through the bridge.
	go func() {
		buf := make([]byte, 16)
		n, _ := target.Read(buf)
		target.Write(buf[:n])
	}()
	mustWrite(t, client, []byte("ping"))
	if got := mustRead(t, client, 4); string(got) != "ping" {
		t.Errorf("bridged payload = %q, want ping", got)
	}
}

func TestConnectDomainAndIPv6Atyp(t *testing.T) {
	tests := []struct {
		name     string
		request  []byte
		wantDest string
	}{
		{
			name: "domain",
			request: append(append([]byte{0x05, 0x01, 0x00, 0x03, 11},
				[]byte("example.com")...), 0x01, 0xBB),
			wantDest: "example.com:443",
		},
		{
			name: "ipv6",
			request: append(append([]byte{0x05, 0x01, 0x00, 0x04},
				net.ParseIP("2001:db8::1").To16()...), 0x00, 0x50),
			wantDest: "[2001:db8::1]:80",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := newFakeSession()
			tun := testTunnel(oneServer(), staticConnect(session))
			client := serveOne(t, tun)
			defer client.Close()

			mustWrite(t, client, []byte{0x05, 0x01, 0x00})
			mustRead(t, client, 2)
			mustWrite(t, client, tt.request)
			<-session.targets
			<-session.targets
			reply := mustRead(t, client, 10)
			if reply[1] != 0x00 {
				t.Fatalf("reply code = %#02x, want success", reply[1])
			}
			dials := session.dialed()
			if dials[len(dials)-1] != tt.wantDest {
				t.Errorf("destination = %q, want %q", dials[len(dials)-1], tt.wantDest)
			}
		})
	}
}

func TestNoSessionGeneralFailure(t *testing.T) {
	connect := func(ctx context.Context, srv *models.RelayServer, timeout time.Duration) (Session, error) {
		return nil, errors.New("auth refused")
	}
	tun := testTunnel(oneServer(), connect)
	client := serveOne(t, tun)
	defer client.Close()

	mustWrite(t, client, []byte{0x05, 0x01, 0x00})
	mustRead(t, client, 2)
	mustWrite(t, client, []byte{0x05, 0x01, 0x00, 0x01, 8, 8, 8, 8, 0x00, 0x50})
	reply := mustRead(t, client, 10)
	if reply[0] != 0x05 || reply[1] != 0x01 {
		t.Errorf("reply = %v, want general failure [5 1 ...]", reply)
	}
}

func TestBindCommandRejected(t *testing.T) {
	tun := testTunnel(oneServer(), staticConnect(newFakeSession()))
	client := serveOne(t, tun)
	defer client.Close()

	mustWrite(t, client, []byte{0x05, 0x01, 0x00})
	mustRead(t, client, 2)
	mustWrite(t, client, []byte{0x05, 0x02, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50})
	reply := mustRead(t, client, 10)
	if reply[1] != replyCmdNotSupported {
		t.Errorf("reply code = %#02x, want command-not-supported", reply[1])
	}
}

func TestRankedOrdering(t *testing.T) {
	now := time.Now()
	servers := []*models.RelayServer{
		{Host: "often-failing", FailCount: 3, SuccessCount: 10},
		{Host: "fresh", FailCount: 0, SuccessCount: 2, LastSuccess: now, LastLatencyMs: 120},
		{Host: "proven", FailCount: 0, SuccessCount: 8, LastSuccess: now.Add(-time.Hour)},
		{Host: "fast", FailCount: 0, SuccessCount: 2, LastSuccess: now, LastLatencyMs: 40},
	}
	tun := testTunnel(servers, staticConnect(newFakeSession()))

	got := tun.ranked()
	wantOrder := []string{"proven", "fast", "fresh", "often-failing"}
	for i, want := range wantOrder {
		if got[i].Host != want {
			t.Fatalf("ranked[%d] = %s, want %s", i, got[i].Host, want)
		}
	}
}

func TestSelectionRecordsOutcomes(t *testing.T) {
	bad := &models.RelayServer{Host: "bad.example.com", Port: 22}
	good := &models.RelayServer{Host: "good.example.com", Port: 22}
	session := newFakeSession()
	connect := func(ctx context.Context, srv *models.RelayServer, timeout time.Duration) (Session, error) {
		if srv.Host == "bad.example.com" {
			return nil, errors.New("auth refused")
		}
		return session, nil
	}
	tun := testTunnel([]*models.RelayServer{bad, good}, connect)

	go func() { <-session.targets }()
	if _, err := tun.ensureSession(context.Background()); err != nil {
		t.Fatalf("ensureSession() error = %v", err)
	}

	if bad.FailCount != 1 {
		t.Errorf("bad.FailCount = %d, want 1", bad.FailCount)
	}
	if good.SuccessCount != 1 || good.LastSuccess.IsZero() {
		t.Errorf("good outcome not recorded: %+v", good)
	}
	if tun.active != good {
		t.Errorf("active = %v, want the authenticating server", tun.active)
	}

	// A held session is reused, not re-selected.
	if s, _ := tun.ensureSession(context.Background()); s != Session(session) {
		t.Error("second ensureSession did not reuse the held session")
	}
	if good.SuccessCount != 1 {
		t.Errorf("good.SuccessCount = %d after reuse, want 1", good.SuccessCount)
	}
}
