// Package relay serves a minimal SOCKS5 front (CONNECT only) whose
// traffic rides one active authenticated secure-transport session,
// chosen from a ranked pool of remote relay servers. The relay is
// independent of the tunneling engines used for benchmarking.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"endpoint-balancer/pkg/models"
)

// Session is one authenticated transport able to open destination
// channels. Closing it tears down every channel opened through it.
type Session interface {
	Dial(network, addr string) (net.Conn, error)
	Close() error
}

// ConnectFunc authenticates against one relay server and returns a
// usable session. Production wires this to the SSH connector.
type ConnectFunc func(ctx context.Context, srv *models.RelayServer, timeout time.Duration) (Session, error)

// Config tunes the tunnel.
type Config struct {
	ListenAddr      string
	ConnectTimeout  time.Duration // per-candidate auth attempt bound (default 10s)
	IdleTimeout     time.Duration // bridge inactivity treated as EOF (default 2m)
	RefreshInterval time.Duration // active-session revalidation period (default 30s)
	// ProbeAddr is a known-reachable destination used to verify a
	// freshly authenticated session before it is marked usable.
	ProbeAddr string // default 1.1.1.1:53
}

// Tunnel is the SOCKS5 relay server.
type Tunnel struct {
	cfg     Config
	connect ConnectFunc
	logger  *slog.Logger

	// mu guards the server table and serializes session selection and
	// swap; client connections run outside it.
	mu      sync.Mutex
	servers []*models.RelayServer
	session Session
	active  *models.RelayServer
}

// NewTunnel builds a tunnel over the given relay server pool.
func NewTunnel(cfg Config, servers []*models.RelayServer, connect ConnectFunc, logger *slog.Logger) *Tunnel {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.ProbeAddr == "" {
		cfg.ProbeAddr = "1.1.1.1:53"
	}
	if connect == nil {
		connect = sshConnect
	}
	return &Tunnel{cfg: cfg, connect: connect, logger: logger, servers: servers}
}

// ListenAndServe accepts client connections until ctx is done. An
// initial session is attempted eagerly but its failure is not fatal:
// the listener stays up and connections fail fast until a candidate
// authenticates.
func (t *Tunnel) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.cfg.ListenAddr, err)
	}
	defer listener.Close()
	t.logger.Info("relay listening", "addr", t.cfg.ListenAddr, "servers", len(t.servers))

	if _, err := t.ensureSession(ctx); err != nil {
		t.logger.Warn("no relay session available yet", "error", err)
	}
	go t.refreshLoop(ctx)
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			t.logger.Warn("accept failed", "error", err)
			continue
		}
		go t.handleConn(ctx, conn)
	}
}

// handleConn serves one SOCKS5 client connection.
func (t *Tunnel) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := negotiate(conn); err != nil {
		t.logger.Debug("handshake failed", "error", err)
		return
	}
	cmd, dest, err := readRequest(conn)
	if err != nil {
		t.logger.Debug("bad request", "error", err)
		return
	}
	if cmd != cmdConnect {
		writeReply(conn, replyCmdNotSupported)
		return
	}

	session, err := t.ensureSession(ctx)
	if err != nil {
		writeReply(conn, replyGeneralFailure)
		return
	}

	target, err := session.Dial("tcp", dest)
	if err != nil {
		t.logger.Debug("destination channel failed", "dest", dest, "error", err)
		writeReply(conn, replyGeneralFailure)
		return
	}
	writeReply(conn, replySuccess)
	bridge(conn, target, t.cfg.IdleTimeout)
}

// ensureSession returns the active session, selecting one if none is
// held. Selection walks candidates in ranked order with a bounded
// per-attempt timeout, and admits a session only after a liveness
// probe opens a channel to a known-reachable address.
func (t *Tunnel) ensureSession(ctx context.Context) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != nil {
		return t.session, nil
	}
	return t.selectLocked(ctx)
}

// selectLocked tries every candidate in ranked order. Caller holds mu.
func (t *Tunnel) selectLocked(ctx context.Context) (Session, error) {
	for _, srv := range t.ranked() {
		start := time.Now()
		session, err := t.connect(ctx, srv, t.cfg.ConnectTimeout)
		if err != nil {
			srv.FailCount++
			t.logger.Debug("relay auth failed", "server", srv.Addr(), "error", err)
			continue
		}
		if err := probeSession(session, t.cfg.ProbeAddr); err != nil {
			srv.FailCount++
			session.Close()
			t.logger.Debug("relay liveness probe failed", "server", srv.Addr(), "error", err)
			continue
		}

		srv.SuccessCount++
		srv.LastSuccess = time.Now()
		srv.LastLatencyMs = time.Since(start).Milliseconds()
		t.session = session
		t.active = srv
		t.logger.Info("relay session established",
			"server", srv.Addr(), "latencyMs", srv.LastLatencyMs)
		return session, nil
	}
	return nil, fmt.Errorf("no relay server authenticated")
}

// ranked orders the pool by fewest failures, then most successes, then
// most recent success, then lowest connect latency.
func (t *Tunnel) ranked() []*models.RelayServer {
	out := make([]*models.RelayServer, len(t.servers))
	copy(out, t.servers)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.FailCount != b.FailCount {
			return a.FailCount < b.FailCount
		}
		if a.SuccessCount != b.SuccessCount {
			return a.SuccessCount > b.SuccessCount
		}
		if !a.LastSuccess.Equal(b.LastSuccess) {
			return a.LastSuccess.After(b.LastSuccess)
		}
		return a.LastLatencyMs < b.LastLatencyMs
	})
	return out
}

// refreshLoop revalidates the active session periodically and swaps in
// a replacement when it goes stale.
func (t *Tunnel) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			if t.session != nil {
				t.session.Close()
				t.session = nil
			}
			t.mu.Unlock()
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		if t.session == nil {
			if _, err := t.selectLocked(ctx); err != nil {
				t.logger.Debug("relay reselect failed", "error", err)
			}
			t.mu.Unlock()
			continue
		}
		if err := probeSession(t.session, t.cfg.ProbeAddr); err != nil {
			t.logger.Warn("active relay session stale, reselecting",
				"server", t.active.Addr(), "error", err)
			t.active.FailCount++
			t.session.Close()
			t.session = nil
			t.active = nil
			if _, err := t.selectLocked(ctx); err != nil {
				t.logger.Warn("relay reselect failed", "error", err)
			}
		}
		t.mu.Unlock()
	}
}

// probeSession opens and immediately closes a channel to addr.
func probeSession(s Session, addr string) error {
	conn, err := s.Dial("tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
