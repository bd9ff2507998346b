// Package pool maintains the public entry point: a single engine
// process whose aggregate configuration embeds up to N healthy
// validated endpoints as named outbound targets. The manager re-probes
// candidates on demand, hot-swaps the process when the entry point goes
// unhealthy, and keeps the last working process alive when a swap
// fails.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"endpoint-balancer/pkg/engine"
	"endpoint-balancer/pkg/fetch"
	"endpoint-balancer/pkg/models"
)

// State is the manager lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
)

// Slot is one backend position in the bounded pool.
type Slot struct {
	Endpoint models.ValidatedEndpoint
	Healthy  bool
	AddedAt  time.Time
}

// CheckFunc freshly re-probes one descriptor, bypassing stale latency
// data. Production wires this to the probe runner.
type CheckFunc func(ctx context.Context, d models.Descriptor) (latencyMs int64, err error)

// SelfCheckFunc probes the aggregate entry point itself through the
// given transport config.
type SelfCheckFunc func(ctx context.Context, transport string) error

// Config tunes the manager.
type Config struct {
	PublicPort int
	Capacity   int // N: max backends embedded in one config (default 4)
	// DirectFallback routes unmatched traffic directly instead of
	// swallowing it when no backend is healthy.
	DirectFallback bool
	SettleDelay    time.Duration // wait after spawn before declaring it live (default 1s)
	// FailSuppression is how long a candidate that failed its fresh
	// check stays out of selection before the set is cleared.
	FailSuppression time.Duration // default 10m
	SelfCheck       SelfCheckFunc
}

// Manager owns the public entry point process.
type Manager struct {
	cfg    Config
	eng    engine.Launcher
	check  CheckFunc
	logger *slog.Logger

	// mu serializes every state transition, so "stop old / start new"
	// never interleaves across concurrent triggers.
	mu        sync.Mutex
	state     State
	proc      engine.Handle
	slots     []Slot
	available []models.ValidatedEndpoint
	failed    map[string]time.Time
	lastClear time.Time
}

// NewManager builds a manager around one engine and a fresh-check
// function.
func NewManager(cfg Config, eng engine.Launcher, check CheckFunc, logger *slog.Logger) *Manager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 4
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = time.Second
	}
	if cfg.FailSuppression <= 0 {
		cfg.FailSuppression = 10 * time.Minute
	}
	if cfg.SelfCheck == nil {
		cfg.SelfCheck = defaultSelfCheck
	}

	return &Manager{
		cfg:       cfg,
		eng:       eng,
		check:     check,
		logger:    logger,
		state:     StateStopped,
		failed:    make(map[string]time.Time),
		lastClear: time.Now(),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start brings the entry point up on the public port, backed by up to
// N candidates that pass a fresh liveness check. Calling Start on a
// running manager swaps in the new candidate set; the old process is
// replaced only after the new one is confirmed live, so the call is
// safe to repeat and never produces a bind conflict.
func (m *Manager) Start(ctx context.Context, candidates []models.ValidatedEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	firstStart := m.proc == nil
	if firstStart {
		m.state = StateStarting
		// The port must be exclusively ours; evict any stale holder.
		freePort(m.cfg.PublicPort)
	}

	m.available = candidates
	survivors := m.selectHealthy(ctx, candidates)

	if err := m.swap(ctx, survivors); err != nil {
		if firstStart {
			m.state = StateStopped
			return err
		}
		m.state = StateDegraded
		return err
	}

	m.setSlots(survivors)
	return nil
}

// UpdateAvailable atomically replaces the substitution pool consulted
// on the next swap. The running process is not restarted.
func (m *Manager) UpdateAvailable(candidates []models.ValidatedEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = candidates
}

// Stop terminates the process and removes its config. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc != nil {
		m.proc.Stop()
		m.proc = nil
	}
	m.state = StateStopped
	m.slots = nil
}

// Status reports healthy/total backend counts and per-slot detail.
func (m *Manager) Status() (healthy, total int, slots []Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.Healthy {
			healthy++
		}
	}
	out := make([]Slot, len(m.slots))
	copy(out, m.slots)
	return healthy, len(m.slots), out
}

// HealthLoop probes the aggregate entry point at the given interval and
// triggers a full refresh on failure. It returns when ctx is done.
func (m *Manager) HealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	transport := fmt.Sprintf("socks5://127.0.0.1:%d", m.cfg.PublicPort)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := m.cfg.SelfCheck(ctx, transport); err != nil {
			m.logger.Warn("entry point unhealthy, refreshing pool", "error", err)
			if err := m.Refresh(ctx); err != nil {
				m.logger.Error("pool refresh failed", "error", err)
			}
			continue
		}

		healthy, total, _ := m.Status()
		m.logger.Info("entry point healthy", "healthyBackends", healthy, "totalBackends", total)
	}
}

// Refresh re-derives up to N healthy candidates from the substitution
// pool, regenerates the aggregate config, and hot-restarts the engine.
// On spawn failure the last-good process keeps serving and the manager
// goes DEGRADED.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proc == nil {
		return fmt.Errorf("pool is not running")
	}

	m.clearFailedIfDue()
	survivors := m.selectHealthy(ctx, m.available)

	if err := m.swap(ctx, survivors); err != nil {
		m.state = StateDegraded
		return err
	}
	m.setSlots(survivors)
	return nil
}

// swap renders the aggregate config for survivors and replaces the
// running process. The old process is terminated only after the new one
// is confirmed live, minimizing the listen gap; the inbound is rendered
// with port reuse enabled so the overlap cannot conflict. Caller holds
// mu.
func (m *Manager) swap(ctx context.Context, survivors []models.ValidatedEndpoint) error {
	ds := make([]models.Descriptor, len(survivors))
	for i, s := range survivors {
		ds[i] = s.Descriptor
	}

	config, err := m.eng.RenderPool(ds, m.cfg.PublicPort, m.cfg.DirectFallback)
	if err != nil {
		return fmt.Errorf("render aggregate config: %w", err)
	}

	newProc, err := m.eng.Start(ctx, config)
	if err != nil {
		return fmt.Errorf("spawn entry point: %w", err)
	}

	select {
	case <-time.After(m.cfg.SettleDelay):
	case <-ctx.Done():
		newProc.Stop()
		return ctx.Err()
	}
	if !newProc.Alive() {
		output := newProc.Output()
		newProc.Stop()
		return fmt.Errorf("entry point exited during startup: %s", truncate(output, 300))
	}

	old := m.proc
	m.proc = newProc
	if old != nil {
		old.Stop()
	}
	return nil
}

// selectHealthy freshly re-probes candidates in order, keeping up to
// Capacity that pass and suppressing ones that fail. Caller holds mu.
func (m *Manager) selectHealthy(ctx context.Context, candidates []models.ValidatedEndpoint) []models.ValidatedEndpoint {
	var kept []models.ValidatedEndpoint
	for _, c := range candidates {
		if len(kept) >= m.cfg.Capacity {
			break
		}
		if _, suppressed := m.failed[c.Signature]; suppressed {
			continue
		}

		latency, err := m.check(ctx, c.Descriptor)
		if err != nil {
			m.logger.Debug("candidate failed fresh check", "host", c.Host, "error", err)
			m.failed[c.Signature] = time.Now()
			continue
		}
		c.LatencyMs = latency
		kept = append(kept, c)
	}
	return kept
}

func (m *Manager) setSlots(survivors []models.ValidatedEndpoint) {
	now := time.Now()
	slots := make([]Slot, len(survivors))
	for i, s := range survivors {
		slots[i] = Slot{Endpoint: s, Healthy: true, AddedAt: now}
	}
	m.slots = slots
	if len(survivors) == 0 {
		m.state = StateDegraded
	} else {
		m.state = StateRunning
	}
}

func (m *Manager) clearFailedIfDue() {
	if time.Since(m.lastClear) >= m.cfg.FailSuppression {
		m.failed = make(map[string]time.Time)
		m.lastClear = time.Now()
	}
}

// freePort best-effort kills whatever holds the TCP port. Only used on
// first start; hot swaps rely on port reuse instead.
func freePort(port int) {
	_ = exec.Command("fuser", "-k", fmt.Sprintf("%d/tcp", port)).Run()
}

func defaultSelfCheck(ctx context.Context, transport string) error {
	res, err := fetch.Fetch(ctx, "https://www.gstatic.com/generate_204", fetch.Options{
		Transport: transport,
		Timeout:   8 * time.Second,
	})
	if err != nil {
		return err
	}
	if res.StatusCode >= 400 && res.StatusCode != 204 {
		return fmt.Errorf("entry point returned status %d", res.StatusCode)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
