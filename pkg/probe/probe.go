// Package probe benchmarks endpoint descriptors by driving an external
// tunneling engine: render a config, spawn the engine on an ephemeral
// local port, then measure an HTTP request through it. Every probe is
// fully isolated — own process, own config file, own port — so a
// bounded worker pool can fan out aggressively.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"endpoint-balancer/pkg/engine"
	"endpoint-balancer/pkg/fetch"
	"endpoint-balancer/pkg/models"
)

// ErrNoEngine means no tunneling engine binary could be used. It is a
// run-level condition, not a per-candidate failure.
var ErrNoEngine = errors.New("no tunneling engine available")

// DefaultTestURLs are rotated across probes so a single unreachable
// test host cannot fail the whole batch.
var DefaultTestURLs = []string{
	"https://www.gstatic.com/generate_204",
	"http://cp.cloudflare.com/generate_204",
	"https://www.google.com/generate_204",
	"http://detectportal.firefox.com/success.txt",
}

// Config tunes a probe run.
type Config struct {
	// Engines to try, primary first. With MultiEngine set, up to two
	// alternates are consulted when the primary yields no definitive
	// result.
	Engines     []engine.Launcher
	MultiEngine bool

	Workers        int           // concurrent probes (default 32)
	BasePort       int           // start of the ephemeral port range (default 20000)
	PortsPerWorker int           // ports reserved per worker to avoid collisions (default 4)
	SettleDelay    time.Duration // wait after spawn before probing (default 800ms)
	ProbeTimeout   time.Duration // per-HTTP-request timeout (default 12s)
	TestURLs       []string
}

// Runner executes probe batches.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	urlCounter atomic.Uint64

	// Seams for tests; production values set by NewRunner.
	dialCheck func(addr string, timeout time.Duration) error
	httpProbe func(ctx context.Context, transport, url string, timeout time.Duration) (int64, error)
}

// NewRunner builds a Runner, applying defaults for unset fields.
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}
	if cfg.BasePort <= 0 {
		cfg.BasePort = 20000
	}
	if cfg.PortsPerWorker <= 0 {
		cfg.PortsPerWorker = 4
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 800 * time.Millisecond
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 12 * time.Second
	}
	if len(cfg.TestURLs) == 0 {
		cfg.TestURLs = DefaultTestURLs
	}

	return &Runner{
		cfg:       cfg,
		logger:    logger,
		dialCheck: tcpCheck,
		httpProbe: httpCheck,
	}
}

// Run benchmarks every descriptor with a bounded worker pool. Workers
// are order-independent; results arrive in completion order. When no
// engine is available, Run returns ErrNoEngine and no candidate is
// tested; the condition is run-level, not per-candidate.
func (r *Runner) Run(ctx context.Context, descriptors []models.Descriptor) ([]models.ProbeResult, error) {
	if len(r.cfg.Engines) == 0 {
		return nil, fmt.Errorf("%w, leaving %d candidates untested", ErrNoEngine, len(descriptors))
	}

	jobs := make(chan models.Descriptor, len(descriptors))
	results := make(chan models.ProbeResult, len(descriptors))

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for d := range jobs {
				results <- r.ProbeOne(ctx, d, worker)
			}
		}(i)
	}

	for _, d := range descriptors {
		jobs <- d
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]models.ProbeResult, 0, len(descriptors))
	for res := range results {
		if res.Err != nil {
			r.logger.Debug("probe failed", "host", res.Descriptor.Host, "error", res.Err)
		} else {
			r.logger.Debug("probe succeeded", "host", res.Descriptor.Host, "latencyMs", res.LatencyMs)
		}
		out = append(out, res)
	}
	return out, nil
}

// ProbeOne benchmarks one descriptor. With multi-engine mode enabled it
// retries with up to two alternate engines, each on a distinct port in
// the worker's partition with an isolated temp config.
func (r *Runner) ProbeOne(ctx context.Context, d models.Descriptor, worker int) models.ProbeResult {
	engines := r.cfg.Engines
	if !r.cfg.MultiEngine {
		engines = engines[:1]
	} else if len(engines) > 3 {
		engines = engines[:3]
	}

	var lastErr error
	for attempt, eng := range engines {
		port := r.cfg.BasePort + worker*r.cfg.PortsPerWorker + attempt
		latency, err := r.probeWithEngine(ctx, eng, d, port)
		if err == nil {
			return models.ProbeResult{Descriptor: d, LatencyMs: latency}
		}
		lastErr = fmt.Errorf("engine %s: %w", eng.Name(), err)
		if ctx.Err() != nil {
			break
		}
	}
	return models.ProbeResult{Descriptor: d, Err: lastErr}
}

// probeWithEngine runs the fixed probe protocol: CONFIGURE, SPAWN,
// AWAIT_READY, PROBE, TEARDOWN. Teardown runs on every exit path.
func (r *Runner) probeWithEngine(ctx context.Context, eng engine.Launcher, d models.Descriptor, port int) (int64, error) {
	config, err := eng.Render(d, port)
	if err != nil {
		return 0, fmt.Errorf("render: %w", err)
	}

	proc, err := eng.Start(ctx, config)
	if err != nil {
		return 0, fmt.Errorf("spawn: %w", err)
	}
	defer proc.Stop()

	select {
	case <-time.After(r.cfg.SettleDelay):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if !proc.Alive() {
		return 0, fmt.Errorf("engine exited early: %s", truncate(proc.Output(), 200))
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	if err := r.dialCheck(addr, 2*time.Second); err != nil {
		return 0, fmt.Errorf("listener not ready on %s: %w", addr, err)
	}

	transport := "socks5://" + addr
	latency, err := r.httpProbe(ctx, transport, r.nextURL(), r.cfg.ProbeTimeout)
	if err == nil {
		return latency, nil
	}
	// One alternate reachability URL before declaring the probe failed.
	latency, retryErr := r.httpProbe(ctx, transport, r.nextURL(), r.cfg.ProbeTimeout)
	if retryErr == nil {
		return latency, nil
	}
	return 0, err
}

func (r *Runner) nextURL() string {
	n := r.urlCounter.Add(1)
	return r.cfg.TestURLs[int(n-1)%len(r.cfg.TestURLs)]
}

func tcpCheck(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// httpCheck performs the reachability request. Success is any status
// below 400 or the no-content 204.
func httpCheck(ctx context.Context, transport, url string, timeout time.Duration) (int64, error) {
	res, err := fetch.Fetch(ctx, url, fetch.Options{
		Transport: transport,
		Timeout:   timeout,
	})
	if err != nil {
		return 0, err
	}
	if res.StatusCode >= 400 && res.StatusCode != 204 {
		return 0, fmt.Errorf("test URL returned status %d", res.StatusCode)
	}
	return res.Latency.Milliseconds(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
