package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"endpoint-balancer/pkg/models"
)

// killGrace is how long Stop waits after SIGTERM before force-killing.
const killGrace = 3 * time.Second

// Engine is one usable tunneling engine binary.
type Engine struct {
	binary   string
	family   Family
	renderer Renderer
	logger   *slog.Logger
}

// New validates that the binary is runnable and picks the renderer for
// its family. A missing or unrunnable binary is reported as an error;
// callers treat it as "engine unavailable", never as a per-candidate
// failure.
func New(binary string, logger *slog.Logger) (*Engine, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		if _, statErr := os.Stat(binary); statErr != nil {
			return nil, fmt.Errorf("engine binary %q not found: %w", binary, err)
		}
		path = binary
	}

	family := familyOf(path)
	var renderer Renderer
	switch family {
	case FamilyXray:
		renderer = &xrayRenderer{}
	case FamilySingBox:
		renderer = &singBoxRenderer{}
	default:
		return nil, fmt.Errorf("unrecognized engine family for %q", binary)
	}

	return &Engine{
		binary:   path,
		family:   family,
		renderer: renderer,
		logger:   logger,
	}, nil
}

// Detect builds engines from candidate binary names, keeping the ones
// actually present. The returned order follows the input order, so the
// first entry is the primary engine.
func Detect(binaries []string, logger *slog.Logger) []*Engine {
	var engines []*Engine
	for _, name := range binaries {
		eng, err := New(name, logger)
		if err != nil {
			logger.Debug("engine unavailable", "binary", name, "error", err)
			continue
		}
		engines = append(engines, eng)
	}
	return engines
}

func familyOf(path string) Family {
	base := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(base, "sing-box") || strings.Contains(base, "singbox"):
		return FamilySingBox
	case strings.Contains(base, "xray") || strings.Contains(base, "v2ray"):
		return FamilyXray
	}
	return ""
}

func (e *Engine) Name() string { return filepath.Base(e.binary) }

func (e *Engine) Render(d models.Descriptor, listenPort int) ([]byte, error) {
	return e.renderer.Render(d, listenPort)
}

func (e *Engine) RenderPool(ds []models.Descriptor, listenPort int, directFallback bool) ([]byte, error) {
	return e.renderer.RenderPool(ds, listenPort, directFallback)
}

// Start writes config to a uniquely-named temp file and spawns the
// engine against it. The returned handle owns both the process and the
// file: Stop releases them identically on success, error, timeout, or
// cancellation.
func (e *Engine) Start(ctx context.Context, config []byte) (Handle, error) {
	cfgPath := filepath.Join(os.TempDir(), fmt.Sprintf("eb-%s.json", uuid.NewString()))
	if err := os.WriteFile(cfgPath, config, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write engine config: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.binary, "run", "-c", cfgPath)
	output := &lockedBuffer{}
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		os.Remove(cfgPath)
		return nil, fmt.Errorf("failed to spawn engine %s: %w", e.Name(), err)
	}

	p := &process{
		cmd:     cmd,
		cfgPath: cfgPath,
		output:  output,
		done:    make(chan struct{}),
		logger:  e.logger,
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	e.logger.Debug("engine spawned", "engine", e.Name(), "pid", cmd.Process.Pid, "config", cfgPath)
	return p, nil
}

// lockedBuffer serializes the exec copier goroutines' writes with
// reads from Output, so output can be inspected while the process is
// still running.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type process struct {
	cmd     *exec.Cmd
	cfgPath string
	output  *lockedBuffer
	done    chan struct{}
	waitErr error
	stop    sync.Once
	logger  *slog.Logger
}

func (p *process) Stop() {
	p.stop.Do(func() {
		defer os.Remove(p.cfgPath)

		select {
		case <-p.done:
			return
		default:
		}

		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
		case <-time.After(killGrace):
			_ = p.cmd.Process.Kill()
			<-p.done
		}
		p.logger.Debug("engine stopped", "pid", p.cmd.Process.Pid)
	})
}

func (p *process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *process) Output() string {
	return p.output.String()
}
