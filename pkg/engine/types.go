// Package engine drives the external tunneling engine processes that
// implement the actual proxy wire protocols. The engine is a black box:
// we render a configuration file, spawn the binary, and watch process
// liveness. Everything protocol-specific lives behind the Renderer
// interface, one implementation per engine family.
package engine

import (
	"context"

	"endpoint-balancer/pkg/models"
)

// Family identifies a configuration dialect.
type Family string

const (
	FamilyXray    Family = "xray"     // xray-core and v2ray-core binaries
	FamilySingBox Family = "sing-box" // sing-box binaries
)

// Renderer translates descriptors into an engine-family configuration.
type Renderer interface {
	// Render produces a config with one local SOCKS inbound on
	// 127.0.0.1:listenPort and a single outbound for d.
	Render(d models.Descriptor, listenPort int) ([]byte, error)

	// RenderPool produces a config with one SOCKS inbound on listenPort
	// and every descriptor as a named outbound target behind a
	// balancer, plus a fallback target. When directFallback is false
	// the fallback swallows traffic instead of going direct, so the
	// port stays bound but probes through it fail.
	RenderPool(ds []models.Descriptor, listenPort int, directFallback bool) ([]byte, error)
}

// Handle is a running engine process.
type Handle interface {
	// Stop terminates the process and removes its temp config. Safe to
	// call multiple times and on every exit path.
	Stop()
	// Alive reports whether the process is still running.
	Alive() bool
	// Output returns captured stdout/stderr, best-effort, for
	// diagnostics after a failure.
	Output() string
}

// Launcher spawns engine processes from rendered configs. Satisfied by
// *Engine; faked in tests.
type Launcher interface {
	Name() string
	Render(d models.Descriptor, listenPort int) ([]byte, error)
	RenderPool(ds []models.Descriptor, listenPort int, directFallback bool) ([]byte, error)
	Start(ctx context.Context, config []byte) (Handle, error)
}
