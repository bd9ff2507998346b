// Package descriptor decodes proxy connection URIs into canonical
// endpoint descriptors. Parsing is pure: no network or filesystem
// access, and every decode anomaly is reported as an error the caller
// can treat as "skip this candidate".
package descriptor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"endpoint-balancer/pkg/models"
)

// ErrUnsupportedScheme is returned for URIs whose scheme is not one of
// the four supported protocols.
var ErrUnsupportedScheme = errors.New("unsupported scheme")

// DefaultName is substituted when display-name sanitization leaves
// nothing printable.
const DefaultName = "unnamed"

// placeholderHosts are values that show up in scraped feeds but can
// never be a reachable remote endpoint.
var placeholderHosts = map[string]bool{
	"localhost":   true,
	"127.0.0.1":   true,
	"0.0.0.0":     true,
	"::1":         true,
	"example.com": true,
}

// Parse decodes a single proxy URI into a canonical descriptor.
func Parse(raw string) (models.Descriptor, error) {
	raw = strings.TrimSpace(raw)

	var (
		d   models.Descriptor
		err error
	)
	switch {
	case strings.HasPrefix(raw, "vmess://"):
		d, err = parseVMess(raw)
	case strings.HasPrefix(raw, "vless://"):
		d, err = parseVLESS(raw)
	case strings.HasPrefix(raw, "trojan://"):
		d, err = parseTrojan(raw)
	case strings.HasPrefix(raw, "ss://"):
		d, err = parseSS(raw)
	default:
		return models.Descriptor{}, ErrUnsupportedScheme
	}
	if err != nil {
		return models.Descriptor{}, err
	}

	if err := validate(&d); err != nil {
		return models.Descriptor{}, err
	}
	d.DisplayName = SanitizeName(d.DisplayName)
	d.URI = raw
	return d, nil
}

func validate(d *models.Descriptor) error {
	if d.Host == "" {
		return errors.New("missing host")
	}
	if placeholderHosts[strings.ToLower(d.Host)] {
		return fmt.Errorf("placeholder host %q", d.Host)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("port %d out of range", d.Port)
	}
	if d.Identity == "" {
		return errors.New("missing identity")
	}
	return nil
}

// SanitizeName strips non-printable and non-ASCII bytes from a display
// name, falling back to DefaultName when nothing survives.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r >= 0x20 && r < 0x7f {
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return DefaultName
	}
	return out
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	return port, nil
}
