// Package tiering converts raw probe results into ranked, deduplicated
// validated endpoints.
package tiering

import (
	"fmt"
	"net"
	"sort"
	"time"

	"endpoint-balancer/pkg/models"
)

// TierFor maps a measured latency to its quality tier. The 800–2000ms
// band resolving to silver reproduces the source heuristic exactly; see
// DESIGN.md before changing the boundaries.
func TierFor(latencyMs int64) models.Tier {
	switch {
	case latencyMs < 200:
		return models.TierGold
	case latencyMs <= 800:
		return models.TierSilver
	case latencyMs > 2000:
		return models.TierDead
	default:
		return models.TierSilver
	}
}

// Resolver turns a host name into an IP address. The production
// resolver uses the system stack; tests substitute a table.
type Resolver func(host string) (string, error)

// SystemResolver resolves via the default DNS stack, preferring the
// first returned address.
func SystemResolver(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no addresses for %q", host)
	}
	return ips[0].String(), nil
}

// Signature is the dedup key of an endpoint: resolved IP (or the raw
// host when resolution failed), port, and identity. The host fallback
// can over- or under-merge endpoints behind unstable DNS; preserved
// as-is, flagged in DESIGN.md.
func Signature(d models.Descriptor, resolvedIP string) string {
	hostPart := resolvedIP
	if hostPart == "" {
		hostPart = d.Host
	}
	return fmt.Sprintf("%s:%d:%s", hostPart, d.Port, d.Identity)
}

// Build converts probe results into the validated endpoint list:
// failures are dropped, signature collisions keep the lowest-latency
// entry, dead-tier entries are removed, and the output is sorted by
// ascending latency.
func Build(results []models.ProbeResult, resolve Resolver) []models.ValidatedEndpoint {
	if resolve == nil {
		resolve = SystemResolver
	}

	now := time.Now()
	best := make(map[string]models.ValidatedEndpoint)
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		tier := TierFor(res.LatencyMs)
		if tier == models.TierDead {
			continue
		}

		resolvedIP, err := resolve(res.Descriptor.Host)
		if err != nil {
			resolvedIP = ""
		}
		sig := Signature(res.Descriptor, resolvedIP)

		if existing, ok := best[sig]; ok && existing.LatencyMs <= res.LatencyMs {
			continue
		}
		best[sig] = models.ValidatedEndpoint{
			Signature:   sig,
			URI:         res.Descriptor.URI,
			Scheme:      string(res.Descriptor.Protocol),
			Host:        res.Descriptor.Host,
			Port:        res.Descriptor.Port,
			ResolvedIP:  resolvedIP,
			DisplayName: res.Descriptor.DisplayName,
			LatencyMs:   res.LatencyMs,
			Tier:        tier,
			LastTested:  now,
			Descriptor:  res.Descriptor,
		}
	}

	out := make([]models.ValidatedEndpoint, 0, len(best))
	for _, e := range best {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LatencyMs < out[j].LatencyMs
	})
	return out
}
