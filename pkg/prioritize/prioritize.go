// Package prioritize orders endpoint descriptors by estimated
// resistance to active traffic filtering. Ordering is a two-stage
// process: descriptors are dropped by a pre-filter, assigned to one of
// eight priority buckets, then shuffled within each bucket so workers
// spread load instead of always probing the same candidates first.
package prioritize

import (
	"math/rand"
	"net/netip"
	"sort"
	"strings"

	"endpoint-balancer/pkg/models"
)

// Bucket is a priority class; lower values probe first.
type Bucket int

const (
	BucketRealityCDN    Bucket = iota + 1 // T1: REALITY transport behind a CDN-fronted host
	BucketReality                         // T2: REALITY transport, direct host
	BucketMuxTLS                          // T3: gRPC/HTTP2 multiplexed transport under TLS
	BucketWSTLSCanon                      // T4: WebSocket over TLS on a canonical port
	BucketAltCDN                          // T5: non-vless protocol behind a CDN-fronted host
	BucketTLSCanon                        // T6: any other TLS on a canonical port
	BucketIPv6                            // T7: IPv6-addressed, observed to be filtered more often
	BucketRest                            // T8: everything else
)

// canonicalPorts are ports commonly passed through by middleboxes.
var canonicalPorts = map[int]bool{
	443: true, 8443: true, 2053: true, 2083: true,
	2087: true, 2096: true, 80: true, 8080: true,
}

// Classify assigns a descriptor to its priority bucket. Membership is
// deterministic for a given descriptor.
func Classify(d models.Descriptor) Bucket {
	// IPv6 reachability is the first discriminator: observed filtering
	// of IPv6 paths outweighs any transport advantage.
	if addr, err := netip.ParseAddr(d.Host); err == nil && addr.Is6() {
		return BucketIPv6
	}

	t := d.Transport
	cdn := IsCDNFronted(d)

	switch {
	case t.Security == "reality" && cdn:
		return BucketRealityCDN
	case t.Security == "reality":
		return BucketReality
	case (t.Network == "grpc" || t.Network == "h2") && t.Security == "tls":
		return BucketMuxTLS
	case t.Network == "ws" && t.Security == "tls" && canonicalPorts[d.Port]:
		return BucketWSTLSCanon
	case d.Protocol != models.ProtocolVLESS && cdn:
		return BucketAltCDN
	case t.Security == "tls" && canonicalPorts[d.Port]:
		return BucketTLSCanon
	}
	return BucketRest
}

// Order filters the descriptor set and returns it ordered by bucket,
// highest priority first, then by descending resilience score within
// each bucket. Candidates with equal scores are randomized with rng so
// repeated cycles do not hammer the same candidates in the same order.
func Order(descriptors []models.Descriptor, rng *rand.Rand) []models.Descriptor {
	type ranked struct {
		d models.Descriptor
		b Bucket
		s int
	}

	kept := make([]ranked, 0, len(descriptors))
	for _, d := range descriptors {
		if Blocked(d) {
			continue
		}
		kept = append(kept, ranked{d: d, b: Classify(d), s: Score(d)})
	}

	rng.Shuffle(len(kept), func(i, j int) {
		kept[i], kept[j] = kept[j], kept[i]
	})
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].b != kept[j].b {
			return kept[i].b < kept[j].b
		}
		return kept[i].s > kept[j].s
	})

	out := make([]models.Descriptor, len(kept))
	for i, r := range kept {
		out[i] = r.d
	}
	return out
}

// blockedMarkers are substrings of host names that mark a candidate as
// unusable before any probing.
var blockedMarkers = []string{
	"localhost",
	"speedtest",
	".local",
	"invalid",
}

// Blocked reports whether a descriptor should be dropped before
// bucketing: loopback and private addresses, and hosts carrying
// known-blocked markers.
func Blocked(d models.Descriptor) bool {
	host := strings.ToLower(d.Host)
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
			return true
		}
		return false
	}
	for _, marker := range blockedMarkers {
		if strings.Contains(host, marker) {
			return true
		}
	}
	return false
}
