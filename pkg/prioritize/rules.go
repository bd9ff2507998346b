package prioritize

import (
	"strings"

	"endpoint-balancer/pkg/models"
)

// cdnSuffixes identify hosts (or TLS server names) fronted by a content
// delivery network, where endpoint traffic blends with ordinary web
// traffic.
var cdnSuffixes = []string{
	".cloudflare.com",
	".cloudflare.net",
	".workers.dev",
	".pages.dev",
	".cdn77.org",
	".fastly.net",
	".fastlylb.net",
	".azureedge.net",
	".akamaized.net",
	".cloudfront.net",
	".gcore.com",
	".arvancloud.ir",
}

// IsCDNFronted reports whether the descriptor's host or TLS server name
// belongs to a known CDN domain.
func IsCDNFronted(d models.Descriptor) bool {
	for _, name := range []string{d.Host, d.Transport.SNI, d.Transport.WSHost} {
		name = strings.ToLower(name)
		if name == "" {
			continue
		}
		for _, suffix := range cdnSuffixes {
			if strings.HasSuffix(name, suffix) || name == strings.TrimPrefix(suffix, ".") {
				return true
			}
		}
	}
	return false
}

// scoreRule is one weighted signal in the resilience score. Rules are
// evaluated independently; the score is their plain weighted sum.
type scoreRule struct {
	name   string
	weight int
	match  func(models.Descriptor) bool
}

var scoreRules = []scoreRule{
	{"reality", 40, func(d models.Descriptor) bool {
		return d.Transport.Security == "reality"
	}},
	{"cdn-fronted", 25, func(d models.Descriptor) bool {
		return IsCDNFronted(d)
	}},
	{"tls", 15, func(d models.Descriptor) bool {
		return d.Transport.Security == "tls"
	}},
	{"fingerprint-evasion", 10, func(d models.Descriptor) bool {
		return d.Transport.Fingerprint != ""
	}},
	{"multiplexed", 8, func(d models.Descriptor) bool {
		return d.Transport.Network == "grpc" || d.Transport.Network == "h2"
	}},
	{"canonical-port", 5, func(d models.Descriptor) bool {
		return canonicalPorts[d.Port]
	}},
}

// indicatorSubstrings are URI fragments that correlate with deliberate
// anti-filtering configuration; each occurrence adds indicatorWeight.
var indicatorSubstrings = []string{
	"security=reality",
	"fp=chrome",
	"fp=firefox",
	"fp=safari",
	"alpn=h2",
	"headerType=http",
	"serviceName=",
}

const indicatorWeight = 2

// Score computes the deterministic resilience score of a descriptor as
// a weighted sum over the rule table. Order uses it to rank candidates
// within a bucket; bucket membership itself comes from Classify.
func Score(d models.Descriptor) int {
	total := 0
	for _, rule := range scoreRules {
		if rule.match(d) {
			total += rule.weight
		}
	}
	for _, s := range indicatorSubstrings {
		if strings.Contains(d.URI, s) {
			total += indicatorWeight
		}
	}
	return total
}
