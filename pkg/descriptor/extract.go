package descriptor

import (
	"regexp"
	"strings"
)

// uriPattern matches a supported proxy URI embedded anywhere in text.
// The character class covers everything that legally appears in these
// URIs, so a match runs until whitespace or markup.
var uriPattern = regexp.MustCompile(`(?:vmess|vless|trojan|ss)://[A-Za-z0-9+/=_\-.:@%&?#\[\],~!*'()$;]+`)

// blobPattern matches long base64-looking runs used by feeds that wrap
// the whole endpoint list in one encoded blob.
var blobPattern = regexp.MustCompile(`[A-Za-z0-9+/=_\-]{200,}`)

// ExtractURIs scans unstructured feed text for proxy URIs. When direct
// matches are scarce it additionally decodes long base64 blocks and
// scans the decoded text, covering sources that publish an encoded
// subscription body. Results preserve first-seen order and are
// deduplicated literally; semantic dedup happens later in the pipeline.
func ExtractURIs(text string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(matches []string) {
		for _, m := range matches {
			m = strings.TrimRight(m, ".,;")
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}

	add(uriPattern.FindAllString(text, -1))

	for _, blob := range blobPattern.FindAllString(text, -1) {
		// Skip blobs that are themselves part of an already-found URI.
		if seen["vmess://"+blob] || strings.Contains(text, "://"+blob) {
			continue
		}
		decoded, err := decodeBase64(blob)
		if err != nil {
			continue
		}
		add(uriPattern.FindAllString(string(decoded), -1))
	}

	return out
}
