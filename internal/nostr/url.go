package nostr

import (
	"net/url"
	"strings"

	"nostr-account/internal/util"
)

// NormalizeRelayURL validates and normalizes a relay URL.
// Scheme and host are lower-cased, default ports and trailing slashes removed,
// so two spellings of one relay compare equal.
// Returns empty string if URL is invalid/malformed
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return ""
	}

	// Quick reject for obviously bad URLs (no colon = no protocol)
	if !strings.Contains(relayURL, "://") {
		return ""
	}

	// Reject URL-encoded spaces (indicates garbage text as URL)
	if strings.Contains(relayURL, "%20") || strings.Contains(relayURL, "+") {
		return ""
	}

	// Reject double protocols (wss://https://...)
	if strings.Count(relayURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" || len(host) < 3 || strings.Contains(host, " ") {
		return ""
	}
	if !util.IsLoopbackHost(host) {
		if !strings.Contains(host, ".") {
			return ""
		}
		// Block internal/unreachable hosts (.onion, .local, .internal)
		if util.IsInternalHost(host) {
			return ""
		}
	}

	result := scheme + "://" + host
	if strings.Contains(host, ":") {
		result = scheme + "://[" + host + "]"
	}
	if port := parsed.Port(); port != "" && !isDefaultPort(scheme, port) {
		result += ":" + port
	}
	if path := strings.TrimRight(parsed.Path, "/"); path != "" {
		result += path
	}
	return result
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "wss" && port == "443") || (scheme == "ws" && port == "80")
}

// NormalizeRelayURLs normalizes a list, dropping invalid entries and duplicates
func NormalizeRelayURLs(relayURLs []string) []string {
	var result []string
	for _, u := range relayURLs {
		if n := NormalizeRelayURL(u); n != "" {
			result = append(result, n)
		}
	}
	return util.DedupeStrings(result)
}
