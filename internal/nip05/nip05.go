// Package nip05 verifies nip05 identifiers (user@domain.com) against the
// domain's .well-known/nostr.json.
package nip05

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nostr-account/internal/cache"
	"nostr-account/internal/nostr"
	"nostr-account/internal/util"
)

// DefaultCacheTTL is how long a verification result is reused
const DefaultCacheTTL = 24 * time.Hour

// Result contains the verification result for a nip05 identifier
type Result struct {
	Verified  bool      `json:"verified"`
	Pubkey    string    `json:"pubkey,omitempty"` // The verified pubkey (hex)
	Domain    string    `json:"domain,omitempty"` // Display domain
	Relays    []string  `json:"relays,omitempty"` // Relay hints
	CheckedAt time.Time `json:"checked_at"`
}

// Verifier fetches and checks nip05 documents, optionally caching results
type Verifier struct {
	client   *http.Client
	logger   *slog.Logger
	cache    cache.CacheBackend
	cacheTTL time.Duration

	// scheme and allowPrivate exist so tests can point at a local server
	scheme       string
	allowPrivate bool
}

// Option configures a Verifier
type Option func(*Verifier)

// WithHTTPClient replaces the default client
func WithHTTPClient(client *http.Client) Option {
	return func(v *Verifier) { v.client = client }
}

// WithCache stores results in backend for ttl
func WithCache(backend cache.CacheBackend, ttl time.Duration) Option {
	return func(v *Verifier) {
		v.cache = backend
		v.cacheTTL = ttl
	}
}

// NewVerifier creates a verifier
func NewVerifier(logger *slog.Logger, opts ...Option) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{
		client: &http.Client{
			Timeout: 5 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		logger:   logger,
		cacheTTL: DefaultCacheTTL,
		scheme:   "https",
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks that nip05 maps to pubkey. Failures of any kind yield an
// unverified result, never an error.
func (v *Verifier) Verify(ctx context.Context, nip05 string, pubkey string) *Result {
	if nip05 == "" || pubkey == "" {
		return &Result{}
	}

	if cached := v.cached(ctx, nip05); cached != nil {
		if cached.Verified && cached.Pubkey != strings.ToLower(pubkey) {
			// Someone else verified this identifier
			return &Result{CheckedAt: cached.CheckedAt}
		}
		return cached
	}

	result := v.fetchAndVerify(ctx, nip05, pubkey)
	v.store(ctx, nip05, result)
	return result
}

func (v *Verifier) cached(ctx context.Context, nip05 string) *Result {
	if v.cache == nil {
		return nil
	}
	data, found, err := v.cache.Get(ctx, "nip05:"+strings.ToLower(nip05))
	if err != nil || !found {
		return nil
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return &result
}

func (v *Verifier) store(ctx context.Context, nip05 string, result *Result) {
	if v.cache == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := v.cache.Set(ctx, "nip05:"+strings.ToLower(nip05), data, v.cacheTTL); err != nil {
		v.logger.Debug("nip05 cache set failed", "nip05", nip05, "error", err)
	}
}

// fetchAndVerify fetches the .well-known/nostr.json and verifies the pubkey
func (v *Verifier) fetchAndVerify(ctx context.Context, nip05 string, pubkey string) *Result {
	result := &Result{CheckedAt: time.Now()}

	// Parse nip05: name@domain
	name, domain, ok := strings.Cut(nip05, "@")
	if !ok {
		v.logger.Debug("invalid nip05 format", "nip05", nip05)
		return result
	}
	name = strings.ToLower(name)
	domain = strings.ToLower(domain)

	if name == "" || domain == "" || strings.ContainsAny(domain, "/\\?#@") {
		v.logger.Debug("invalid nip05 domain", "domain", domain)
		return result
	}

	// Block internal/private hosts
	if !v.allowPrivate && util.IsPrivateHost(hostOnly(domain)) {
		v.logger.Debug("nip05 domain is private/internal", "domain", domain)
		return result
	}

	// Set display domain (for "_@domain", show just "domain")
	if name == "_" {
		result.Domain = domain
	} else {
		result.Domain = name + "@" + domain
	}

	wellKnown := fmt.Sprintf("%s://%s/.well-known/nostr.json?name=%s", v.scheme, domain, url.QueryEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		v.logger.Debug("failed to create nip05 request", "url", wellKnown, "error", err)
		return result
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Debug("nip05 fetch failed", "url", wellKnown, "error", err)
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		v.logger.Debug("nip05 fetch returned non-200", "url", wellKnown, "status", resp.StatusCode)
		return result
	}

	var data struct {
		Names  map[string]string   `json:"names"`
		Relays map[string][]string `json:"relays"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		v.logger.Debug("failed to parse nip05 response", "url", wellKnown, "error", err)
		return result
	}

	verifiedPubkey, ok := data.Names[name]
	if !ok {
		v.logger.Debug("nip05 name not found in response", "name", name, "url", wellKnown)
		return result
	}

	verifiedPubkey = strings.ToLower(verifiedPubkey)
	if verifiedPubkey != strings.ToLower(pubkey) {
		v.logger.Debug("nip05 pubkey mismatch",
			"expected", nostr.ShortID(pubkey),
			"got", nostr.ShortID(verifiedPubkey))
		return result
	}

	result.Verified = true
	result.Pubkey = verifiedPubkey
	result.Relays = nostr.NormalizeRelayURLs(data.Relays[verifiedPubkey])

	v.logger.Debug("nip05 verified",
		"nip05", nip05,
		"pubkey", nostr.ShortID(pubkey),
		"relays", len(result.Relays))
	return result
}

// hostOnly strips a port from domain
func hostOnly(domain string) string {
	if host, _, ok := strings.Cut(domain, ":"); ok {
		return host
	}
	return domain
}
