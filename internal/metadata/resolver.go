// Package metadata resolves a pubkey's kind 0 profile from bootstrap relays.
package metadata

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nostr-account/internal/dedupe"
	"nostr-account/internal/metrics"
	"nostr-account/internal/nostr"
	"nostr-account/internal/relay"
	"nostr-account/internal/types"
)

// DefaultQueryTimeout bounds each relay's answer independently
const DefaultQueryTimeout = 3 * time.Second

var (
	// ErrNoEndpointsResponded means no relay produced a well-formed profile
	ErrNoEndpointsResponded = errors.New("no relay returned a usable profile")
	// ErrInvalidPubkey is returned for anything that is not 64 hex characters
	ErrInvalidPubkey = errors.New("invalid pubkey")

	errNoProfile = errors.New("relay has no profile")
)

// Resolver fetches profiles with per-pubkey deduplication.
// The first well-formed profile from any relay wins.
type Resolver struct {
	registry *relay.Registry
	relays   []string
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Collector
	memo     *dedupe.Group[*types.Metadata]
}

// NewResolver creates a resolver querying relays. A zero timeout uses DefaultQueryTimeout.
func NewResolver(registry *relay.Registry, relays []string, timeout time.Duration, logger *slog.Logger, m *metrics.Collector) *Resolver {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		registry: registry,
		relays:   relays,
		timeout:  timeout,
		logger:   logger,
		metrics:  m,
		memo:     dedupe.New[*types.Metadata]("metadata", logger, m),
	}
}

// Resolve returns the profile for pubkey. When no relay answers with a usable
// profile the minimal record is returned with a nil error: an account without
// a published profile is a valid result, not a failure. The minimal record is
// not remembered because the profile may be published later or the relays may
// only have been unreachable, so a later call queries the relays again.
// The caller owns the returned copy.
func (r *Resolver) Resolve(ctx context.Context, pubkey string) (*types.Metadata, error) {
	if !validPubkey(pubkey) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPubkey, pubkey)
	}

	md, err := r.memo.GetOrFetch(ctx, pubkey, func(ctx context.Context) (*types.Metadata, error) {
		return r.fetch(ctx, pubkey)
	})
	if errors.Is(err, ErrNoEndpointsResponded) {
		r.logger.Info("no profile found, using minimal metadata", "pubkey", nostr.ShortID(pubkey))
		r.metrics.MetadataFallback()
		return types.MinimalMetadata(pubkey), nil
	}
	if err != nil {
		return nil, err
	}
	return md.Clone(), nil
}

// Forget drops the remembered profile for pubkey
func (r *Resolver) Forget(pubkey string) {
	r.memo.Forget(pubkey)
}

type profileResult struct {
	relay   string
	profile *types.ProfileInfo
	err     error
}

// fetch queries all relays concurrently and returns on the first usable profile.
// Remaining branches run until their own timeout and their results are dropped.
func (r *Resolver) fetch(ctx context.Context, pubkey string) (*types.Metadata, error) {
	filter := types.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{nostr.KindProfile},
		Limit:   1,
	}

	results := make(chan profileResult, len(r.relays))
	for _, relayURL := range r.relays {
		go func(relayURL string) {
			profile, err := r.fetchFrom(ctx, relayURL, filter, pubkey)
			results <- profileResult{relay: relayURL, profile: profile, err: err}
		}(relayURL)
	}

	for range r.relays {
		res := <-results
		if res.err != nil {
			r.logger.Debug("profile query failed", "relay", res.relay, "pubkey", nostr.ShortID(pubkey), "error", res.err)
			continue
		}
		r.logger.Debug("profile resolved", "relay", res.relay, "pubkey", nostr.ShortID(pubkey))
		return &types.Metadata{
			PubKey:      pubkey,
			ProfileInfo: *res.profile,
			Groups:      []types.GroupRecord{},
			WriteRelays: []string{},
		}, nil
	}
	return nil, ErrNoEndpointsResponded
}

func (r *Resolver) fetchFrom(ctx context.Context, relayURL string, filter types.Filter, pubkey string) (*types.ProfileInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conn, err := r.registry.Resolve(ctx, relayURL)
	if err != nil {
		return nil, err
	}
	evt, err := conn.Get(ctx, filter)
	if err != nil {
		return nil, err
	}
	if evt == nil {
		return nil, errNoProfile
	}
	return nostr.ParseProfile(evt, pubkey)
}

func validPubkey(pubkey string) bool {
	if len(pubkey) != 64 {
		return false
	}
	_, err := hex.DecodeString(pubkey)
	return err == nil
}
