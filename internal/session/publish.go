package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"nostr-account/internal/nostr"
	"nostr-account/internal/relay"
	"nostr-account/internal/signer"
	"nostr-account/internal/types"
	"nostr-account/internal/util"
)

// publishTimeout bounds waiting for one relay's OK
const publishTimeout = 10 * time.Second

// PublishResult reports where a signed event landed.
// Err combines every per-relay failure and is nil only when all relays accepted.
type PublishResult struct {
	Event     *types.Event
	Successes []string
	Failures  []string
	Err       error
}

// Publish signs unsigned and sends it to relays concurrently. With no relays
// given it uses the account's write relays, then the defaults. A signing
// failure publishes nothing and leaves the account untouched.
func (s *Session) Publish(ctx context.Context, unsigned *types.UnsignedEvent, relays []string) PublishResult {
	if unsigned == nil {
		return PublishResult{Err: fmt.Errorf("%w: nothing to sign", signer.ErrSigningUnavailable)}
	}
	template := *unsigned
	tag := s.deps.Client.ClientTag()
	if tag != nil && s.deps.Client.ShouldTagKind(template.Kind) && !util.HasTag(template.Tags, "client") {
		template.Tags = append(append([][]string{}, unsigned.Tags...), tag)
	}

	evt, err := s.deps.Signer.SignEvent(ctx, &template)
	if err != nil {
		if !errors.Is(err, signer.ErrSigningUnavailable) {
			err = fmt.Errorf("%w: %v", signer.ErrSigningUnavailable, err)
		}
		s.logger.Warn("could not sign event", "kind", template.Kind, "error", err)
		return PublishResult{Err: err}
	}

	if len(relays) == 0 {
		relays = s.publishRelays()
	}
	relays = nostr.NormalizeRelayURLs(relays)
	if len(relays) == 0 {
		return PublishResult{Event: evt, Err: fmt.Errorf("%w: no relays to publish to", relay.ErrInvalidEndpoint)}
	}

	errs := make([]error, len(relays))
	var wg sync.WaitGroup
	for i, relayURL := range relays {
		wg.Add(1)
		go func(i int, relayURL string) {
			defer wg.Done()
			errs[i] = s.publishTo(ctx, relayURL, evt)
		}(i, relayURL)
	}
	wg.Wait()

	result := PublishResult{Event: evt}
	for i, relayURL := range relays {
		if errs[i] == nil {
			result.Successes = append(result.Successes, relayURL)
			continue
		}
		result.Failures = append(result.Failures, relayURL)
		result.Err = multierr.Append(result.Err, fmt.Errorf("%s: %w", relayURL, errs[i]))
	}

	s.logger.Info("published event",
		"event_id", nostr.ShortID(evt.ID),
		"kind", evt.Kind,
		"successes", len(result.Successes),
		"failures", len(result.Failures))
	return result
}

func (s *Session) publishTo(ctx context.Context, relayURL string, evt *types.Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	conn, err := s.deps.Registry.Resolve(ctx, relayURL)
	if err == nil {
		err = conn.Publish(ctx, evt)
	}
	switch {
	case err == nil:
		s.metrics.Publish("ok")
	case errors.Is(err, relay.ErrRejected):
		s.metrics.Publish("rejected")
	default:
		s.metrics.Publish("error")
	}
	return err
}

func (s *Session) publishRelays() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account != nil && len(s.account.WriteRelays) > 0 {
		return append([]string(nil), s.account.WriteRelays...)
	}
	return append([]string(nil), s.deps.DefaultRelays...)
}
