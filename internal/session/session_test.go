package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-account/internal/cache"
	"nostr-account/internal/config"
	"nostr-account/internal/groups"
	"nostr-account/internal/metadata"
	"nostr-account/internal/metrics"
	"nostr-account/internal/nostr"
	"nostr-account/internal/relay"
	"nostr-account/internal/relay/relaytest"
	"nostr-account/internal/relaylist"
	"nostr-account/internal/signer"
	"nostr-account/internal/store"
	"nostr-account/internal/types"
)

const (
	profileRelay = "wss://profiles.example.com"
	indexRelay   = "wss://index.example.com"
	writeRelay   = "wss://write.example.com"
	rejectRelay  = "wss://strict.example.com"
	defaultRelay = "wss://default.example.com"
	groupRelay   = "wss://groups.example.com"
)

type harness struct {
	transport *relaytest.Transport
	deps      Deps
	signer    *signer.KeySigner
	pubkey    string
	snapshots chan *types.Metadata
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	transport := relaytest.NewTransport()
	for _, u := range []string{profileRelay, indexRelay, writeRelay, rejectRelay, defaultRelay, groupRelay} {
		transport.Relay(u)
	}
	m := metrics.NewCollector("test")
	reg := relay.NewRegistry(transport, time.Second, nil, m)
	t.Cleanup(reg.Close)

	backend, err := cache.NewBadgerCache("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	keys, err := signer.GenerateKeySigner()
	require.NoError(t, err)
	pubkey, err := keys.GetPublicKey(context.Background())
	require.NoError(t, err)

	return &harness{
		transport: transport,
		signer:    keys,
		pubkey:    pubkey,
		snapshots: make(chan *types.Metadata, 64),
		deps: Deps{
			Registry:      reg,
			Metadata:      metadata.NewResolver(reg, []string{profileRelay}, 200*time.Millisecond, nil, m),
			RelayLists:    relaylist.NewResolver(reg, []string{indexRelay}, 200*time.Millisecond, nil, nil, m),
			Groups:        groups.NewSynchronizer(reg, 500*time.Millisecond, nil, m),
			Store:         store.NewSnapshotStore(backend, 0, nil),
			Signer:        keys,
			DefaultRelays: []string{defaultRelay},
			Metrics:       m,
		},
	}
}

func (h *harness) session(t *testing.T) *Session {
	t.Helper()
	s := New(context.Background(), h.deps)
	t.Cleanup(s.Close)
	cancel := s.Observe(func(account *types.Metadata) { h.snapshots <- account })
	t.Cleanup(cancel)
	return s
}

func (h *harness) profile(content string) {
	h.transport.Relay(profileRelay).Add(types.Event{
		ID: "profile", PubKey: h.pubkey, Kind: nostr.KindProfile, CreatedAt: 10, Content: content,
	})
}

func (h *harness) relayList(relays ...string) {
	tags := make([][]string, 0, len(relays))
	for _, u := range relays {
		tags = append(tags, []string{"r", u})
	}
	h.transport.Relay(indexRelay).Add(types.Event{
		ID: "relays", PubKey: h.pubkey, Kind: nostr.KindRelayList, CreatedAt: 10, Tags: tags,
	})
}

func (h *harness) memberships(on string, createdAt int64, ids ...string) {
	tags := make([][]string, 0, len(ids))
	for _, id := range ids {
		tags = append(tags, []string{"group", id, groupRelay})
	}
	h.transport.Relay(on).Add(types.Event{
		ID: "memberships", PubKey: h.pubkey, Kind: nostr.KindSimpleGroups, CreatedAt: createdAt, Tags: tags,
	})
}

func (h *harness) group(id, name string) {
	h.transport.Relay(groupRelay).Add(types.Event{
		ID: "group-" + id, Kind: nostr.KindGroupMetadata, Tags: [][]string{{"d", id}, {"name", name}},
	})
}

// waitFor drains snapshots until one satisfies match
func (h *harness) waitFor(t *testing.T, match func(*types.Metadata) bool) *types.Metadata {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case account := <-h.snapshots:
			if match(account) {
				return account
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return nil
		}
	}
}

func hasGroups(n int) func(*types.Metadata) bool {
	return func(account *types.Metadata) bool { return account != nil && len(account.Groups) == n }
}

func TestInitializeHydratesAccount(t *testing.T) {
	h := newHarness(t)
	h.profile(`{"name":"alice","about":"hi"}`)
	h.relayList(writeRelay)
	h.memberships(writeRelay, 100, "alpha")
	h.group("alpha", "Alpha")

	s := h.session(t)
	assert.Nil(t, <-h.snapshots, "observers start with the signed-out snapshot")

	require.NoError(t, s.Initialize(context.Background(), h.pubkey))
	account := h.waitFor(t, hasGroups(1))

	assert.Equal(t, h.pubkey, account.PubKey)
	assert.Equal(t, "alice", account.Name)
	assert.Equal(t, []string{writeRelay}, account.WriteRelays)
	assert.Equal(t, "Alpha", account.Groups[0].Name)
	assert.Equal(t, int64(100), account.LastMembershipList.CreatedAt)

	stored, err := h.deps.Store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, account, stored)
	assert.Equal(t, account, s.Snapshot())
}

func TestInitializeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.relayList(writeRelay)
	s := h.session(t)

	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, h.pubkey))
	require.NoError(t, s.Initialize(ctx, h.pubkey))
	assert.Equal(t, 1, h.transport.Relay(indexRelay).Gets())
}

func TestInitializeWithoutProfileUsesMinimalRecord(t *testing.T) {
	h := newHarness(t)
	h.relayList(writeRelay)
	s := h.session(t)

	require.NoError(t, s.Initialize(context.Background(), h.pubkey))
	account := s.Snapshot()
	require.NotNil(t, account)
	assert.Equal(t, h.pubkey, account.PubKey)
	assert.Empty(t, account.Name)
	assert.Equal(t, []string{writeRelay}, account.WriteRelays)
}

func TestInitializeFallsBackToDefaultRelays(t *testing.T) {
	h := newHarness(t)
	h.profile(`{"name":"alice"}`)
	h.memberships(defaultRelay, 100, "alpha")
	h.group("alpha", "Alpha")
	s := h.session(t)

	require.NoError(t, s.Initialize(context.Background(), h.pubkey))
	account := h.waitFor(t, hasGroups(1))
	assert.Equal(t, []string{defaultRelay}, account.WriteRelays)
}

func TestInitializeRejectsInvalidPubkey(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)

	err := s.Initialize(context.Background(), "npub-not-hex")
	require.ErrorIs(t, err, metadata.ErrInvalidPubkey)
	assert.Nil(t, s.Snapshot())

	// a failed attempt does not block the next one
	require.NoError(t, s.Initialize(context.Background(), h.pubkey))
	assert.NotNil(t, s.Snapshot())
}

func TestSignOutClearsAccount(t *testing.T) {
	h := newHarness(t)
	h.relayList(writeRelay)
	s := h.session(t)

	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, h.pubkey))
	h.waitFor(t, func(a *types.Metadata) bool { return a != nil && len(a.WriteRelays) == 1 })

	require.NoError(t, s.SignOut(ctx))
	assert.Nil(t, h.waitFor(t, func(a *types.Metadata) bool { return a == nil }))
	assert.Nil(t, s.Snapshot())

	stored, err := h.deps.Store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored)

	// sign-in works again afterwards
	require.NoError(t, s.Initialize(ctx, h.pubkey))
	assert.Equal(t, h.pubkey, s.Snapshot().PubKey)
}

func TestLateGroupUpdatesIgnoredAfterSignOut(t *testing.T) {
	h := newHarness(t)
	h.relayList(writeRelay)
	h.memberships(writeRelay, 100, "alpha")
	h.group("alpha", "Alpha")
	h.transport.Relay(groupRelay).SetGetDelay(150 * time.Millisecond)
	s := h.session(t)

	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, h.pubkey))
	require.NoError(t, s.SignOut(ctx))
	h.waitFor(t, func(a *types.Metadata) bool { return a == nil })

	select {
	case account := <-h.snapshots:
		t.Fatalf("unexpected snapshot after sign out: %+v", account)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Nil(t, s.Snapshot())
}

func TestRestoredSnapshotIsReplayed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	saved := &types.Metadata{
		PubKey:      h.pubkey,
		ProfileInfo: types.ProfileInfo{Name: "alice"},
		Groups:      []types.GroupRecord{{ID: "alpha", Name: "Alpha", Relay: groupRelay}},
		WriteRelays: []string{writeRelay},
		LastMembershipList: &types.MembershipList{
			PubKey:    h.pubkey,
			Groups:    []types.GroupRef{{ID: "alpha", Relay: groupRelay}},
			CreatedAt: 100,
		},
	}
	require.NoError(t, h.deps.Store.Save(ctx, saved))

	s := h.session(t)
	assert.Equal(t, saved, <-h.snapshots)
	assert.Equal(t, saved, s.Snapshot())
}

func TestRestoredMembershipsSurviveInitialize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.relayList(writeRelay)
	h.group("alpha", "Alpha v2")
	require.NoError(t, h.deps.Store.Save(ctx, &types.Metadata{
		PubKey: h.pubkey,
		Groups: []types.GroupRecord{{ID: "alpha", Name: "Alpha", Relay: groupRelay}},
		LastMembershipList: &types.MembershipList{
			PubKey:    h.pubkey,
			Groups:    []types.GroupRef{{ID: "alpha", Relay: groupRelay}},
			CreatedAt: 100,
		},
	}))

	s := h.session(t)
	require.NoError(t, s.Initialize(ctx, h.pubkey))
	require.Len(t, s.Snapshot().Groups, 1, "groups carried over before the relays answer")

	// the remembered list is resolved again without any relay publishing it
	account := h.waitFor(t, func(a *types.Metadata) bool {
		return a != nil && len(a.Groups) == 1 && a.Groups[0].Name == "Alpha v2"
	})
	assert.Equal(t, int64(100), account.LastMembershipList.CreatedAt)
}

func TestRestoredSnapshotOfAnotherAccountIsReplaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.deps.Store.Save(ctx, &types.Metadata{
		PubKey: "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",
		Groups: []types.GroupRecord{{ID: "theirs"}},
	}))

	s := h.session(t)
	require.NoError(t, s.Initialize(ctx, h.pubkey))
	account := s.Snapshot()
	assert.Equal(t, h.pubkey, account.PubKey)
	assert.Empty(t, account.Groups)
}

func TestLogin(t *testing.T) {
	h := newHarness(t)
	h.profile(`{"name":"alice"}`)
	s := h.session(t)

	require.NoError(t, s.Login(context.Background()))
	assert.Equal(t, h.pubkey, s.Snapshot().PubKey)
	assert.Equal(t, "alice", s.Snapshot().Name)
}

func TestSigningUnavailable(t *testing.T) {
	h := newHarness(t)
	h.deps.Signer = nil
	s := h.session(t)

	err := s.Login(context.Background())
	require.ErrorIs(t, err, signer.ErrSigningUnavailable)
	assert.Nil(t, s.Snapshot())

	result := s.Publish(context.Background(), &types.UnsignedEvent{Kind: 1, Content: "hi"}, []string{writeRelay})
	require.ErrorIs(t, result.Err, signer.ErrSigningUnavailable)
	assert.Nil(t, result.Event)
	assert.Empty(t, h.transport.Relay(writeRelay).Published())
}

func TestPublishReportsEveryRelay(t *testing.T) {
	h := newHarness(t)
	h.relayList(writeRelay, rejectRelay)
	h.transport.Relay(rejectRelay).SetRejectPublish("blocked: spam")
	s := h.session(t)
	require.NoError(t, s.Initialize(context.Background(), h.pubkey))

	result := s.Publish(context.Background(), &types.UnsignedEvent{Kind: 1, Content: "hello", CreatedAt: 1}, nil)
	require.NotNil(t, result.Event)
	assert.True(t, nostr.ValidateEventSignature(result.Event))
	assert.Equal(t, h.pubkey, result.Event.PubKey)
	assert.Equal(t, []string{writeRelay}, result.Successes)
	assert.Equal(t, []string{rejectRelay}, result.Failures)
	require.ErrorIs(t, result.Err, relay.ErrRejected)
	assert.Contains(t, result.Err.Error(), rejectRelay)

	published := h.transport.Relay(writeRelay).Published()
	require.Len(t, published, 1)
	assert.Equal(t, result.Event.ID, published[0].ID)
}

func TestPublishAddsClientTag(t *testing.T) {
	h := newHarness(t)
	h.deps.Client = &config.ClientConfig{
		Enabled:  true,
		Name:     "nostr-account",
		Pubkey:   "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",
		Dtag:     "app",
		TagKinds: []int{1},
	}
	s := h.session(t)

	unsigned := &types.UnsignedEvent{Kind: 1, Content: "tagged", Tags: [][]string{{"t", "go"}}}
	result := s.Publish(context.Background(), unsigned, []string{writeRelay})
	require.NoError(t, result.Err)
	assert.Equal(t, [][]string{
		{"t", "go"},
		{"client", "nostr-account", "31990:bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec:app"},
	}, result.Event.Tags)
	assert.Len(t, unsigned.Tags, 1, "template is not modified")

	own := s.Publish(context.Background(), &types.UnsignedEvent{Kind: 1, Tags: [][]string{{"client", "other"}}}, []string{writeRelay})
	require.NoError(t, own.Err)
	assert.Equal(t, [][]string{{"client", "other"}}, own.Event.Tags)

	untagged := s.Publish(context.Background(), &types.UnsignedEvent{Kind: 7, Content: "+"}, []string{writeRelay})
	require.NoError(t, untagged.Err)
	assert.Empty(t, untagged.Event.Tags)
}

func TestPublishUsesDefaultsWhenSignedOut(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)

	result := s.Publish(context.Background(), &types.UnsignedEvent{Kind: 1, Content: "hi"}, nil)
	require.NoError(t, result.Err)
	assert.Equal(t, []string{defaultRelay}, result.Successes)
}

func TestPublishWithoutRelays(t *testing.T) {
	h := newHarness(t)
	h.deps.DefaultRelays = nil
	s := h.session(t)

	result := s.Publish(context.Background(), &types.UnsignedEvent{Kind: 1}, []string{"not a relay"})
	assert.True(t, errors.Is(result.Err, relay.ErrInvalidEndpoint))
	assert.NotNil(t, result.Event)
}

func TestSignOutForgetsCachedRelayList(t *testing.T) {
	h := newHarness(t)
	mem := cache.NewMemoryCache(100, time.Minute)
	t.Cleanup(func() { mem.Close() })
	h.deps.RelayLists = relaylist.NewResolver(h.deps.Registry, []string{indexRelay}, 200*time.Millisecond,
		cache.NewRelayListCache(mem, cache.DefaultCacheConfig()), nil, nil)
	h.relayList(writeRelay)
	s := h.session(t)

	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, h.pubkey))
	require.NoError(t, s.SignOut(ctx))
	require.NoError(t, s.Initialize(ctx, h.pubkey))
	assert.Equal(t, 2, h.transport.Relay(indexRelay).Gets(), "relay list fetched again after sign out")
}
