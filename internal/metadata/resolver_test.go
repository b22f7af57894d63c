package metadata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-account/internal/nostr"
	"nostr-account/internal/relay"
	"nostr-account/internal/relay/relaytest"
	"nostr-account/internal/types"
)

const testPubkey = "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"

var testRelays = []string{
	"wss://a.example.com",
	"wss://b.example.com",
	"wss://c.example.com",
}

func profileEvent(content string) types.Event {
	return types.Event{ID: "p-" + content, PubKey: testPubkey, Kind: nostr.KindProfile, CreatedAt: 100, Content: content}
}

func newTestResolver(t *testing.T) (*Resolver, *relaytest.Transport) {
	t.Helper()
	transport := relaytest.NewTransport()
	for _, u := range testRelays {
		transport.Relay(u)
	}
	reg := relay.NewRegistry(transport, time.Second, nil, nil)
	t.Cleanup(reg.Close)
	return NewResolver(reg, testRelays, 200*time.Millisecond, nil, nil), transport
}

func TestResolveFirstWellFormedWins(t *testing.T) {
	resolver, transport := newTestResolver(t)

	a := transport.Relay(testRelays[0])
	a.Add(profileEvent(`{"name":"alice"}`))
	a.SetGetDelay(30 * time.Millisecond)
	transport.Relay(testRelays[1]).Add(profileEvent(`not json`))
	transport.Relay(testRelays[2]).SetConnectError(errors.New("refused"))

	md, err := resolver.Resolve(context.Background(), testPubkey)
	require.NoError(t, err)
	assert.Equal(t, testPubkey, md.PubKey)
	assert.Equal(t, "alice", md.Name)
	assert.False(t, md.Nip05Valid)
	assert.NotNil(t, md.Groups)
	assert.NotNil(t, md.WriteRelays)
}

func TestResolveConcurrentCallersShareOneFanOut(t *testing.T) {
	resolver, transport := newTestResolver(t)
	for _, u := range testRelays {
		r := transport.Relay(u)
		r.Add(profileEvent(`{"name":"alice"}`))
		r.SetGetDelay(30 * time.Millisecond)
	}

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			md, err := resolver.Resolve(context.Background(), testPubkey)
			assert.NoError(t, err)
			assert.Equal(t, "alice", md.Name)
		}()
	}
	wg.Wait()

	// slower branches still finish inside their own timeout
	time.Sleep(50 * time.Millisecond)
	for _, u := range testRelays {
		assert.Equal(t, 1, transport.Relay(u).Gets(), u)
	}

	// retained: a later call does not touch the network
	_, err := resolver.Resolve(context.Background(), testPubkey)
	require.NoError(t, err)
	for _, u := range testRelays {
		assert.Equal(t, 1, transport.Relay(u).Gets(), u)
	}
}

func TestResolveFallsBackToMinimal(t *testing.T) {
	resolver, transport := newTestResolver(t)
	transport.Relay(testRelays[0]).Add(profileEvent(`["array"]`))
	transport.Relay(testRelays[1]).SetGetError(errors.New("boom"))
	transport.Relay(testRelays[2]).SetGetDelay(time.Second)

	md, err := resolver.Resolve(context.Background(), testPubkey)
	require.NoError(t, err)
	assert.Equal(t, types.MinimalMetadata(testPubkey), md)

	// the fallback is not remembered
	transport.Relay(testRelays[1]).SetGetError(nil)
	transport.Relay(testRelays[1]).Add(profileEvent(`{"name":"later"}`))
	md, err = resolver.Resolve(context.Background(), testPubkey)
	require.NoError(t, err)
	assert.Equal(t, "later", md.Name)
}

func TestResolveReturnsCopies(t *testing.T) {
	resolver, transport := newTestResolver(t)
	transport.Relay(testRelays[0]).Add(profileEvent(`{"name":"alice"}`))

	first, err := resolver.Resolve(context.Background(), testPubkey)
	require.NoError(t, err)
	first.Name = "mutated"
	first.WriteRelays = append(first.WriteRelays, "wss://x.example.com")

	second, err := resolver.Resolve(context.Background(), testPubkey)
	require.NoError(t, err)
	assert.Equal(t, "alice", second.Name)
	assert.Empty(t, second.WriteRelays)
}

func TestResolveInvalidPubkey(t *testing.T) {
	resolver, _ := newTestResolver(t)
	for _, pk := range []string{"", "abc", "zz" + testPubkey[2:]} {
		_, err := resolver.Resolve(context.Background(), pk)
		assert.ErrorIs(t, err, ErrInvalidPubkey)
	}
}

func TestForgetRefetches(t *testing.T) {
	resolver, transport := newTestResolver(t)
	a := transport.Relay(testRelays[0])
	a.Add(profileEvent(`{"name":"alice"}`))

	_, err := resolver.Resolve(context.Background(), testPubkey)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	before := a.Gets()

	resolver.Forget(testPubkey)
	_, err = resolver.Resolve(context.Background(), testPubkey)
	require.NoError(t, err)
	assert.Equal(t, before+1, a.Gets())
}

func TestResolveOneOfThreeAnswers(t *testing.T) {
	resolver, transport := newTestResolver(t)
	transport.Relay(testRelays[0]).SetHangConnect(true)
	slow := transport.Relay(testRelays[1])
	slow.Add(profileEvent(`{"name":"slow"}`))
	slow.SetGetDelay(time.Second)
	transport.Relay(testRelays[2]).Add(profileEvent(`{"name":"carol"}`))

	start := time.Now()
	md, err := resolver.Resolve(context.Background(), testPubkey)
	require.NoError(t, err)
	assert.Equal(t, "carol", md.Name)
	// the answering relay wins without waiting out the other branches
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}
