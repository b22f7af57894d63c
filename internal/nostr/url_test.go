package nostr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRelayURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "wss://relay.damus.io", "wss://relay.damus.io"},
		{"trailing slash", "wss://relay.damus.io/", "wss://relay.damus.io"},
		{"upper case host and scheme", "WSS://Relay.Damus.IO", "wss://relay.damus.io"},
		{"whitespace", "  wss://nos.lol \n", "wss://nos.lol"},
		{"default wss port", "wss://nos.lol:443/", "wss://nos.lol"},
		{"default ws port", "ws://relay.example.com:80", "ws://relay.example.com"},
		{"non default port kept", "wss://relay.example.com:7777", "wss://relay.example.com:7777"},
		{"path kept", "wss://relay.example.com/inbox/", "wss://relay.example.com/inbox"},
		{"localhost allowed", "ws://localhost:7447", "ws://localhost:7447"},
		{"http rejected", "https://relay.damus.io", ""},
		{"no scheme", "relay.damus.io", ""},
		{"double scheme", "wss://https://relay.damus.io", ""},
		{"encoded space", "wss://relay%20damus.io", ""},
		{"onion blocked", "ws://abcdef.onion", ""},
		{"dotless host", "wss://relay", ""},
		{"empty", "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeRelayURL(tc.in))
		})
	}
}

func TestNormalizeRelayURLs(t *testing.T) {
	got := NormalizeRelayURLs([]string{"wss://nos.lol/", "WSS://NOS.LOL", "garbage", "wss://relay.damus.io"})
	assert.Equal(t, []string{"wss://nos.lol", "wss://relay.damus.io"}, got)
}
