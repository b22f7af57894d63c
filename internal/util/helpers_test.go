package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagHelpers(t *testing.T) {
	tags := [][]string{
		{"d", "pizza-lovers"},
		{"name", "Pizza Lovers"},
		{"open"},
		{"d", "second"},
	}

	assert.Equal(t, "pizza-lovers", GetTagValue(tags, "d"))
	assert.Equal(t, "", GetTagValue(tags, "about"))
	assert.Equal(t, "", GetTagValue(tags, "open"), "value-less tag has no value")
	assert.True(t, HasTag(tags, "open"))
	assert.False(t, HasTag(tags, "public"))
}

func TestDedupeStrings(t *testing.T) {
	assert.Nil(t, DedupeStrings(nil))
	assert.Equal(t, []string{"a", "b", "c"}, DedupeStrings([]string{"a", "b", "a", "c", "b"}))
}

func TestHostChecks(t *testing.T) {
	tests := []struct {
		host     string
		internal bool
		loopback bool
	}{
		{"relay.damus.io", false, false},
		{"printer.local", true, false},
		{"abc.onion", true, false},
		{"localhost", false, true},
		{"127.0.0.5", false, true},
	}
	for _, tc := range tests {
		t.Run(tc.host, func(t *testing.T) {
			assert.Equal(t, tc.internal, IsInternalHost(tc.host))
			assert.Equal(t, tc.loopback, IsLoopbackHost(tc.host))
			assert.Equal(t, tc.internal || tc.loopback, IsPrivateHost(tc.host))
		})
	}
}
