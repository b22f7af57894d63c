package nips

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testHex  = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	testNpub = "npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6"
)

func TestPubkeyRoundTrip(t *testing.T) {
	npub, err := EncodePubkey(testHex)
	require.NoError(t, err)
	assert.Equal(t, testNpub, npub)

	decoded, err := DecodePubkey(npub)
	require.NoError(t, err)
	assert.Equal(t, testHex, decoded)
}

func TestParsePubkey(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"hex", testHex, testHex, false},
		{"upper hex", "3BF0C63FCB93463407AF97A5E5EE64FA883D107EF9E558472C4EB9AAAEFA459D", testHex, false},
		{"npub", testNpub, testHex, false},
		{"short hex", "abcd", "", true},
		{"bad hex", "zz" + testHex[2:], "", true},
		{"bad checksum", testNpub[:len(testNpub)-1] + "q", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePubkey(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeSecretKeyRejectsNpub(t *testing.T) {
	_, err := DecodeSecretKey(testNpub)
	assert.Error(t, err)
}
