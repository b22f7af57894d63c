// Package signer provides the identity capability used to learn the account's
// public key and to sign outgoing events.
package signer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-account/internal/nips"
	"nostr-account/internal/nostr"
	"nostr-account/internal/types"
)

// ErrSigningUnavailable means the signer declined or is not present.
// It is never caused by relay or network failures.
var ErrSigningUnavailable = errors.New("signing unavailable")

// Signer exposes an identity without exposing its key material
type Signer interface {
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, evt *types.UnsignedEvent) (*types.Event, error)
}

// KeySigner signs with a local secp256k1 key
type KeySigner struct {
	privateKey *btcec.PrivateKey
	pubkey     string
}

// NewKeySigner loads a secret key given as 64 hex chars or nsec
func NewKeySigner(secret string) (*KeySigner, error) {
	secret = strings.TrimSpace(secret)
	if strings.HasPrefix(secret, "nsec1") {
		decoded, err := nips.DecodeSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("invalid nsec: %w", err)
		}
		secret = decoded
	}

	keyBytes, err := hex.DecodeString(secret)
	if err != nil || len(keyBytes) != 32 {
		return nil, errors.New("secret key must be 32 bytes of hex or an nsec")
	}

	privateKey, _ := btcec.PrivKeyFromBytes(keyBytes)
	return newKeySigner(privateKey), nil
}

// GenerateKeySigner creates a signer with a fresh random key
func GenerateKeySigner() (*KeySigner, error) {
	privateKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return newKeySigner(privateKey), nil
}

func newKeySigner(privateKey *btcec.PrivateKey) *KeySigner {
	return &KeySigner{
		privateKey: privateKey,
		pubkey:     hex.EncodeToString(schnorr.SerializePubKey(privateKey.PubKey())),
	}
}

// GetPublicKey returns the x-only public key in hex
func (s *KeySigner) GetPublicKey(ctx context.Context) (string, error) {
	return s.pubkey, nil
}

// SignEvent fills pubkey, id and signature. A zero CreatedAt is set to now.
func (s *KeySigner) SignEvent(ctx context.Context, unsigned *types.UnsignedEvent) (*types.Event, error) {
	if unsigned == nil {
		return nil, fmt.Errorf("%w: nothing to sign", ErrSigningUnavailable)
	}

	createdAt := unsigned.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}
	tags := unsigned.Tags
	if tags == nil {
		tags = [][]string{}
	}

	evt := &types.Event{
		PubKey:    s.pubkey,
		CreatedAt: createdAt,
		Kind:      unsigned.Kind,
		Tags:      tags,
		Content:   unsigned.Content,
	}
	evt.ID = nostr.ComputeEventID(evt)

	idBytes, _ := hex.DecodeString(evt.ID)
	sig, err := schnorr.Sign(s.privateKey, idBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return evt, nil
}

// Unavailable is the signer used when no key is configured; every call fails
// with ErrSigningUnavailable.
type Unavailable struct{}

func (Unavailable) GetPublicKey(ctx context.Context) (string, error) {
	return "", fmt.Errorf("%w: no signer configured", ErrSigningUnavailable)
}

func (Unavailable) SignEvent(ctx context.Context, evt *types.UnsignedEvent) (*types.Event, error) {
	return nil, fmt.Errorf("%w: no signer configured", ErrSigningUnavailable)
}
