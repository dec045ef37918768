package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var errKeyDestroyed = errors.New("crypto/sessionkey: key destroyed")

// SessionKey is an ephemeral keypair that signs routine requests on behalf of
// an identity for a bounded time and scope.
type SessionKey struct {
	mu         sync.RWMutex
	privateKey *ecdsa.PrivateKey
	address    common.Address

	ExpiresAt  time.Time
	Scope      string
	Allowances []Allowance
}

// GenerateSessionKey creates a fresh random session key.
func GenerateSessionKey(scope string, allowances []Allowance, expiresAt time.Time) (*SessionKey, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/sessionkey: generate: %w", err)
	}
	return &SessionKey{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		ExpiresAt:  expiresAt,
		Scope:      scope,
		Allowances: append([]Allowance(nil), allowances...),
	}, nil
}

// Address returns the session key's address.
func (k *SessionKey) Address() common.Address {
	return k.address
}

// Expired reports whether the key is past its expiry at now.
func (k *SessionKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// SignPayload signs keccak256(payload).
func (k *SessionKey) SignPayload(payload []byte) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.privateKey == nil {
		return "", errKeyDestroyed
	}
	return signDigest(k.privateKey, ethcrypto.Keccak256(payload))
}

// Destroy drops the private key. Any later SignPayload fails.
func (k *SessionKey) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.privateKey != nil && k.privateKey.D != nil {
		k.privateKey.D.SetInt64(0)
	}
	k.privateKey = nil
}

// RecoverPayloadSigner returns the address whose key produced sig over
// keccak256(payload).
func RecoverPayloadSigner(payload []byte, sig string) (common.Address, error) {
	return recoverDigest(ethcrypto.Keccak256(payload), sig)
}
