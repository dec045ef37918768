package crypto

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hardhat account #0; never holds real funds.
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testPolicy(t *testing.T, s *Signer) Policy {
	t.Helper()
	sk, err := GenerateSessionKey("app.bet", []Allowance{{Asset: "usdc", Amount: "1000"}}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return Policy{
		Challenge:  "5f0c9a3e-1d2b-4c8a-9e7f-000000000001",
		Scope:      sk.Scope,
		Wallet:     s.Address(),
		SessionKey: sk.Address(),
		ExpiresAt:  uint64(sk.ExpiresAt.Unix()),
		Allowances: sk.Allowances,
	}
}

func TestSignPolicyRecoversIdentity(t *testing.T) {
	s, err := NewSigner("0x" + testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())

	p := testPolicy(t, s)
	sig, err := s.SignPolicy("streambet", p)
	require.NoError(t, err)
	require.Len(t, sig, 2+130)

	got, err := RecoverPolicySigner("streambet", p, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)
}

func TestPolicyDigestIsDomainSeparated(t *testing.T) {
	s, err := NewSigner(testKeyHex)
	require.NoError(t, err)
	p := testPolicy(t, s)

	assert.NotEqual(t, PolicyDigest("streambet", p), PolicyDigest("other-app", p))

	sig, err := s.SignPolicy("streambet", p)
	require.NoError(t, err)
	got, err := RecoverPolicySigner("other-app", p, sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), got)
}

func TestPolicyDigestCoversChallenge(t *testing.T) {
	s, err := NewSigner(testKeyHex)
	require.NoError(t, err)
	p := testPolicy(t, s)
	q := p
	q.Challenge = "different"
	assert.NotEqual(t, PolicyDigest("streambet", p), PolicyDigest("streambet", q))
}

func TestSessionKeySignPayload(t *testing.T) {
	sk, err := GenerateSessionKey("app.bet", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	payload := []byte(`[1,"ping",{},1700000000000]`)
	sig, err := sk.SignPayload(payload)
	require.NoError(t, err)

	addr, err := RecoverPayloadSigner(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, sk.Address(), addr)

	sk.Destroy()
	_, err = sk.SignPayload(payload)
	assert.Error(t, err)
}

func TestSessionKeyExpired(t *testing.T) {
	now := time.Now()
	sk, err := GenerateSessionKey("", nil, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, sk.Expired(now))
	assert.True(t, sk.Expired(now.Add(time.Second)))
}

func TestSessionKeysAreFresh(t *testing.T) {
	a, err := GenerateSessionKey("", nil, time.Time{})
	require.NoError(t, err)
	b, err := GenerateSessionKey("", nil, time.Time{})
	require.NoError(t, err)
	assert.NotEqual(t, a.Address(), b.Address())
}

func TestSealOpenKeyRoundTrip(t *testing.T) {
	blob, err := SealKey("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)

	got, err := OpenKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	_, err = OpenKey(blob, "wrong")
	assert.Error(t, err)
}

func TestLoadIdentity(t *testing.T) {
	blob, err := SealKey(testKeyHex, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	fromFile, err := LoadIdentity(KeySource{KeyFile: path, Password: "pw"})
	require.NoError(t, err)

	fromRaw, err := LoadIdentity(KeySource{RawKey: "0x" + testKeyHex, KeyFile: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, fromRaw.Address(), fromFile.Address())

	_, err = LoadIdentity(KeySource{})
	assert.Error(t, err)

	_, err = LoadIdentity(KeySource{RawKey: "zz"})
	assert.Error(t, err)
}

func TestAPIAuthHeadersAt(t *testing.T) {
	a := APIAuth{Key: "key-123", Secret: "s3cret"}
	h := a.HeadersAt("GET", "/v1/metrics/alice/viewers", "", 1700000000)

	assert.Equal(t, "key-123", h[HeaderAPIKey])
	assert.Equal(t, "1700000000", h[HeaderTimestamp])
	assert.Equal(t, hmacSHA256Hex([]byte("s3cret"), "1700000000GET/v1/metrics/alice/viewers"), h[HeaderSignature])
	assert.Len(t, h[HeaderSignature], 64)

	assert.True(t, a.Enabled())
	assert.False(t, APIAuth{}.Enabled())
	assert.NotContains(t, a.String(), "s3cret")
}

func TestRecoverRejectsShortSignature(t *testing.T) {
	_, err := recoverDigest(ethcrypto.Keccak256([]byte("x")), "0x1234")
	assert.Error(t, err)
}
