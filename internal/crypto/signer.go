package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name)"),
	)

	// Allowance(string asset,string amount)
	allowanceTypeHash = ethcrypto.Keccak256(
		[]byte("Allowance(string asset,string amount)"),
	)

	// Policy references Allowance, so the referenced type is appended.
	policyTypeHash = ethcrypto.Keccak256(
		[]byte("Policy(string challenge,string scope,address wallet,address session_key,uint64 expires_at,Allowance[] allowances)Allowance(string asset,string amount)"),
	)
)

// Allowance caps how much of one asset a session key may move.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Policy is the structured payload the identity signs to authorize a session
// key. It binds the server's challenge to everything the key is allowed to do.
type Policy struct {
	Challenge  string
	Scope      string
	Wallet     common.Address
	SessionKey common.Address
	ExpiresAt  uint64
	Allowances []Allowance
}

// Signer holds the long-lived identity key. It only signs authentication
// policies; routine requests are signed by a SessionKey.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the identity address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignPolicy signs p under the EIP-712 domain named application and returns
// a 0x-prefixed 65-byte signature.
func (s *Signer) SignPolicy(application string, p Policy) (string, error) {
	return signDigest(s.privateKey, PolicyDigest(application, p))
}

// PolicyDigest returns the EIP-712 digest of p under the given application
// domain.
func PolicyDigest(application string, p Policy) []byte {
	return eip712Hash(domainSeparator(application), policyStructHash(p))
}

// RecoverPolicySigner returns the address that produced sig over p.
func RecoverPolicySigner(application string, p Policy, sig string) (common.Address, error) {
	return recoverDigest(PolicyDigest(application, p), sig)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func domainSeparator(name string) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
		),
	)
}

func policyStructHash(p Policy) []byte {
	allowanceHashes := make([][]byte, 0, len(p.Allowances))
	for _, a := range p.Allowances {
		allowanceHashes = append(allowanceHashes, ethcrypto.Keccak256(
			concatBytes(
				allowanceTypeHash,
				ethcrypto.Keccak256([]byte(a.Asset)),
				ethcrypto.Keccak256([]byte(a.Amount)),
			),
		))
	}

	return ethcrypto.Keccak256(
		concatBytes(
			policyTypeHash,
			ethcrypto.Keccak256([]byte(p.Challenge)),
			ethcrypto.Keccak256([]byte(p.Scope)),
			common.LeftPadBytes(p.Wallet.Bytes(), 32),
			common.LeftPadBytes(p.SessionKey.Bytes(), 32),
			bigIntTo32Bytes(new(big.Int).SetUint64(p.ExpiresAt)),
			ethcrypto.Keccak256(concatBytes(allowanceHashes...)),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// signDigest signs a 32-byte digest using secp256k1 and returns the
// hex-encoded signature (r || s || v, 65 bytes).
func signDigest(key *ecdsa.PrivateKey, digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; wallets expect v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}

// recoverDigest is the inverse of signDigest.
func recoverDigest(digest []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: decode signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: signature must be 65 bytes, got %d", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
