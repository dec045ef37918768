// Package crypto provides identity key loading, EIP-712 policy signing,
// ephemeral session keys, and HMAC request signing for the metrics API.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 480_000
	kdfSaltLen    = 16
	kdfKeyLen     = 32
	keyFileFormat = 1
)

// sealedKey is the on-disk layout of an encrypted identity key.
type sealedKey struct {
	Format     int    `json:"format"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource describes where the identity private key comes from. A raw key
// wins over a key file.
type KeySource struct {
	RawKey   string
	KeyFile  string
	Password string
}

// LoadIdentity resolves the identity key from src and returns a Signer for it.
func LoadIdentity(src KeySource) (*Signer, error) {
	keyHex, err := resolveKey(src)
	if err != nil {
		return nil, err
	}
	return NewSigner(keyHex)
}

func resolveKey(src KeySource) (string, error) {
	switch {
	case src.RawKey != "":
		k := strings.TrimPrefix(src.RawKey, "0x")
		if _, err := hex.DecodeString(k); err != nil {
			return "", fmt.Errorf("crypto: raw identity key is not hex: %w", err)
		}
		return k, nil
	case src.KeyFile != "":
		blob, err := os.ReadFile(src.KeyFile)
		if err != nil {
			return "", fmt.Errorf("crypto: read key file: %w", err)
		}
		return OpenKey(blob, src.Password)
	default:
		return "", errors.New("crypto: no identity key configured")
	}
}

// SealKey encrypts a hex private key under password (PBKDF2-SHA256 then
// AES-256-GCM) and returns the JSON key file contents.
func SealKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: empty password")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: key is not hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes, got %d", len(raw))
	}

	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := newAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	enc := base64.StdEncoding
	return json.MarshalIndent(sealedKey{
		Format:     keyFileFormat,
		Salt:       enc.EncodeToString(salt),
		Nonce:      enc.EncodeToString(nonce),
		Ciphertext: enc.EncodeToString(aead.Seal(nil, nonce, raw, nil)),
	}, "", "  ")
}

// OpenKey reverses SealKey and returns the hex key without 0x prefix.
func OpenKey(blob []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: empty password")
	}
	var sk sealedKey
	if err := json.Unmarshal(blob, &sk); err != nil {
		return "", fmt.Errorf("crypto: parse key file: %w", err)
	}
	if sk.Format != keyFileFormat {
		return "", fmt.Errorf("crypto: unknown key file format %d", sk.Format)
	}

	enc := base64.StdEncoding
	salt, err := enc.DecodeString(sk.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: salt: %w", err)
	}
	nonce, err := enc.DecodeString(sk.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	ct, err := enc.DecodeString(sk.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: ciphertext: %w", err)
	}

	aead, err := newAEAD(password, salt)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: wrong password or corrupt key file: %w", err)
	}
	return hex.EncodeToString(plain), nil
}

func newAEAD(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, kdfIterations, kdfKeyLen, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return aead, nil
}
