package vault

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/iho/offledger/internal/domain"
)

const (
	// MinIterations is the lowest PBKDF2 work factor accepted.
	MinIterations = 100000
	// KeySize is the AES-256 key length.
	KeySize = 32
	// SaltSize is the length of a generated device salt.
	SaltSize = 16
)

var verifierLabel = []byte("offledger/vault/verifier/v1")

// DeriveKey stretches secret with PBKDF2-SHA256 into a 32-byte key.
func DeriveKey(secret, salt []byte, iterations int) ([]byte, error) {
	if iterations < MinIterations {
		return nil, fmt.Errorf("%w: %d < %d", domain.ErrWeakKeyDerivation, iterations, MinIterations)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: empty salt", domain.ErrWeakKeyDerivation)
	}
	return pbkdf2.Key(secret, salt, iterations, KeySize, sha256.New), nil
}

// NewSalt returns a random device salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// MakeVerifier derives a value that proves knowledge of key without revealing it.
func MakeVerifier(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(verifierLabel)
	return mac.Sum(nil)
}

// CheckVerifier compares in constant time.
func CheckVerifier(key, verifier []byte) bool {
	return hmac.Equal(MakeVerifier(key), verifier)
}
