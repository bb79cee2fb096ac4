package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/iho/offledger/internal/domain"
)

const (
	// IVSize is the GCM nonce length.
	IVSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, IVSize)
}

// seal encrypts plaintext with a fresh random IV. The classification is bound
// as additional data so it cannot be swapped without failing authentication.
func seal(key, plaintext []byte, class domain.Classification, now time.Time) (*domain.Envelope, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, additionalData(domain.AlgorithmAES256GCM, class))
	split := len(sealed) - TagSize

	return &domain.Envelope{
		Ciphertext:     sealed[:split],
		IV:             iv,
		AuthTag:        sealed[split:],
		Algorithm:      domain.AlgorithmAES256GCM,
		Classification: class,
		Timestamp:      now,
	}, nil
}

// open authenticates and decrypts env. It never returns partial plaintext.
func open(key []byte, env *domain.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", domain.ErrWrongKeyOrCorrupted)
	}
	if env.Algorithm != domain.AlgorithmAES256GCM {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedAlgorithm, env.Algorithm)
	}
	if len(env.IV) != IVSize || len(env.AuthTag) != TagSize {
		return nil, domain.ErrWrongKeyOrCorrupted
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+TagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)

	plaintext, err := gcm.Open(nil, env.IV, sealed, additionalData(env.Algorithm, env.Classification))
	if err != nil {
		return nil, domain.ErrWrongKeyOrCorrupted
	}
	return plaintext, nil
}

func additionalData(algorithm string, class domain.Classification) []byte {
	return []byte(algorithm + "|" + string(class))
}
