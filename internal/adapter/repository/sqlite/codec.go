package sqlite

import (
	"encoding/json"
	"fmt"

	"github.com/iho/offledger/internal/domain"
)

// Cipher seals values at rest. *vault.Vault satisfies it.
type Cipher interface {
	IsUnlocked() bool
	Encrypt(plaintext []byte, class domain.Classification) (*domain.Envelope, error)
	Decrypt(env *domain.Envelope) ([]byte, error)
}

// codec stores JSON bodies, encrypted whenever the vault is unlocked.
// Rows written while locked stay plaintext and are re-sealed on their next write.
type codec struct {
	cipher Cipher
	class  domain.Classification
}

func newCodec(c Cipher, class domain.Classification) codec {
	return codec{cipher: c, class: class}
}

func (c codec) seal(v any) ([]byte, bool, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, false, err
	}
	if c.cipher == nil || !c.cipher.IsUnlocked() {
		return plain, false, nil
	}

	env, err := c.cipher.Encrypt(plain, c.class)
	if err != nil {
		return nil, false, err
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func (c codec) open(blob []byte, encrypted bool, v any) error {
	plain := blob
	if encrypted {
		if c.cipher == nil || !c.cipher.IsUnlocked() {
			return domain.ErrVaultLocked
		}
		var env domain.Envelope
		if err := json.Unmarshal(blob, &env); err != nil {
			return fmt.Errorf("%w: malformed envelope: %v", domain.ErrIntegrityFailure, err)
		}
		var err error
		plain, err = c.cipher.Decrypt(&env)
		if err != nil {
			return err
		}
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", domain.ErrIntegrityFailure, err)
	}
	return nil
}
