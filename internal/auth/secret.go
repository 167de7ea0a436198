package auth

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidSecret is returned when the presented secret does not match
var ErrInvalidSecret = errors.New("invalid shared secret")

// SecretVerifier checks the shared login secret. When a bcrypt hash is
// configured it is used; otherwise the plain secret is compared in constant time.
type SecretVerifier struct {
	plain []byte
	hash  []byte
}

// NewSecretVerifier creates a verifier. hash takes priority over plain.
func NewSecretVerifier(plain, hash string) *SecretVerifier {
	v := &SecretVerifier{}
	if hash != "" {
		v.hash = []byte(hash)
		return v
	}
	v.plain = []byte(plain)
	return v
}

// Verify returns nil when presented matches the configured secret.
func (v *SecretVerifier) Verify(presented string) error {
	if presented == "" {
		return ErrInvalidSecret
	}
	if v.hash != nil {
		if err := bcrypt.CompareHashAndPassword(v.hash, []byte(presented)); err != nil {
			return ErrInvalidSecret
		}
		return nil
	}
	if len(v.plain) == 0 || subtle.ConstantTimeCompare(v.plain, []byte(presented)) != 1 {
		return ErrInvalidSecret
	}
	return nil
}

// HashSecret produces a bcrypt hash suitable for notifier.shared_secret_hash.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
