// Package auth provides authentication and authorization for TillGate.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/tillgate/tillgate/internal/models"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// VerifierIterations is the PBKDF2 iteration count for new verifiers.
	VerifierIterations = 210000
	// verifierSaltLen is the salt length in bytes.
	verifierSaltLen = 16
	// verifierKeyLen is the derived key length in bytes.
	verifierKeyLen = 32
)

// dummyVerifier is compared against when the account does not exist, so a
// failed login does the same amount of work whether or not the username was
// valid. Built once at startup with a random salt.
var dummyVerifier = mustNewVerifier("tillgate-dummy-password")

func mustNewVerifier(password string) models.PasswordVerifier {
	v, err := NewVerifier(password)
	if err != nil {
		panic(err)
	}
	return v
}

// NewVerifier derives a salted PBKDF2 verifier for the given password.
// The plaintext is never stored.
func NewVerifier(password string) (models.PasswordVerifier, error) {
	salt := make([]byte, verifierSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return models.PasswordVerifier{}, fmt.Errorf("generate salt: %w", err)
	}

	hash := pbkdf2.Key([]byte(password), salt, VerifierIterations, verifierKeyLen, sha256.New)

	return models.PasswordVerifier{
		Salt:       salt,
		Iterations: VerifierIterations,
		Hash:       hash,
	}, nil
}

// VerifyPassword checks a password against a stored verifier in constant
// time with respect to the hash contents.
func VerifyPassword(password string, v models.PasswordVerifier) bool {
	if v.Iterations <= 0 || len(v.Salt) == 0 || len(v.Hash) == 0 {
		return false
	}
	derived := pbkdf2.Key([]byte(password), v.Salt, v.Iterations, len(v.Hash), sha256.New)
	return subtle.ConstantTimeCompare(derived, v.Hash) == 1
}

// VerifyOrDummy verifies against the given verifier, or against a dummy
// verifier when the account was not found. The dummy path always fails but
// costs the same, resisting username enumeration via timing.
func VerifyOrDummy(password string, v *models.PasswordVerifier) bool {
	if v == nil {
		VerifyPassword(password, dummyVerifier)
		return false
	}
	return VerifyPassword(password, *v)
}
