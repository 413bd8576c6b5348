// Package hashlock implements the commitment scheme gating HTLC release. Both
// the EVM contract and the Algorand application hash the preimage with
// SHA-256, so that is the only algorithm accepted.
package hashlock

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// Algorithm is the hash function name advertised by compatible contracts.
const Algorithm = "sha256"

// NewSecret returns a fresh random 32-byte secret.
func NewSecret() (domain.Secret, error) {
	var s domain.Secret
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("hashlock: read random: %w", err)
	}
	return s, nil
}

// Commit returns H(secret).
func Commit(secret domain.Secret) domain.Hash {
	return domain.Hash(sha256.Sum256(secret[:]))
}

// Verify reports whether preimage hashes to h. It runs in constant time for
// well-formed input and returns false for anything that is not 32 bytes.
func Verify(preimage []byte, h domain.Hash) bool {
	if len(preimage) != domain.HashLength {
		return false
	}
	sum := sha256.Sum256(preimage)
	return subtle.ConstantTimeCompare(sum[:], h[:]) == 1
}

// VerifySecret is Verify for a typed secret.
func VerifySecret(secret domain.Secret, h domain.Hash) bool {
	return Verify(secret[:], h)
}

// CheckAlgorithm fails with a fatal error when a chain reports a hashlock
// algorithm other than SHA-256.
func CheckAlgorithm(name string) error {
	if !strings.EqualFold(strings.TrimSpace(name), Algorithm) {
		return fmt.Errorf("hashlock: chain uses %q: %w", name, domain.ErrHashAlgorithmMismatch)
	}
	return nil
}
