package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HashLength is the size of hashlocks and secrets in bytes.
const HashLength = 32

// Hash is a 32-byte hashlock commitment.
type Hash [HashLength]byte

// Secret is the 32-byte preimage of a hashlock.
type Secret [HashLength]byte

// ParseHash decodes a hex string with or without a 0x prefix.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := decodeFixed(s)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrMalformedHashlock, err)
	}
	copy(h[:], b)
	return h, nil
}

// ParseSecret decodes a hex string with or without a 0x prefix.
func ParseSecret(s string) (Secret, error) {
	var sec Secret
	b, err := decodeFixed(s)
	if err != nil {
		return sec, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	copy(sec[:], b)
	return sec, nil
}

func decodeFixed(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, err
	}
	if len(b) != HashLength {
		return nil, fmt.Errorf("expected %d bytes, got %d", HashLength, len(b))
	}
	return b, nil
}

// IsZero reports whether the hash is all zeros.
func (h Hash) IsZero() bool { return h == Hash{} }

// Hex returns the 0x-prefixed hex form.
func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	v, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// Hex returns the 0x-prefixed hex form.
func (s Secret) Hex() string { return "0x" + hex.EncodeToString(s[:]) }

// String hides the value; use Hex to print a revealed secret deliberately.
func (s Secret) String() string { return "secret(***)" }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.Hex()), nil }

func (s *Secret) UnmarshalText(b []byte) error {
	v, err := ParseSecret(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
