// Package crypto provides order id derivation, signing-key storage and
// resolver notice authentication.
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
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 2
)

// KeyFormat says how a decrypted key is interpreted.
type KeyFormat string

const (
	// FormatHex is a 32-byte secp256k1 key in hex (EVM).
	FormatHex KeyFormat = "hex"
	// FormatMnemonic is a 25-word Algorand account mnemonic.
	FormatMnemonic KeyFormat = "mnemonic"
)

// sealedKey is the on-disk format of an encrypted signing key.
type sealedKey struct {
	Version    int       `json:"version"`
	Format     KeyFormat `json:"format"`
	Salt       string    `json:"salt"`
	Nonce      string    `json:"nonce"`
	Ciphertext string    `json:"ciphertext"`
}

// KeyConfig says where a chain adapter's signing key comes from.
type KeyConfig struct {
	Format           KeyFormat
	Raw              string
	EncryptedKeyPath string
	KeyPassword      string
}

// SealKey encrypts key with a password using PBKDF2-HMAC-SHA256 and
// AES-256-GCM. The result is JSON suitable for writing to disk.
func SealKey(key string, format KeyFormat, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	plain, err := normaliseKey(key, format)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	return json.MarshalIndent(sealedKey{
		Version:    currentVersion,
		Format:     format,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, []byte(plain), nil)),
	}, "", "  ")
}

// OpenKey decrypts a blob produced by SealKey.
func OpenKey(blob []byte, password string) (string, KeyFormat, error) {
	if password == "" {
		return "", "", errors.New("crypto: password must not be empty")
	}
	var stored sealedKey
	if err := json.Unmarshal(blob, &stored); err != nil {
		return "", "", fmt.Errorf("crypto: parsing sealed key: %w", err)
	}
	if stored.Version != currentVersion {
		return "", "", fmt.Errorf("crypto: unsupported sealed key version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", "", err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return string(plain), stored.Format, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

func normaliseKey(key string, format KeyFormat) (string, error) {
	switch format {
	case FormatHex:
		k := strings.TrimPrefix(strings.TrimSpace(key), "0x")
		b, err := hex.DecodeString(k)
		if err != nil {
			return "", fmt.Errorf("crypto: invalid private key hex: %w", err)
		}
		if len(b) != 32 {
			return "", fmt.Errorf("crypto: expected 32-byte key, got %d bytes", len(b))
		}
		return k, nil
	case FormatMnemonic:
		words := strings.Fields(key)
		if len(words) != 25 {
			return "", fmt.Errorf("crypto: expected 25-word mnemonic, got %d words", len(words))
		}
		return strings.Join(words, " "), nil
	default:
		return "", fmt.Errorf("crypto: unknown key format %q", format)
	}
}

// LoadKey resolves a signing key. A raw key wins over an encrypted file.
func LoadKey(cfg KeyConfig) (string, error) {
	if cfg.Raw != "" {
		return normaliseKey(cfg.Raw, cfg.Format)
	}
	if cfg.EncryptedKeyPath != "" {
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: reading sealed key file: %w", err)
		}
		key, format, err := OpenKey(data, cfg.KeyPassword)
		if err != nil {
			return "", err
		}
		if format != cfg.Format {
			return "", fmt.Errorf("crypto: sealed key is %s, want %s", format, cfg.Format)
		}
		return key, nil
	}
	return "", errors.New("crypto: no key source configured (set a raw key or encrypted_key_path)")
}
