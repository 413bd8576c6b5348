package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
)

// NoticeSigner authenticates messages the relayer publishes to resolvers.
// The signature is HMAC-SHA256(secret, timestamp + "." + body), base64
// encoded.
type NoticeSigner struct {
	Secret string
}

// Sign returns the signature of body at the given unix timestamp.
func (n *NoticeSigner) Sign(body []byte, unixTS int64) string {
	return hmacSHA256Base64([]byte(n.Secret), strconv.FormatInt(unixTS, 10)+"."+string(body))
}

// Verify reports whether sig was produced by Sign for body and unixTS.
func (n *NoticeSigner) Verify(body []byte, unixTS int64, sig string) bool {
	want, err := base64.StdEncoding.DecodeString(n.Sign(body, unixTS))
	if err != nil {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

// String returns a redacted representation suitable for logging.
func (n *NoticeSigner) String() string {
	if len(n.Secret) <= 4 {
		return "NoticeSigner{secret=****}"
	}
	return fmt.Sprintf("NoticeSigner{secret=%s****}", n.Secret[:4])
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
