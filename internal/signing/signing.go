package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Scheme is the prefix carried in the signature header value
const Scheme = "sha256="

// Sign returns the lowercase hex HMAC-SHA256 of body keyed by secret.
// body must be the exact bytes put on the wire.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header renders the signature header value, e.g. "sha256=<hex>"
func Header(secret, body []byte) string {
	return Scheme + Sign(secret, body)
}

// Verify checks signatureHex (with or without the "sha256=" prefix) against body
// in constant time.
func Verify(secret, body []byte, signatureHex string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signatureHex), Scheme))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// EncodeSecret returns the transport form of a secret
func EncodeSecret(secret []byte) string {
	return base64.StdEncoding.EncodeToString(secret)
}

// DecodeSecret turns the transport form handed out at registration back into key bytes
func DecodeSecret(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
}
