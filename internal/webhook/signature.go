package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// Sign returns the hex HMAC-SHA256 of body under secret, in the form senders
// put in the signature header.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against the raw body. The
// "sha256=" prefix is optional.
func Verify(secret, body []byte, signature string) error {
	if len(secret) == 0 || signature == "" {
		return ErrInvalidSignature
	}

	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
