package meta

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the HMAC of the raw request body.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

var (
	ErrMissingSignature = errors.New("signature header is missing")
	ErrBadSignature     = errors.New("signature verification failed")
)

// VerifySignature checks header against HMAC-SHA256(appSecret, body).
// body must be the exact raw request bytes; any re-serialization before this
// check breaks the MAC. Comparison is constant-time.
func VerifySignature(appSecret string, body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrBadSignature
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if len(provided) != len(expected) {
		return ErrBadSignature
	}
	if subtle.ConstantTimeCompare(provided, expected) != 1 {
		return ErrBadSignature
	}
	return nil
}

// AppSecretProof is the hex HMAC-SHA256 of the access token under the app
// secret, required on Graph API calls to prove possession of both.
func AppSecretProof(appSecret, accessToken string) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(accessToken))
	return hex.EncodeToString(mac.Sum(nil))
}
