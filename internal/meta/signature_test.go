package meta

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "test-app-secret"
	body := []byte(`{"object":"page","entry":[]}`)

	t.Run("accepts a valid signature", func(t *testing.T) {
		require.NoError(t, VerifySignature(secret, body, sign(secret, body)))
	})

	t.Run("rejects a missing header", func(t *testing.T) {
		assert.ErrorIs(t, VerifySignature(secret, body, ""), ErrMissingSignature)
	})

	t.Run("rejects a header without the sha256 prefix", func(t *testing.T) {
		header := strings.TrimPrefix(sign(secret, body), "sha256=")
		assert.ErrorIs(t, VerifySignature(secret, body, header), ErrBadSignature)
	})

	t.Run("rejects a mismatched digest", func(t *testing.T) {
		header := "sha256=" + strings.Repeat("0", 64)
		assert.ErrorIs(t, VerifySignature(secret, body, header), ErrBadSignature)
	})

	t.Run("rejects a digest of the wrong length", func(t *testing.T) {
		header := "sha256=" + strings.Repeat("ab", 16)
		assert.ErrorIs(t, VerifySignature(secret, body, header), ErrBadSignature)
	})

	t.Run("rejects non-hex signature bytes", func(t *testing.T) {
		header := "sha256=" + strings.Repeat("zz", 32)
		assert.ErrorIs(t, VerifySignature(secret, body, header), ErrBadSignature)
	})

	t.Run("rejects a signature computed with another secret", func(t *testing.T) {
		assert.ErrorIs(t, VerifySignature(secret, body, sign("other-secret", body)), ErrBadSignature)
	})

	t.Run("is sensitive to every body byte", func(t *testing.T) {
		tampered := append([]byte(nil), body...)
		tampered[0] ^= 0x01
		assert.ErrorIs(t, VerifySignature(secret, tampered, sign(secret, body)), ErrBadSignature)
	})
}

func TestAppSecretProof(t *testing.T) {
	proof := AppSecretProof("secret", "token")

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("token"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), proof)

	// hex, 32 bytes
	assert.Len(t, proof, 64)
	_, err := hex.DecodeString(proof)
	assert.NoError(t, err)
}
