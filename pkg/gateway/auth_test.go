package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func computeHMAC(challenge, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

func TestAuthHandler_GenerateChallenge(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	challenge1, err := auth.GenerateChallenge()
	require.NoError(t, err)
	assert.Len(t, challenge1, 64)

	challenge2, err := auth.GenerateChallenge()
	require.NoError(t, err)
	assert.NotEqual(t, challenge1, challenge2)
}

func TestAuthHandler_VerifySignature(t *testing.T) {
	auth := NewAuthHandler("test-secret")
	challenge, err := auth.GenerateChallenge()
	require.NoError(t, err)

	assert.True(t, auth.VerifySignature(challenge, computeHMAC(challenge, "test-secret")))
	assert.False(t, auth.VerifySignature(challenge, "invalid-signature"))
	assert.False(t, auth.VerifySignature(challenge, computeHMAC(challenge, "wrong-secret")))
}

func TestAuthHandler_VerifySecret(t *testing.T) {
	assert.True(t, NewAuthHandler("s3cret").VerifySecret("s3cret"))
	assert.False(t, NewAuthHandler("s3cret").VerifySecret("nope"))
	assert.True(t, NewAuthHandler("").VerifySecret(""), "no secret configured")
}

func TestAuthHandler_HandleAuthResponse(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("without challenge", func(t *testing.T) {
		client := newClient("c1", nil, "127.0.0.1")
		result, exhausted := auth.HandleAuthResponse(client, "sig")
		assert.False(t, result.Success)
		assert.False(t, exhausted)
		assert.Equal(t, "No challenge found", result.Message)
	})

	t.Run("valid signature", func(t *testing.T) {
		client := newClient("c2", nil, "127.0.0.1")
		challenge, err := auth.Challenge(client)
		require.NoError(t, err)

		result, _ := auth.HandleAuthResponse(client, computeHMAC(challenge, "test-secret"))
		assert.True(t, result.Success)
		assert.Equal(t, "auth.success", result.Event)
		assert.True(t, client.Authenticated())
	})

	t.Run("attempts are limited", func(t *testing.T) {
		client := newClient("c3", nil, "127.0.0.1")
		_, err := auth.Challenge(client)
		require.NoError(t, err)

		for i := 1; i < maxAuthAttempts; i++ {
			result, exhausted := auth.HandleAuthResponse(client, "bad")
			assert.Equal(t, "Invalid signature", result.Message)
			assert.False(t, exhausted)
		}
		result, exhausted := auth.HandleAuthResponse(client, "bad")
		assert.Equal(t, "Too many failed attempts", result.Message)
		assert.True(t, exhausted)
		assert.False(t, client.Authenticated())
	})
}
