package redact

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringMasksBearerToken(t *testing.T) {
	masked := String("Authorization header: Bearer abcdefghijklmnopqrstuvwxyz0123456789")
	assert.Contains(t, masked, "[REDACTED_TOKEN]")
	assert.NotContains(t, masked, "abcdefghijklmnopqrstuvwxyz0123456789")
}

func TestStringMasksPassword(t *testing.T) {
	masked := String(`password: "correct-horse-battery"`)
	assert.Contains(t, masked, "[REDACTED_PASSWORD]")
}

func TestErrorHandlesNil(t *testing.T) {
	assert.Equal(t, "", Error(nil))
	assert.Contains(t, Error(errors.New("password=hunter222")), "[REDACTED_PASSWORD]")
}

func TestMapRedactsSensitiveKeys(t *testing.T) {
	out := Map(map[string]interface{}{
		"api_key": "abc123",
		"note":    "hello",
	})
	assert.Equal(t, "[REDACTED]", out["api_key"])
	assert.Equal(t, "hello", out["note"])
}

func TestHeadersRedactsAuthorization(t *testing.T) {
	out := Headers(map[string][]string{
		"Authorization": {"Bearer xyz"},
		"X-Request-Id":  {"123"},
	})
	assert.Equal(t, []string{"[REDACTED]"}, out["Authorization"])
	assert.Equal(t, []string{"123"}, out["X-Request-Id"])
}

func TestIsSensitiveKey(t *testing.T) {
	assert.True(t, IsSensitiveKey("client_secret"))
	assert.False(t, IsSensitiveKey("username"))
}
