package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthHandler_Verify(t *testing.T) {
	t.Run("should accept the shared secret", func(t *testing.T) {
		a := NewAuthHandler("s3cret")
		assert.True(t, a.Enabled())
		assert.True(t, a.Verify("s3cret"))
		assert.False(t, a.Verify("wrong"))
		assert.False(t, a.Verify(""))
	})

	t.Run("should allow everything without a secret", func(t *testing.T) {
		a := NewAuthHandler("")
		assert.False(t, a.Enabled())
		assert.True(t, a.Verify(""))
	})

	t.Run("should read the secret header", func(t *testing.T) {
		a := NewAuthHandler("s3cret")
		r := httptest.NewRequest("POST", "/rpc", nil)
		assert.False(t, a.Authorize(r))
		r.Header.Set(SecretHeader, "s3cret")
		assert.True(t, a.Authorize(r))
	})
}
