package gateway

import (
	"crypto/subtle"
	"net/http"
)

// AuthHandler checks the shared secret of incoming requests. An empty
// secret disables the check.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether requests must carry the secret.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// Verify compares provided with the shared secret in constant time.
func (a *AuthHandler) Verify(provided string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(provided)) == 1
}

// Authorize checks the secret header of r.
func (a *AuthHandler) Authorize(r *http.Request) bool {
	return a.Verify(r.Header.Get(SecretHeader))
}
