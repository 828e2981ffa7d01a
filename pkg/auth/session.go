package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

// CSRFSessionName is the signed cookie holding the CSRF token.
const CSRFSessionName = "casegrid_csrf"

// CSRFHeader carries the token on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

const csrfTokenKey = "token"

var ErrCSRFMismatch = errors.New("missing or invalid CSRF token")

// CSRF issues and checks double-submit tokens kept in a signed session cookie.
type CSRF struct {
	store *sessions.CookieStore
}

// NewCSRF creates a CSRF guard. The secret may be any passphrase; it is
// hashed to a 32-byte signing key and must be stable across restarts and
// replicas.
func NewCSRF(secret string, secure bool) *CSRF {
	key := sha256.Sum256([]byte(secret))

	store := sessions.NewCookieStore(key[:])
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   12 * 60 * 60,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
	return &CSRF{store: store}
}

// Token returns the session's token, creating and saving one if needed.
func (c *CSRF) Token(w http.ResponseWriter, r *http.Request) (string, error) {
	// A cookie that fails verification yields a fresh session and an error we ignore.
	session, _ := c.store.Get(r, CSRFSessionName)
	if token, ok := session.Values[csrfTokenKey].(string); ok && token != "" {
		return token, nil
	}

	raw := securecookie.GenerateRandomKey(32)
	if raw == nil {
		return "", errors.New("failed to generate CSRF token")
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	session.Values[csrfTokenKey] = token
	if err := session.Save(r, w); err != nil {
		return "", err
	}
	return token, nil
}

// Verify checks the X-CSRF-Token header against the session token.
func (c *CSRF) Verify(r *http.Request) error {
	header := r.Header.Get(CSRFHeader)
	if header == "" {
		return ErrCSRFMismatch
	}
	session, err := c.store.Get(r, CSRFSessionName)
	if err != nil {
		return ErrCSRFMismatch
	}
	token, ok := session.Values[csrfTokenKey].(string)
	if !ok || token == "" {
		return ErrCSRFMismatch
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(header)) != 1 {
		return ErrCSRFMismatch
	}
	return nil
}

// requiresCSRF reports whether the method changes state.
func requiresCSRF(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}
