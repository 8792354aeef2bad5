package domain

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// SessionState is the authentication progress of one session. Transitions
// are one-way (anonymous -> partial -> authenticated) except logout, which
// destroys the session.
type SessionState string

const (
	// SessionAnonymous carries no principal; it exists so the CSRF token has
	// something to bind to before login.
	SessionAnonymous SessionState = "anonymous"
	// SessionPartial has passed a first factor and is awaiting step-up.
	SessionPartial SessionState = "partial"
	// SessionAuthenticated is a fully established principal.
	SessionAuthenticated SessionState = "authenticated"
)

// Session is the server-side record behind the session cookie.
type Session struct {
	ID        string       `json:"id" bson:"_id"`
	State     SessionState `json:"state" bson:"state"`
	AccountID AccountID    `json:"account_id,omitempty" bson:"account_id,omitempty"`

	// SecurityStamp is the account's stamp at the time the session was
	// promoted. Compared against the live account stamp on every
	// authenticated request.
	SecurityStamp string `json:"security_stamp,omitempty" bson:"security_stamp,omitempty"`

	CSRFToken string `json:"csrf_token" bson:"csrf_token"`
	Remember  bool   `json:"remember" bson:"remember"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"`
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// NewCSRFToken returns a fresh anti-forgery token.
func NewCSRFToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// IsExpired reports whether the session has passed its expiry.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Authenticated reports whether the session carries a full principal.
func (s *Session) Authenticated() bool {
	return s.State == SessionAuthenticated && !s.AccountID.IsZero()
}
