package domain

import "time"

// CeremonyAction distinguishes what a stored WebAuthn challenge may be
// redeemed for.
type CeremonyAction string

const (
	// CeremonyRegister adds a credential to an authenticated account.
	CeremonyRegister CeremonyAction = "register"
	// CeremonyLogin is an assertion ceremony.
	CeremonyLogin CeremonyAction = "login"
	// CeremonyEnroll creates the first credential of a passwordless account,
	// gated by an enrollment token.
	CeremonyEnroll CeremonyAction = "enroll"
)

// CeremonyChallenge is the ephemeral state of one WebAuthn ceremony. It is
// consumed on completion regardless of outcome and never outlives its TTL.
type CeremonyChallenge struct {
	ID        string         `json:"id" bson:"_id"`
	AccountID string         `json:"account_id,omitempty" bson:"account_id,omitempty"` // empty for discoverable login
	SessionID string         `json:"session_id,omitempty" bson:"session_id,omitempty"`
	Challenge string         `json:"challenge" bson:"challenge"` // base64url, as issued by the webauthn library
	Action    CeremonyAction `json:"action" bson:"action"`
	ExpiresAt time.Time      `json:"expires_at" bson:"expires_at"`
}

// IsExpired reports whether the challenge has passed its TTL.
func (c *CeremonyChallenge) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// CodePurpose scopes a verification code; at most one live code exists per
// (account, purpose) pair.
type CodePurpose string

const (
	CodePurposeEmailVerify CodePurpose = "email-verify"
	CodePurposeTwoFactor   CodePurpose = "2fa"
)

// VerificationCode is a single-use 6-digit code. Only the SHA-256 of the
// code is stored; the cleartext exists transiently for delivery.
type VerificationCode struct {
	AccountID string      `json:"account_id" bson:"account_id"`
	Purpose   CodePurpose `json:"purpose" bson:"purpose"`
	CodeHash  []byte      `json:"code_hash" bson:"code_hash"`
	ExpiresAt time.Time   `json:"expires_at" bson:"expires_at"`
}

// IsExpired reports whether the code has passed its TTL.
func (v *VerificationCode) IsExpired() bool {
	return time.Now().After(v.ExpiresAt)
}

// TokenPurpose scopes an action token.
type TokenPurpose string

const (
	TokenPurposeEnroll       TokenPurpose = "enroll"
	TokenPurposeConfirmEmail TokenPurpose = "confirm-email"
	TokenPurposeResetPass    TokenPurpose = "reset-password"
	TokenPurposeChangeEmail  TokenPurpose = "change-email"
)

// ActionToken is an opaque single-use token bound to one account and one
// purpose. Consumed atomically on redemption; replays fail closed.
type ActionToken struct {
	AccountID string       `json:"account_id" bson:"account_id"`
	Purpose   TokenPurpose `json:"purpose" bson:"purpose"`
	TokenHash []byte       `json:"token_hash" bson:"token_hash"`
	// Payload carries purpose-specific data, e.g. the new address for a
	// change-email token.
	Payload   string    `json:"payload,omitempty" bson:"payload,omitempty"`
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"`
}

// IsExpired reports whether the token has passed its TTL.
func (t *ActionToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}
