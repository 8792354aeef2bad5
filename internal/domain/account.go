package domain

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TwoFactorMethod is the second factor an account prefers during step-up.
type TwoFactorMethod string

const (
	TwoFactorNone          TwoFactorMethod = "none"
	TwoFactorAuthenticator TwoFactorMethod = "authenticator"
	TwoFactorEmail         TwoFactorMethod = "email"
)

// Valid reports whether the method is one of the known values.
func (m TwoFactorMethod) Valid() bool {
	switch m {
	case TwoFactorNone, TwoFactorAuthenticator, TwoFactorEmail:
		return true
	}
	return false
}

// AccountID represents a unique account identifier
type AccountID struct {
	ID string `json:"id" bson:"id"`
}

// NewAccountID creates a new account ID
func NewAccountID() AccountID {
	return AccountID{ID: uuid.New().String()}
}

// AccountIDFromString creates an AccountID from a string
func AccountIDFromString(id string) AccountID {
	return AccountID{ID: id}
}

// String returns the string representation
func (a AccountID) String() string {
	return a.ID
}

// AsUserHandle returns the ID as bytes for WebAuthn
func (a AccountID) AsUserHandle() []byte {
	return []byte(a.ID)
}

// AccountIDFromUserHandle creates an AccountID from a WebAuthn user handle
func AccountIDFromUserHandle(handle []byte) AccountID {
	return AccountID{ID: string(handle)}
}

// IsZero reports whether the ID is unset.
func (a AccountID) IsZero() bool {
	return a.ID == ""
}

// Account is a registered end user. PasswordHash is nil for passkey-only
// accounts created through the passwordless signup flow.
type Account struct {
	ID             AccountID `json:"id" bson:"_id"`
	Email          string    `json:"email" bson:"email"`
	EmailConfirmed bool      `json:"email_confirmed" bson:"email_confirmed"`
	PasswordHash   *string   `json:"-" bson:"password_hash,omitempty"`

	TwoFactorEnabled         bool            `json:"two_factor_enabled" bson:"two_factor_enabled"`
	PreferredTwoFactorMethod TwoFactorMethod `json:"preferred_two_factor_method" bson:"preferred_two_factor_method"`
	TOTPSecret               *string         `json:"-" bson:"totp_secret,omitempty"`

	// SecurityStamp changes whenever a credential changes. Sessions snapshot
	// the stamp at creation; a mismatch at request time means the session is
	// no longer valid.
	SecurityStamp string `json:"-" bson:"security_stamp"`

	FailureCount int        `json:"-" bson:"failure_count"`
	LockedUntil  *time.Time `json:"-" bson:"locked_until,omitempty"`

	Passkeys []PasskeyCredential `json:"passkeys,omitempty" bson:"passkeys,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// PasskeyCredential is a WebAuthn credential owned by exactly one account.
// CredentialID never changes owner.
type PasskeyCredential struct {
	CredentialID    []byte     `json:"credential_id" bson:"credential_id"`
	PublicKey       []byte     `json:"public_key" bson:"public_key"`
	AttestationType string     `json:"attestation_type" bson:"attestation_type"`
	Transports      []string   `json:"transports,omitempty" bson:"transports,omitempty"`
	Flags           uint8      `json:"flags" bson:"flags"`
	AAGUID          []byte     `json:"aaguid,omitempty" bson:"aaguid,omitempty"`
	SignCount       uint32     `json:"sign_count" bson:"sign_count"`
	CloneWarning    bool       `json:"clone_warning" bson:"clone_warning"`
	Name            *string    `json:"name,omitempty" bson:"name,omitempty"`
	CreatedAt       time.Time  `json:"created_at" bson:"created_at"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty" bson:"last_used_at,omitempty"`
}

// EncodedID returns the credential ID as base64url without padding, the
// form credential ids take on the wire.
func (c *PasskeyCredential) EncodedID() string {
	return base64.RawURLEncoding.EncodeToString(c.CredentialID)
}

// NormalizeEmail canonicalizes an email address for lookups. Addresses are
// unique case-insensitively.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NewSecurityStamp returns a fresh random stamp.
func NewSecurityStamp() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// IsLockedOut reports whether the account is currently locked.
func (a *Account) IsLockedOut(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// HasPassword reports whether the account can authenticate with a password.
func (a *Account) HasPassword() bool {
	return a.PasswordHash != nil
}

// FindPasskey returns the credential with the given id, or nil.
func (a *Account) FindPasskey(credentialID []byte) *PasskeyCredential {
	for i := range a.Passkeys {
		if string(a.Passkeys[i].CredentialID) == string(credentialID) {
			return &a.Passkeys[i]
		}
	}
	return nil
}
