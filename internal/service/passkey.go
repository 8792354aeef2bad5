package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"

	"github.com/veridianlabs/identity-backend/internal/domain"
	"github.com/veridianlabs/identity-backend/internal/storage"
	"github.com/veridianlabs/identity-backend/pkg/config"
)

var (
	ErrChallengeNotFound   = errors.New("challenge not found")
	ErrChallengeExpired    = errors.New("challenge expired")
	ErrChallengeMismatch   = errors.New("challenge does not match this ceremony")
	ErrUnknownCredential   = errors.New("credential not recognized")
	ErrDuplicateCredential = errors.New("credential already registered")
	ErrCounterRegression   = errors.New("signature counter regression")
	ErrVerificationFailed  = errors.New("verification failed")
	ErrPasskeyNameTaken    = errors.New("passkey name already in use")
	ErrLastCredential      = errors.New("cannot remove the only sign-in method")
)

// PasskeyService runs WebAuthn ceremonies. Challenges are single-use: they
// are consumed when a ceremony completes, successfully or not, so a replayed
// response always fails.
type PasskeyService struct {
	store    storage.Store
	cfg      *config.Config
	logger   *zap.Logger
	webauthn *webauthn.WebAuthn
}

// NewPasskeyService creates a new PasskeyService
func NewPasskeyService(store storage.Store, cfg *config.Config, logger *zap.Logger) (*PasskeyService, error) {
	wconfig := &webauthn.Config{
		RPDisplayName: cfg.Server.RPName,
		RPID:          cfg.Server.RPID,
		RPOrigins:     []string{cfg.Server.RPOrigin},
	}

	wa, err := webauthn.New(wconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create webauthn: %w", err)
	}

	return &PasskeyService{
		store:    store,
		cfg:      cfg,
		logger:   logger.Named("passkey-service"),
		webauthn: wa,
	}, nil
}

// webauthnUser adapts an Account to the webauthn.User interface
type webauthnUser struct {
	account *domain.Account
}

func (u *webauthnUser) WebAuthnID() []byte {
	return u.account.ID.AsUserHandle()
}

func (u *webauthnUser) WebAuthnName() string {
	return u.account.Email
}

func (u *webauthnUser) WebAuthnDisplayName() string {
	return u.account.Email
}

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(u.account.Passkeys))
	for _, c := range u.account.Passkeys {
		creds = append(creds, webauthn.Credential{
			ID:              c.CredentialID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Transport:       parseTransports(c.Transports),
			Flags: webauthn.CredentialFlags{
				UserPresent:    c.Flags&0x01 != 0,
				UserVerified:   c.Flags&0x04 != 0,
				BackupEligible: c.Flags&0x08 != 0,
				BackupState:    c.Flags&0x10 != 0,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:       c.AAGUID,
				SignCount:    c.SignCount,
				CloneWarning: c.CloneWarning,
			},
		})
	}
	return creds
}

func parseTransports(transports []string) []protocol.AuthenticatorTransport {
	result := make([]protocol.AuthenticatorTransport, 0, len(transports))
	for _, t := range transports {
		result = append(result, protocol.AuthenticatorTransport(t))
	}
	return result
}

func encodeFlags(flags webauthn.CredentialFlags) uint8 {
	var result uint8
	if flags.UserPresent {
		result |= 0x01
	}
	if flags.UserVerified {
		result |= 0x04
	}
	if flags.BackupEligible {
		result |= 0x08
	}
	if flags.BackupState {
		result |= 0x10
	}
	return result
}

// BeginLoginResult contains the assertion options for the client
type BeginLoginResult struct {
	ChallengeID string
	Options     *protocol.CredentialAssertion
}

// BeginLogin starts an assertion ceremony. With an email that resolves to
// an account holding passkeys, the options carry that account's credentials
// as an allow list and the challenge is pinned to the account. Any other
// email, or none, yields discoverable-credential options, so the response
// never discloses whether the address is registered.
func (s *PasskeyService) BeginLogin(ctx context.Context, sessionID, email string) (*BeginLoginResult, error) {
	var accountID string
	var options *protocol.CredentialAssertion
	var session *webauthn.SessionData
	var err error

	if email != "" {
		account, lookupErr := s.store.Accounts().GetByEmail(ctx, domain.NormalizeEmail(email))
		if lookupErr != nil && !errors.Is(lookupErr, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to get account: %w", lookupErr)
		}
		if account != nil && len(account.Passkeys) > 0 {
			accountID = account.ID.String()
			options, session, err = s.webauthn.BeginLogin(&webauthnUser{account: account},
				webauthn.WithUserVerification(protocol.VerificationRequired),
			)
		}
	}

	if session == nil && err == nil {
		options, session, err = s.webauthn.BeginDiscoverableLogin(
			webauthn.WithUserVerification(protocol.VerificationRequired),
		)
	}
	if err != nil {
		s.logger.Error("Failed to begin login", zap.Error(err))
		return nil, fmt.Errorf("failed to begin login: %w", err)
	}

	challengeID := generateChallengeID()
	challenge := &domain.CeremonyChallenge{
		ID:        challengeID,
		AccountID: accountID,
		SessionID: sessionID,
		Challenge: session.Challenge,
		Action:    domain.CeremonyLogin,
		ExpiresAt: time.Now().Add(s.cfg.Auth.ChallengeTTL()),
	}

	if err := s.store.Challenges().Create(ctx, challenge); err != nil {
		s.logger.Error("Failed to store challenge", zap.Error(err))
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	return &BeginLoginResult{ChallengeID: challengeID, Options: options}, nil
}

// FinishLogin completes an assertion ceremony and returns the account the
// asserted credential belongs to. A challenge pinned to an account only
// validates against that account's credentials; an unpinned challenge
// resolves the account from the response's user handle. The challenge is
// consumed whatever the outcome.
func (s *PasskeyService) FinishLogin(ctx context.Context, challengeID, sessionID string, credential json.RawMessage) (*domain.Account, error) {
	challenge, err := s.consumeChallenge(ctx, challengeID, sessionID, domain.CeremonyLogin)
	if err != nil {
		return nil, err
	}

	parsedResponse, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(credential))
	if err != nil {
		s.logger.Debug("Failed to parse assertion response", zap.Error(err))
		return nil, ErrVerificationFailed
	}

	var account *domain.Account
	var validated *webauthn.Credential

	if challenge.AccountID != "" {
		accountID := domain.AccountIDFromString(challenge.AccountID)
		account, err = s.store.Accounts().GetByID(ctx, accountID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrUnknownCredential
			}
			return nil, fmt.Errorf("failed to get account: %w", err)
		}

		sessionData := webauthn.SessionData{
			Challenge:        challenge.Challenge,
			UserID:           account.ID.AsUserHandle(),
			UserVerification: protocol.VerificationRequired,
		}

		validated, err = s.webauthn.ValidateLogin(&webauthnUser{account: account}, sessionData, parsedResponse)
		if err != nil {
			s.logger.Debug("Assertion verification failed", zap.Error(err))
			return nil, ErrVerificationFailed
		}
	} else {
		if len(parsedResponse.Response.UserHandle) == 0 {
			return nil, ErrVerificationFailed
		}

		accountID := domain.AccountIDFromUserHandle(parsedResponse.Response.UserHandle)
		account, err = s.store.Accounts().GetByID(ctx, accountID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrUnknownCredential
			}
			return nil, fmt.Errorf("failed to get account: %w", err)
		}

		// A discoverable session carries no user id; the handler resolves
		// the user from the asserted handle.
		sessionData := webauthn.SessionData{
			Challenge:        challenge.Challenge,
			UserVerification: protocol.VerificationRequired,
		}

		validated, err = s.webauthn.ValidateDiscoverableLogin(
			func(rawID, userHandle []byte) (webauthn.User, error) {
				id := domain.AccountIDFromUserHandle(userHandle)
				a, err := s.store.Accounts().GetByID(ctx, id)
				if err != nil {
					return nil, err
				}
				return &webauthnUser{account: a}, nil
			},
			sessionData,
			parsedResponse,
		)
		if err != nil {
			s.logger.Debug("Assertion verification failed", zap.Error(err))
			return nil, ErrVerificationFailed
		}
	}

	stored := account.FindPasskey(parsedResponse.RawID)
	if stored == nil {
		return nil, ErrUnknownCredential
	}

	// The library flags counter regressions without failing the ceremony.
	// Treat a regression as a cloned authenticator and reject.
	newCount := validated.Authenticator.SignCount
	if validated.Authenticator.CloneWarning || (stored.SignCount > 0 && newCount <= stored.SignCount) {
		s.logger.Warn("Signature counter regression",
			zap.String("account_id", account.ID.String()),
			zap.Uint32("stored", stored.SignCount),
			zap.Uint32("received", newCount),
		)
		return nil, ErrCounterRegression
	}

	now := time.Now()
	stored.SignCount = newCount
	stored.LastUsedAt = &now
	account.UpdatedAt = now

	if err := s.store.Accounts().Update(ctx, account); err != nil {
		s.logger.Error("Failed to persist sign count", zap.Error(err))
		// Don't fail login for this
	}

	return account, nil
}

// BeginRegistrationResult contains the creation options for the client
type BeginRegistrationResult struct {
	ChallengeID string
	Options     *protocol.CredentialCreation
}

// BeginRegistration starts a creation ceremony that adds a passkey to an
// existing account. Existing credentials are excluded so an authenticator
// is never enrolled twice.
func (s *PasskeyService) BeginRegistration(ctx context.Context, account *domain.Account, sessionID string, action domain.CeremonyAction) (*BeginRegistrationResult, error) {
	waUser := &webauthnUser{account: account}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(account.Passkeys))
	for _, c := range account.Passkeys {
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.CredentialID,
			Transport:    parseTransports(c.Transports),
		})
	}

	options, session, err := s.webauthn.BeginRegistration(waUser,
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
		webauthn.WithExclusions(exclusions),
	)
	if err != nil {
		s.logger.Error("Failed to begin registration", zap.Error(err))
		return nil, fmt.Errorf("failed to begin registration: %w", err)
	}

	challengeID := generateChallengeID()
	challenge := &domain.CeremonyChallenge{
		ID:        challengeID,
		AccountID: account.ID.String(),
		SessionID: sessionID,
		Challenge: session.Challenge,
		Action:    action,
		ExpiresAt: time.Now().Add(s.cfg.Auth.ChallengeTTL()),
	}

	if err := s.store.Challenges().Create(ctx, challenge); err != nil {
		s.logger.Error("Failed to store challenge", zap.Error(err))
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	return &BeginRegistrationResult{ChallengeID: challengeID, Options: options}, nil
}

// FinishRegistration completes a creation ceremony and appends the new
// credential to the account. The challenge must name the same account and
// the same action it was issued for. A credential id already enrolled on
// any account is refused.
func (s *PasskeyService) FinishRegistration(ctx context.Context, account *domain.Account, challengeID, sessionID string, credential json.RawMessage, name string, action domain.CeremonyAction) (*domain.PasskeyCredential, error) {
	challenge, err := s.consumeChallenge(ctx, challengeID, sessionID, action)
	if err != nil {
		return nil, err
	}

	if challenge.AccountID != account.ID.String() {
		return nil, ErrChallengeMismatch
	}

	parsedResponse, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(credential))
	if err != nil {
		s.logger.Debug("Failed to parse creation response", zap.Error(err))
		return nil, ErrVerificationFailed
	}

	_, err = s.store.Accounts().GetByCredentialID(ctx, parsedResponse.RawID)
	if err == nil {
		return nil, ErrDuplicateCredential
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to check credential: %w", err)
	}

	waUser := &webauthnUser{account: account}
	sessionData := webauthn.SessionData{
		Challenge:        challenge.Challenge,
		UserID:           account.ID.AsUserHandle(),
		UserVerification: protocol.VerificationRequired,
		// BeginRegistration offered the default parameter list; the rebuilt
		// session must carry it for the algorithm check.
		CredParams: webauthn.CredentialParametersDefault(),
	}

	created, err := s.webauthn.CreateCredential(waUser, sessionData, parsedResponse)
	if err != nil {
		s.logger.Debug("Creation verification failed", zap.Error(err))
		return nil, ErrVerificationFailed
	}

	transports := make([]string, 0, len(created.Transport))
	for _, t := range created.Transport {
		transports = append(transports, string(t))
	}

	now := time.Now()
	passkey := domain.PasskeyCredential{
		CredentialID:    created.ID,
		PublicKey:       created.PublicKey,
		AttestationType: created.AttestationType,
		Transports:      transports,
		Flags:           encodeFlags(created.Flags),
		AAGUID:          created.Authenticator.AAGUID,
		SignCount:       created.Authenticator.SignCount,
		CreatedAt:       now,
	}
	if name != "" {
		passkey.Name = &name
	}

	account.Passkeys = append(account.Passkeys, passkey)
	account.UpdatedAt = now

	if err := s.store.Accounts().Update(ctx, account); err != nil {
		s.logger.Error("Failed to store credential", zap.Error(err))
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	s.logger.Info("Passkey registered",
		zap.String("account_id", account.ID.String()),
		zap.String("credential_id", passkey.EncodedID()),
	)

	return &account.Passkeys[len(account.Passkeys)-1], nil
}

// RenamePasskey changes a credential's display name.
func (s *PasskeyService) RenamePasskey(ctx context.Context, account *domain.Account, credentialID []byte, name string) error {
	passkey := account.FindPasskey(credentialID)
	if passkey == nil {
		return ErrUnknownCredential
	}

	for i := range account.Passkeys {
		if account.Passkeys[i].Name != nil && *account.Passkeys[i].Name == name &&
			!bytes.Equal(account.Passkeys[i].CredentialID, credentialID) {
			return ErrPasskeyNameTaken
		}
	}

	passkey.Name = &name
	account.UpdatedAt = time.Now()
	return s.store.Accounts().Update(ctx, account)
}

// RemovePasskey deletes a credential. An account must always keep at least
// one way to sign in, so removing the last passkey of a passwordless
// account is refused.
func (s *PasskeyService) RemovePasskey(ctx context.Context, account *domain.Account, credentialID []byte) error {
	if account.FindPasskey(credentialID) == nil {
		return ErrUnknownCredential
	}

	if !account.HasPassword() && len(account.Passkeys) == 1 {
		return ErrLastCredential
	}

	kept := account.Passkeys[:0]
	for _, c := range account.Passkeys {
		if !bytes.Equal(c.CredentialID, credentialID) {
			kept = append(kept, c)
		}
	}
	account.Passkeys = kept
	account.UpdatedAt = time.Now()

	if err := s.store.Accounts().Update(ctx, account); err != nil {
		return err
	}

	s.logger.Info("Passkey removed", zap.String("account_id", account.ID.String()))
	return nil
}

func (s *PasskeyService) consumeChallenge(ctx context.Context, id, sessionID string, action domain.CeremonyAction) (*domain.CeremonyChallenge, error) {
	challenge, err := s.store.Challenges().Consume(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}

	if challenge.IsExpired() {
		return nil, ErrChallengeExpired
	}

	// A challenge only finishes the ceremony it was issued to; presenting
	// it from another session consumes it without effect.
	if challenge.Action != action || challenge.SessionID != sessionID {
		return nil, ErrChallengeMismatch
	}

	return challenge, nil
}
