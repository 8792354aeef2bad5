package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/veridianlabs/identity-backend/internal/domain"
	"github.com/veridianlabs/identity-backend/internal/storage"
	"github.com/veridianlabs/identity-backend/pkg/config"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionRevoked  = errors.New("session revoked")
	ErrCSRFMismatch    = errors.New("antiforgery token mismatch")
)

// SessionService manages server-side session records and the signed cookie
// that references them. The cookie carries only the session id; everything
// else lives in the store so credential changes can cut sessions off
// immediately.
type SessionService struct {
	store  storage.Store
	cfg    *config.Config
	logger *zap.Logger
}

// NewSessionService creates a new SessionService
func NewSessionService(store storage.Store, cfg *config.Config, logger *zap.Logger) *SessionService {
	return &SessionService{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("session-service"),
	}
}

// Begin creates an anonymous session. It exists so the antiforgery token
// has something to bind to before any credential is presented.
func (s *SessionService) Begin(ctx context.Context) (*domain.Session, error) {
	now := time.Now()
	session := &domain.Session{
		ID:        domain.NewSessionID(),
		State:     domain.SessionAnonymous,
		CSRFToken: domain.NewCSRFToken(),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Session.PartialTTL()),
	}

	if err := s.store.Sessions().Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// Promote moves a session to the partial state after a first factor
// succeeded but step-up is still pending.
func (s *SessionService) Promote(ctx context.Context, session *domain.Session, account *domain.Account, remember bool) error {
	session.State = domain.SessionPartial
	session.AccountID = account.ID
	session.Remember = remember
	session.ExpiresAt = time.Now().Add(s.cfg.Session.PartialTTL())

	return s.store.Sessions().Update(ctx, session)
}

// Establish moves a session to the authenticated state, snapshotting the
// account's security stamp. The session id is rotated so a pre-login
// cookie value never names an authenticated session.
func (s *SessionService) Establish(ctx context.Context, session *domain.Session, account *domain.Account, remember bool) (*domain.Session, error) {
	now := time.Now()
	fresh := &domain.Session{
		ID:            domain.NewSessionID(),
		State:         domain.SessionAuthenticated,
		AccountID:     account.ID,
		SecurityStamp: account.SecurityStamp,
		CSRFToken:     domain.NewCSRFToken(),
		Remember:      remember,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.Session.SessionTTL(remember)),
	}

	if err := s.store.Sessions().Create(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if session != nil {
		_ = s.store.Sessions().Delete(ctx, session.ID)
	}

	s.logger.Info("Session established", zap.String("account_id", account.ID.String()))

	return fresh, nil
}

// Resolve loads and validates the session behind a cookie value. For
// authenticated sessions the stored security stamp must still match the
// account's; a rotated stamp means some credential changed since login.
func (s *SessionService) Resolve(ctx context.Context, cookieValue string) (*domain.Session, *domain.Account, error) {
	sessionID, err := s.parseCookie(cookieValue)
	if err != nil {
		return nil, nil, ErrSessionNotFound
	}

	session, err := s.store.Sessions().GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, err
	}

	if session.IsExpired() {
		_ = s.store.Sessions().Delete(ctx, session.ID)
		return nil, nil, ErrSessionExpired
	}

	if session.State == domain.SessionAnonymous {
		return session, nil, nil
	}

	account, err := s.store.Accounts().GetByID(ctx, session.AccountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = s.store.Sessions().Delete(ctx, session.ID)
			return nil, nil, ErrSessionRevoked
		}
		return nil, nil, err
	}

	if session.State == domain.SessionAuthenticated && session.SecurityStamp != account.SecurityStamp {
		_ = s.store.Sessions().Delete(ctx, session.ID)
		return nil, nil, ErrSessionRevoked
	}

	return session, account, nil
}

// Destroy removes the session record. Missing records are fine; logout is
// idempotent.
func (s *SessionService) Destroy(ctx context.Context, sessionID string) error {
	err := s.store.Sessions().Delete(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// VerifyCSRF compares a header token against the session's. The comparison
// is constant-time.
func (s *SessionService) VerifyCSRF(session *domain.Session, headerToken string) error {
	if headerToken == "" || session == nil {
		return ErrCSRFMismatch
	}
	if subtle.ConstantTimeCompare([]byte(session.CSRFToken), []byte(headerToken)) != 1 {
		return ErrCSRFMismatch
	}
	return nil
}

// CookieValue returns the signed cookie payload for a session. The JWT
// carries the session id as jti; the record itself stays server-side.
func (s *SessionService) CookieValue(session *domain.Session) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        session.ID,
		IssuedAt:  jwt.NewNumericDate(session.CreatedAt),
		ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.Session.Secret))
}

// CookieMaxAge returns the cookie lifetime in seconds. Sessions without
// remember-me get a browser-session cookie.
func (s *SessionService) CookieMaxAge(session *domain.Session) int {
	if !session.Remember {
		return 0
	}
	return int(time.Until(session.ExpiresAt).Seconds())
}

func (s *SessionService) parseCookie(value string) (string, error) {
	token, err := jwt.ParseWithClaims(value, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.Session.Secret), nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.ID == "" {
		return "", errors.New("invalid session token")
	}

	return claims.ID, nil
}
