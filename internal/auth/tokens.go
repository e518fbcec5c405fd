package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/models"
)

const (
	// AccessTokenPrefix marks TillGate access tokens.
	AccessTokenPrefix = "tga_"
	// RefreshTokenPrefix marks TillGate refresh tokens.
	RefreshTokenPrefix = "tgr_"
	// ExchangeTokenPrefix marks one-time impersonation exchange tokens.
	ExchangeTokenPrefix = "tgx_"

	// tokenRandLen is the random payload length in bytes.
	tokenRandLen = 32
)

// SessionRecord is the server-side record of an issued session. Tokens are
// stored hashed; the plaintext pair exists only in the issue response.
type SessionRecord struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Role      models.Role
	// TenantID is the tenant scope of the session. Nil for platform
	// operators acting as themselves; set for impersonated sessions.
	TenantID *uuid.UUID
	// ImpersonationAuditID links an impersonated session to its audit row.
	ImpersonationAuditID *uuid.UUID

	AccessTokenHash  string
	RefreshTokenHash string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	CreatedAt        time.Time
	RevokedAt        *time.Time
}

// Expired reports whether the access token is past its expiry.
func (s *SessionRecord) Expired(now time.Time) bool {
	return now.After(s.AccessExpiresAt)
}

// Revoked reports whether the session has been revoked.
func (s *SessionRecord) Revoked() bool {
	return s.RevokedAt != nil
}

// TokenPair is the plaintext token pair handed to a client once at issue
// or refresh time.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SessionStore defines the persistence interface for session records.
type SessionStore interface {
	CreateSession(ctx context.Context, rec *SessionRecord) error
	GetSessionByAccessHash(ctx context.Context, hash string) (*SessionRecord, error)
	GetSessionByRefreshHash(ctx context.Context, hash string) (*SessionRecord, error)
	RotateSessionTokens(ctx context.Context, id uuid.UUID, accessHash, refreshHash string, accessExpires, refreshExpires time.Time) error
	RevokeSession(ctx context.Context, id uuid.UUID) error
}

// TokenConfig holds token lifetime configuration.
type TokenConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// DefaultTokenConfig returns the default token lifetimes.
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		AccessTTL:  1 * time.Hour,
		RefreshTTL: 30 * 24 * time.Hour,
	}
}

// TokenService issues, validates and refreshes opaque session tokens.
type TokenService struct {
	store  SessionStore
	config TokenConfig
	logger zerolog.Logger
}

// NewTokenService creates a new TokenService.
func NewTokenService(store SessionStore, config TokenConfig, logger zerolog.Logger) *TokenService {
	return &TokenService{
		store:  store,
		config: config,
		logger: logger.With().Str("component", "token_service").Logger(),
	}
}

// Issue creates a session and returns the plaintext pair. role and
// tenantID define the session scope, which for impersonated sessions
// differs from the account's own; auditID is non-nil for those.
func (s *TokenService) Issue(ctx context.Context, accountID uuid.UUID, role models.Role, tenantID *uuid.UUID, auditID *uuid.UUID) (*TokenPair, *SessionRecord, error) {
	access, err := GenerateToken(AccessTokenPrefix)
	if err != nil {
		return nil, nil, err
	}
	refresh, err := GenerateToken(RefreshTokenPrefix)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	rec := &SessionRecord{
		ID:                   uuid.New(),
		AccountID:            accountID,
		Role:                 role,
		TenantID:             tenantID,
		ImpersonationAuditID: auditID,
		AccessTokenHash:      HashToken(access),
		RefreshTokenHash:     HashToken(refresh),
		AccessExpiresAt:      now.Add(s.config.AccessTTL),
		RefreshExpiresAt:     now.Add(s.config.RefreshTTL),
		CreatedAt:            now,
	}

	if err := s.store.CreateSession(ctx, rec); err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.Info().
		Str("account_id", accountID.String()).
		Str("role", string(role)).
		Bool("impersonated", auditID != nil).
		Msg("session issued")

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    rec.AccessExpiresAt,
	}, rec, nil
}

// Validate resolves an access token to its live session record.
func (s *TokenService) Validate(ctx context.Context, accessToken string) (*SessionRecord, error) {
	if !strings.HasPrefix(accessToken, AccessTokenPrefix) {
		return nil, ErrSessionRestoreFailed
	}

	rec, err := s.store.GetSessionByAccessHash(ctx, HashToken(accessToken))
	if err != nil {
		return nil, ErrSessionRestoreFailed
	}
	if rec.Revoked() || rec.Expired(time.Now()) {
		return nil, ErrSessionRestoreFailed
	}
	return rec, nil
}

// Restore validates an access token, falling back to the refresh token to
// rotate an expired pair. Returns the live session and, when a rotation
// happened, the new plaintext pair.
func (s *TokenService) Restore(ctx context.Context, accessToken, refreshToken string) (*SessionRecord, *TokenPair, error) {
	rec, err := s.Validate(ctx, accessToken)
	if err == nil {
		return rec, nil, nil
	}

	if !strings.HasPrefix(refreshToken, RefreshTokenPrefix) {
		return nil, nil, ErrSessionRestoreFailed
	}
	rec, err = s.store.GetSessionByRefreshHash(ctx, HashToken(refreshToken))
	if err != nil {
		return nil, nil, ErrSessionRestoreFailed
	}
	now := time.Now()
	if rec.Revoked() || now.After(rec.RefreshExpiresAt) {
		return nil, nil, ErrSessionRestoreFailed
	}

	access, err := GenerateToken(AccessTokenPrefix)
	if err != nil {
		return nil, nil, err
	}
	refresh, err := GenerateToken(RefreshTokenPrefix)
	if err != nil {
		return nil, nil, err
	}

	rec.AccessTokenHash = HashToken(access)
	rec.RefreshTokenHash = HashToken(refresh)
	rec.AccessExpiresAt = now.Add(s.config.AccessTTL)
	rec.RefreshExpiresAt = now.Add(s.config.RefreshTTL)

	if err := s.store.RotateSessionTokens(ctx, rec.ID, rec.AccessTokenHash, rec.RefreshTokenHash, rec.AccessExpiresAt, rec.RefreshExpiresAt); err != nil {
		return nil, nil, fmt.Errorf("rotate session tokens: %w", err)
	}

	s.logger.Debug().Str("session_id", rec.ID.String()).Msg("session tokens rotated")

	return rec, &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    rec.AccessExpiresAt,
	}, nil
}

// Revoke terminates a session.
func (s *TokenService) Revoke(ctx context.Context, id uuid.UUID) error {
	if err := s.store.RevokeSession(ctx, id); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// GenerateToken returns a new random token with the given prefix.
func GenerateToken(prefix string) (string, error) {
	buf := make([]byte, tokenRandLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return prefix + hex.EncodeToString(buf), nil
}

// HashToken creates the SHA-256 hex digest used to store and look up a
// token without keeping its plaintext.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ExtractBearerToken extracts the token from an Authorization header value.
// Returns empty string if the header is not a valid Bearer token.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// ErrSessionRestoreFailed is returned when neither token of a pair resolves
// to a live session.
var ErrSessionRestoreFailed = errors.New("session restore failed")
