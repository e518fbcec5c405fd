// Package identity defines the cloud identity provider contract used by
// devices, the wire types it exchanges with the authority, and the error
// taxonomy both sides share.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/models"
)

var (
	// ErrInvalidCredentials is a definitive rejection of the password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountDisabled is a definitive rejection of the account.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrDeviceLimitExceeded means the tenant has no free device slots.
	ErrDeviceLimitExceeded = errors.New("device limit exceeded")
	// ErrDeviceNotActivated means the device is unknown or deactivated.
	ErrDeviceNotActivated = errors.New("device not activated")
	// ErrRateLimited means the authority refused the request for quota
	// reasons; retry later.
	ErrRateLimited = errors.New("rate limited")
	// ErrValidationFailed means the request was malformed.
	ErrValidationFailed = errors.New("validation failed")
	// ErrTenantLocked means the tenant's access state is locked and no
	// session may be established until it clears.
	ErrTenantLocked = errors.New("tenant locked")
	// ErrTransientNetwork wraps connectivity and server-side failures that
	// say nothing definitive about the request. Callers retry, never
	// hard-deny.
	ErrTransientNetwork = errors.New("transient network failure")
)

// Wire error codes. The authority puts one of these in every error
// response; the client maps them back to sentinels.
const (
	CodeInvalidCredentials  = "invalid_credentials"
	CodeAccountDisabled     = "account_disabled"
	CodeDeviceLimitExceeded = "device_limit_exceeded"
	CodeDeviceNotActivated  = "device_not_activated"
	CodeRateLimited         = "rate_limited"
	CodeValidationFailed    = "validation_failed"
	CodeNotAuthorized       = "not_authorized"
	CodeSessionInvalid      = "session_invalid"
	CodeNotFound            = "not_found"
	CodeTenantLocked        = "tenant_locked"
	CodeInternal            = "internal_error"
)

// LoginRequest is a device login against the authority. The device
// registers itself in the same call so admission is atomic with the
// credential check.
type LoginRequest struct {
	Username string    `json:"username"`
	Password string    `json:"password"`
	TenantID uuid.UUID `json:"tenant_id"`
	DeviceID string    `json:"device_id"`
	Platform string    `json:"platform,omitempty"`
	Label    string    `json:"label,omitempty"`
}

// AccountInfo is the account summary returned on login.
type AccountInfo struct {
	ID          uuid.UUID   `json:"id"`
	Username    string      `json:"username"`
	DisplayName string      `json:"display_name"`
	Role        models.Role `json:"role"`
	TenantID    *uuid.UUID  `json:"tenant_id,omitempty"`
}

// VerifierSeed is the PBKDF2 triple a device caches after an online
// verification so the same password can be checked offline later.
type VerifierSeed struct {
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations"`
	Hash       []byte `json:"hash"`
}

// LoginResponse is the authority's answer to a successful login.
type LoginResponse struct {
	Tokens      auth.TokenPair `json:"tokens"`
	Account     AccountInfo    `json:"account"`
	Verifier    VerifierSeed   `json:"verifier"`
	AccessState string         `json:"access_state"`
	ServerTime  time.Time      `json:"server_time"`
}

// OperationAck acknowledges an accepted operation. Duplicate reports a
// replay the authority had already accepted.
type OperationAck struct {
	ID        uuid.UUID `json:"id"`
	Duplicate bool      `json:"duplicate"`
}

// Provider is the cloud identity surface a device depends on. The HTTP
// client implements it; tests substitute fakes.
type Provider interface {
	// Login verifies credentials online, admits the device against the
	// tenant cap and returns a session plus cache seed material.
	Login(ctx context.Context, req LoginRequest) (*LoginResponse, error)
	// Refresh rotates an expired token pair.
	Refresh(ctx context.Context, pair auth.TokenPair) (*auth.TokenPair, error)
	// Logout revokes the session server-side.
	Logout(ctx context.Context, accessToken string) error
	// SubmitOperation delivers one queued operation. Accepted replays
	// come back with Duplicate set rather than an error.
	SubmitOperation(ctx context.Context, accessToken string, op *models.Operation) (*OperationAck, error)
	// ServerTime returns the authority's clock for drift correction.
	ServerTime(ctx context.Context) (time.Time, error)
	// StartImpersonation mints a one-time exchange token for the target
	// tenant. Caller must hold a platform operator session.
	StartImpersonation(ctx context.Context, accessToken string, tenantID uuid.UUID, role models.Role, reason string) (string, error)
	// ExchangeImpersonation trades the exchange token for the
	// impersonated session pair.
	ExchangeImpersonation(ctx context.Context, exchangeToken string) (*auth.TokenPair, error)
	// EndImpersonation closes the impersonated session and its audit.
	EndImpersonation(ctx context.Context, accessToken string) error
}
