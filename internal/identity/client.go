package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/models"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 15 * time.Second

// Client talks to the TillGate authority over HTTP. It implements
// Provider.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

var _ Provider = (*Client)(nil)

// NewClient creates a Client for the given authority base URL.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger.With().Str("component", "identity_client").Logger(),
	}
}

// errorResponse is the authority's error envelope.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// mapCode turns a wire error code into its sentinel.
func mapCode(code string) error {
	switch code {
	case CodeInvalidCredentials:
		return ErrInvalidCredentials
	case CodeAccountDisabled:
		return ErrAccountDisabled
	case CodeDeviceLimitExceeded:
		return ErrDeviceLimitExceeded
	case CodeDeviceNotActivated:
		return ErrDeviceNotActivated
	case CodeRateLimited:
		return ErrRateLimited
	case CodeValidationFailed:
		return ErrValidationFailed
	case CodeTenantLocked:
		return ErrTenantLocked
	case CodeSessionInvalid:
		return auth.ErrSessionRestoreFailed
	case CodeNotAuthorized:
		return auth.ErrNotAuthorized
	default:
		return fmt.Errorf("authority error: %s", code)
	}
}

// do sends a JSON request and decodes the response into out. Network and
// 5xx failures come back wrapped in ErrTransientNetwork; 4xx responses
// map to their sentinel.
func (c *Client) do(ctx context.Context, method, path, accessToken string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: authority returned %d", ErrTransientNetwork, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var envelope errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Code == "" {
			return fmt.Errorf("authority returned %d", resp.StatusCode)
		}
		return mapCode(envelope.Error.Code)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// CheckHealth probes the authority's health endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", ErrTransientNetwork, resp.StatusCode)
	}
	return nil
}

// Login verifies credentials online and admits the device.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh rotates a token pair.
func (c *Client) Refresh(ctx context.Context, pair auth.TokenPair) (*auth.TokenPair, error) {
	var resp auth.TokenPair
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/refresh", "", pair, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout revokes the session.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/auth/logout", accessToken, nil, nil)
}

// SubmitOperation delivers one operation.
func (c *Client) SubmitOperation(ctx context.Context, accessToken string, op *models.Operation) (*OperationAck, error) {
	var ack OperationAck
	if err := c.do(ctx, http.MethodPost, "/api/v1/operations", accessToken, op, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// ServerTime returns the authority's clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var resp struct {
		Now time.Time `json:"now"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/time", "", nil, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.Now, nil
}

// StartImpersonation mints a one-time exchange token.
func (c *Client) StartImpersonation(ctx context.Context, accessToken string, tenantID uuid.UUID, role models.Role, reason string) (string, error) {
	req := map[string]any{
		"tenant_id": tenantID,
		"role":      role,
		"reason":    reason,
	}
	var resp struct {
		ExchangeToken string `json:"exchange_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/impersonation/start", accessToken, req, &resp); err != nil {
		return "", err
	}
	return resp.ExchangeToken, nil
}

// ExchangeImpersonation trades the exchange token for a session pair.
func (c *Client) ExchangeImpersonation(ctx context.Context, exchangeToken string) (*auth.TokenPair, error) {
	req := map[string]string{"exchange_token": exchangeToken}
	var resp struct {
		Tokens auth.TokenPair `json:"tokens"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/impersonation/exchange", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Tokens, nil
}

// EndImpersonation closes the impersonated session.
func (c *Client) EndImpersonation(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/impersonation/end", accessToken, nil, nil)
}
