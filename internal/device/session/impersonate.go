package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/models"
)

// ErrImpersonationUnavailable is returned when the preconditions for a
// support switch are not met.
var ErrImpersonationUnavailable = errors.New("impersonation unavailable")

// StartImpersonation switches the terminal onto a target tenant under a
// support audit. Requires a cloud-confirmed platform session and
// connectivity; the operator's own token pair is backed up before the
// switch and cached data from other tenants is cleared so nothing leaks
// across the boundary.
func (r *Reconciler) StartImpersonation(ctx context.Context, targetTenantID uuid.UUID, targetRole models.Role, reason string) (*Session, error) {
	r.mu.RLock()
	current := r.current
	r.mu.RUnlock()

	if current == nil || current.Tokens == nil {
		return nil, ErrNoActiveSession
	}
	if current.State != StateLocalPlusCloud || !current.Role.Privileged() {
		return nil, fmt.Errorf("%w: requires a cloud-verified platform session", ErrImpersonationUnavailable)
	}
	if !r.conn.Online() {
		return nil, fmt.Errorf("%w: authority unreachable", ErrImpersonationUnavailable)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: reason required", ErrImpersonationUnavailable)
	}

	// Back up the operator's own pair first; if anything past this point
	// fails, the original session is still intact and restorable.
	if err := r.store.BackupTokenPair(ctx, current.Tokens); err != nil {
		return nil, fmt.Errorf("backup operator tokens: %w", err)
	}

	exchangeToken, err := r.provider.StartImpersonation(ctx, current.Tokens.AccessToken, targetTenantID, targetRole, reason)
	if err != nil {
		r.discardBackup(ctx)
		return nil, err
	}
	pair, err := r.provider.ExchangeImpersonation(ctx, exchangeToken)
	if err != nil {
		r.discardBackup(ctx)
		return nil, err
	}

	if cleared, err := r.store.DeleteCredentialsExceptTenant(ctx, targetTenantID); err != nil {
		r.logger.Error().Err(err).Msg("clear cross-tenant cache failed")
	} else if cleared > 0 {
		r.logger.Info().Int64("cleared", cleared).Msg("cross-tenant cached credentials cleared for impersonation")
	}

	impersonated := &Session{
		State:        StateLocalPlusCloud,
		AccountID:    current.AccountID,
		Username:     current.Username,
		DisplayName:  current.DisplayName,
		Role:         targetRole,
		TenantID:     targetTenantID,
		Tokens:       pair,
		Impersonated: true,
		StartedAt:    time.Now(),
	}

	r.mu.Lock()
	r.current = impersonated
	r.mu.Unlock()

	r.logger.Info().
		Str("tenant_id", targetTenantID.String()).
		Str("target_role", string(targetRole)).
		Msg("impersonation session active")
	return impersonated, nil
}

// EndImpersonation closes the impersonated session and restores the
// operator's own. The backup is cleared only after the restore is
// confirmed, so a failed end leaves everything recoverable.
func (r *Reconciler) EndImpersonation(ctx context.Context) (*Session, error) {
	r.mu.RLock()
	current := r.current
	r.mu.RUnlock()

	if current == nil || !current.Impersonated || current.Tokens == nil {
		return nil, fmt.Errorf("%w: no impersonated session", ErrImpersonationUnavailable)
	}

	backup, err := r.store.RestoreTokenPair(ctx)
	if err != nil {
		return nil, fmt.Errorf("read token backup: %w", err)
	}
	if backup == nil {
		return nil, fmt.Errorf("%w: token backup missing", ErrImpersonationUnavailable)
	}

	if err := r.provider.EndImpersonation(ctx, current.Tokens.AccessToken); err != nil {
		return nil, err
	}

	restored := r.restoreOperatorSession(current, backup)

	r.mu.Lock()
	r.current = restored
	r.mu.Unlock()

	if err := r.store.ClearTokenBackup(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("clear token backup failed")
	}

	r.logger.Info().Msg("impersonation ended, operator session restored")
	return restored, nil
}

// discardBackup removes a token backup whose switch never happened. The
// backup and the impersonation session exist together or not at all; a
// stray backup would let a later end "restore" from a swap that was
// never made.
func (r *Reconciler) discardBackup(ctx context.Context) {
	if err := r.store.ClearTokenBackup(ctx); err != nil {
		r.logger.Error().Err(err).Msg("discard token backup failed")
	}
}

func (r *Reconciler) restoreOperatorSession(impersonated *Session, backup *auth.TokenPair) *Session {
	return &Session{
		State:       StateLocalPlusCloud,
		AccountID:   impersonated.AccountID,
		Username:    impersonated.Username,
		DisplayName: impersonated.DisplayName,
		Role:        models.RolePlatformOperator,
		TenantID:    r.config.TenantID,
		Tokens:      backup,
		StartedAt:   time.Now(),
	}
}
