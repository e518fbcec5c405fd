package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/tillgate/tillgate/internal/models"
)

const accountColumns = `id, username, display_name, role, permissions, tenant_id, active, created_at, updated_at`

// CreateAccount inserts a new account with its password verifier.
func (db *DB) CreateAccount(ctx context.Context, account *models.Account, verifier models.PasswordVerifier) error {
	perms, err := json.Marshal(account.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO accounts (id, username, display_name, role, permissions, tenant_id, active,
			verifier_salt, verifier_iterations, verifier_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`, account.ID, account.Username, account.DisplayName, string(account.Role), perms,
		account.TenantID, account.Active, verifier.Salt, verifier.Iterations, verifier.Hash)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccountByID returns an account by ID.
func (db *DB) GetAccountByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// GetAccountByUsername returns an account by username.
func (db *DB) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username = $1`, username)
	return scanAccount(row)
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	var roleStr string
	var perms []byte
	err := row.Scan(&a.ID, &a.Username, &a.DisplayName, &roleStr, &perms,
		&a.TenantID, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.Role = models.Role(roleStr)
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &a.Permissions); err != nil {
			return nil, fmt.Errorf("unmarshal permissions: %w", err)
		}
	}
	return &a, nil
}

// GetPasswordVerifier returns the stored verifier for an account, or nil
// when the account has none (never logged in online).
func (db *DB) GetPasswordVerifier(ctx context.Context, accountID uuid.UUID) (*models.PasswordVerifier, error) {
	var v models.PasswordVerifier
	var salt, hash []byte
	var iterations *int
	err := db.Pool.QueryRow(ctx, `
		SELECT verifier_salt, verifier_iterations, verifier_hash FROM accounts WHERE id = $1
	`, accountID).Scan(&salt, &iterations, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get password verifier: %w", err)
	}
	if salt == nil || iterations == nil || hash == nil {
		return nil, nil
	}
	v.Salt = salt
	v.Iterations = *iterations
	v.Hash = hash
	return &v, nil
}

// SetPasswordVerifier replaces the stored verifier for an account.
func (db *DB) SetPasswordVerifier(ctx context.Context, accountID uuid.UUID, v models.PasswordVerifier) error {
	result, err := db.Pool.Exec(ctx, `
		UPDATE accounts
		SET verifier_salt = $1, verifier_iterations = $2, verifier_hash = $3, updated_at = NOW()
		WHERE id = $4
	`, v.Salt, v.Iterations, v.Hash, accountID)
	if err != nil {
		return fmt.Errorf("set password verifier: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAccountActive enables or disables an account.
func (db *DB) SetAccountActive(ctx context.Context, accountID uuid.UUID, active bool) error {
	result, err := db.Pool.Exec(ctx, `
		UPDATE accounts SET active = $1, updated_at = NOW() WHERE id = $2
	`, active, accountID)
	if err != nil {
		return fmt.Errorf("set account active: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAccountsByTenant returns all accounts scoped to a tenant.
func (db *DB) ListAccountsByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.Account, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE tenant_id = $1 ORDER BY username
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}
