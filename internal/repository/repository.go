package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/water-iot-poller/internal/db"
	"github.com/septivank/water-iot-poller/internal/ondus"
)

// Repository handles credential persistence
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LoadCredential returns the persisted credential for the account, or nil
// when none has been saved yet.
func (r *Repository) LoadCredential(ctx context.Context, account string) (*ondus.Credential, error) {
	query := `
		SELECT access_token, refresh_token, issued_at, access_expires_in, refresh_expires_in
		FROM vendor_credentials
		WHERE account = $1
	`

	var stored db.StoredCredential
	err := r.pool.QueryRow(ctx, query, account).Scan(
		&stored.AccessToken,
		&stored.RefreshToken,
		&stored.IssuedAt,
		&stored.AccessExpiresIn,
		&stored.RefreshExpiresIn,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	return &ondus.Credential{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		IssuedAt:     stored.IssuedAt,
		AccessTTL:    time.Duration(stored.AccessExpiresIn) * time.Second,
		RefreshTTL:   time.Duration(stored.RefreshExpiresIn) * time.Second,
	}, nil
}

// SaveCredential upserts the credential for the account. It is called from
// the session's refresh hook, so every token rotation lands here.
func (r *Repository) SaveCredential(ctx context.Context, account string, cred *ondus.Credential) error {
	query := `
		INSERT INTO vendor_credentials (
			account, access_token, refresh_token, issued_at,
			access_expires_in, refresh_expires_in, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			issued_at = EXCLUDED.issued_at,
			access_expires_in = EXCLUDED.access_expires_in,
			refresh_expires_in = EXCLUDED.refresh_expires_in,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.pool.Exec(ctx, query,
		account,
		cred.AccessToken,
		cred.RefreshToken,
		cred.IssuedAt,
		int(cred.AccessTTL/time.Second),
		int(cred.RefreshTTL/time.Second),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	return nil
}

// DeleteCredential removes the persisted credential, e.g. after the refresh
// window lapsed and the tokens are dead weight.
func (r *Repository) DeleteCredential(ctx context.Context, account string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM vendor_credentials WHERE account = $1`, account)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
