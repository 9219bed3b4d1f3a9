package metastore

import (
	"context"
	"database/sql"
	"time"

	"github.com/rustmailer/bichon/internal/bicherr"
	"github.com/rustmailer/bichon/internal/cryptutil"
)

// OAuth2Config holds the credentials Bichon needs to refresh an access
// token for an IMAP account that authenticates via XOAUTH2 (SPEC_FULL.md
// §C Supplemented Features). Secrets are stored encrypted at rest.
type OAuth2Config struct {
	ID              uint64
	Provider        string
	ClientID        string
	ClientSecretEnc string
	TokenURL        string
	RefreshTokenEnc string
	Scope           string
	Disabled        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreateOAuth2Config encrypts the client secret and refresh token before
// persisting, via the secret box derived from storage.encrypt_password.
func (s *Store) CreateOAuth2Config(ctx context.Context, provider, clientID, clientSecret, tokenURL, refreshToken, scope string, box *cryptutil.SecretBox) (*OAuth2Config, error) {
	secretEnc, err := box.Encrypt(clientSecret)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to encrypt client secret", err)
	}
	refreshEnc, err := box.Encrypt(refreshToken)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to encrypt refresh token", err)
	}

	now := time.Now()
	c := &OAuth2Config{
		Provider: provider, ClientID: clientID, ClientSecretEnc: secretEnc,
		TokenURL: tokenURL, RefreshTokenEnc: refreshEnc, Scope: scope,
		CreatedAt: now, UpdatedAt: now,
	}

	res, err := s.Meta.ExecContext(ctx, `
		INSERT INTO oauth2_configs (provider, client_id, client_secret_enc, token_url, refresh_token_enc,
		       scope, disabled, created_at, updated_at)
		VALUES (?,?,?,?,?,?,0,?,?)`,
		c.Provider, c.ClientID, c.ClientSecretEnc, c.TokenURL, c.RefreshTokenEnc, c.Scope, now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to create oauth2 config", err)
	}
	id, _ := res.LastInsertId()
	c.ID = uint64(id)
	return c, nil
}

// GetOAuth2Config loads a config by id.
func (s *Store) GetOAuth2Config(ctx context.Context, id uint64) (*OAuth2Config, error) {
	row := s.Meta.QueryRowContext(ctx, `
		SELECT id, provider, client_id, client_secret_enc, token_url, refresh_token_enc,
		       scope, disabled, created_at, updated_at
		FROM oauth2_configs WHERE id = ?`, id)
	c, err := scanOAuth2Config(row)
	if err == sql.ErrNoRows {
		return nil, bicherr.New(bicherr.ResourceNotFound, "oauth2 config not found")
	}
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to load oauth2 config", err)
	}
	return c, nil
}

// UpdateRefreshToken persists a rotated refresh token (issued by the
// provider when exchanging the previous one), re-encrypting it.
func (s *Store) UpdateRefreshToken(ctx context.Context, id uint64, newRefreshToken string, box *cryptutil.SecretBox) error {
	enc, err := box.Encrypt(newRefreshToken)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to encrypt refresh token", err)
	}
	_, err = s.Meta.ExecContext(ctx,
		"UPDATE oauth2_configs SET refresh_token_enc = ?, updated_at = ? WHERE id = ?",
		enc, time.Now().Unix(), id)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to update refresh token", err)
	}
	return nil
}

// DisableOAuth2Config marks a config disabled; accounts referencing it
// surface bicherr.OAuth2ItemDisabled on their next auth attempt.
func (s *Store) DisableOAuth2Config(ctx context.Context, id uint64) error {
	_, err := s.Meta.ExecContext(ctx, "UPDATE oauth2_configs SET disabled = 1, updated_at = ? WHERE id = ?",
		time.Now().Unix(), id)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to disable oauth2 config", err)
	}
	return nil
}

func scanOAuth2Config(row rowScanner) (*OAuth2Config, error) {
	var c OAuth2Config
	var disabled int
	var createdAt, updatedAt int64
	if err := row.Scan(&c.ID, &c.Provider, &c.ClientID, &c.ClientSecretEnc, &c.TokenURL,
		&c.RefreshTokenEnc, &c.Scope, &disabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Disabled = disabled != 0
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}
