package metastore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/rustmailer/bichon/internal/audit"
	"github.com/rustmailer/bichon/internal/bicherr"
)

// TokenKind distinguishes WebUI session tokens (age-based expiry, refreshed
// on use) from API tokens (explicit expire_at set by the issuing user).
type TokenKind string

const (
	TokenWebUI TokenKind = "WebUI"
	TokenAPI   TokenKind = "API"
)

// defaultWebUITokenMaxAge is how long a WebUI token remains valid since
// its last access before it must be re-issued (spec.md §3/§4.9), used
// when the store was never given an explicit value.
const defaultWebUITokenMaxAge = 7 * 24 * time.Hour

// SetWebUITokenMaxAge overrides the WebUI token expiry window; callers
// typically wire this from security.webui_token_expiration_hours at
// startup. A non-positive value is ignored.
func (s *Store) SetWebUITokenMaxAge(d time.Duration) {
	if d > 0 {
		s.webUITokenMaxAge = d
	}
}

// AccessToken authenticates a bearer-token request (spec.md §3, §4.9).
type AccessToken struct {
	Token          string
	UserID         uint64
	Kind           TokenKind
	Name           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt time.Time
	ExpireAt       *time.Time // nil for WebUI tokens; explicit for API tokens
}

// IsExpired applies the WebUI/API expiry rules: a WebUI token expires
// webUITokenMaxAge after its last access; an API token expires at its
// explicit ExpireAt, or never if nil.
func (t *AccessToken) IsExpired(now time.Time, webUITokenMaxAge time.Duration) bool {
	if t.Kind == TokenWebUI {
		return now.Sub(t.LastAccessedAt) > webUITokenMaxAge
	}
	if t.ExpireAt == nil {
		return false
	}
	return now.After(*t.ExpireAt)
}

func newTokenValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// CreateToken mints a new access token for a user.
func (s *Store) CreateToken(ctx context.Context, userID uint64, kind TokenKind, name string, expireAt *time.Time) (*AccessToken, error) {
	value, err := newTokenValue()
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to generate token", err)
	}
	if kind == TokenAPI && expireAt == nil {
		return nil, bicherr.New(bicherr.InvalidParameter, "API tokens require an explicit expiry")
	}

	now := time.Now()
	t := &AccessToken{
		Token: value, UserID: userID, Kind: kind, Name: name,
		CreatedAt: now, UpdatedAt: now, LastAccessedAt: now, ExpireAt: expireAt,
	}

	var expireUnix sql.NullInt64
	if expireAt != nil {
		expireUnix = sql.NullInt64{Int64: expireAt.Unix(), Valid: true}
	}

	_, err = s.Meta.ExecContext(ctx, `
		INSERT INTO access_tokens (token, user_id, kind, name, created_at, updated_at, last_accessed_at, expire_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		t.Token, t.UserID, string(t.Kind), t.Name, now.Unix(), now.Unix(), now.Unix(), expireUnix,
	)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to create token", err)
	}
	_ = s.Audit.LogSimple(ctx, strconv.FormatUint(userID, 10), audit.EventTokenCreate, t.Name, "")
	return t, nil
}

// ResolveToken loads a token and touches its last_accessed_at, rejecting it
// if expired under the WebUI/API rule in IsExpired.
func (s *Store) ResolveToken(ctx context.Context, value string) (*AccessToken, error) {
	row := s.Meta.QueryRowContext(ctx, `
		SELECT token, user_id, kind, name, created_at, updated_at, last_accessed_at, expire_at
		FROM access_tokens WHERE token = ?`, value)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, bicherr.New(bicherr.PermissionDenied, "invalid token")
	}
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to load token", err)
	}
	if t.IsExpired(time.Now(), s.webUITokenMaxAge) {
		return nil, bicherr.New(bicherr.PermissionDenied, "token expired")
	}
	if t.Kind == TokenWebUI {
		now := time.Now()
		_, _ = s.Meta.ExecContext(ctx, "UPDATE access_tokens SET last_accessed_at = ? WHERE token = ?", now.Unix(), value)
		t.LastAccessedAt = now
	}
	return t, nil
}

// ListTokensForUser returns every token a user holds.
func (s *Store) ListTokensForUser(ctx context.Context, userID uint64) ([]*AccessToken, error) {
	rows, err := s.Meta.QueryContext(ctx, `
		SELECT token, user_id, kind, name, created_at, updated_at, last_accessed_at, expire_at
		FROM access_tokens WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to list tokens", err)
	}
	defer rows.Close()

	var out []*AccessToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, bicherr.Wrap(bicherr.InternalError, "failed to scan token", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RevokeToken deletes a single token by value.
func (s *Store) RevokeToken(ctx context.Context, value string) error {
	row := s.Meta.QueryRowContext(ctx, `
		SELECT token, user_id, kind, name, created_at, updated_at, last_accessed_at, expire_at
		FROM access_tokens WHERE token = ?`, value)
	t, _ := scanToken(row)

	res, err := s.Meta.ExecContext(ctx, "DELETE FROM access_tokens WHERE token = ?", value)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to revoke token", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return bicherr.New(bicherr.ResourceNotFound, "token not found")
	}
	actor := "system"
	name := ""
	if t != nil {
		actor = strconv.FormatUint(t.UserID, 10)
		name = t.Name
	}
	_ = s.Audit.LogSimple(ctx, actor, audit.EventTokenRevoke, name, "")
	return nil
}

func scanToken(row rowScanner) (*AccessToken, error) {
	var t AccessToken
	var kind string
	var createdAt, updatedAt, lastAccessedAt int64
	var expireAt sql.NullInt64

	if err := row.Scan(&t.Token, &t.UserID, &kind, &t.Name, &createdAt, &updatedAt, &lastAccessedAt, &expireAt); err != nil {
		return nil, err
	}
	t.Kind = TokenKind(kind)
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	t.LastAccessedAt = time.Unix(lastAccessedAt, 0)
	if expireAt.Valid {
		at := time.Unix(expireAt.Int64, 0)
		t.ExpireAt = &at
	}
	return &t, nil
}
