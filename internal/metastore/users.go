package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rustmailer/bichon/internal/bicherr"
	"github.com/rustmailer/bichon/internal/cryptutil"
)

// ReservedAdminUserID is the fixed id of the default admin user; it cannot
// have its roles modified or be deleted (spec.md §3).
const ReservedAdminUserID uint64 = 1

// User is a Bichon operator/viewer account (spec.md §3).
type User struct {
	ID                  uint64
	Username            string
	Email               string
	PasswordHash        string
	GlobalRoleIDs       []uint64
	AccountAccess       map[uint64]uint64 // account_id -> role_id
	IPAllowList         []string
	RateQuota           int
	RateIntervalSeconds int
	Theme               string
	Language            string
	Reserved            bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CreateUser inserts a new user with an argon2id-hashed password.
func (s *Store) CreateUser(ctx context.Context, u *User, plaintextPassword string) error {
	if u.Username == "" || u.Email == "" {
		return bicherr.New(bicherr.InvalidParameter, "username and email are required")
	}
	hash, err := cryptutil.HashPassword(plaintextPassword)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to hash password", err)
	}
	u.PasswordHash = hash

	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now

	access, _ := json.Marshal(u.AccountAccess)

	res, err := s.Meta.ExecContext(ctx, `
		INSERT INTO users (username, email, password_hash, global_roles, account_access,
		       ip_allow_list, rate_quota, rate_interval_seconds, theme, language, reserved,
		       created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.Username, u.Email, u.PasswordHash, joinIDs(u.GlobalRoleIDs), string(access),
		strings.Join(u.IPAllowList, ","), u.RateQuota, u.RateIntervalSeconds, u.Theme, u.Language,
		boolToInt(u.Reserved), now.Unix(), now.Unix(),
	)
	if err != nil {
		return bicherr.Wrap(bicherr.AlreadyExists, "username or email already in use", err)
	}
	id, _ := res.LastInsertId()
	u.ID = uint64(id)
	return nil
}

// AuthenticateUser resolves a username-or-email + password pair, matching
// the login contract in spec.md §6 which accepts either.
func (s *Store) AuthenticateUser(ctx context.Context, usernameOrEmail, password string) (*User, error) {
	u, err := s.lookupUserByUsernameOrEmail(ctx, usernameOrEmail)
	if err != nil {
		return nil, err
	}
	ok, err := cryptutil.VerifyPassword(u.PasswordHash, password)
	if err != nil || !ok {
		return nil, bicherr.New(bicherr.PermissionDenied, "invalid credentials")
	}
	return u, nil
}

func (s *Store) lookupUserByUsernameOrEmail(ctx context.Context, v string) (*User, error) {
	row := s.Meta.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, global_roles, account_access, ip_allow_list,
		       rate_quota, rate_interval_seconds, theme, language, reserved, created_at, updated_at
		FROM users WHERE username = ? OR email = ?`, v, v)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, bicherr.New(bicherr.PermissionDenied, "invalid credentials")
	}
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to load user", err)
	}
	return u, nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id uint64) (*User, error) {
	row := s.Meta.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, global_roles, account_access, ip_allow_list,
		       rate_quota, rate_interval_seconds, theme, language, reserved, created_at, updated_at
		FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, bicherr.New(bicherr.ResourceNotFound, "user not found")
	}
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to load user", err)
	}
	return u, nil
}

// UpdatePassword rotates a user's password hash.
func (s *Store) UpdatePassword(ctx context.Context, userID uint64, newPlaintext string) error {
	hash, err := cryptutil.HashPassword(newPlaintext)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to hash password", err)
	}
	_, err = s.Meta.ExecContext(ctx, "UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?",
		hash, time.Now().Unix(), userID)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to update password", err)
	}
	return nil
}

// SetAccountAccess grants or revokes a role for a user on one account,
// used both by account creation (owner gets DEFAULT_ACCOUNT_MANAGER) and
// account deletion (strip from every user's map).
func (s *Store) SetAccountAccess(ctx context.Context, userID, accountID uint64, roleID uint64) error {
	return s.mutateAccountAccess(ctx, userID, func(access map[uint64]uint64) {
		if roleID == 0 {
			delete(access, accountID)
		} else {
			access[accountID] = roleID
		}
	})
}

// StripAccountFromAllUsers removes accountID from every user's access map,
// part of the account deletion cleanup chain (spec.md §3).
func (s *Store) StripAccountFromAllUsers(ctx context.Context, accountID uint64) error {
	rows, err := s.Meta.QueryContext(ctx, "SELECT id FROM users")
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to list users", err)
	}
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return bicherr.Wrap(bicherr.InternalError, "failed to scan user id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := s.SetAccountAccess(ctx, id, accountID, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) mutateAccountAccess(ctx context.Context, userID uint64, mutate func(map[uint64]uint64)) error {
	return WithTransaction(ctx, s.Meta, func(tx *sql.Tx) error {
		var raw string
		if err := tx.QueryRowContext(ctx, "SELECT account_access FROM users WHERE id = ?", userID).Scan(&raw); err != nil {
			if err == sql.ErrNoRows {
				return bicherr.New(bicherr.ResourceNotFound, "user not found")
			}
			return bicherr.Wrap(bicherr.InternalError, "failed to load account_access", err)
		}

		access := map[uint64]uint64{}
		_ = json.Unmarshal([]byte(raw), &access)
		mutate(access)

		encoded, err := json.Marshal(access)
		if err != nil {
			return bicherr.Wrap(bicherr.InternalError, "failed to encode account_access", err)
		}

		_, err = tx.ExecContext(ctx, "UPDATE users SET account_access = ?, updated_at = ? WHERE id = ?",
			string(encoded), time.Now().Unix(), userID)
		if err != nil {
			return bicherr.Wrap(bicherr.InternalError, "failed to update account_access", err)
		}
		return nil
	})
}

// DeleteUser removes a user; the reserved admin user can never be deleted.
func (s *Store) DeleteUser(ctx context.Context, id uint64) error {
	if id == ReservedAdminUserID {
		return bicherr.New(bicherr.Forbidden, "the default admin user cannot be deleted")
	}
	res, err := s.Meta.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to delete user", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return bicherr.New(bicherr.ResourceNotFound, "user not found")
	}
	return nil
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var globalRoles, access, ipAllow string
	var reserved int
	var createdAt, updatedAt int64

	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &globalRoles, &access,
		&ipAllow, &u.RateQuota, &u.RateIntervalSeconds, &u.Theme, &u.Language, &reserved,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}

	u.GlobalRoleIDs = splitIDs(globalRoles)
	u.AccountAccess = map[uint64]uint64{}
	_ = json.Unmarshal([]byte(access), &u.AccountAccess)
	if ipAllow != "" {
		u.IPAllowList = strings.Split(ipAllow, ",")
	}
	u.Reserved = reserved != 0
	u.CreatedAt = time.Unix(createdAt, 0)
	u.UpdatedAt = time.Unix(updatedAt, 0)
	return &u, nil
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = uintToStr(id)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) []uint64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, strToUint(p))
	}
	return out
}
