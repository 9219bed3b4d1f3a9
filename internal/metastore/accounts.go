package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/rustmailer/bichon/internal/audit"
	"github.com/rustmailer/bichon/internal/bicherr"
)

// AccountKind distinguishes accounts that sync against a live IMAP server
// from accounts that only ever receive imported mail.
type AccountKind string

const (
	AccountIMAP   AccountKind = "IMAP"
	AccountNoSync AccountKind = "NoSync"
)

// Encryption is the transport security an account's IMAP connection uses.
type Encryption string

const (
	EncryptionPlaintext Encryption = "Plaintext"
	EncryptionStartTLS  Encryption = "StartTLS"
	EncryptionTLS       Encryption = "TLS"
)

// AuthMode selects how an account authenticates to its IMAP server.
type AuthMode string

const (
	AuthPassword AuthMode = "Password"
	AuthOAuth2   AuthMode = "OAuth2"
)

// Account is a configured remote mailbox source (spec.md §3).
type Account struct {
	ID                  uint64
	Email               string
	DisplayName         string
	Kind                AccountKind
	Host                string
	Port                int
	Encryption          Encryption
	AuthMode            AuthMode
	PasswordEnc         string // encrypted at rest; see internal/cryptutil
	OAuth2ConfigID      uint64
	Proxy               string
	Enabled             bool
	DateSince           *int64 // ms epoch; mutually exclusive with DateBefore
	DateBefore          *int64
	FolderAllowList     []string
	KnownFolders        []string
	BatchSize           int
	SyncIntervalMinutes int
	OwnerUserID         uint64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Validate enforces the invariants spec.md §3 names for Account.
func (a *Account) Validate() error {
	if a.Email == "" {
		return bicherr.New(bicherr.InvalidParameter, "account email is required")
	}
	if a.DateSince != nil && a.DateBefore != nil {
		return bicherr.New(bicherr.InvalidParameter, "date_since and date_before are mutually exclusive")
	}
	if a.Kind == "" {
		a.Kind = AccountIMAP
	}
	if a.BatchSize <= 0 {
		a.BatchSize = 50
	}
	return nil
}

// accountID derives a deterministic 64-bit id from email and creation
// instant — the teacher uses auto-increment ids for users; accounts hash
// their identity instead, mirroring the mailbox identity hash in
// mailboxes.go. Re-creating an account with the same email yields a new
// id, since the creation instant differs.
func accountID(email string, createdAtNano int64) uint64 {
	h := xxhash.New()
	h.WriteString(email)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(createdAtNano >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum64()
}

// CreateAccount inserts a new account, assigning it a deterministic id.
func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.ID == 0 {
		a.ID = accountID(a.Email, now.UnixNano())
	}

	known, err := json.Marshal(a.KnownFolders)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to encode known_folders", err)
	}

	_, err = s.Meta.ExecContext(ctx, `
		INSERT INTO accounts (
			id, email, display_name, kind, host, port, encryption, auth_mode,
			password_enc, oauth2_config_id, proxy, enabled, date_since, date_before,
			folder_allow_list, known_folders, batch_size, sync_interval_minutes,
			owner_user_id, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Email, a.DisplayName, string(a.Kind), a.Host, a.Port, string(a.Encryption), string(a.AuthMode),
		a.PasswordEnc, a.OAuth2ConfigID, a.Proxy, boolToInt(a.Enabled), a.DateSince, a.DateBefore,
		strings.Join(a.FolderAllowList, ","), string(known), a.BatchSize, a.SyncIntervalMinutes,
		a.OwnerUserID, now.Unix(), now.Unix(),
	)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to insert account", err)
	}
	_ = s.Audit.LogSimple(ctx, strconv.FormatUint(a.OwnerUserID, 10), audit.EventAccountCreate, strconv.FormatUint(a.ID, 10), "")
	return nil
}

// GetAccount loads a single account by id.
func (s *Store) GetAccount(ctx context.Context, id uint64) (*Account, error) {
	row := s.Meta.QueryRowContext(ctx, `
		SELECT id, email, display_name, kind, host, port, encryption, auth_mode,
		       password_enc, oauth2_config_id, proxy, enabled, date_since, date_before,
		       folder_allow_list, known_folders, batch_size, sync_interval_minutes,
		       owner_user_id, created_at, updated_at
		FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, bicherr.New(bicherr.ResourceNotFound, "account not found")
	}
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to load account", err)
	}
	return a, nil
}

// ListAccounts returns every account, optionally restricted to a set of ids
// (used for non-admin callers scoped to their account_access_map).
func (s *Store) ListAccounts(ctx context.Context, allowedIDs []uint64) ([]*Account, error) {
	query := `
		SELECT id, email, display_name, kind, host, port, encryption, auth_mode,
		       password_enc, oauth2_config_id, proxy, enabled, date_since, date_before,
		       folder_allow_list, known_folders, batch_size, sync_interval_minutes,
		       owner_user_id, created_at, updated_at
		FROM accounts ORDER BY id`

	rows, err := s.Meta.QueryContext(ctx, query)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to list accounts", err)
	}
	defer rows.Close()

	allowed := toSet(allowedIDs)
	var out []*Account
	for rows.Next() {
		a, err := scanAccountRows(rows)
		if err != nil {
			return nil, bicherr.Wrap(bicherr.InternalError, "failed to scan account", err)
		}
		if allowed != nil && !allowed[a.ID] {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAccount performs a read-modify-write of mutable account fields.
func (s *Store) UpdateAccount(ctx context.Context, id uint64, mutate func(a *Account) error) error {
	return WithTransaction(ctx, s.Meta, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, email, display_name, kind, host, port, encryption, auth_mode,
			       password_enc, oauth2_config_id, proxy, enabled, date_since, date_before,
			       folder_allow_list, known_folders, batch_size, sync_interval_minutes,
			       owner_user_id, created_at, updated_at
			FROM accounts WHERE id = ?`, id)
		a, err := scanAccount(row)
		if err == sql.ErrNoRows {
			return bicherr.New(bicherr.ResourceNotFound, "account not found")
		}
		if err != nil {
			return bicherr.Wrap(bicherr.InternalError, "failed to load account for update", err)
		}

		if err := mutate(a); err != nil {
			return err
		}
		if err := a.Validate(); err != nil {
			return err
		}
		a.UpdatedAt = time.Now()

		known, err := json.Marshal(a.KnownFolders)
		if err != nil {
			return bicherr.Wrap(bicherr.InternalError, "failed to encode known_folders", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE accounts SET email=?, display_name=?, kind=?, host=?, port=?, encryption=?,
			       auth_mode=?, password_enc=?, oauth2_config_id=?, proxy=?, enabled=?,
			       date_since=?, date_before=?, folder_allow_list=?, known_folders=?,
			       batch_size=?, sync_interval_minutes=?, owner_user_id=?, updated_at=?
			WHERE id=?`,
			a.Email, a.DisplayName, string(a.Kind), a.Host, a.Port, string(a.Encryption),
			string(a.AuthMode), a.PasswordEnc, a.OAuth2ConfigID, a.Proxy, boolToInt(a.Enabled),
			a.DateSince, a.DateBefore, strings.Join(a.FolderAllowList, ","), string(known),
			a.BatchSize, a.SyncIntervalMinutes, a.OwnerUserID, a.UpdatedAt.Unix(), id,
		)
		if err != nil {
			return bicherr.Wrap(bicherr.InternalError, "failed to update account", err)
		}
		return nil
	})
}

// DeleteAccount removes the account row only; the sequenced cleanup chain
// described in spec.md §3 (stop sync, strip access maps, delete docs, ...)
// is orchestrated by the caller (internal/httpapi), which invokes this as
// its final step.
func (s *Store) DeleteAccount(ctx context.Context, id uint64) error {
	res, err := s.Meta.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to delete account", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return bicherr.New(bicherr.ResourceNotFound, "account not found")
	}
	_ = s.Audit.LogSimple(ctx, "system", audit.EventAccountDelete, strconv.FormatUint(id, 10), "")
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	return scanAccountRows(row)
}

func scanAccountRows(row rowScanner) (*Account, error) {
	var a Account
	var kind, encryption, authMode, folderAllow, known string
	var enabled int
	var dateSince, dateBefore sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(
		&a.ID, &a.Email, &a.DisplayName, &kind, &a.Host, &a.Port, &encryption, &authMode,
		&a.PasswordEnc, &a.OAuth2ConfigID, &a.Proxy, &enabled, &dateSince, &dateBefore,
		&folderAllow, &known, &a.BatchSize, &a.SyncIntervalMinutes,
		&a.OwnerUserID, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	a.Kind = AccountKind(kind)
	a.Encryption = Encryption(encryption)
	a.AuthMode = AuthMode(authMode)
	a.Enabled = enabled != 0
	if dateSince.Valid {
		v := dateSince.Int64
		a.DateSince = &v
	}
	if dateBefore.Valid {
		v := dateBefore.Int64
		a.DateBefore = &v
	}
	if folderAllow != "" {
		a.FolderAllowList = strings.Split(folderAllow, ",")
	}
	_ = json.Unmarshal([]byte(known), &a.KnownFolders)
	a.CreatedAt = time.Unix(createdAt, 0)
	a.UpdatedAt = time.Unix(updatedAt, 0)

	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toSet(ids []uint64) map[uint64]bool {
	if ids == nil {
		return nil
	}
	m := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
