package metastore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/rustmailer/bichon/internal/bicherr"
)

// Mailbox mirrors a remote IMAP folder's state (spec.md §3). Its identity
// is a deterministic hash of (account_id, name) so re-discovering the same
// folder never mints a second row.
type Mailbox struct {
	ID          uint64
	AccountID   uint64
	Name        string
	Delimiter   string
	Attributes  []string
	Exists      int
	Unseen      int
	UIDValidity uint32
	UIDNext     uint32
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MailboxID derives the deterministic identity hash for (account, name).
func MailboxID(accountID uint64, name string) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(accountID >> (8 * i))
	}
	h.Write(buf[:])
	h.WriteString(name)
	return h.Sum64()
}

// UpsertMailbox inserts or refreshes a mailbox record, keyed by its
// deterministic id. Used both on first discovery and on every EXAMINE.
func (s *Store) UpsertMailbox(ctx context.Context, m *Mailbox) error {
	if m.ID == 0 {
		m.ID = MailboxID(m.AccountID, m.Name)
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := s.Mailbox.ExecContext(ctx, `
		INSERT INTO mailboxes (id, account_id, name, delimiter, attributes, exists_count,
		       unseen_count, uid_validity, uid_next, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			delimiter=excluded.delimiter, attributes=excluded.attributes,
			exists_count=excluded.exists_count, unseen_count=excluded.unseen_count,
			uid_validity=excluded.uid_validity, uid_next=excluded.uid_next,
			updated_at=excluded.updated_at`,
		m.ID, m.AccountID, m.Name, m.Delimiter, strings.Join(m.Attributes, ","),
		m.Exists, m.Unseen, m.UIDValidity, m.UIDNext, m.CreatedAt.Unix(), m.UpdatedAt.Unix(),
	)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to upsert mailbox", err)
	}
	return nil
}

// GetMailbox loads a single mailbox by its deterministic id.
func (s *Store) GetMailbox(ctx context.Context, id uint64) (*Mailbox, error) {
	row := s.Mailbox.QueryRowContext(ctx, `
		SELECT id, account_id, name, delimiter, attributes, exists_count, unseen_count,
		       uid_validity, uid_next, created_at, updated_at
		FROM mailboxes WHERE id = ?`, id)
	m, err := scanMailbox(row)
	if err == sql.ErrNoRows {
		return nil, bicherr.New(bicherr.ResourceNotFound, "mailbox not found")
	}
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to load mailbox", err)
	}
	return m, nil
}

// GetMailboxByName looks up a mailbox by its folder name within an account.
func (s *Store) GetMailboxByName(ctx context.Context, accountID uint64, name string) (*Mailbox, error) {
	return s.GetMailbox(ctx, MailboxID(accountID, name))
}

// ListMailboxes returns every known mailbox for an account.
func (s *Store) ListMailboxes(ctx context.Context, accountID uint64) ([]*Mailbox, error) {
	rows, err := s.Mailbox.QueryContext(ctx, `
		SELECT id, account_id, name, delimiter, attributes, exists_count, unseen_count,
		       uid_validity, uid_next, created_at, updated_at
		FROM mailboxes WHERE account_id = ? ORDER BY name`, accountID)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to list mailboxes", err)
	}
	defer rows.Close()

	var out []*Mailbox
	for rows.Next() {
		m, err := scanMailbox(rows)
		if err != nil {
			return nil, bicherr.Wrap(bicherr.InternalError, "failed to scan mailbox", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ResetMailboxUIDValidity clears cursor state after a UID-VALIDITY change
// (spec.md §4.6 step 2): the caller is responsible for deleting the
// mailbox's envelope/EML documents before calling this.
func (s *Store) ResetMailboxUIDValidity(ctx context.Context, id uint64, newValidity uint32) error {
	_, err := s.Mailbox.ExecContext(ctx,
		`UPDATE mailboxes SET uid_validity = ?, uid_next = 0, updated_at = ? WHERE id = ?`,
		newValidity, time.Now().Unix(), id,
	)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to reset mailbox uid_validity", err)
	}
	return nil
}

// DeleteMailboxesForAccount removes every mailbox row for an account, part
// of the account deletion cleanup chain.
func (s *Store) DeleteMailboxesForAccount(ctx context.Context, accountID uint64) error {
	_, err := s.Mailbox.ExecContext(ctx, "DELETE FROM mailboxes WHERE account_id = ?", accountID)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to delete mailboxes", err)
	}
	return nil
}

func scanMailbox(row rowScanner) (*Mailbox, error) {
	var m Mailbox
	var attrs string
	var createdAt, updatedAt int64

	if err := row.Scan(
		&m.ID, &m.AccountID, &m.Name, &m.Delimiter, &attrs, &m.Exists, &m.Unseen,
		&m.UIDValidity, &m.UIDNext, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if attrs != "" {
		m.Attributes = strings.Split(attrs, ",")
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	m.UpdatedAt = time.Unix(updatedAt, 0)
	return &m, nil
}
