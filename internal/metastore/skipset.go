package metastore

import (
	"context"
	"time"

	"github.com/rustmailer/bichon/internal/bicherr"
)

// SkippedUID records one UID a sync worker permanently gave up on (a
// message whose envelope extraction failed), so future drains don't retry it
// forever (DESIGN.md Open Question: poison-UID skip-set).
type SkippedUID struct {
	AccountID uint64
	MailboxID uint64
	UID       uint32
	Reason    string
	CreatedAt time.Time
}

// AddSkippedUID marks a UID as permanently skipped for a mailbox.
func (s *Store) AddSkippedUID(ctx context.Context, accountID, mailboxID uint64, uid uint32, reason string) error {
	_, err := s.Meta.ExecContext(ctx, `
		INSERT INTO sync_skip_uid (account_id, mailbox_id, uid, reason, created_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(account_id, mailbox_id, uid) DO UPDATE SET reason=excluded.reason`,
		accountID, mailboxID, uid, reason, time.Now().Unix(),
	)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to record skipped uid", err)
	}
	return nil
}

// IsSkipped reports whether a UID has been permanently skipped.
func (s *Store) IsSkipped(ctx context.Context, accountID, mailboxID uint64, uid uint32) (bool, error) {
	var exists int
	err := s.Meta.QueryRowContext(ctx,
		"SELECT 1 FROM sync_skip_uid WHERE account_id = ? AND mailbox_id = ? AND uid = ?",
		accountID, mailboxID, uid,
	).Scan(&exists)
	if err != nil {
		return false, nil
	}
	return exists == 1, nil
}

// ListSkippedUIDs returns every skipped UID for a mailbox.
func (s *Store) ListSkippedUIDs(ctx context.Context, accountID, mailboxID uint64) ([]*SkippedUID, error) {
	rows, err := s.Meta.QueryContext(ctx, `
		SELECT account_id, mailbox_id, uid, reason, created_at
		FROM sync_skip_uid WHERE account_id = ? AND mailbox_id = ? ORDER BY uid`, accountID, mailboxID)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to list skipped uids", err)
	}
	defer rows.Close()

	var out []*SkippedUID
	for rows.Next() {
		var su SkippedUID
		var createdAt int64
		if err := rows.Scan(&su.AccountID, &su.MailboxID, &su.UID, &su.Reason, &createdAt); err != nil {
			return nil, bicherr.Wrap(bicherr.InternalError, "failed to scan skipped uid", err)
		}
		su.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &su)
	}
	return out, rows.Err()
}

// ClearSkipSet removes every skipped UID for a mailbox.
func (s *Store) ClearSkipSet(ctx context.Context, accountID, mailboxID uint64) error {
	_, err := s.Meta.ExecContext(ctx,
		"DELETE FROM sync_skip_uid WHERE account_id = ? AND mailbox_id = ?", accountID, mailboxID)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to clear skip set", err)
	}
	return nil
}
