package metastore

import (
	"context"
	"database/sql"
	"time"

	"github.com/rustmailer/bichon/internal/bicherr"
)

// AccountRunningState is the per-account progress record mutated only by
// that account's own sync worker (spec.md §3).
type AccountRunningState struct {
	AccountID              uint64
	LastSyncStartAt        time.Time
	LastSyncEndAt          time.Time
	CurrentFolder          string
	CurrentSyncBatchNumber int
	TotalSyncBatches       int
	LastError              string
}

// GetRunningState loads the running state row, returning a zero-value
// record (not an error) if the account has never synced.
func (s *Store) GetRunningState(ctx context.Context, accountID uint64) (*AccountRunningState, error) {
	row := s.Mailbox.QueryRowContext(ctx, `
		SELECT account_id, last_sync_start_at, last_sync_end_at, current_folder,
		       current_sync_batch_number, total_sync_batches, last_error
		FROM account_running_state WHERE account_id = ?`, accountID)

	var rs AccountRunningState
	var start, end int64
	err := row.Scan(&rs.AccountID, &start, &end, &rs.CurrentFolder,
		&rs.CurrentSyncBatchNumber, &rs.TotalSyncBatches, &rs.LastError)
	if err == sql.ErrNoRows {
		return &AccountRunningState{AccountID: accountID}, nil
	}
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to load running state", err)
	}
	rs.LastSyncStartAt = time.Unix(start, 0)
	rs.LastSyncEndAt = time.Unix(end, 0)
	return &rs, nil
}

// UpsertRunningState writes the full running-state row.
func (s *Store) UpsertRunningState(ctx context.Context, rs *AccountRunningState) error {
	_, err := s.Mailbox.ExecContext(ctx, `
		INSERT INTO account_running_state (account_id, last_sync_start_at, last_sync_end_at,
		       current_folder, current_sync_batch_number, total_sync_batches, last_error)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(account_id) DO UPDATE SET
			last_sync_start_at=excluded.last_sync_start_at,
			last_sync_end_at=excluded.last_sync_end_at,
			current_folder=excluded.current_folder,
			current_sync_batch_number=excluded.current_sync_batch_number,
			total_sync_batches=excluded.total_sync_batches,
			last_error=excluded.last_error`,
		rs.AccountID, rs.LastSyncStartAt.Unix(), rs.LastSyncEndAt.Unix(), rs.CurrentFolder,
		rs.CurrentSyncBatchNumber, rs.TotalSyncBatches, rs.LastError,
	)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to upsert running state", err)
	}
	return nil
}

// UpdateProgress publishes batch progress during a drain (spec.md §4.3,
// the `5 × batch_size` threshold decision in DESIGN.md).
func (s *Store) UpdateProgress(ctx context.Context, accountID uint64, folder string, batchNum, totalBatches int) error {
	_, err := s.Mailbox.ExecContext(ctx, `
		INSERT INTO account_running_state (account_id, current_folder, current_sync_batch_number, total_sync_batches)
		VALUES (?,?,?,?)
		ON CONFLICT(account_id) DO UPDATE SET
			current_folder=excluded.current_folder,
			current_sync_batch_number=excluded.current_sync_batch_number,
			total_sync_batches=excluded.total_sync_batches`,
		accountID, folder, batchNum, totalBatches,
	)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to update sync progress", err)
	}
	return nil
}

// DeleteRunningState removes the running-state row, part of account deletion.
func (s *Store) DeleteRunningState(ctx context.Context, accountID uint64) error {
	_, err := s.Mailbox.ExecContext(ctx, "DELETE FROM account_running_state WHERE account_id = ?", accountID)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to delete running state", err)
	}
	return nil
}
