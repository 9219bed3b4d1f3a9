package metastore

import (
	"context"
	"database/sql"
	"time"

	"github.com/rustmailer/bichon/internal/bicherr"
)

// MboxFile records a registered MBOX source file; EML locators whose
// source disjoint-union resolves to "on disk" point back at this row by
// id + byte offset/length (spec.md §3, §4.8).
type MboxFile struct {
	ID        uint64
	Path      string
	AccountID uint64
	CreatedAt time.Time
}

// RegisterMboxFile idempotently registers a path for an account: importing
// the same file twice returns the existing row rather than erroring
// (spec.md §4.8 idempotent-by-path requirement).
func (s *Store) RegisterMboxFile(ctx context.Context, accountID uint64, path string) (*MboxFile, error) {
	if existing, err := s.GetMboxFileByPath(ctx, path); err == nil {
		return existing, nil
	}

	now := time.Now()
	res, err := s.Meta.ExecContext(ctx,
		"INSERT INTO mbox_files (path, account_id, created_at) VALUES (?,?,?)",
		path, accountID, now.Unix())
	if err != nil {
		if existing, gerr := s.GetMboxFileByPath(ctx, path); gerr == nil {
			return existing, nil
		}
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to register mbox file", err)
	}
	id, _ := res.LastInsertId()
	return &MboxFile{ID: uint64(id), Path: path, AccountID: accountID, CreatedAt: now}, nil
}

// GetMboxFile loads a registered mbox file by id.
func (s *Store) GetMboxFile(ctx context.Context, id uint64) (*MboxFile, error) {
	row := s.Meta.QueryRowContext(ctx, "SELECT id, path, account_id, created_at FROM mbox_files WHERE id = ?", id)
	return scanMboxFile(row)
}

// GetMboxFileByPath looks up a registered mbox file by its filesystem path.
func (s *Store) GetMboxFileByPath(ctx context.Context, path string) (*MboxFile, error) {
	row := s.Meta.QueryRowContext(ctx, "SELECT id, path, account_id, created_at FROM mbox_files WHERE path = ?", path)
	return scanMboxFile(row)
}

// ListMboxFilesForAccount returns every mbox file registered to an account.
func (s *Store) ListMboxFilesForAccount(ctx context.Context, accountID uint64) ([]*MboxFile, error) {
	rows, err := s.Meta.QueryContext(ctx,
		"SELECT id, path, account_id, created_at FROM mbox_files WHERE account_id = ? ORDER BY created_at", accountID)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to list mbox files", err)
	}
	defer rows.Close()

	var out []*MboxFile
	for rows.Next() {
		f, err := scanMboxFile(rows)
		if err != nil {
			return nil, bicherr.Wrap(bicherr.InternalError, "failed to scan mbox file", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteMboxFile unregisters a mbox file; it does not touch any index
// entries whose locators point at it, and those entries keep their
// locators after the registration is gone.
func (s *Store) DeleteMboxFile(ctx context.Context, id uint64) error {
	_, err := s.Meta.ExecContext(ctx, "DELETE FROM mbox_files WHERE id = ?", id)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to delete mbox file", err)
	}
	return nil
}

func scanMboxFile(row rowScanner) (*MboxFile, error) {
	var f MboxFile
	var createdAt int64
	if err := row.Scan(&f.ID, &f.Path, &f.AccountID, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, bicherr.New(bicherr.ResourceNotFound, "mbox file not found")
		}
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to load mbox file", err)
	}
	f.CreatedAt = time.Unix(createdAt, 0)
	return &f, nil
}
