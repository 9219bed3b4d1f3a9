// Package metastore is Bichon's transactional record store: accounts,
// users, roles, tokens, OAuth2 configs, the MBOX file registry, mailboxes,
// and per-account running state, all backed by SQLite.
//
// Schema versioning is model-id scoped (spec.md §4.1): each embedded
// migration file is applied once, tracked in a schema_version table keyed
// by an append-only model id, inside a single transaction.
package metastore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustmailer/bichon/internal/audit"
	"github.com/rustmailer/bichon/internal/bicherr"
	"github.com/rustmailer/bichon/internal/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// modelID identifies which embedded migration belongs to which database;
// ids are append-only, matching the model-id/version contract of §4.1.
const (
	modelMeta    = 1
	modelMailbox = 2
)

// Store wraps the two SQLite databases the disk layout fixes: meta.db for
// low-write administrative records, mailbox.db for the high-write mailbox
// and running-state records.
type Store struct {
	Meta    *sql.DB
	Mailbox *sql.DB
	Audit   *audit.Logger
	log     *logging.Logger

	webUITokenMaxAge time.Duration
}

// Open opens (creating if absent) both databases and applies migrations.
func Open(ctx context.Context, metaPath, mailboxPath string, log *logging.Logger) (*Store, error) {
	meta, err := openSQLite(metaPath)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.IoError, "failed to open meta.db", err)
	}

	mailbox, err := openSQLite(mailboxPath)
	if err != nil {
		meta.Close()
		return nil, bicherr.Wrap(bicherr.IoError, "failed to open mailbox.db", err)
	}

	s := &Store{Meta: meta, Mailbox: mailbox, log: log, webUITokenMaxAge: defaultWebUITokenMaxAge}

	if err := s.migrate(ctx, meta, modelMeta, "0001_meta.sql"); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.migrate(ctx, mailbox, modelMailbox, "0001_mailbox.sql"); err != nil {
		s.Close()
		return nil, err
	}

	auditLogger, err := audit.NewLogger(meta)
	if err != nil {
		s.Close()
		return nil, bicherr.Wrap(bicherr.IoError, "failed to open audit log", err)
	}
	s.Audit = auditLogger

	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// metastore is single-writer per spec.md §4.1 — SQLite's own writer
	// serialization is sufficient, one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	return db, nil
}

func (s *Store) migrate(ctx context.Context, db *sql.DB, modelID int, file string) error {
	data, err := migrationFS.ReadFile("migrations/" + file)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "embedded migration missing: "+file, err)
	}

	current, err := schemaVersion(ctx, db, modelID)
	if err != nil {
		return bicherr.Wrap(bicherr.IoError, "failed to read schema version", err)
	}
	if current >= 1 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return bicherr.Wrap(bicherr.IoError, "failed to begin migration transaction", err)
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(string(data)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return bicherr.Wrap(bicherr.IoError, "migration statement failed: "+file, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (model_id, version) VALUES (?, 1)
		 ON CONFLICT(model_id) DO UPDATE SET version = 1`, modelID); err != nil {
		return bicherr.Wrap(bicherr.IoError, "failed to record schema version", err)
	}

	if err := tx.Commit(); err != nil {
		return bicherr.Wrap(bicherr.IoError, "failed to commit migration", err)
	}

	s.log.Index().InfoContext(ctx, "applied migration", "file", file, "model_id", modelID)
	return nil
}

func schemaVersion(ctx context.Context, db *sql.DB, modelID int) (int, error) {
	var count int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&count); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	var version int
	err := db.QueryRowContext(ctx, "SELECT version FROM schema_version WHERE model_id = ?", modelID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return version, err
}

// splitStatements performs a naive `;`-terminated split; migration files
// contain no string literals with embedded semicolons, so this is safe.
func splitStatements(sqlText string) []string {
	return strings.Split(sqlText, ";")
}

// Close closes both underlying databases.
func (s *Store) Close() error {
	var errs []string
	if s.Meta != nil {
		if err := s.Meta.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if s.Mailbox != nil {
		if err := s.Mailbox.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close store: %s", strings.Join(errs, "; "))
	}
	return nil
}

// WithTransaction runs fn inside a single transaction against db; fn must
// return nil for the transaction to commit, matching the closure-based
// multi-record atomicity contract of spec.md §4.1.
func WithTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return bicherr.Wrap(bicherr.IoError, "failed to begin transaction", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return bicherr.Wrap(bicherr.IoError, "failed to commit transaction", err)
	}
	return nil
}

// nextID is a helper for tables using an externally-generated 64-bit
// primary key (accounts, mailboxes) rather than AUTOINCREMENT, mirroring
// spec.md's "id is globally unique and never reused" invariant: callers
// must supply an id derived deterministically (xxhash) or from a
// monotonic allocator, never resurrect one after delete.
func nextID(ctx context.Context, db *sql.DB, table string) (uint64, error) {
	var max sql.NullInt64
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(id) FROM %s", table)).Scan(&max); err != nil {
		return 0, err
	}
	return uint64(max.Int64) + 1, nil
}
