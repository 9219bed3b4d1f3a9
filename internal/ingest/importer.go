package ingest

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/rustmailer/bichon/internal/bicherr"
	"github.com/rustmailer/bichon/internal/envelope"
	"github.com/rustmailer/bichon/internal/logging"
	"github.com/rustmailer/bichon/internal/metastore"
	"github.com/rustmailer/bichon/internal/metrics"
	"github.com/rustmailer/bichon/internal/searchindex"
)

// createdByBichonAttr marks a mailbox this service synthesized rather than
// discovered via remote LIST, so the HTTP layer and sync worker can tell
// the two apart (spec.md §4.8 step 3).
const createdByBichonAttr = "Extension(CreatedByBichon)"

// Result summarizes one import run; FailedOffsets records messages whose
// extraction failed without aborting the whole import (spec.md §4.8).
type Result struct {
	Imported      int
	FailedOffsets []int64
}

// Importer wires MBOX/EML ingestion into the metadata store and both
// search indexes.
type Importer struct {
	store  *metastore.Store
	envIdx *searchindex.EnvelopeIndex
	emlIdx *searchindex.EMLIndex
	log    *logging.Logger
}

func New(store *metastore.Store, envIdx *searchindex.EnvelopeIndex, emlIdx *searchindex.EMLIndex, log *logging.Logger) *Importer {
	return &Importer{store: store, envIdx: envIdx, emlIdx: emlIdx, log: log.Index()}
}

// resolveMailbox implements spec.md §4.8 step 3: IMAP accounts may only
// import into a folder that already exists; NoSync accounts get one
// synthesized on demand.
func (im *Importer) resolveMailbox(ctx context.Context, account *metastore.Account, folderName string) (*metastore.Mailbox, error) {
	mb, err := im.store.GetMailboxByName(ctx, account.ID, folderName)
	if err == nil {
		return mb, nil
	}

	if account.Kind != metastore.AccountNoSync {
		return nil, bicherr.New(bicherr.ResourceNotFound, "folder does not exist on this IMAP account: "+folderName)
	}

	mb = &metastore.Mailbox{
		AccountID:  account.ID,
		Name:       folderName,
		Delimiter:  "/",
		Attributes: []string{createdByBichonAttr},
	}
	if err := im.store.UpsertMailbox(ctx, mb); err != nil {
		return nil, err
	}
	return mb, nil
}

// nextUID allocates a synthetic, monotonically increasing UID for
// imported mail, persisting the mailbox's advanced UIDNext so re-imports
// never collide with previously imported messages.
func (im *Importer) nextUID(ctx context.Context, mb *metastore.Mailbox) (uint32, error) {
	uid := mb.UIDNext
	if uid == 0 {
		uid = 1
	}
	mb.UIDNext = uid + 1
	mb.Exists++
	if err := im.store.UpsertMailbox(ctx, mb); err != nil {
		return 0, err
	}
	return uid, nil
}

// ImportMbox runs spec.md §4.8's import_mbox(path, account_id, folder_name).
func (im *Importer) ImportMbox(ctx context.Context, path string, accountID uint64, folderName string) (*Result, error) {
	account, err := im.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	mboxFile, err := im.store.RegisterMboxFile(ctx, accountID, path)
	if err != nil {
		return nil, err
	}

	mb, err := im.resolveMailbox(ctx, account, folderName)
	if err != nil {
		return nil, err
	}

	messages, err := scanMbox(path)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, msg := range messages {
		rec, err := envelope.Extract(msg.Body, time.Time{}, int64(msg.Length))
		if err != nil {
			im.log.ErrorContext(ctx, "mbox message extraction failed", err, "offset", msg.Offset)
			result.FailedOffsets = append(result.FailedOffsets, msg.Offset)
			continue
		}

		uid, err := im.nextUID(ctx, mb)
		if err != nil {
			result.FailedOffsets = append(result.FailedOffsets, msg.Offset)
			continue
		}

		id := im.envIdx.IndexEnvelope(accountID, mb.ID, uid, nil, rec)
		im.emlIdx.PutLocator(id, accountID, mb.ID, mboxFile.ID, msg.Offset, msg.Length)
		result.Imported++
		metrics.IngestMessagesImported.WithLabelValues("mbox").Inc()
	}

	return result, nil
}

// ImportEML runs spec.md §4.8's EML batch import for one base64-encoded
// message: same pipeline, but the locator is inline (mbox_id == 0).
func (im *Importer) ImportEML(ctx context.Context, accountID uint64, folderName string, emlBase64 string) error {
	account, err := im.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	mb, err := im.resolveMailbox(ctx, account, folderName)
	if err != nil {
		return err
	}

	body, err := base64.StdEncoding.DecodeString(emlBase64)
	if err != nil {
		return bicherr.Wrap(bicherr.InvalidParameter, "invalid base64 EML payload", err)
	}

	rec, err := envelope.Extract(body, time.Time{}, int64(len(body)))
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "EML extraction failed", err)
	}

	uid, err := im.nextUID(ctx, mb)
	if err != nil {
		return err
	}

	id := im.envIdx.IndexEnvelope(accountID, mb.ID, uid, nil, rec)
	im.emlIdx.PutInline(id, accountID, mb.ID, body)
	metrics.IngestMessagesImported.WithLabelValues("eml").Inc()
	return nil
}

// StoreMboxResolver adapts metastore's registry to searchindex.MboxFileResolver.
type StoreMboxResolver struct {
	Store *metastore.Store
}

func (r StoreMboxResolver) PathForMboxFile(ctx context.Context, mboxFileID uint64) (string, error) {
	f, err := r.Store.GetMboxFile(ctx, mboxFileID)
	if err != nil {
		return "", err
	}
	return f.Path, nil
}

// ImportEMLBatch imports many base64-encoded EMLs, logging and skipping
// individual failures rather than aborting (spec.md §4.8).
func (im *Importer) ImportEMLBatch(ctx context.Context, accountID uint64, folderName string, emlsBase64 []string) *Result {
	result := &Result{}
	for i, payload := range emlsBase64 {
		if err := im.ImportEML(ctx, accountID, folderName, payload); err != nil {
			im.log.ErrorContext(ctx, "EML batch import item failed", err, "index", i)
			result.FailedOffsets = append(result.FailedOffsets, int64(i))
			continue
		}
		result.Imported++
	}
	return result
}
