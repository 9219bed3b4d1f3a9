package searchindex

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	emmail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/rustmailer/bichon/internal/bicherr"
	"github.com/rustmailer/bichon/internal/logging"
)

const (
	emlBatchSize     = 200
	emlFlushInterval = 30 * time.Second
)

// EMLIndex is the C6 locator store: same batched-writer pipeline as C5,
// holding either inline bytes or an {mbox_file, offset, length} locator
// per message (DESIGN.md Open Question #1).
type EMLIndex struct {
	idx     bleve.Index
	writer  *batchWriter
	log     *logging.Logger
	tempDir string
}

// MboxFileResolver looks up the filesystem path of a registered MBOX file
// by its metastore id, letting this package slice bytes out of it without
// depending on internal/metastore directly.
type MboxFileResolver interface {
	PathForMboxFile(ctx context.Context, mboxFileID uint64) (string, error)
}

// OpenEMLIndex opens or creates the EML locator index.
func OpenEMLIndex(dir, tempDir string, log *logging.Logger) (*EMLIndex, error) {
	idx, err := bleve.Open(dir)
	if err != nil {
		idx, err = bleve.New(dir, buildEMLMapping())
		if err != nil {
			return nil, bicherr.Wrap(bicherr.InternalError, "failed to create EML index", err)
		}
	}
	return &EMLIndex{
		idx:     idx,
		writer:  newBatchWriter("eml", idx, emlBatchSize, emlFlushInterval, log),
		log:     log.Index(),
		tempDir: tempDir,
	}, nil
}

// Close flushes and stops the writer, then closes the underlying index.
func (ei *EMLIndex) Close() error {
	ei.writer.Shutdown()
	return ei.idx.Close()
}

// PutInline stores the full message body inside the index itself — the
// path used for IMAP-streamed and EML-batch-imported messages (Open
// Question #1: only MBOX imports get the locator form).
func (ei *EMLIndex) PutInline(id uint64, accountID, mailboxID uint64, body []byte) {
	doc := map[string]interface{}{
		"account_id": strconv.FormatUint(accountID, 10),
		"mailbox_id": strconv.FormatUint(mailboxID, 10),
		"mbox_id":    "0",
		"body":       string(body),
	}
	ei.writer.Put(envKey(id), doc)
}

// PutLocator stores an {mbox_file, offset, length} slice reference — used
// only for MBOX-imported messages, which have a stable backing file.
func (ei *EMLIndex) PutLocator(id uint64, accountID, mailboxID, mboxFileID uint64, offset, length int64) {
	doc := map[string]interface{}{
		"account_id":  strconv.FormatUint(accountID, 10),
		"mailbox_id":  strconv.FormatUint(mailboxID, 10),
		"mbox_id":     strconv.FormatUint(mboxFileID, 10),
		"mbox_offset": float64(offset),
		"mbox_len":    float64(length),
	}
	ei.writer.Put(envKey(id), doc)
}

// Delete removes one message's EML record.
func (ei *EMLIndex) Delete(id uint64) {
	ei.writer.Delete(envKey(id))
}

// DeleteMailboxMessages mirrors searchindex.EnvelopeIndex.DeleteMailboxEnvelopes
// on the EML side, so a UID-VALIDITY reset or mailbox deletion clears both
// indexes together (spec.md §4.6 step 2).
func (ei *EMLIndex) DeleteMailboxMessages(ctx context.Context, accountID uint64, mailboxIDs []uint64) error {
	batch := ei.idx.NewBatch()
	for _, mb := range mailboxIDs {
		q := bleve.NewConjunctionQuery(
			termEquals("account_id", strconv.FormatUint(accountID, 10)),
			termEquals("mailbox_id", strconv.FormatUint(mb, 10)),
		)
		req := bleve.NewSearchRequestOptions(q, 100000, 0, false)
		res, err := ei.idx.Search(req)
		if err != nil {
			return bicherr.Wrap(bicherr.InternalError, "delete_mailbox_envelopes (eml) search failed", err)
		}
		for _, h := range res.Hits {
			batch.Delete(h.ID)
		}
	}
	if err := ei.idx.Batch(batch); err != nil {
		return bicherr.Wrap(bicherr.InternalError, "delete_mailbox_envelopes (eml) commit failed", err)
	}
	return nil
}

// DeleteAccountMessages removes every EML record for one account.
func (ei *EMLIndex) DeleteAccountMessages(ctx context.Context, accountID uint64) error {
	q := termEquals("account_id", strconv.FormatUint(accountID, 10))
	req := bleve.NewSearchRequestOptions(q, 100000, 0, false)
	res, err := ei.idx.Search(req)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "delete_account_envelopes (eml) search failed", err)
	}
	batch := ei.idx.NewBatch()
	for _, h := range res.Hits {
		batch.Delete(h.ID)
	}
	if err := ei.idx.Batch(batch); err != nil {
		return bicherr.Wrap(bicherr.InternalError, "delete_account_envelopes (eml) commit failed", err)
	}
	return nil
}

func termEquals(field, value string) query.Query {
	q := bleve.NewTermQuery(value)
	q.SetField(field)
	return q
}

// Get returns the raw RFC822 bytes for one message, sourced inline or by
// slicing the registered MBOX file (spec.md §4.5).
func (ei *EMLIndex) Get(ctx context.Context, id uint64, resolver MboxFileResolver) ([]byte, error) {
	doc, err := ei.loadDoc(envKey(id))
	if err != nil {
		return nil, err
	}
	mboxID, _ := strconv.ParseUint(fieldString(doc, "mbox_id"), 10, 64)
	if mboxID == 0 {
		return []byte(fieldString(doc, "body")), nil
	}

	path, err := resolver.PathForMboxFile(ctx, mboxID)
	if err != nil {
		return nil, err
	}
	offset := int64(fieldFloat64(doc, "mbox_offset"))
	length := int64(fieldFloat64(doc, "mbox_len"))

	f, err := os.Open(path)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.IoError, "failed to open registered mbox file", err)
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, bicherr.Wrap(bicherr.IoError, "failed to read mbox slice", err)
	}
	return buf, nil
}

// GetReader materializes a message's bytes into a fresh temp file for
// HTTP streaming and returns its path; the caller owns cleanup.
func (ei *EMLIndex) GetReader(ctx context.Context, id uint64, resolver MboxFileResolver) (string, error) {
	body, err := ei.Get(ctx, id, resolver)
	if err != nil {
		return "", err
	}
	return ei.writeTemp(body)
}

// GetAttachment parses the message, locates the first non-inline
// attachment whose filename matches, and materializes its decoded bytes
// to a temp file (spec.md §4.5).
func (ei *EMLIndex) GetAttachment(ctx context.Context, id uint64, filename string, resolver MboxFileResolver) (string, error) {
	body, err := ei.Get(ctx, id, resolver)
	if err != nil {
		return "", err
	}

	mr, err := emmail.CreateReader(bytes.NewReader(body))
	if err != nil {
		return "", bicherr.Wrap(bicherr.InternalError, "failed to parse message for attachment extraction", err)
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", bicherr.Wrap(bicherr.InternalError, "attachment walk failed", err)
		}
		ah, ok := part.Header.(*emmail.AttachmentHeader)
		if !ok {
			continue
		}
		name, _ := ah.Filename()
		if name != filename {
			continue
		}
		data, err := io.ReadAll(part.Body)
		if err != nil {
			return "", bicherr.Wrap(bicherr.InternalError, "failed to read attachment body", err)
		}
		return ei.writeTemp(data)
	}
	return "", bicherr.New(bicherr.ResourceNotFound, "attachment not found: "+filename)
}

func (ei *EMLIndex) writeTemp(data []byte) (string, error) {
	path := filepath.Join(ei.tempDir, uuid.NewString()+".eml")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", bicherr.Wrap(bicherr.IoError, "failed to materialize temp file", err)
	}
	return path, nil
}

func (ei *EMLIndex) loadDoc(id string) (map[string]interface{}, error) {
	q := bleve.NewDocIDQuery([]string{id})
	req := bleve.NewSearchRequestOptions(q, 1, 0, false)
	req.Fields = []string{"*"}
	res, err := ei.idx.Search(req)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "EML document lookup failed", err)
	}
	if len(res.Hits) == 0 {
		return nil, bicherr.New(bicherr.ResourceNotFound, "message not found")
	}
	return res.Hits[0].Fields, nil
}
