// Package imapexec runs typed IMAP operations over a session acquired from
// internal/imappool and translates results into envelope-ready records.
package imapexec

import (
	"context"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/rustmailer/bichon/internal/bicherr"
	"github.com/rustmailer/bichon/internal/imappool"
	"github.com/rustmailer/bichon/internal/logging"
	"github.com/rustmailer/bichon/internal/metrics"
)

// RawMessage is one fetched message ready for envelope extraction.
type RawMessage struct {
	UID          uint32
	InternalDate time.Time
	Size         int64
	Flags        []string
	Body         []byte
}

// MailboxInfo mirrors one LIST entry.
type MailboxInfo struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// Executor runs commands against one pooled session at a time.
type Executor struct {
	pool *imappool.Pool
	log  *logging.Logger
}

// New builds an executor bound to an account's connection pool.
func New(pool *imappool.Pool, log *logging.Logger) *Executor {
	return &Executor{pool: pool, log: log}
}

// withConn acquires a session, runs fn, and releases it, marking the
// connection broken if fn reports an error so the pool evicts it rather
// than handing a possibly-desynced session to the next caller. command
// identifies the IMAP verb for Prometheus export (C3).
func (e *Executor) withConn(ctx context.Context, command string, fn func(c *imapclient.Client) error) error {
	start := time.Now()
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(conn.Client())
	e.pool.Release(conn, err != nil)
	metrics.RecordIMAPCommand(command, err == nil, time.Since(start).Seconds())
	return err
}

// ListAllMailboxes returns the full mailbox tree (spec.md §4.3).
func (e *Executor) ListAllMailboxes(ctx context.Context) ([]MailboxInfo, error) {
	var out []MailboxInfo
	err := e.withConn(ctx, "LIST", func(c *imapclient.Client) error {
		items, err := c.List("", "*", nil).Collect()
		if err != nil {
			return bicherr.Wrap(bicherr.ImapCommandFailed, "LIST failed", err)
		}
		for _, it := range items {
			mi := MailboxInfo{Name: it.Mailbox}
			if it.Delim != 0 {
				mi.Delimiter = string(it.Delim)
			}
			for _, a := range it.Attrs {
				mi.Attributes = append(mi.Attributes, string(a))
			}
			out = append(out, mi)
		}
		return nil
	})
	return out, err
}

// ExamineResult is the read-only select state for a mailbox.
type ExamineResult struct {
	NumMessages uint32
	UIDValidity uint32
	UIDNext     uint32
}

// Examine read-only selects a mailbox to learn its current state
// (spec.md §4.3 examine(name)).
func (e *Executor) Examine(ctx context.Context, name string) (*ExamineResult, error) {
	var res *ExamineResult
	err := e.withConn(ctx, "EXAMINE", func(c *imapclient.Client) error {
		data, err := c.Select(name, &imap.SelectOptions{ReadOnly: true}).Wait()
		if err != nil {
			return bicherr.Wrap(bicherr.ImapCommandFailed, "EXAMINE failed", err)
		}
		res = &ExamineResult{
			NumMessages: data.NumMessages,
			UIDValidity: data.UIDValidity,
			UIDNext:     uint32(data.UIDNext),
		}
		return nil
	})
	return res, err
}

// UIDSearch runs UID SEARCH and returns the matching UIDs.
func (e *Executor) UIDSearch(ctx context.Context, mailbox string, criteria *imap.SearchCriteria) ([]uint32, error) {
	var uids []uint32
	err := e.withConn(ctx, "UID_SEARCH", func(c *imapclient.Client) error {
		if _, err := c.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return bicherr.Wrap(bicherr.ImapCommandFailed, "SELECT failed", err)
		}
		data, err := c.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return bicherr.Wrap(bicherr.ImapCommandFailed, "UID SEARCH failed", err)
		}
		for _, u := range data.AllUIDs() {
			uids = append(uids, uint32(u))
		}
		return nil
	})
	return uids, err
}

// ProgressFunc is invoked after each batch during a drain whose discovered
// UID count exceeds the publication threshold.
type ProgressFunc func(batchNum, totalBatches int)

// FetchNewMail discovers UIDs >= startUID (optionally bounded by before),
// batches them per §4.7, retrieves each batch, and streams parsed messages
// to onBatch. When the discovered count exceeds 5×batchSize the caller's
// onProgress is invoked per batch (spec.md §4.3).
func (e *Executor) FetchNewMail(ctx context.Context, mailbox string, startUID uint32, before *time.Time, batchSize int, onBatch func([]RawMessage) error, onProgress ProgressFunc) error {
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{{Start: imap.UID(startUID), Stop: 0}}},
	}
	if before != nil {
		criteria.Before = *before
	}

	uids, err := e.UIDSearch(ctx, mailbox, criteria)
	if err != nil {
		return err
	}

	batches := BatchUIDs(uids, batchSize)
	publishProgress := len(uids) > 5*batchSize

	for i, batch := range batches {
		msgs, err := e.uidBatchRetrieve(ctx, mailbox, batch)
		if err != nil {
			return err
		}
		if err := onBatch(msgs); err != nil {
			return err
		}
		if publishProgress && onProgress != nil {
			onProgress(i+1, len(batches))
		}
	}
	return nil
}

// BatchRetrieveEmails pages through a mailbox by sequence number, newest
// first when desc is true — used the first time a mailbox is adopted
// (spec.md §4.3).
func (e *Executor) BatchRetrieveEmails(ctx context.Context, mailbox string, page, pageSize int, desc bool) ([]RawMessage, error) {
	var out []RawMessage
	err := e.withConn(ctx, "FETCH", func(c *imapclient.Client) error {
		data, err := c.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
		if err != nil {
			return bicherr.Wrap(bicherr.ImapCommandFailed, "SELECT failed", err)
		}
		total := int(data.NumMessages)
		if total == 0 {
			return nil
		}

		first := page*pageSize + 1
		last := first + pageSize - 1
		if last > total {
			last = total
		}
		if first > total {
			return nil
		}

		seqStart, seqEnd := uint32(first), uint32(last)
		if desc {
			seqEnd = uint32(total) - uint32(page*pageSize)
			seqStart = seqEnd - uint32(pageSize) + 1
			if seqStart < 1 {
				seqStart = 1
			}
		}

		seqSet := imap.SeqSet{{Start: seqStart, Stop: seqEnd}}
		out, err = e.fetchRaw(c, seqSet)
		return err
	})
	return out, err
}

// uidBatchRetrieve fetches a set of UID ranges in one FETCH command.
func (e *Executor) uidBatchRetrieve(ctx context.Context, mailbox string, ranges []UIDRange) ([]RawMessage, error) {
	var out []RawMessage
	err := e.withConn(ctx, "UID_FETCH", func(c *imapclient.Client) error {
		if _, err := c.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return bicherr.Wrap(bicherr.ImapCommandFailed, "SELECT failed", err)
		}
		var set imap.UIDSet
		for _, r := range ranges {
			set = append(set, imap.UIDRange{Start: imap.UID(r.Start), Stop: imap.UID(r.End)})
		}

		bodySection := &imap.FetchItemBodySection{Peek: true}
		fetchOpts := &imap.FetchOptions{
			UID:          true,
			Flags:        true,
			InternalDate: true,
			RFC822Size:   true,
			BodySection:  []*imap.FetchItemBodySection{bodySection},
		}

		fetchCmd := c.UIDFetch(set, fetchOpts)
		defer fetchCmd.Close()

		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				continue
			}
			rm := RawMessage{
				UID:          uint32(buf.UID),
				InternalDate: buf.InternalDate,
				Size:         buf.RFC822Size,
				Body:         buf.FindBodySection(bodySection),
			}
			for _, f := range buf.Flags {
				rm.Flags = append(rm.Flags, string(f))
			}
			out = append(out, rm)
		}
		if err := fetchCmd.Close(); err != nil {
			return bicherr.Wrap(bicherr.ImapCommandFailed, "UID FETCH failed", err)
		}
		return nil
	})
	return out, err
}

func (e *Executor) fetchRaw(c *imapclient.Client, seqSet imap.SeqSet) ([]RawMessage, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID: true, Flags: true, InternalDate: true, RFC822Size: true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}
	fetchCmd := c.Fetch(seqSet, fetchOpts)
	defer fetchCmd.Close()

	var out []RawMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		rm := RawMessage{
			UID: uint32(buf.UID), InternalDate: buf.InternalDate,
			Size: buf.RFC822Size, Body: buf.FindBodySection(bodySection),
		}
		for _, f := range buf.Flags {
			rm.Flags = append(rm.Flags, string(f))
		}
		out = append(out, rm)
	}
	if err := fetchCmd.Close(); err != nil {
		return out, bicherr.Wrap(bicherr.ImapCommandFailed, "FETCH failed", err)
	}
	return out, nil
}

// Append restores a message into mailbox (spec.md §4.3 append).
func (e *Executor) Append(ctx context.Context, mailbox string, flags []string, internalDate *time.Time, body []byte) error {
	return e.withConn(ctx, "APPEND", func(c *imapclient.Client) error {
		opts := &imap.AppendOptions{}
		for _, f := range flags {
			opts.Flags = append(opts.Flags, imap.Flag(f))
		}
		if internalDate != nil {
			opts.Time = *internalDate
		}
		appendCmd := c.Append(mailbox, int64(len(body)), opts)
		if _, err := appendCmd.Write(body); err != nil {
			appendCmd.Close()
			return bicherr.Wrap(bicherr.ImapCommandFailed, "APPEND write failed", err)
		}
		if err := appendCmd.Close(); err != nil {
			return bicherr.Wrap(bicherr.ImapCommandFailed, "APPEND close failed", err)
		}
		if _, err := appendCmd.Wait(); err != nil {
			return bicherr.Wrap(bicherr.ImapCommandFailed, "APPEND failed", err)
		}
		return nil
	})
}
