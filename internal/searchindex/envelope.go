package searchindex

import (
	"context"
	"encoding/binary"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/cespare/xxhash/v2"

	"github.com/rustmailer/bichon/internal/bicherr"
	"github.com/rustmailer/bichon/internal/envelope"
	"github.com/rustmailer/bichon/internal/logging"
)

const (
	envelopeBatchSize     = 1000
	envelopeFlushInterval = 30 * time.Second
)

// EnvelopeIndex is the C5 full-text/aggregation store: one bleve index
// fronted by the shared batched writer.
type EnvelopeIndex struct {
	idx    bleve.Index
	writer *batchWriter
	log    *logging.Logger

	totalSize atomic.Int64
}

// OpenEnvelopeIndex opens an existing index at dir, or creates one if the
// directory is empty.
func OpenEnvelopeIndex(dir string, log *logging.Logger) (*EnvelopeIndex, error) {
	idx, err := bleve.Open(dir)
	if err != nil {
		idx, err = bleve.New(dir, buildEnvelopeMapping())
		if err != nil {
			return nil, bicherr.Wrap(bicherr.InternalError, "failed to create envelope index", err)
		}
	}
	ei := &EnvelopeIndex{
		idx:    idx,
		writer: newBatchWriter("envelope", idx, envelopeBatchSize, envelopeFlushInterval, log),
		log:    log.Index(),
	}
	go ei.rebuildTotalSize()
	return ei, nil
}

// Close flushes and stops the writer, then closes the underlying index.
func (ei *EnvelopeIndex) Close() error {
	ei.writer.Shutdown()
	return ei.idx.Close()
}

// EnvelopeID derives the deterministic document id for one (account,
// mailbox, uid) triple, the same hashing idiom C1 uses for its record ids.
func EnvelopeID(accountID, mailboxID uint64, uid uint32) uint64 {
	var buf [20]byte
	binary.BigEndian.PutUint64(buf[0:8], accountID)
	binary.BigEndian.PutUint64(buf[8:16], mailboxID)
	binary.BigEndian.PutUint32(buf[16:20], uid)
	return xxhash.Sum64(buf[:])
}

func envKey(id uint64) string { return strconv.FormatUint(id, 10) }

// IndexEnvelope enqueues one extracted message for indexing (spec.md §4.4
// feeding §4.5's write pipeline).
func (ei *EnvelopeIndex) IndexEnvelope(accountID, mailboxID uint64, uid uint32, tags []string, rec *envelope.Record) uint64 {
	id := EnvelopeID(accountID, mailboxID, uid)
	doc := map[string]interface{}{
		"account_id":       strconv.FormatUint(accountID, 10),
		"mailbox_id":       strconv.FormatUint(mailboxID, 10),
		"uid":              float64(uid),
		"thread_id":        strconv.FormatUint(rec.ThreadID, 10),
		"message_id":       rec.MessageID,
		"subject":          rec.Subject,
		"body_text":        rec.IndexableText,
		"from":             primaryAddress(rec.From),
		"to":               addressStrings(rec.To),
		"cc":               addressStrings(rec.Cc),
		"bcc":              addressStrings(rec.Bcc),
		"has_attachment":   rec.HasAttachment,
		"attachment_names": attachmentNames(rec.Attachments),
		"internal_date":    rec.InternalDate,
		"size":             float64(rec.Size),
		"tag_paths":        explodeTagPaths(tags),
	}

	if old, err := ei.loadDoc(envKey(id)); err == nil {
		ei.totalSize.Add(-int64(fieldFloat64(old, "size")))
	}
	ei.totalSize.Add(rec.Size)

	ei.writer.Put(envKey(id), doc)
	return id
}

func primaryAddress(addrs []envelope.Address) string {
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0].Address
}

func addressStrings(addrs []envelope.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}

func attachmentNames(atts []envelope.Attachment) string {
	names := make([]string, 0, len(atts))
	for _, a := range atts {
		names = append(names, a.Filename)
	}
	return strings.Join(names, " ")
}

// explodeTagPaths turns a flat tag list (each a "/"-separated hierarchy,
// e.g. "work/invoices/2024") into the set of cumulative prefix paths
// rooted at "/", so a single term facet on tag_paths yields doc counts at
// every level without a recursive query (spec.md §4.5 get_all_tags).
func explodeTagPaths(tags []string) []string {
	seen := map[string]struct{}{"/": {}}
	out := []string{"/"}
	for _, tag := range tags {
		tag = strings.Trim(tag, "/")
		if tag == "" {
			continue
		}
		segments := strings.Split(tag, "/")
		path := ""
		for _, seg := range segments {
			path += "/" + seg
			if _, ok := seen[path]; !ok {
				seen[path] = struct{}{}
				out = append(out, path)
			}
		}
	}
	return out
}

// EnvelopeHit is one search result, decoded from the index's stored fields.
type EnvelopeHit struct {
	ID            uint64
	AccountID     uint64
	MailboxID     uint64
	UID           uint32
	ThreadID      uint64
	MessageID     string
	Subject       string
	From          string
	To, Cc, Bcc   []string
	HasAttachment bool
	InternalDate  time.Time
	Size          int64
}

// Page is one page of envelope search results.
type Page struct {
	Hits     []EnvelopeHit
	Total    uint64
	Page     int
	PageSize int
}

// Search runs a compiled query (internal/searchcompiler builds these from
// a filter object) and returns one page sorted by internal_date
// (spec.md §4.5).
func (ei *EnvelopeIndex) Search(ctx context.Context, q query.Query, page, pageSize int, desc bool, allowedAccounts []uint64) (*Page, error) {
	if page == 0 || pageSize == 0 {
		return nil, bicherr.New(bicherr.InvalidParameter, "page and page_size must both be >= 1")
	}

	finalQuery := scopeToAccounts(q, allowedAccounts)
	from := (page - 1) * pageSize

	req := bleve.NewSearchRequestOptions(finalQuery, pageSize, from, false)
	req.Fields = []string{"*"}
	if desc {
		req.SortBy([]string{"-internal_date"})
	} else {
		req.SortBy([]string{"internal_date"})
	}

	res, err := ei.idx.Search(req)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "envelope search failed", err)
	}

	hits := make([]EnvelopeHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, decodeHit(h.ID, h.Fields))
	}
	return &Page{Hits: hits, Total: res.Total, Page: page, PageSize: pageSize}, nil
}

// ListMailboxEnvelopes is the (account, mailbox) specialization of Search.
func (ei *EnvelopeIndex) ListMailboxEnvelopes(ctx context.Context, accountID, mailboxID uint64, page, pageSize int, desc bool) (*Page, error) {
	return ei.Search(ctx, conjunctAccountMailbox(accountID, mailboxID), page, pageSize, desc, nil)
}

// ListThreadEnvelopes is the (account, thread) specialization of Search.
func (ei *EnvelopeIndex) ListThreadEnvelopes(ctx context.Context, accountID, threadID uint64, page, pageSize int, desc bool) (*Page, error) {
	q := bleve.NewConjunctionQuery(termQuery("account_id", accountID), termQuery("thread_id", threadID))
	return ei.Search(ctx, q, page, pageSize, desc, nil)
}

// GetMaxUID returns the MAX(uid) in a mailbox, or 0 if it has no messages
// (spec.md §4.6 Catchup's start_uid derivation).
func (ei *EnvelopeIndex) GetMaxUID(ctx context.Context, accountID, mailboxID uint64) (uint32, error) {
	q := conjunctAccountMailbox(accountID, mailboxID)
	req := bleve.NewSearchRequestOptions(q, 1, 0, false)
	req.Fields = []string{"uid"}
	req.SortBy([]string{"-uid"})
	res, err := ei.idx.Search(req)
	if err != nil {
		return 0, bicherr.Wrap(bicherr.InternalError, "get_max_uid failed", err)
	}
	if len(res.Hits) == 0 {
		return 0, nil
	}
	return uint32(fieldFloat64(res.Hits[0].Fields, "uid")), nil
}

// NumMessagesInMailbox is a value-count aggregation over one mailbox.
func (ei *EnvelopeIndex) NumMessagesInMailbox(ctx context.Context, accountID, mailboxID uint64) (uint64, error) {
	req := bleve.NewSearchRequestOptions(conjunctAccountMailbox(accountID, mailboxID), 0, 0, false)
	res, err := ei.idx.Search(req)
	if err != nil {
		return 0, bicherr.Wrap(bicherr.InternalError, "num_messages_in_mailbox failed", err)
	}
	return res.Total, nil
}

// NumMessagesInThread is a value-count aggregation over one thread.
func (ei *EnvelopeIndex) NumMessagesInThread(ctx context.Context, accountID, threadID uint64) (uint64, error) {
	q := bleve.NewConjunctionQuery(termQuery("account_id", accountID), termQuery("thread_id", threadID))
	req := bleve.NewSearchRequestOptions(q, 0, 0, false)
	res, err := ei.idx.Search(req)
	if err != nil {
		return 0, bicherr.Wrap(bicherr.InternalError, "num_messages_in_thread failed", err)
	}
	return res.Total, nil
}

// TagCount is one {facet_path, doc_count} pair.
type TagCount struct {
	FacetPath string
	DocCount  int
}

// GetAllTags facet-counts tag_paths without loading any document bodies
// (spec.md §4.5).
func (ei *EnvelopeIndex) GetAllTags(ctx context.Context, allowedAccounts []uint64) ([]TagCount, error) {
	q := scopeToAccounts(bleve.NewMatchAllQuery(), allowedAccounts)
	req := bleve.NewSearchRequestOptions(q, 0, 0, false)
	req.AddFacet("tags", bleve.NewFacetRequest("tag_paths", 1000))

	res, err := ei.idx.Search(req)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "get_all_tags failed", err)
	}
	fr := res.Facets["tags"]
	if fr == nil || fr.Terms == nil {
		return nil, nil
	}
	var out []TagCount
	for _, t := range fr.Terms.Terms() {
		out = append(out, TagCount{FacetPath: t.Term, DocCount: t.Count})
	}
	return out, nil
}

// Top10LargestEmails returns the 10 largest documents by size.
func (ei *EnvelopeIndex) Top10LargestEmails(ctx context.Context, allowedAccounts []uint64) ([]EnvelopeHit, error) {
	q := scopeToAccounts(bleve.NewMatchAllQuery(), allowedAccounts)
	req := bleve.NewSearchRequestOptions(q, 10, 0, false)
	req.Fields = []string{"*"}
	req.SortBy([]string{"-size"})
	res, err := ei.idx.Search(req)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "top_10_largest_emails failed", err)
	}
	out := make([]EnvelopeHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		out = append(out, decodeHit(h.ID, h.Fields))
	}
	return out, nil
}

// DayBucket is one day of the dashboard's 30-day activity histogram.
type DayBucket struct {
	Day   time.Time
	Count int
}

// TermBucket is one {term, count} bar (top senders/accounts).
type TermBucket struct {
	Term  string
	Count int
}

// DashboardStats is the raw aggregate set; internal/dashboard resolves
// account ids to emails and formats the final response.
type DashboardStats struct {
	TotalSizeBytes      int64
	RecentActivity      []DayBucket
	TopSenders          []TermBucket
	TopAccounts         []TermBucket
	WithAttachmentCount int64
	WithoutAttachmentCount int64
}

// GetDashboardStats assembles spec.md §4.5's dashboard aggregate: total
// size, a 30-day daily histogram, top senders/accounts, and the
// attachment split.
func (ei *EnvelopeIndex) GetDashboardStats(ctx context.Context, allowedAccounts []uint64, now time.Time) (*DashboardStats, error) {
	q := scopeToAccounts(bleve.NewMatchAllQuery(), allowedAccounts)
	req := bleve.NewSearchRequestOptions(q, 0, 0, false)

	req.AddFacet("senders", bleve.NewFacetRequest("from", 10))
	req.AddFacet("accounts", bleve.NewFacetRequest("account_id", 10))
	req.AddFacet("attachments", bleve.NewFacetRequest("has_attachment", 2))

	activity := bleve.NewFacetRequest("internal_date", 30)
	dayStart := now.Truncate(24 * time.Hour)
	for i := 29; i >= 0; i-- {
		start := dayStart.Add(-time.Duration(i) * 24 * time.Hour)
		end := start.Add(24 * time.Hour)
		activity.AddDateTimeRange(start.Format(time.RFC3339), start, end)
	}
	req.AddFacet("activity", activity)

	res, err := ei.idx.Search(req)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "get_dashboard_stats failed", err)
	}

	stats := &DashboardStats{TotalSizeBytes: ei.totalSize.Load()}

	if fr := res.Facets["senders"]; fr != nil && fr.Terms != nil {
		for _, t := range fr.Terms.Terms() {
			stats.TopSenders = append(stats.TopSenders, TermBucket{Term: t.Term, Count: t.Count})
		}
	}
	if fr := res.Facets["accounts"]; fr != nil && fr.Terms != nil {
		for _, t := range fr.Terms.Terms() {
			stats.TopAccounts = append(stats.TopAccounts, TermBucket{Term: t.Term, Count: t.Count})
		}
	}
	if fr := res.Facets["attachments"]; fr != nil && fr.Terms != nil {
		for _, t := range fr.Terms.Terms() {
			switch t.Term {
			case "T":
				stats.WithAttachmentCount = int64(t.Count)
			case "F":
				stats.WithoutAttachmentCount = int64(t.Count)
			}
		}
	}
	if fr := res.Facets["activity"]; fr != nil && fr.DateRanges != nil {
		for i := 29; i >= 0; i-- {
			day := dayStart.Add(-time.Duration(i) * 24 * time.Hour)
			name := day.Format(time.RFC3339)
			count := 0
			for _, dr := range fr.DateRanges {
				if dr.Name == name {
					count = dr.Count
					break
				}
			}
			stats.RecentActivity = append(stats.RecentActivity, DayBucket{Day: day, Count: count})
		}
	}

	return stats, nil
}

// DeleteAccountEnvelopes removes every envelope belonging to one account.
func (ei *EnvelopeIndex) DeleteAccountEnvelopes(ctx context.Context, accountID uint64) error {
	q := termQuery("account_id", accountID)
	return ei.deleteByQuery(q)
}

// DeleteMailboxEnvelopes removes envelopes for a set of mailboxes under one
// account: one search per mailbox, one commit overall (spec.md §4.5).
func (ei *EnvelopeIndex) DeleteMailboxEnvelopes(ctx context.Context, accountID uint64, mailboxIDs []uint64) error {
	batch := ei.idx.NewBatch()
	var removed int64
	for _, mb := range mailboxIDs {
		q := conjunctAccountMailbox(accountID, mb)
		req := bleve.NewSearchRequestOptions(q, 100000, 0, false)
		req.Fields = []string{"size"}
		res, err := ei.idx.Search(req)
		if err != nil {
			return bicherr.Wrap(bicherr.InternalError, "delete_mailbox_envelopes search failed", err)
		}
		for _, h := range res.Hits {
			batch.Delete(h.ID)
			removed += int64(fieldFloat64(h.Fields, "size"))
		}
	}
	if err := ei.idx.Batch(batch); err != nil {
		return bicherr.Wrap(bicherr.InternalError, "delete_mailbox_envelopes commit failed", err)
	}
	ei.totalSize.Add(-removed)
	return nil
}

// DeleteEnvelopesMultiAccount removes an explicit set of envelope ids,
// deduped per account, across potentially many accounts in one commit.
func (ei *EnvelopeIndex) DeleteEnvelopesMultiAccount(ctx context.Context, idsByAccount map[uint64][]uint64) error {
	batch := ei.idx.NewBatch()
	var removed int64
	for _, ids := range idsByAccount {
		seen := make(map[uint64]struct{}, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			key := envKey(id)
			if doc, err := ei.loadDoc(key); err == nil {
				removed += int64(fieldFloat64(doc, "size"))
			}
			batch.Delete(key)
		}
	}
	if err := ei.idx.Batch(batch); err != nil {
		return bicherr.Wrap(bicherr.InternalError, "delete_envelopes_multi_account commit failed", err)
	}
	ei.totalSize.Add(-removed)
	return nil
}

// UpdateEnvelopeTags rebuilds the tag_paths field on each listed envelope:
// drop the old facet paths, explode and append the new tag list, emit a
// delete+add per document in one commit (spec.md §4.5).
func (ei *EnvelopeIndex) UpdateEnvelopeTags(ctx context.Context, idsByAccount map[uint64][]uint64, tags []string) error {
	newPaths := explodeTagPaths(tags)
	batch := ei.idx.NewBatch()
	for _, ids := range idsByAccount {
		for _, id := range ids {
			key := envKey(id)
			doc, err := ei.loadDoc(key)
			if err != nil {
				continue
			}
			doc["tag_paths"] = newPaths
			batch.Delete(key)
			if err := batch.Index(key, doc); err != nil {
				return bicherr.Wrap(bicherr.InternalError, "update_envelope_tags rebuild failed", err)
			}
		}
	}
	if err := ei.idx.Batch(batch); err != nil {
		return bicherr.Wrap(bicherr.InternalError, "update_envelope_tags commit failed", err)
	}
	return nil
}

func (ei *EnvelopeIndex) deleteByQuery(q query.Query) error {
	req := bleve.NewSearchRequestOptions(q, 100000, 0, false)
	req.Fields = []string{"size"}
	res, err := ei.idx.Search(req)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "delete-by-query search failed", err)
	}
	batch := ei.idx.NewBatch()
	var removed int64
	for _, h := range res.Hits {
		batch.Delete(h.ID)
		removed += int64(fieldFloat64(h.Fields, "size"))
	}
	if err := ei.idx.Batch(batch); err != nil {
		return bicherr.Wrap(bicherr.InternalError, "delete-by-query commit failed", err)
	}
	ei.totalSize.Add(-removed)
	return nil
}

func (ei *EnvelopeIndex) loadDoc(id string) (map[string]interface{}, error) {
	q := bleve.NewDocIDQuery([]string{id})
	req := bleve.NewSearchRequestOptions(q, 1, 0, false)
	req.Fields = []string{"*"}
	res, err := ei.idx.Search(req)
	if err != nil {
		return nil, bicherr.Wrap(bicherr.InternalError, "document lookup failed", err)
	}
	if len(res.Hits) == 0 {
		return nil, bicherr.New(bicherr.ResourceNotFound, "envelope document not found")
	}
	return res.Hits[0].Fields, nil
}

// rebuildTotalSize recomputes the in-memory running total once at
// startup (a reopened index may already hold documents). It is the one
// deliberate full scan in this package, run once off the request path.
func (ei *EnvelopeIndex) rebuildTotalSize() {
	var total int64
	from := 0
	const page = 5000
	for {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), page, from, false)
		req.Fields = []string{"size"}
		res, err := ei.idx.Search(req)
		if err != nil || len(res.Hits) == 0 {
			break
		}
		for _, h := range res.Hits {
			total += int64(fieldFloat64(h.Fields, "size"))
		}
		from += page
		if uint64(from) >= res.Total {
			break
		}
	}
	ei.totalSize.Store(total)
}

func decodeHit(id string, fields map[string]interface{}) EnvelopeHit {
	envID, _ := strconv.ParseUint(id, 10, 64)
	acct, _ := strconv.ParseUint(fieldString(fields, "account_id"), 10, 64)
	mb, _ := strconv.ParseUint(fieldString(fields, "mailbox_id"), 10, 64)
	thread, _ := strconv.ParseUint(fieldString(fields, "thread_id"), 10, 64)

	return EnvelopeHit{
		ID:            envID,
		AccountID:     acct,
		MailboxID:     mb,
		UID:           uint32(fieldFloat64(fields, "uid")),
		ThreadID:      thread,
		MessageID:     fieldString(fields, "message_id"),
		Subject:       fieldString(fields, "subject"),
		From:          fieldString(fields, "from"),
		To:            fieldStringSlice(fields, "to"),
		Cc:            fieldStringSlice(fields, "cc"),
		Bcc:           fieldStringSlice(fields, "bcc"),
		HasAttachment: fieldBool(fields, "has_attachment"),
		InternalDate:  fieldTime(fields, "internal_date"),
		Size:          int64(fieldFloat64(fields, "size")),
	}
}

func termQuery(field string, id uint64) query.Query {
	q := bleve.NewTermQuery(strconv.FormatUint(id, 10))
	q.SetField(field)
	return q
}

func conjunctAccountMailbox(accountID, mailboxID uint64) query.Query {
	return bleve.NewConjunctionQuery(termQuery("account_id", accountID), termQuery("mailbox_id", mailboxID))
}

// scopeToAccounts intersects an allowed-account set into q as a must-match
// disjunction; with no restriction, q is returned unchanged (spec.md §4.5).
func scopeToAccounts(q query.Query, allowedAccounts []uint64) query.Query {
	if len(allowedAccounts) == 0 {
		return q
	}
	or := bleve.NewDisjunctionQuery()
	for _, a := range allowedAccounts {
		or.AddQuery(termQuery("account_id", a))
	}
	return bleve.NewConjunctionQuery(q, or)
}

func fieldString(fields map[string]interface{}, key string) string {
	v, _ := fields[key].(string)
	return v
}

func fieldFloat64(fields map[string]interface{}, key string) float64 {
	switch v := fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func fieldBool(fields map[string]interface{}, key string) bool {
	v, _ := fields[key].(bool)
	return v
}

func fieldTime(fields map[string]interface{}, key string) time.Time {
	s, _ := fields[key].(string)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fieldStringSlice(fields map[string]interface{}, key string) []string {
	switch v := fields[key].(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}
