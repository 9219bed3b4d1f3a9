// Package searchcompiler turns a user-supplied filter object into a
// composite bleve query tree (spec.md §4.5 "Filter compilation (C9)").
package searchcompiler

import (
	"strconv"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/rustmailer/bichon/internal/bicherr"
)

// Filter is the caller-facing object; any subset of fields may be set.
// Zero values mean "not provided" except where noted.
type Filter struct {
	Text           string
	Tags           []string
	From           string
	To             string
	Cc             string
	Bcc            string
	HasAttachment  bool // only applied when HasAttachmentSet is true
	HasAttachmentSet bool
	AttachmentName string
	Since          *time.Time
	Before         *time.Time
	MinSize        *int64
	MaxSize        *int64
	AccountID      *uint64
	MailboxID      *uint64
	ThreadID       *uint64
	MessageID      string
}

// queryNode is the closed set of compile-able fragments spec.md §9 asks
// for in place of an open-ended interface: each constructor below returns
// a concrete bleve query, never a custom type implementing a visitor.
type queryNode = query.Query

// Compile builds the composite MUST/SHOULD query tree for one filter
// (spec.md §4.5's table, row by row). An empty filter compiles to
// match-all.
func Compile(f Filter) (queryNode, error) {
	var musts []queryNode

	if f.Text != "" {
		musts = append(musts, textNode(f.Text))
	}
	if len(f.Tags) > 0 {
		musts = append(musts, tagsNode(f.Tags))
	}
	if f.From != "" {
		musts = append(musts, termNode("from", f.From))
	}
	if f.To != "" {
		musts = append(musts, termNode("to", f.To))
	}
	if f.Cc != "" {
		musts = append(musts, termNode("cc", f.Cc))
	}
	if f.Bcc != "" {
		musts = append(musts, termNode("bcc", f.Bcc))
	}
	if f.HasAttachmentSet && f.HasAttachment {
		musts = append(musts, boolNode("has_attachment", true))
	}
	if f.AttachmentName != "" {
		musts = append(musts, matchNode("attachment_names", f.AttachmentName))
	}
	if f.Since != nil || f.Before != nil {
		musts = append(musts, dateRangeNode("internal_date", f.Since, f.Before))
	}
	if f.MinSize != nil || f.MaxSize != nil {
		musts = append(musts, numericRangeNode("size", f.MinSize, f.MaxSize))
	}
	if f.AccountID != nil {
		musts = append(musts, termNode("account_id", strconv.FormatUint(*f.AccountID, 10)))
	}
	if f.MailboxID != nil {
		musts = append(musts, termNode("mailbox_id", strconv.FormatUint(*f.MailboxID, 10)))
	}
	if f.ThreadID != nil {
		musts = append(musts, termNode("thread_id", strconv.FormatUint(*f.ThreadID, 10)))
	}
	if f.MessageID != "" {
		musts = append(musts, termNode("message_id", f.MessageID))
	}

	if len(musts) == 0 {
		return bleve.NewMatchAllQuery(), nil
	}
	if len(musts) == 1 {
		return musts[0], nil
	}
	return bleve.NewConjunctionQuery(musts...), nil
}

// textNode parses free text as a conjunctive match over subject, body
// text, and attachment names.
func textNode(text string) queryNode {
	all := bleve.NewConjunctionQuery()
	for _, term := range strings.Fields(text) {
		subj := bleve.NewMatchQuery(term)
		subj.SetField("subject")
		body := bleve.NewMatchQuery(term)
		body.SetField("body_text")
		att := bleve.NewMatchQuery(term)
		att.SetField("attachment_names")
		all.AddQuery(bleve.NewDisjunctionQuery(subj, body, att))
	}
	return all
}

// tagsNode is a SHOULD-group of exact tag matches; the group as a whole
// is MUST (at least one of the requested tags has to match).
func tagsNode(tags []string) queryNode {
	or := bleve.NewDisjunctionQuery()
	for _, t := range tags {
		tq := bleve.NewTermQuery(t)
		tq.SetField("tag_paths")
		or.AddQuery(tq)
	}
	or.SetMin(1)
	return or
}

func termNode(field, value string) queryNode {
	q := bleve.NewTermQuery(value)
	q.SetField(field)
	return q
}

func matchNode(field, value string) queryNode {
	q := bleve.NewMatchQuery(value)
	q.SetField(field)
	return q
}

func boolNode(field string, value bool) queryNode {
	q := bleve.NewBoolFieldQuery(value)
	q.SetField(field)
	return q
}

func dateRangeNode(field string, since, before *time.Time) queryNode {
	var start, end time.Time
	if since != nil {
		start = *since
	}
	if before != nil {
		end = *before
	} else {
		end = time.Now().AddDate(100, 0, 0)
	}
	q := bleve.NewDateRangeInclusiveQuery(start, end, boolPtr(true), boolPtr(true))
	q.SetField(field)
	return q
}

func numericRangeNode(field string, min, max *int64) queryNode {
	var minF, maxF *float64
	if min != nil {
		v := float64(*min)
		minF = &v
	}
	if max != nil {
		v := float64(*max)
		maxF = &v
	}
	q := bleve.NewNumericRangeInclusiveQuery(minF, maxF, boolPtr(true), boolPtr(true))
	q.SetField(field)
	return q
}

func boolPtr(b bool) *bool { return &b }

// ValidatePage rejects the page/page_size combinations spec.md §4.5 calls
// out explicitly, ahead of ever touching the index.
func ValidatePage(page, pageSize int) error {
	if page == 0 || pageSize == 0 {
		return bicherr.New(bicherr.InvalidParameter, "page and page_size must both be >= 1")
	}
	return nil
}
