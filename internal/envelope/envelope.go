// Package envelope turns an RFC822 byte buffer plus IMAP fetch attributes
// into an indexable envelope record. It is pure: no file descriptors, no
// network calls, no database access.
package envelope

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"time"

	emmail "github.com/emersion/go-message/mail"
	"golang.org/x/net/html"

	"github.com/cespare/xxhash/v2"
)

// Address is a flattened recipient or sender (group members expanded).
type Address struct {
	Name    string
	Address string
}

// Attachment describes one non-body MIME part.
type Attachment struct {
	Filename    string
	Size        int64
	Inline      bool
	ContentType string
	ContentID   string
}

// Record is the fully extracted envelope, ready for the index writer.
type Record struct {
	MessageID      string
	Subject        string
	From           []Address
	To             []Address
	Cc             []Address
	Bcc            []Address
	Date           time.Time
	InternalDate   time.Time
	Size           int64
	ThreadID       uint64
	Attachments    []Attachment
	HasAttachment  bool
	IndexableText  string
}

var replyForwardPrefix = regexp.MustCompile(`(?i)^\s*(re|fwd?|aw|antw)\s*:\s*`)

// Extract parses a full RFC822 body plus the IMAP-reported internal date
// and size into a Record (spec.md §4.4). size and internalDate are the
// server-reported values; when zero they fall back to the body's own
// length and header date respectively.
func Extract(body []byte, internalDate time.Time, reportedSize int64) (*Record, error) {
	r := &Record{InternalDate: internalDate, Size: reportedSize}
	if r.Size == 0 {
		r.Size = int64(len(body))
	}

	mr, err := emmail.CreateReader(bytes.NewReader(body))
	if err != nil {
		// Malformed message: still index the raw bytes as best-effort text.
		r.IndexableText = string(body)
		r.ThreadID = hashSubject(r.Subject)
		return r, nil
	}
	defer mr.Close()

	h := mr.Header
	r.MessageID, _ = h.MessageID()
	subj, _ := h.Subject()
	r.Subject = subj

	if date, err := h.Date(); err == nil {
		r.Date = date
	}
	if r.Date.IsZero() {
		r.Date = internalDate
	}
	if r.InternalDate.IsZero() {
		r.InternalDate = r.Date
	}

	r.From = flattenAddrList(h, "From")
	r.To = flattenAddrList(h, "To")
	r.Cc = flattenAddrList(h, "Cc")
	r.Bcc = flattenAddrList(h, "Bcc")

	var textParts []string
	walkParts(mr, &r.Attachments, &textParts)

	r.IndexableText = strings.Join(textParts, "\n")
	for _, a := range r.Attachments {
		if !a.Inline {
			r.HasAttachment = true
			break
		}
	}

	r.ThreadID = deriveThreadID(h, r.Subject)
	return r, nil
}

// flattenAddrList expands group members into individual addresses.
func flattenAddrList(h emmail.Header, field string) []Address {
	list, err := h.AddressList(field)
	if err != nil || list == nil {
		return nil
	}
	var out []Address
	for _, a := range list {
		out = append(out, Address{Name: a.Name, Address: a.Address})
	}
	return out
}

// walkParts recurses the MIME tree, collecting attachment metadata and
// indexable text, including text nested inside message/rfc822 parts.
func walkParts(mr *emmail.Reader, attachments *[]Attachment, textParts *[]string) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			return
		}

		switch header := part.Header.(type) {
		case *emmail.InlineHeader:
			ct, params, _ := header.ContentType()
			body, _ := io.ReadAll(part.Body)
			switch {
			case strings.HasPrefix(ct, "text/plain"):
				*textParts = append(*textParts, decodeCharset(body, params))
			case strings.HasPrefix(ct, "text/html"):
				*textParts = append(*textParts, htmlToText(decodeCharset(body, params)))
			case ct == "message/rfc822":
				if nested, err := Extract(body, time.Time{}, 0); err == nil {
					*textParts = append(*textParts, nested.Subject, nested.IndexableText)
					*attachments = append(*attachments, nested.Attachments...)
				}
			default:
				// Inline non-text parts (e.g. cid:-referenced images) are
				// listed as inline attachments.
				ah := emmail.AttachmentHeader{Header: header.Header}
				filename, _ := ah.Filename()
				*attachments = append(*attachments, Attachment{
					Filename:    filename,
					Size:        int64(len(body)),
					ContentType: ct,
					ContentID:   strings.Trim(header.Get("Content-Id"), "<>"),
					Inline:      true,
				})
			}
		case *emmail.AttachmentHeader:
			filename, _ := header.Filename()
			ct, _, _ := header.ContentType()
			body, _ := io.ReadAll(part.Body)
			contentID := header.Get("Content-Id")
			disp, _, _ := header.ContentDisposition()

			att := Attachment{
				Filename:    filename,
				Size:        int64(len(body)),
				ContentType: ct,
				ContentID:   strings.Trim(contentID, "<>"),
				Inline:      disp == "inline",
			}
			*attachments = append(*attachments, att)

			// Decoded text attachments, and the text of attached
			// messages, remain searchable.
			if strings.HasPrefix(ct, "text/") {
				*textParts = append(*textParts, string(body))
			} else if ct == "message/rfc822" {
				if nested, err := Extract(body, time.Time{}, 0); err == nil {
					*textParts = append(*textParts, nested.Subject, nested.IndexableText)
				}
			}
		}
	}
}

func decodeCharset(body []byte, params map[string]string) string {
	// go-message's mail.Reader already transfer-decodes; charset conversion
	// beyond UTF-8/ASCII is out of scope (SPEC_FULL.md Non-goals carry the
	// original spec's silence on exotic charsets forward as-is).
	_ = params
	return string(body)
}

func htmlToText(input string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(input))
	var sb strings.Builder
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return sb.String()
		case html.TextToken:
			sb.Write(tokenizer.Text())
			sb.WriteByte(' ')
		}
	}
}

// deriveThreadID implements the tie-break policy: prefer the root
// References/In-Reply-To chain over the normalized-subject hash when both
// signals are present and disagree (spec.md §4.4).
func deriveThreadID(h emmail.Header, subject string) uint64 {
	if refs := h.Get("References"); refs != "" {
		fields := strings.Fields(refs)
		if len(fields) > 0 {
			return hashMessageID(fields[0])
		}
	}
	if inReplyTo := h.Get("In-Reply-To"); inReplyTo != "" {
		return hashMessageID(inReplyTo)
	}
	return hashSubject(subject)
}

func hashMessageID(id string) uint64 {
	h := xxhash.New()
	h.WriteString(strings.Trim(id, "<> \t"))
	return h.Sum64()
}

func hashSubject(subject string) uint64 {
	normalized := normalizeSubject(subject)
	h := xxhash.New()
	h.WriteString(normalized)
	return h.Sum64()
}

func normalizeSubject(subject string) string {
	s := subject
	for {
		trimmed := replyForwardPrefix.ReplaceAllString(s, "")
		if trimmed == s {
			break
		}
		s = trimmed
	}
	return strings.TrimSpace(s)
}
