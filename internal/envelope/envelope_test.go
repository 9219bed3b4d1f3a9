package envelope

import (
	"strings"
	"testing"
	"time"
)

const plainMessage = "From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.com>\r\n" +
	"Subject: Quarterly report\r\n" +
	"Message-Id: <msg1@example.com>\r\n" +
	"Date: Mon, 02 Jan 2023 15:04:05 +0000\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"The numbers are attached.\r\n"

func TestExtractPlainMessage(t *testing.T) {
	rec, err := Extract([]byte(plainMessage), time.Time{}, 0)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if rec.Subject != "Quarterly report" {
		t.Errorf("Subject = %q, want %q", rec.Subject, "Quarterly report")
	}
	if len(rec.From) != 1 || rec.From[0].Address != "alice@example.com" {
		t.Errorf("From = %+v, want alice@example.com", rec.From)
	}
	if len(rec.To) != 1 || rec.To[0].Address != "bob@example.com" {
		t.Errorf("To = %+v, want bob@example.com", rec.To)
	}
	if !strings.Contains(rec.IndexableText, "numbers are attached") {
		t.Errorf("IndexableText = %q, expected the body text", rec.IndexableText)
	}
	if rec.HasAttachment {
		t.Error("expected a plain single-part message to have no attachment")
	}
	if rec.Size != int64(len(plainMessage)) {
		t.Errorf("Size = %d, want %d (fell back to body length)", rec.Size, len(plainMessage))
	}
}

func TestExtractReportedSizeWins(t *testing.T) {
	rec, err := Extract([]byte(plainMessage), time.Time{}, 12345)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if rec.Size != 12345 {
		t.Errorf("Size = %d, want the server-reported 12345", rec.Size)
	}
}

func TestExtractMalformedBodyFallsBackToRawText(t *testing.T) {
	malformed := []byte("not a valid mime message at all, just bytes")
	rec, err := Extract(malformed, time.Time{}, 0)
	if err != nil {
		t.Fatalf("Extract() should never error on malformed input, got: %v", err)
	}
	if rec.IndexableText != string(malformed) {
		t.Errorf("IndexableText = %q, want the raw body echoed back", rec.IndexableText)
	}
}

func TestExtractInternalDateFallsBackToHeaderDate(t *testing.T) {
	rec, err := Extract([]byte(plainMessage), time.Time{}, 0)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if rec.InternalDate.IsZero() {
		t.Error("expected InternalDate to fall back to the header Date when unset")
	}
}

func TestExtractWithAttachment(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: With attachment\r\n" +
		"Content-Type: multipart/mixed; boundary=BOUND\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--BOUND\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"\r\n" +
		"%PDF-1.4 fake content\r\n" +
		"--BOUND--\r\n"

	rec, err := Extract([]byte(raw), time.Time{}, 0)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if !rec.HasAttachment {
		t.Error("expected an attachment part with disposition=attachment to set HasAttachment")
	}
	if len(rec.Attachments) != 1 || rec.Attachments[0].Filename != "report.pdf" {
		t.Errorf("Attachments = %+v, want one entry named report.pdf", rec.Attachments)
	}
}

func TestExtractInlineImageNotCountedAsAttachment(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: Inline image\r\n" +
		"Content-Type: multipart/related; boundary=BOUND\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>hello</p>\r\n" +
		"--BOUND\r\n" +
		"Content-Type: image/png\r\n" +
		"Content-Disposition: inline; filename=\"logo.png\"\r\n" +
		"Content-Id: <logo123>\r\n" +
		"\r\n" +
		"binarydata\r\n" +
		"--BOUND--\r\n"

	rec, err := Extract([]byte(raw), time.Time{}, 0)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if rec.HasAttachment {
		t.Error("expected an inline attachment to not set HasAttachment")
	}
	if len(rec.Attachments) != 1 || rec.Attachments[0].ContentID != "logo123" {
		t.Errorf("Attachments = %+v, want one inline entry with ContentID logo123", rec.Attachments)
	}
}

func TestNormalizeSubjectStripsReplyForwardPrefixes(t *testing.T) {
	cases := map[string]string{
		"Re: Hello":          "Hello",
		"RE: FW: Hello":      "Hello",
		"Fwd: Re: Hello":     "Hello",
		"Hello":              "Hello",
		"  Re:   Hello  ":    "Hello",
	}
	for in, want := range cases {
		if got := normalizeSubject(in); got != want {
			t.Errorf("normalizeSubject(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDeriveThreadIDPrefersReferencesOverSubject(t *testing.T) {
	headerWithRefs := "From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: Re: Thread\r\n" +
		"References: <root@example.com> <reply1@example.com>\r\n" +
		"\r\n" +
		"body\r\n"
	headerWithoutRefs := "From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: Re: Thread\r\n" +
		"\r\n" +
		"body\r\n"

	withRefs, err := Extract([]byte(headerWithRefs), time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	withoutRefs, err := Extract([]byte(headerWithoutRefs), time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if withRefs.ThreadID == withoutRefs.ThreadID {
		t.Error("expected References to change the derived thread id versus the subject-only fallback")
	}
}

func TestDeriveThreadIDSameNormalizedSubjectSameThread(t *testing.T) {
	a, err := Extract([]byte(strings.Replace(plainMessage, "Subject: Quarterly report", "Subject: Quarterly report", 1)), time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Extract([]byte(strings.Replace(plainMessage, "Subject: Quarterly report", "Subject: Re: Quarterly report", 1)), time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if a.ThreadID != b.ThreadID {
		t.Error("expected a Re: reply to normalize to the same thread id as the original subject")
	}
}
