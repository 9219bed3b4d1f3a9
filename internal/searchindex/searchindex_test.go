package searchindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rustmailer/bichon/internal/envelope"
	"github.com/rustmailer/bichon/internal/logging"
)

func newTestLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error"})
	if err != nil {
		t.Fatalf("logging.New() error: %v", err)
	}
	return log
}

func TestExplodeTagPathsBuildsCumulativePrefixes(t *testing.T) {
	paths := explodeTagPaths([]string{"work/invoices/2024"})
	want := []string{"/", "/work", "/work/invoices", "/work/invoices/2024"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i, p := range want {
		if paths[i] != p {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], p)
		}
	}
}

func TestExplodeTagPathsDedupesAcrossTags(t *testing.T) {
	paths := explodeTagPaths([]string{"work/a", "work/b"})
	count := 0
	for _, p := range paths {
		if p == "/work" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("\"/work\" appeared %d times, want 1", count)
	}
}

func TestEnvelopeIDIsDeterministic(t *testing.T) {
	a := EnvelopeID(1, 2, 100)
	b := EnvelopeID(1, 2, 100)
	if a != b {
		t.Errorf("EnvelopeID is not deterministic: %d != %d", a, b)
	}
	c := EnvelopeID(1, 2, 101)
	if a == c {
		t.Error("expected different uids to produce different ids")
	}
}

func testRecord() *envelope.Record {
	return &envelope.Record{
		MessageID:     "<abc@example.com>",
		Subject:       "Quarterly report",
		From:          []envelope.Address{{Name: "Alice", Address: "alice@example.com"}},
		To:            []envelope.Address{{Name: "Bob", Address: "bob@example.com"}},
		InternalDate:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Size:          1234,
		ThreadID:      55,
		HasAttachment: true,
		Attachments:   []envelope.Attachment{{Filename: "report.pdf", Size: 500}},
		IndexableText: "Quarterly report body text",
	}
}

func TestEnvelopeIndexRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "envidx")
	log := newTestLogger(t)

	ei, err := OpenEnvelopeIndex(dir, log)
	if err != nil {
		t.Fatalf("OpenEnvelopeIndex() error: %v", err)
	}

	id := ei.IndexEnvelope(1, 2, 100, []string{"work/invoices"}, testRecord())
	if err := ei.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	ei, err = OpenEnvelopeIndex(dir, log)
	if err != nil {
		t.Fatalf("reopen OpenEnvelopeIndex() error: %v", err)
	}
	defer ei.Close()

	ctx := context.Background()
	page, err := ei.ListMailboxEnvelopes(ctx, 1, 2, 1, 10, true)
	if err != nil {
		t.Fatalf("ListMailboxEnvelopes() error: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("Total = %d, want 1", page.Total)
	}
	hit := page.Hits[0]
	if hit.ID != id {
		t.Errorf("hit.ID = %d, want %d", hit.ID, id)
	}
	if hit.Subject != "Quarterly report" {
		t.Errorf("Subject = %q", hit.Subject)
	}
	if !hit.HasAttachment {
		t.Error("expected HasAttachment to be true")
	}

	maxUID, err := ei.GetMaxUID(ctx, 1, 2)
	if err != nil {
		t.Fatalf("GetMaxUID() error: %v", err)
	}
	if maxUID != 100 {
		t.Errorf("GetMaxUID() = %d, want 100", maxUID)
	}

	n, err := ei.NumMessagesInMailbox(ctx, 1, 2)
	if err != nil {
		t.Fatalf("NumMessagesInMailbox() error: %v", err)
	}
	if n != 1 {
		t.Errorf("NumMessagesInMailbox() = %d, want 1", n)
	}

	tags, err := ei.GetAllTags(ctx, nil)
	if err != nil {
		t.Fatalf("GetAllTags() error: %v", err)
	}
	var sawRoot bool
	for _, tc := range tags {
		if tc.FacetPath == "/" {
			sawRoot = true
		}
	}
	if !sawRoot {
		t.Error("expected the root tag path \"/\" to be counted")
	}
}

func TestGetDashboardStatsSplitsByAttachment(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "envidx")
	log := newTestLogger(t)

	ei, err := OpenEnvelopeIndex(dir, log)
	if err != nil {
		t.Fatalf("OpenEnvelopeIndex() error: %v", err)
	}

	withAttachment := testRecord()
	withAttachment.HasAttachment = true
	ei.IndexEnvelope(1, 2, 100, nil, withAttachment)

	noAttachment := testRecord()
	noAttachment.HasAttachment = false
	noAttachment.Attachments = nil
	ei.IndexEnvelope(1, 2, 101, nil, noAttachment)
	ei.IndexEnvelope(1, 2, 102, nil, noAttachment)

	if err := ei.Close(); err != nil {
		t.Fatal(err)
	}

	ei, err = OpenEnvelopeIndex(dir, log)
	if err != nil {
		t.Fatal(err)
	}
	defer ei.Close()

	stats, err := ei.GetDashboardStats(context.Background(), nil, time.Now())
	if err != nil {
		t.Fatalf("GetDashboardStats() error: %v", err)
	}
	if stats.WithAttachmentCount != 1 {
		t.Errorf("WithAttachmentCount = %d, want 1", stats.WithAttachmentCount)
	}
	if stats.WithoutAttachmentCount != 2 {
		t.Errorf("WithoutAttachmentCount = %d, want 2", stats.WithoutAttachmentCount)
	}
}

func TestEnvelopeIndexDeleteAccountEnvelopes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "envidx")
	log := newTestLogger(t)

	ei, err := OpenEnvelopeIndex(dir, log)
	if err != nil {
		t.Fatalf("OpenEnvelopeIndex() error: %v", err)
	}
	ei.IndexEnvelope(9, 2, 1, nil, testRecord())
	if err := ei.Close(); err != nil {
		t.Fatal(err)
	}

	ei, err = OpenEnvelopeIndex(dir, log)
	if err != nil {
		t.Fatal(err)
	}
	defer ei.Close()

	ctx := context.Background()
	if err := ei.DeleteAccountEnvelopes(ctx, 9); err != nil {
		t.Fatalf("DeleteAccountEnvelopes() error: %v", err)
	}
	n, err := ei.NumMessagesInMailbox(ctx, 9, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("NumMessagesInMailbox() after delete = %d, want 0", n)
	}
}

func TestScopeToAccountsNoRestrictionReturnsSameQuery(t *testing.T) {
	base := termQuery("account_id", 1)
	got := scopeToAccounts(base, nil)
	if got != base {
		t.Error("expected an empty allow-list to return the original query unchanged")
	}
}

type fakeMboxResolver struct {
	path string
}

func (f fakeMboxResolver) PathForMboxFile(ctx context.Context, mboxFileID uint64) (string, error) {
	return f.path, nil
}

func TestEMLIndexInlineRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "emlidx")
	log := newTestLogger(t)

	ei, err := OpenEMLIndex(dir, t.TempDir(), log)
	if err != nil {
		t.Fatalf("OpenEMLIndex() error: %v", err)
	}
	ei.PutInline(42, 1, 2, []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err := ei.Close(); err != nil {
		t.Fatal(err)
	}

	ei, err = OpenEMLIndex(dir, t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}
	defer ei.Close()

	body, err := ei.Get(context.Background(), 42, fakeMboxResolver{})
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(body) != "Subject: hi\r\n\r\nbody\r\n" {
		t.Errorf("Get() = %q", body)
	}
}

func TestEMLIndexLocatorRoundTrip(t *testing.T) {
	mboxPath := filepath.Join(t.TempDir(), "archive.mbox")
	content := "From a@b Mon Jan 1 00:00:00 2024\r\nSubject: hi\r\n\r\nbody\r\n"
	if err := writeFile(mboxPath, content); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(t.TempDir(), "emlidx")
	log := newTestLogger(t)
	ei, err := OpenEMLIndex(dir, t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}

	sep := "From a@b Mon Jan 1 00:00:00 2024\r\n"
	rest := "Subject: hi\r\n\r\nbody\r\n"
	ei.PutLocator(7, 1, 2, 1, int64(len(sep)), int64(len(rest)))
	if err := ei.Close(); err != nil {
		t.Fatal(err)
	}

	ei, err = OpenEMLIndex(dir, t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}
	defer ei.Close()

	body, err := ei.Get(context.Background(), 7, fakeMboxResolver{path: mboxPath})
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(body) != rest {
		t.Errorf("Get() = %q, want %q", body, rest)
	}
}

func TestEMLIndexGetMissingReturnsError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "emlidx")
	log := newTestLogger(t)
	ei, err := OpenEMLIndex(dir, t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}
	defer ei.Close()

	if _, err := ei.Get(context.Background(), 999, fakeMboxResolver{}); err == nil {
		t.Error("expected an error for an unindexed message id")
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
