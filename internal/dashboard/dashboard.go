// Package dashboard composes C5's raw aggregates with account metadata
// into the response shape spec.md §4.5's get_dashboard_stats() and
// top_10_largest_emails() describe.
package dashboard

import (
	"context"
	"strconv"
	"time"

	"github.com/rustmailer/bichon/internal/metastore"
	"github.com/rustmailer/bichon/internal/searchindex"
)

// Sender/Account term counts, resolved for display.
type NamedCount struct {
	Label string
	Count int
}

// LargestEmail is one row of the top-10-by-size list.
type LargestEmail struct {
	EnvelopeID   uint64
	AccountID    uint64
	Subject      string
	From         string
	Size         int64
	InternalDate time.Time
}

// Stats is the fully resolved dashboard payload.
type Stats struct {
	TotalSizeBytes         int64
	RecentActivity         []searchindex.DayBucket
	TopSenders             []NamedCount
	TopAccounts            []NamedCount
	WithAttachmentCount    int64
	WithoutAttachmentCount int64
	Top10LargestEmails     []LargestEmail
}

// Build assembles the dashboard for the accounts the caller is allowed to
// see (nil/empty means unrestricted).
func Build(ctx context.Context, idx *searchindex.EnvelopeIndex, store *metastore.Store, allowedAccounts []uint64, now time.Time) (*Stats, error) {
	raw, err := idx.GetDashboardStats(ctx, allowedAccounts, now)
	if err != nil {
		return nil, err
	}
	largest, err := idx.Top10LargestEmails(ctx, allowedAccounts)
	if err != nil {
		return nil, err
	}

	out := &Stats{
		TotalSizeBytes:         raw.TotalSizeBytes,
		RecentActivity:         raw.RecentActivity,
		WithAttachmentCount:    raw.WithAttachmentCount,
		WithoutAttachmentCount: raw.WithoutAttachmentCount,
	}

	for _, s := range raw.TopSenders {
		out.TopSenders = append(out.TopSenders, NamedCount{Label: s.Term, Count: s.Count})
	}
	for _, a := range raw.TopAccounts {
		out.TopAccounts = append(out.TopAccounts, NamedCount{Label: resolveAccountLabel(ctx, store, a.Term), Count: a.Count})
	}
	for _, h := range largest {
		out.Top10LargestEmails = append(out.Top10LargestEmails, LargestEmail{
			EnvelopeID:   h.ID,
			AccountID:    h.AccountID,
			Subject:      h.Subject,
			From:         h.From,
			Size:         h.Size,
			InternalDate: h.InternalDate,
		})
	}
	return out, nil
}

// resolveAccountLabel turns a facet term (the account id as a string)
// into the account's email, falling back to the raw id if lookup fails.
func resolveAccountLabel(ctx context.Context, store *metastore.Store, idStr string) string {
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return idStr
	}
	acct, err := store.GetAccount(ctx, id)
	if err != nil || acct == nil {
		return idStr
	}
	return acct.Email
}
