package metastore

import (
	"context"
	"testing"
)

func TestAddAndCheckSkippedUID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	skipped, err := store.IsSkipped(ctx, 1, 2, 100)
	if err != nil {
		t.Fatalf("IsSkipped() error: %v", err)
	}
	if skipped {
		t.Error("expected an untouched UID to not be skipped")
	}

	if err := store.AddSkippedUID(ctx, 1, 2, 100, "fetch failed repeatedly"); err != nil {
		t.Fatalf("AddSkippedUID() error: %v", err)
	}

	skipped, err = store.IsSkipped(ctx, 1, 2, 100)
	if err != nil {
		t.Fatalf("IsSkipped() error: %v", err)
	}
	if !skipped {
		t.Error("expected the recorded UID to be reported as skipped")
	}
}

func TestAddSkippedUIDUpsertsReason(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddSkippedUID(ctx, 1, 2, 5, "first reason"); err != nil {
		t.Fatal(err)
	}
	if err := store.AddSkippedUID(ctx, 1, 2, 5, "updated reason"); err != nil {
		t.Fatal(err)
	}

	list, err := store.ListSkippedUIDs(ctx, 1, 2)
	if err != nil {
		t.Fatalf("ListSkippedUIDs() error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1 (conflict should upsert, not duplicate)", len(list))
	}
	if list[0].Reason != "updated reason" {
		t.Errorf("Reason = %q, want updated reason", list[0].Reason)
	}
}

func TestClearSkipSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddSkippedUID(ctx, 1, 2, 10, "r"); err != nil {
		t.Fatal(err)
	}
	if err := store.AddSkippedUID(ctx, 1, 2, 11, "r"); err != nil {
		t.Fatal(err)
	}
	if err := store.ClearSkipSet(ctx, 1, 2); err != nil {
		t.Fatalf("ClearSkipSet() error: %v", err)
	}

	list, err := store.ListSkippedUIDs(ctx, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("len(list) = %d, want 0 after clearing", len(list))
	}
}
