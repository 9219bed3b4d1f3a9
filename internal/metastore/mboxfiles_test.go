package metastore

import (
	"context"
	"testing"
)

func TestRegisterMboxFileIsIdempotentByPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.RegisterMboxFile(ctx, 1, "/data/mbox/inbox.mbox")
	if err != nil {
		t.Fatalf("RegisterMboxFile() error: %v", err)
	}
	second, err := store.RegisterMboxFile(ctx, 1, "/data/mbox/inbox.mbox")
	if err != nil {
		t.Fatalf("RegisterMboxFile() second call error: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected the same path to resolve to the same id, got %d and %d", first.ID, second.ID)
	}
}

func TestListMboxFilesForAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RegisterMboxFile(ctx, 7, "/a.mbox"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.RegisterMboxFile(ctx, 7, "/b.mbox"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.RegisterMboxFile(ctx, 8, "/c.mbox"); err != nil {
		t.Fatal(err)
	}

	files, err := store.ListMboxFilesForAccount(ctx, 7)
	if err != nil {
		t.Fatalf("ListMboxFilesForAccount() error: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("len(files) = %d, want 2", len(files))
	}
}

func TestDeleteMboxFile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	f, err := store.RegisterMboxFile(ctx, 1, "/delete-me.mbox")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteMboxFile(ctx, f.ID); err != nil {
		t.Fatalf("DeleteMboxFile() error: %v", err)
	}
	if _, err := store.GetMboxFile(ctx, f.ID); err == nil {
		t.Error("expected the deleted mbox file to no longer be retrievable")
	}
}

func TestGetMboxFileByPathNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetMboxFileByPath(context.Background(), "/nope.mbox"); err == nil {
		t.Error("expected an error for an unregistered path")
	}
}
