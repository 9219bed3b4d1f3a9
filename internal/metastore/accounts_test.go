package metastore

import (
	"context"
	"testing"
)

func TestCreateAccountAssignsDeterministicID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &Account{Email: "box@example.com"}
	if err := store.CreateAccount(ctx, a); err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}
	if a.ID == 0 {
		t.Error("expected CreateAccount to assign a non-zero id")
	}
	if a.Kind != AccountIMAP {
		t.Errorf("Kind = %q, want default IMAP", a.Kind)
	}
	if a.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want default 50", a.BatchSize)
	}
}

func TestCreateAccountRejectsMissingEmail(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateAccount(context.Background(), &Account{}); err == nil {
		t.Error("expected an error for an account with no email")
	}
}

func TestCreateAccountRejectsConflictingDateFilters(t *testing.T) {
	store := newTestStore(t)
	since := int64(1000)
	before := int64(2000)
	a := &Account{Email: "x@example.com", DateSince: &since, DateBefore: &before}
	if err := store.CreateAccount(context.Background(), a); err == nil {
		t.Error("expected date_since and date_before to be mutually exclusive")
	}
}

func TestGetAccountNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetAccount(context.Background(), 12345); err == nil {
		t.Error("expected an error for an unknown account id")
	}
}

func TestUpdateAccountMutatesAndRevalidates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &Account{Email: "rotate@example.com", DisplayName: "Original"}
	if err := store.CreateAccount(ctx, a); err != nil {
		t.Fatal(err)
	}

	err := store.UpdateAccount(ctx, a.ID, func(acc *Account) error {
		acc.DisplayName = "Renamed"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateAccount() error: %v", err)
	}

	got, err := store.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DisplayName != "Renamed" {
		t.Errorf("DisplayName = %q, want Renamed", got.DisplayName)
	}
}

func TestUpdateAccountUnknownID(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateAccount(context.Background(), 404, func(acc *Account) error { return nil })
	if err == nil {
		t.Error("expected updating a non-existent account to fail")
	}
}

func TestListAccountsScopedByAllowedIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a1 := &Account{Email: "one@example.com"}
	a2 := &Account{Email: "two@example.com"}
	if err := store.CreateAccount(ctx, a1); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateAccount(ctx, a2); err != nil {
		t.Fatal(err)
	}

	all, err := store.ListAccounts(ctx, nil)
	if err != nil {
		t.Fatalf("ListAccounts(nil) error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}

	scoped, err := store.ListAccounts(ctx, []uint64{a1.ID})
	if err != nil {
		t.Fatalf("ListAccounts(scoped) error: %v", err)
	}
	if len(scoped) != 1 || scoped[0].ID != a1.ID {
		t.Errorf("ListAccounts(scoped) = %+v, want only account %d", scoped, a1.ID)
	}
}

func TestDeleteAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &Account{Email: "gone@example.com"}
	if err := store.CreateAccount(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteAccount(ctx, a.ID); err != nil {
		t.Fatalf("DeleteAccount() error: %v", err)
	}
	if _, err := store.GetAccount(ctx, a.ID); err == nil {
		t.Error("expected the deleted account to no longer be retrievable")
	}
	if err := store.DeleteAccount(ctx, a.ID); err == nil {
		t.Error("expected deleting an already-deleted account to fail")
	}
}
