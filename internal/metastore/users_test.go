package metastore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rustmailer/bichon/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	log, err := logging.New(logging.Config{Level: "error"})
	if err != nil {
		t.Fatalf("logging.New() error: %v", err)
	}
	store, err := Open(context.Background(), filepath.Join(dir, "meta.db"), filepath.Join(dir, "mailbox.db"), log)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndAuthenticateUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u := &User{Username: "alice", Email: "alice@example.com"}
	if err := store.CreateUser(ctx, u, "s3cret-password"); err != nil {
		t.Fatalf("CreateUser() error: %v", err)
	}
	if u.ID == 0 {
		t.Error("expected CreateUser to assign a non-zero id")
	}

	got, err := store.AuthenticateUser(ctx, "alice", "s3cret-password")
	if err != nil {
		t.Fatalf("AuthenticateUser(username) error: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("AuthenticateUser(username) resolved id %d, want %d", got.ID, u.ID)
	}

	if _, err := store.AuthenticateUser(ctx, "alice@example.com", "s3cret-password"); err != nil {
		t.Errorf("AuthenticateUser(email) error: %v", err)
	}

	if _, err := store.AuthenticateUser(ctx, "alice", "wrong-password"); err == nil {
		t.Error("expected wrong password to fail authentication")
	}
}

func TestCreateUserRequiresUsernameAndEmail(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateUser(context.Background(), &User{Email: "no-username@example.com"}, "pw"); err == nil {
		t.Error("expected an error when username is empty")
	}
}

func TestCreateUserRejectsDuplicateUsername(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.CreateUser(ctx, &User{Username: "bob", Email: "bob@example.com"}, "pw"); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateUser(ctx, &User{Username: "bob", Email: "other@example.com"}, "pw"); err == nil {
		t.Error("expected a duplicate username to fail")
	}
}

func TestSetAccountAccessAndStrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u := &User{Username: "carol", Email: "carol@example.com"}
	if err := store.CreateUser(ctx, u, "pw"); err != nil {
		t.Fatal(err)
	}

	if err := store.SetAccountAccess(ctx, u.ID, 42, 7); err != nil {
		t.Fatalf("SetAccountAccess() error: %v", err)
	}
	reloaded, err := store.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.AccountAccess[42] != 7 {
		t.Errorf("AccountAccess[42] = %d, want 7", reloaded.AccountAccess[42])
	}

	if err := store.StripAccountFromAllUsers(ctx, 42); err != nil {
		t.Fatalf("StripAccountFromAllUsers() error: %v", err)
	}
	reloaded, err = store.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reloaded.AccountAccess[42]; ok {
		t.Error("expected account 42 to be stripped from the user's access map")
	}
}

func TestDeleteUserProtectsReservedAdmin(t *testing.T) {
	store := newTestStore(t)
	if err := store.DeleteUser(context.Background(), ReservedAdminUserID); err == nil {
		t.Error("expected deleting the reserved admin user to fail")
	}
}

func TestDeleteUserNotFound(t *testing.T) {
	store := newTestStore(t)
	if err := store.DeleteUser(context.Background(), 99999); err == nil {
		t.Error("expected deleting a non-existent user to fail")
	}
}
