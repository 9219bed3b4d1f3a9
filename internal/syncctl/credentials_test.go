package syncctl

import (
	"context"
	"path/filepath"
	"testing"

	"golang.org/x/oauth2"

	"github.com/rustmailer/bichon/internal/cryptutil"
	"github.com/rustmailer/bichon/internal/logging"
	"github.com/rustmailer/bichon/internal/metastore"
)

func newTestStore(t *testing.T) *metastore.Store {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error"})
	if err != nil {
		t.Fatalf("logging.New() error: %v", err)
	}
	dir := t.TempDir()
	store, err := metastore.Open(context.Background(),
		filepath.Join(dir, "meta.db"), filepath.Join(dir, "mailbox.db"), log)
	if err != nil {
		t.Fatalf("metastore.Open() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestBox(t *testing.T) *cryptutil.SecretBox {
	t.Helper()
	box, err := cryptutil.NewSecretBox("test-passphrase")
	if err != nil {
		t.Fatalf("NewSecretBox() error: %v", err)
	}
	return box
}

func TestBuildCredentialsPasswordMode(t *testing.T) {
	store := newTestStore(t)
	box := newTestBox(t)
	ctx := context.Background()

	enc, err := box.Encrypt("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	account := &metastore.Account{
		Host: "imap.example.com", Port: 993, Encryption: metastore.EncryptionTLS,
		Email: "user@example.com", AuthMode: metastore.AuthPassword, PasswordEnc: enc,
	}

	creds, err := buildCredentials(ctx, store, box, account)
	if err != nil {
		t.Fatalf("buildCredentials() error: %v", err)
	}
	if creds.Host != "imap.example.com" || creds.Port != 993 {
		t.Errorf("creds host/port = %s:%d", creds.Host, creds.Port)
	}
	if creds.Password != "s3cret" {
		t.Errorf("Password = %q, want s3cret", creds.Password)
	}
	if creds.TokenSource != nil {
		t.Error("expected no token source in password mode")
	}
}

func TestBuildCredentialsPasswordModeDecryptFailure(t *testing.T) {
	store := newTestStore(t)
	box := newTestBox(t)
	account := &metastore.Account{
		Host: "imap.example.com", AuthMode: metastore.AuthPassword, PasswordEnc: "not-valid-ciphertext",
	}
	if _, err := buildCredentials(context.Background(), store, box, account); err == nil {
		t.Error("expected a decrypt failure for malformed ciphertext")
	}
}

func TestBuildCredentialsOAuth2Mode(t *testing.T) {
	store := newTestStore(t)
	box := newTestBox(t)
	ctx := context.Background()

	cfg, err := store.CreateOAuth2Config(ctx, "google", "client-id", "client-secret",
		"https://example.com/token", "refresh-token", "mail.readonly", box)
	if err != nil {
		t.Fatalf("CreateOAuth2Config() error: %v", err)
	}

	account := &metastore.Account{
		Host: "imap.gmail.com", AuthMode: metastore.AuthOAuth2, OAuth2ConfigID: cfg.ID,
		Email: "user@gmail.com",
	}
	creds, err := buildCredentials(ctx, store, box, account)
	if err != nil {
		t.Fatalf("buildCredentials() error: %v", err)
	}
	if creds.TokenSource == nil {
		t.Error("expected a token source in OAuth2 mode")
	}
}

func TestBuildCredentialsOAuth2ModeDisabledConfig(t *testing.T) {
	store := newTestStore(t)
	box := newTestBox(t)
	ctx := context.Background()

	cfg, err := store.CreateOAuth2Config(ctx, "google", "client-id", "client-secret",
		"https://example.com/token", "refresh-token", "mail.readonly", box)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.DisableOAuth2Config(ctx, cfg.ID); err != nil {
		t.Fatal(err)
	}

	account := &metastore.Account{Host: "imap.gmail.com", AuthMode: metastore.AuthOAuth2, OAuth2ConfigID: cfg.ID}
	if _, err := buildCredentials(ctx, store, box, account); err == nil {
		t.Error("expected a disabled OAuth2 config to be rejected")
	}
}

func TestPersistingTokenSourcePersistsRotatedRefreshToken(t *testing.T) {
	store := newTestStore(t)
	box := newTestBox(t)
	ctx := context.Background()

	cfg, err := store.CreateOAuth2Config(ctx, "google", "client-id", "client-secret",
		"https://example.com/token", "old-refresh", "mail.readonly", box)
	if err != nil {
		t.Fatal(err)
	}

	pts := &persistingTokenSource{
		ctx: ctx, store: store, box: box, cfgID: cfg.ID,
		source: fakeTokenSource{refreshToken: "new-refresh"},
		last:   "old-refresh",
	}
	if _, err := pts.Token(); err != nil {
		t.Fatalf("Token() error: %v", err)
	}

	got, err := store.GetOAuth2Config(ctx, cfg.ID)
	if err != nil {
		t.Fatal(err)
	}
	decrypted, err := box.Decrypt(got.RefreshTokenEnc)
	if err != nil {
		t.Fatal(err)
	}
	if decrypted != "new-refresh" {
		t.Errorf("persisted refresh token = %q, want new-refresh", decrypted)
	}
}

type fakeTokenSource struct {
	refreshToken string
}

func (f fakeTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "access", RefreshToken: f.refreshToken}, nil
}
