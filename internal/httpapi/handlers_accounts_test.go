package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rustmailer/bichon/internal/authz"
	"github.com/rustmailer/bichon/internal/cryptutil"
	"github.com/rustmailer/bichon/internal/logging"
	"github.com/rustmailer/bichon/internal/metastore"
	"github.com/rustmailer/bichon/internal/syncctl"
)

type accountsTestEnv struct {
	server *Server
	store  *metastore.Store
	token  string
}

func newAccountsTestEnv(t *testing.T) *accountsTestEnv {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error"})
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	store, err := metastore.Open(context.Background(),
		filepath.Join(dir, "meta.db"), filepath.Join(dir, "mailbox.db"), log)
	if err != nil {
		t.Fatalf("metastore.Open() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	if err := store.SeedReservedRoles(ctx); err != nil {
		t.Fatal(err)
	}
	adminRole, err := store.GetRoleByName(ctx, "admin")
	if err != nil {
		t.Fatal(err)
	}

	u := &metastore.User{Username: "root", Email: "root@example.com", GlobalRoleIDs: []uint64{adminRole.ID}}
	if err := store.CreateUser(ctx, u, "password"); err != nil {
		t.Fatal(err)
	}
	expire := time.Now().Add(time.Hour)
	tok, err := store.CreateToken(ctx, u.ID, metastore.TokenAPI, "test", &expire)
	if err != nil {
		t.Fatal(err)
	}

	box, err := cryptutil.NewSecretBox("test-passphrase")
	if err != nil {
		t.Fatal(err)
	}
	limiter, err := authz.NewLimiter("", log)
	if err != nil {
		t.Fatal(err)
	}
	auth := authz.NewAuthenticator(store, limiter)
	sync := syncctl.New(store, box, nil, nil, log, 1)
	t.Cleanup(sync.Shutdown)

	server := newTestServer(&Deps{Store: store, Box: box, Auth: auth, Sync: sync, Log: log})
	return &accountsTestEnv{server: server, store: store, token: tok.Token}
}

func (e *accountsTestEnv) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()

	var handler http.HandlerFunc
	switch {
	case method == http.MethodPost && target == "/accounts":
		handler = e.server.withAuth(e.server.handleCreateAccount)
	case method == http.MethodGet && target == "/accounts" || strings.HasPrefix(target, "/accounts?"):
		handler = e.server.withAuth(e.server.handleListAccounts)
	}
	handler(rec, r)
	return rec
}

func TestHandleCreateAccountAndListAccountsRoundTrip(t *testing.T) {
	env := newAccountsTestEnv(t)

	body := `{"email":"box@example.com","kind":"NoSync","host":"imap.example.com","port":993,"encryption":"TLS","auth_mode":"Password","password":"s3cret"}`
	rec := env.do(t, http.MethodPost, "/accounts", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created metastore.Account
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == 0 {
		t.Error("expected a non-zero account id")
	}
	if created.PasswordEnc == "" {
		t.Error("expected the password to be encrypted before persisting")
	}

	listRec := env.do(t, http.MethodGet, "/accounts", "")
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d, body = %s", listRec.Code, listRec.Body.String())
	}
	var listed struct {
		Items []metastore.Account `json:"items"`
		Total int                 `json:"total"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if listed.Total != 1 || len(listed.Items) != 1 {
		t.Fatalf("listed = %+v, want exactly 1 account", listed)
	}
}

func TestHandleCreateAccountRequiresToken(t *testing.T) {
	env := newAccountsTestEnv(t)
	r := httptest.NewRequest(http.MethodPost, "/accounts", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	env.server.withAuth(env.server.handleCreateAccount)(rec, r)
	if rec.Code == http.StatusCreated {
		t.Error("expected account creation to be rejected without a bearer token")
	}
}
