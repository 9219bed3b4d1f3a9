package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rustmailer/bichon/internal/metastore"
)

func futureExpiry() time.Time {
	return time.Now().Add(24 * time.Hour)
}

func TestExtractTokenFromAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/accounts", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	if got := extractToken(r); got != "abc123" {
		t.Errorf("extractToken() = %q, want abc123", got)
	}
}

func TestExtractTokenFromQueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/accounts?access_token=xyz789", nil)
	if got := extractToken(r); got != "xyz789" {
		t.Errorf("extractToken() = %q, want xyz789", got)
	}
}

func TestExtractTokenMissing(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/accounts", nil)
	if got := extractToken(r); got != "" {
		t.Errorf("extractToken() = %q, want empty string", got)
	}
}

func TestClientIPSplitsPort(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:54321"
	if got := clientIP(r); got != "192.0.2.10" {
		t.Errorf("clientIP() = %q, want 192.0.2.10", got)
	}
}

func TestClientIPFallsBackWithoutPort(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10"
	if got := clientIP(r); got != "192.0.2.10" {
		t.Errorf("clientIP() = %q, want 192.0.2.10 unchanged", got)
	}
}

func TestIPAllowedEmptyListAllowsEverything(t *testing.T) {
	if !ipAllowed(nil, "203.0.113.5") {
		t.Error("expected an empty allow-list to allow any IP")
	}
}

func TestIPAllowedExactMatch(t *testing.T) {
	if !ipAllowed([]string{"203.0.113.5"}, "203.0.113.5") {
		t.Error("expected an exact IP match to be allowed")
	}
	if ipAllowed([]string{"203.0.113.5"}, "203.0.113.6") {
		t.Error("expected a non-matching IP to be rejected")
	}
}

func TestIPAllowedCIDRMatch(t *testing.T) {
	if !ipAllowed([]string{"203.0.113.0/24"}, "203.0.113.200") {
		t.Error("expected an IP within the allowed CIDR to be allowed")
	}
	if ipAllowed([]string{"203.0.113.0/24"}, "198.51.100.1") {
		t.Error("expected an IP outside the allowed CIDR to be rejected")
	}
}

func TestAuthenticateMissingToken(t *testing.T) {
	store := newTestStore(t)
	auth := NewAuthenticator(store, newMemoryLimiter())

	r := httptest.NewRequest(http.MethodGet, "/accounts", nil)
	if _, err := auth.Authenticate(context.Background(), r); err == nil {
		t.Error("expected an error when no bearer token is supplied")
	}
}

func TestAuthenticateValidTokenResolvesClientContext(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	viewerID := mustRoleID(t, store, "viewer")

	u := &metastore.User{Username: "carol", Email: "carol@example.com", GlobalRoleIDs: []uint64{viewerID}}
	if err := store.CreateUser(ctx, u, "password"); err != nil {
		t.Fatal(err)
	}
	future := futureExpiry()
	tok, err := store.CreateToken(ctx, u.ID, metastore.TokenAPI, "cli", &future)
	if err != nil {
		t.Fatalf("CreateToken() error: %v", err)
	}

	auth := NewAuthenticator(store, newMemoryLimiter())
	r := httptest.NewRequest(http.MethodGet, "/accounts", nil)
	r.Header.Set("Authorization", "Bearer "+tok.Token)
	r.RemoteAddr = "203.0.113.9:1234"

	cc, err := auth.Authenticate(ctx, r)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if cc.User.ID != u.ID {
		t.Errorf("resolved user id = %d, want %d", cc.User.ID, u.ID)
	}
	if cc.IP != "203.0.113.9" {
		t.Errorf("resolved IP = %q, want 203.0.113.9", cc.IP)
	}
}

func TestAuthenticateRejectsIPOutsideAllowList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	viewerID := mustRoleID(t, store, "viewer")

	u := &metastore.User{
		Username: "dave", Email: "dave@example.com",
		GlobalRoleIDs: []uint64{viewerID},
		IPAllowList:   []string{"198.51.100.0/24"},
	}
	if err := store.CreateUser(ctx, u, "password"); err != nil {
		t.Fatal(err)
	}
	future := futureExpiry()
	tok, err := store.CreateToken(ctx, u.ID, metastore.TokenAPI, "cli", &future)
	if err != nil {
		t.Fatalf("CreateToken() error: %v", err)
	}

	auth := NewAuthenticator(store, newMemoryLimiter())
	r := httptest.NewRequest(http.MethodGet, "/accounts", nil)
	r.Header.Set("Authorization", "Bearer "+tok.Token)
	r.RemoteAddr = "203.0.113.9:1234"

	if _, err := auth.Authenticate(ctx, r); err == nil {
		t.Error("expected authentication to fail for an IP outside the allow-list")
	}
}
