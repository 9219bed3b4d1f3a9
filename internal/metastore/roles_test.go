package metastore

import (
	"context"
	"testing"
)

func TestSeedReservedRolesIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SeedReservedRoles(ctx); err != nil {
		t.Fatalf("first SeedReservedRoles() error: %v", err)
	}
	if err := store.SeedReservedRoles(ctx); err != nil {
		t.Fatalf("second SeedReservedRoles() error: %v", err)
	}

	for name := range ReservedRoleNames {
		role, err := store.GetRoleByName(ctx, name)
		if err != nil {
			t.Errorf("GetRoleByName(%q) error: %v", name, err)
			continue
		}
		if !role.Reserved {
			t.Errorf("role %q should be marked reserved", name)
		}
	}
}

func TestGetRoleByNameNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetRoleByName(context.Background(), "nonexistent"); err == nil {
		t.Error("expected an error for an unknown role name")
	}
}

func TestCreateRoleRejectsReservedName(t *testing.T) {
	store := newTestStore(t)
	err := store.CreateRole(context.Background(), &Role{Name: "admin", Kind: RoleGlobal, Permissions: []Permission{PermRoot}})
	if err == nil {
		t.Error("expected creating a role named after a reserved role to fail")
	}
}

func TestCreateAndGetCustomRole(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := &Role{Name: "auditor", Kind: RoleGlobal, Permissions: []Permission{PermDataRead, PermUserView}}
	if err := store.CreateRole(ctx, r); err != nil {
		t.Fatalf("CreateRole() error: %v", err)
	}
	if r.ID == 0 {
		t.Error("expected CreateRole to assign a non-zero id")
	}

	got, err := store.GetRole(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRole() error: %v", err)
	}
	if len(got.Permissions) != 2 {
		t.Errorf("Permissions = %v, want 2 entries", got.Permissions)
	}
}

func TestCreateRoleRejectsDuplicateName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.CreateRole(ctx, &Role{Name: "ops", Kind: RoleGlobal, Permissions: []Permission{PermDataRead}}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateRole(ctx, &Role{Name: "ops", Kind: RoleGlobal, Permissions: []Permission{PermUserView}}); err == nil {
		t.Error("expected a duplicate role name to fail")
	}
}
