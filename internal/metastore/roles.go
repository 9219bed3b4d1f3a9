package metastore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rustmailer/bichon/internal/bicherr"
)

// RoleKind constrains which permissions a role may carry (spec.md §3).
type RoleKind string

const (
	RoleGlobal  RoleKind = "Global"
	RoleAccount RoleKind = "Account"
)

// Permission is one of the closed set of strings spec.md §3 names.
type Permission string

const (
	PermRoot                Permission = "ROOT"
	PermUserManage          Permission = "USER_MANAGE"
	PermUserView            Permission = "USER_VIEW"
	PermAccountCreate       Permission = "ACCOUNT_CREATE"
	PermAccountManage       Permission = "ACCOUNT_MANAGE"
	PermAccountManageAll    Permission = "ACCOUNT_MANAGE_ALL"
	PermAccountReadDetails  Permission = "ACCOUNT_READ_DETAILS"
	PermDataRead            Permission = "DATA_READ"
	PermDataReadAll         Permission = "DATA_READ_ALL"
	PermDataDelete          Permission = "DATA_DELETE"
	PermDataDeleteAll       Permission = "DATA_DELETE_ALL"
	PermDataRawDownload     Permission = "DATA_RAW_DOWNLOAD"
	PermDataRawDownloadAll  Permission = "DATA_RAW_DOWNLOAD_ALL"
	PermDataManage          Permission = "DATA_MANAGE"
	PermDataExportBatch     Permission = "DATA_EXPORT_BATCH"
	PermDataExportBatchAll  Permission = "DATA_EXPORT_BATCH_ALL"
)

// Role groups a set of permissions (spec.md §3). Reserved roles
// admin/manager/viewer are system-built and immutable.
type Role struct {
	ID          uint64
	Name        string
	Kind        RoleKind
	Permissions []Permission
	Reserved    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReservedRoleNames are the system-built, immutable roles.
var ReservedRoleNames = map[string]bool{"admin": true, "manager": true, "viewer": true}

// DefaultAccountManagerRole is the account-scoped role granted to an
// account's owner on creation (spec.md §3 lifecycle).
const DefaultAccountManagerRole = "DEFAULT_ACCOUNT_MANAGER"

// SeedReservedRoles creates the system-built roles if they do not already
// exist; safe to call on every startup.
func (s *Store) SeedReservedRoles(ctx context.Context) error {
	seeds := []Role{
		{Name: "admin", Kind: RoleGlobal, Permissions: []Permission{PermRoot}, Reserved: true},
		{
			Name: "manager", Kind: RoleGlobal, Reserved: true,
			Permissions: []Permission{
				PermUserView, PermAccountCreate, PermAccountManageAll,
				PermDataReadAll, PermDataDeleteAll, PermDataRawDownloadAll, PermDataManage,
			},
		},
		{
			Name: "viewer", Kind: RoleGlobal, Reserved: true,
			Permissions: []Permission{PermDataRead},
		},
		{
			Name: DefaultAccountManagerRole, Kind: RoleAccount, Reserved: true,
			Permissions: []Permission{PermAccountManage},
		},
	}

	for _, r := range seeds {
		if err := s.createRoleIfAbsent(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) createRoleIfAbsent(ctx context.Context, r Role) error {
	now := time.Now()
	_, err := s.Meta.ExecContext(ctx, `
		INSERT INTO roles (name, kind, permissions, reserved, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(name) DO NOTHING`,
		r.Name, string(r.Kind), joinPermissions(r.Permissions), 1, now.Unix(), now.Unix(),
	)
	if err != nil {
		return bicherr.Wrap(bicherr.InternalError, "failed to seed role: "+r.Name, err)
	}
	return nil
}

// GetRole loads a role by id.
func (s *Store) GetRole(ctx context.Context, id uint64) (*Role, error) {
	row := s.Meta.QueryRowContext(ctx,
		"SELECT id, name, kind, permissions, reserved, created_at, updated_at FROM roles WHERE id = ?", id)
	return scanRole(row)
}

// GetRoleByName looks up a role by its unique name, used to resolve the
// reserved role ids (e.g. DEFAULT_ACCOUNT_MANAGER) seeded at startup.
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	row := s.Meta.QueryRowContext(ctx,
		"SELECT id, name, kind, permissions, reserved, created_at, updated_at FROM roles WHERE name = ?", name)
	return scanRole(row)
}

// CreateRole inserts a custom (non-reserved) role.
func (s *Store) CreateRole(ctx context.Context, r *Role) error {
	if ReservedRoleNames[r.Name] {
		return bicherr.New(bicherr.AlreadyExists, "role name is reserved")
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	res, err := s.Meta.ExecContext(ctx,
		"INSERT INTO roles (name, kind, permissions, reserved, created_at, updated_at) VALUES (?,?,?,0,?,?)",
		r.Name, string(r.Kind), joinPermissions(r.Permissions), now.Unix(), now.Unix())
	if err != nil {
		return bicherr.Wrap(bicherr.AlreadyExists, "role name already in use", err)
	}
	id, _ := res.LastInsertId()
	r.ID = uint64(id)
	return nil
}

func scanRole(row rowScanner) (*Role, error) {
	var r Role
	var kind, perms string
	var reserved int
	var createdAt, updatedAt int64
	if err := row.Scan(&r.ID, &r.Name, &kind, &perms, &reserved, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, bicherr.New(bicherr.ResourceNotFound, "role not found")
		}
		return nil, bicherr.Wrap(bicherr.InternalError, "failed to load role", err)
	}
	r.Kind = RoleKind(kind)
	r.Permissions = splitPermissions(perms)
	r.Reserved = reserved != 0
	r.CreatedAt = time.Unix(createdAt, 0)
	r.UpdatedAt = time.Unix(updatedAt, 0)
	return &r, nil
}

func joinPermissions(perms []Permission) string {
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

func splitPermissions(s string) []Permission {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]Permission, len(parts))
	for i, p := range parts {
		out[i] = Permission(p)
	}
	return out
}
