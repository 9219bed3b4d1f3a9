// Package authz resolves bearer tokens to users and enforces the
// permission, IP allow-list, and rate-limit rules of spec.md §4.9.
package authz

import (
	"context"

	"github.com/rustmailer/bichon/internal/bicherr"
	"github.com/rustmailer/bichon/internal/metastore"
)

// globalImplications lists permissions that a granted permission also
// satisfies, without an account scope (spec.md §4.9).
var globalImplications = map[metastore.Permission][]metastore.Permission{
	metastore.PermDataReadAll:        {metastore.PermDataRead},
	metastore.PermDataDeleteAll:      {metastore.PermDataDelete},
	metastore.PermDataRawDownloadAll: {metastore.PermDataRawDownload},
	metastore.PermDataExportBatchAll: {metastore.PermDataExportBatch},
	metastore.PermAccountManageAll:   {metastore.PermAccountManage, metastore.PermAccountReadDetails},
}

// accountImplications lists permissions a granted permission also
// satisfies when checked with an account_id in scope.
var accountImplications = map[metastore.Permission][]metastore.Permission{
	metastore.PermAccountManage: {metastore.PermDataRead, metastore.PermAccountReadDetails},
}

// ClientContext is attached to every authenticated request (spec.md
// §4.9 step 6): the resolved user plus the permission-check surface
// handlers use to authorize individual operations.
type ClientContext struct {
	store *metastore.Store
	IP    string
	User  *metastore.User

	globalRoles  []*metastore.Role
	accountRoles map[uint64]*metastore.Role
}

// loadRoles resolves a user's global roles and, lazily, their per-account
// roles, caching both on the ClientContext for the life of one request.
func loadRoles(ctx context.Context, store *metastore.Store, u *metastore.User) (*ClientContext, error) {
	cc := &ClientContext{store: store, User: u, accountRoles: make(map[uint64]*metastore.Role)}
	for _, id := range u.GlobalRoleIDs {
		r, err := store.GetRole(ctx, id)
		if err != nil {
			continue
		}
		cc.globalRoles = append(cc.globalRoles, r)
	}
	return cc, nil
}

func (cc *ClientContext) isRoot() bool {
	for _, r := range cc.globalRoles {
		for _, p := range r.Permissions {
			if p == metastore.PermRoot {
				return true
			}
		}
	}
	return false
}

func (cc *ClientContext) accountRole(ctx context.Context, accountID uint64) *metastore.Role {
	if r, ok := cc.accountRoles[accountID]; ok {
		return r
	}
	roleID, ok := cc.User.AccountAccess[accountID]
	if !ok {
		cc.accountRoles[accountID] = nil
		return nil
	}
	r, err := cc.store.GetRole(ctx, roleID)
	if err != nil {
		r = nil
	}
	cc.accountRoles[accountID] = r
	return r
}

func grants(perms []metastore.Permission, want metastore.Permission, implications map[metastore.Permission][]metastore.Permission) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
		for _, implied := range implications[p] {
			if implied == want {
				return true
			}
		}
	}
	return false
}

// HasPermission implements spec.md §4.9's has_permission(account_id?,
// permission): ROOT always succeeds; otherwise global roles are checked
// with global implication rules, and if accountID is non-nil the role
// from the user's account-access map is additionally checked with
// account-scoped implication rules.
func (cc *ClientContext) HasPermission(ctx context.Context, accountID *uint64, perm metastore.Permission) bool {
	if cc.isRoot() {
		return true
	}
	for _, r := range cc.globalRoles {
		if grants(r.Permissions, perm, globalImplications) {
			return true
		}
	}
	if accountID != nil {
		if r := cc.accountRole(ctx, *accountID); r != nil {
			if grants(r.Permissions, perm, accountImplications) {
				return true
			}
		}
	}
	return false
}

// RequirePermission turns a negative HasPermission into a forbidden error.
func (cc *ClientContext) RequirePermission(ctx context.Context, accountID *uint64, perm metastore.Permission) error {
	if !cc.HasPermission(ctx, accountID, perm) {
		return bicherr.New(bicherr.Forbidden, "missing permission: "+string(perm))
	}
	return nil
}

// RequireAnyPermission succeeds if at least one of perms is held.
func (cc *ClientContext) RequireAnyPermission(ctx context.Context, accountID *uint64, perms ...metastore.Permission) error {
	for _, p := range perms {
		if cc.HasPermission(ctx, accountID, p) {
			return nil
		}
	}
	return bicherr.New(bicherr.Forbidden, "missing required permission")
}

// AllowedAccountIDs returns the account ids this user may see data for,
// used to scope C5/C6 queries (nil means "every account" — ROOT or a
// *_ALL global permission).
func (cc *ClientContext) AllowedAccountIDs(ctx context.Context, perm metastore.Permission) []uint64 {
	allPerm, hasAll := dataAllVariant[perm]
	if cc.isRoot() || (hasAll && cc.HasPermission(ctx, nil, allPerm)) {
		return nil
	}

	var ids []uint64
	for accountID := range cc.User.AccountAccess {
		accountID := accountID
		if cc.HasPermission(ctx, &accountID, perm) {
			ids = append(ids, accountID)
		}
	}
	return ids
}

// dataAllVariant maps a scoped permission to the global permission that
// implies it for every account.
var dataAllVariant = map[metastore.Permission]metastore.Permission{
	metastore.PermDataRead:        metastore.PermDataReadAll,
	metastore.PermDataDelete:      metastore.PermDataDeleteAll,
	metastore.PermDataRawDownload: metastore.PermDataRawDownloadAll,
	metastore.PermDataExportBatch: metastore.PermDataExportBatchAll,
}
