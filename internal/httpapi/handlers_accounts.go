package httpapi

import (
	"net/http"

	"github.com/rustmailer/bichon/internal/authz"
	"github.com/rustmailer/bichon/internal/bicherr"
	"github.com/rustmailer/bichon/internal/metastore"
)

type accountRequest struct {
	Email               string   `json:"email"`
	DisplayName         string   `json:"display_name"`
	Kind                string   `json:"kind"`
	Host                string   `json:"host"`
	Port                int      `json:"port"`
	Encryption          string   `json:"encryption"`
	AuthMode            string   `json:"auth_mode"`
	Password            string   `json:"password,omitempty"`
	OAuth2ConfigID      uint64   `json:"oauth2_config_id,omitempty"`
	FolderAllowList     []string `json:"folder_allow_list,omitempty"`
	BatchSize           int      `json:"batch_size,omitempty"`
	SyncIntervalMinutes int      `json:"sync_interval_minutes,omitempty"`
}

// handleCreateAccount implements spec.md §6's account create: requires
// ACCOUNT_CREATE, grants the owner DEFAULT_ACCOUNT_MANAGER on the new
// account, and triggers a sync pass for IMAP accounts.
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	if err := cc.RequirePermission(r.Context(), nil, metastore.PermAccountCreate); err != nil {
		writeError(w, err)
		return
	}

	var req accountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	account := &metastore.Account{
		Email: req.Email, DisplayName: req.DisplayName, Kind: metastore.AccountKind(req.Kind),
		Host: req.Host, Port: req.Port, Encryption: metastore.Encryption(req.Encryption),
		AuthMode: metastore.AuthMode(req.AuthMode), OAuth2ConfigID: req.OAuth2ConfigID,
		FolderAllowList: req.FolderAllowList, BatchSize: req.BatchSize,
		SyncIntervalMinutes: req.SyncIntervalMinutes, OwnerUserID: cc.User.ID, Enabled: true,
	}
	if req.Password != "" {
		enc, err := s.deps.Box.Encrypt(req.Password)
		if err != nil {
			writeError(w, bicherr.Wrap(bicherr.InternalError, "failed to encrypt password", err))
			return
		}
		account.PasswordEnc = enc
	}

	if err := s.deps.Store.CreateAccount(r.Context(), account); err != nil {
		writeError(w, err)
		return
	}

	if managerRole, err := s.deps.Store.GetRoleByName(r.Context(), metastore.DefaultAccountManagerRole); err == nil {
		_ = s.deps.Store.SetAccountAccess(r.Context(), cc.User.ID, account.ID, managerRole.ID)
	}

	if account.Kind == metastore.AccountIMAP {
		s.deps.Sync.TriggerStart(account.ID)
	}

	writeJSON(w, http.StatusCreated, account)
}

// handleListAccounts implements spec.md §6's account list: admin sees
// every account, non-admin sees only account_access_map keys, paginated
// in-memory after filtering.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	var allowed []uint64
	if !cc.HasPermission(r.Context(), nil, metastore.PermAccountManageAll) {
		for id := range cc.User.AccountAccess {
			allowed = append(allowed, id)
		}
	}

	accounts, err := s.deps.Store.ListAccounts(r.Context(), allowed)
	if err != nil {
		writeError(w, err)
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 50)
	start := (page - 1) * pageSize
	if start > len(accounts) {
		start = len(accounts)
	}
	end := start + pageSize
	if end > len(accounts) {
		end = len(accounts)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": accounts[start:end],
		"total": len(accounts),
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := cc.RequirePermission(r.Context(), &id, metastore.PermAccountReadDetails); err != nil {
		writeError(w, err)
		return
	}
	account, err := s.deps.Store.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := cc.RequirePermission(r.Context(), &id, metastore.PermAccountManage); err != nil {
		writeError(w, err)
		return
	}

	var req accountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	err = s.deps.Store.UpdateAccount(r.Context(), id, func(a *metastore.Account) error {
		if req.DisplayName != "" {
			a.DisplayName = req.DisplayName
		}
		if req.FolderAllowList != nil {
			a.FolderAllowList = req.FolderAllowList
		}
		if req.BatchSize > 0 {
			a.BatchSize = req.BatchSize
		}
		if req.SyncIntervalMinutes > 0 {
			a.SyncIntervalMinutes = req.SyncIntervalMinutes
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	account, err := s.deps.Store.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// handleDeleteAccount runs spec.md §3's sequenced cleanup chain.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := cc.RequirePermission(r.Context(), &id, metastore.PermAccountManage); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	s.deps.Sync.Stop(id)

	steps := []func() error{
		func() error { return s.deps.Store.DeleteRunningState(ctx, id) },
		func() error { return s.deps.Store.StripAccountFromAllUsers(ctx, id) },
		func() error { return s.deps.Store.DeleteMailboxesForAccount(ctx, id) },
		func() error { return s.deps.EnvIdx.DeleteAccountEnvelopes(ctx, id) },
		func() error { return s.deps.EmlIdx.DeleteAccountMessages(ctx, id) },
		func() error { return s.deps.Store.DeleteAccount(ctx, id) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			writeError(w, err)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
