package httpapi

import (
	"net/http"

	"github.com/rustmailer/bichon/internal/authz"
	"github.com/rustmailer/bichon/internal/metastore"
)

// handleAllTags implements spec.md §6's `GET /all-tags`, scoped to the
// accounts the caller can read.
func (s *Server) handleAllTags(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	allowed := cc.AllowedAccountIDs(r.Context(), metastore.PermDataRead)
	tags, err := s.deps.EnvIdx.GetAllTags(r.Context(), allowed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

type updateTagsRequest struct {
	IDsByAccount map[uint64][]uint64 `json:"ids_by_account"`
	Tags         []string            `json:"tags"`
}

// handleUpdateTags implements spec.md §6's `POST /update-tags`: caller
// needs DATA_MANAGE on every account referenced.
func (s *Server) handleUpdateTags(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	var req updateTagsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	for accountID := range req.IDsByAccount {
		if err := cc.RequirePermission(r.Context(), &accountID, metastore.PermDataManage); err != nil {
			writeError(w, err)
			return
		}
	}

	if err := s.deps.EnvIdx.UpdateEnvelopeTags(r.Context(), req.IDsByAccount, req.Tags); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
