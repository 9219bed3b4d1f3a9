package httpapi

import (
	"net/http"
	"time"

	"github.com/rustmailer/bichon/internal/authz"
	"github.com/rustmailer/bichon/internal/dashboard"
	"github.com/rustmailer/bichon/internal/metastore"
)

// handleDashboard implements spec.md §6's `GET /dashboard`, scoped to the
// accounts the caller can read.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	allowed := cc.AllowedAccountIDs(r.Context(), metastore.PermDataRead)
	stats, err := dashboard.Build(r.Context(), s.deps.EnvIdx, s.deps.Store, allowed, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
