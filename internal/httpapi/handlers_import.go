package httpapi

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/rustmailer/bichon/internal/authz"
	"github.com/rustmailer/bichon/internal/bicherr"
	"github.com/rustmailer/bichon/internal/metastore"
)

type importMboxRequest struct {
	AccountID  uint64 `json:"account_id"`
	Path       string `json:"path"`
	FolderName string `json:"folder_name"`
}

// resolveImportPath canonicalizes a client-supplied path and rejects it
// unless it falls under the configured import root, so a caller can never
// point the importer at an arbitrary filesystem path.
func (s *Server) resolveImportPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", bicherr.New(bicherr.InvalidParameter, "invalid path")
	}
	root, err := filepath.Abs(s.deps.MboxImportRoot)
	if err != nil {
		return "", bicherr.Wrap(bicherr.InternalError, "invalid import root", err)
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", bicherr.New(bicherr.InvalidParameter, "path is outside the configured import root")
	}
	return abs, nil
}

// handleImportMbox implements spec.md §4.8's import_mbox: it registers the
// file, starts the import asynchronously, and returns immediately rather
// than holding the request open for the whole scan.
func (s *Server) handleImportMbox(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	var req importMboxRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := cc.RequirePermission(r.Context(), &req.AccountID, metastore.PermDataManage); err != nil {
		writeError(w, err)
		return
	}

	path, err := s.resolveImportPath(req.Path)
	if err != nil {
		writeError(w, err)
		return
	}

	mboxFile, err := s.deps.Store.RegisterMboxFile(r.Context(), req.AccountID, path)
	if err != nil {
		writeError(w, err)
		return
	}

	go func() {
		ctx := context.Background()
		result, err := s.deps.Importer.ImportMbox(ctx, path, req.AccountID, req.FolderName)
		if err != nil {
			s.deps.Log.ErrorContext(ctx, "mbox import failed", err, "path", path)
			return
		}
		s.deps.Log.InfoContext(ctx, "mbox import finished", "path", path, "imported", result.Imported, "failed", len(result.FailedOffsets))
	}()

	writeJSON(w, http.StatusAccepted, mboxFile)
}

// handleListMboxImports implements spec.md §6's
// `GET /import/mbox/{account}`.
func (s *Server) handleListMboxImports(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	accountID, err := pathUint(r, "account")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := cc.RequirePermission(r.Context(), &accountID, metastore.PermDataRead); err != nil {
		writeError(w, err)
		return
	}

	files, err := s.deps.Store.ListMboxFilesForAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// handleDeleteMboxImport implements spec.md §6's `DELETE /import/mbox/{id}`:
// it only unregisters the file, it never purges the envelope/EML entries
// that resolved through it.
func (s *Server) handleDeleteMboxImport(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	mboxFile, err := s.deps.Store.GetMboxFile(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := cc.RequirePermission(r.Context(), &mboxFile.AccountID, metastore.PermDataManage); err != nil {
		writeError(w, err)
		return
	}

	if err := s.deps.Store.DeleteMboxFile(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
