package httpapi

import (
	"net/http"
	"os"
	"strconv"

	"github.com/rustmailer/bichon/internal/authz"
	"github.com/rustmailer/bichon/internal/bicherr"
	"github.com/rustmailer/bichon/internal/ingest"
	"github.com/rustmailer/bichon/internal/metastore"
	"github.com/rustmailer/bichon/internal/searchcompiler"
)

// parseAccountKey parses the string account id keys of the
// `POST /delete-messages` request body (JSON object keys are always
// strings).
func parseAccountKey(k string) (uint64, error) {
	id, err := strconv.ParseUint(k, 10, 64)
	if err != nil {
		return 0, bicherr.New(bicherr.InvalidParameter, "invalid account id key: "+k)
	}
	return id, nil
}

func (s *Server) mboxResolver() ingest.StoreMboxResolver {
	return ingest.StoreMboxResolver{Store: s.deps.Store}
}

// handleListMessages implements spec.md §6's
// `GET /list-messages/{account}?mailbox_id&page&page_size`.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	accountID, err := pathUint(r, "account")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := cc.RequirePermission(r.Context(), &accountID, metastore.PermDataRead); err != nil {
		writeError(w, err)
		return
	}

	mailboxID := queryUint(r, "mailbox_id", 0)
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 50)
	if pageSize > 500 {
		pageSize = 500
	}
	if err := searchcompiler.ValidatePage(page, pageSize); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.deps.EnvIdx.ListMailboxEnvelopes(r.Context(), accountID, mailboxID, page, pageSize, true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type searchRequest struct {
	Filter   searchcompiler.Filter `json:"filter"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
	Desc     bool                  `json:"desc"`
}

// handleSearchMessages implements spec.md §6's `POST /search-messages`:
// non-DATA_READ_ALL callers are restricted to their account_access_map.
func (s *Server) handleSearchMessages(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 50
	}
	if req.PageSize > 500 {
		req.PageSize = 500
	}
	if err := searchcompiler.ValidatePage(req.Page, req.PageSize); err != nil {
		writeError(w, err)
		return
	}

	allowed := cc.AllowedAccountIDs(r.Context(), metastore.PermDataRead)
	if req.Filter.AccountID != nil {
		if err := cc.RequirePermission(r.Context(), req.Filter.AccountID, metastore.PermDataRead); err != nil {
			writeError(w, err)
			return
		}
	}

	q, err := searchcompiler.Compile(req.Filter)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.deps.EnvIdx.Search(r.Context(), q, req.Page, req.PageSize, req.Desc, allowed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleDeleteMessages implements spec.md §6's
// `POST /delete-messages {account_id -> ids[]}`: caller needs DATA_DELETE
// on each account; removes envelope and EML docs only, never touches the
// remote mailbox.
func (s *Server) handleDeleteMessages(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	var req map[string][]uint64
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	byAccount := make(map[uint64][]uint64, len(req))
	for k, ids := range req {
		accountID, err := parseAccountKey(k)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := cc.RequirePermission(r.Context(), &accountID, metastore.PermDataDelete); err != nil {
			writeError(w, err)
			return
		}
		byAccount[accountID] = ids
	}

	if err := s.deps.EnvIdx.DeleteEnvelopesMultiAccount(r.Context(), byAccount); err != nil {
		writeError(w, err)
		return
	}
	for _, ids := range byAccount {
		for _, id := range ids {
			s.deps.EmlIdx.Delete(id)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

type messageContentResponse struct {
	Text        string               `json:"text,omitempty"`
	HTML        string               `json:"html,omitempty"`
	Attachments []attachmentMetadata `json:"attachments"`
}

type attachmentMetadata struct {
	Filename string `json:"filename"`
}

// handleMessageContent implements spec.md §6's
// `GET /message-content/{account}?message_id`.
func (s *Server) handleMessageContent(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	accountID, err := pathUint(r, "account")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := cc.RequirePermission(r.Context(), &accountID, metastore.PermDataRead); err != nil {
		writeError(w, err)
		return
	}

	id, err := queryMessageID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	resolver := s.mboxResolver()
	body, err := s.deps.EmlIdx.Get(r.Context(), id, resolver)
	if err != nil {
		writeError(w, err)
		return
	}

	text, html, attachments := parseMessageContent(body)
	writeJSON(w, http.StatusOK, messageContentResponse{Text: text, HTML: html, Attachments: attachments})
}

// handleDownloadMessage implements spec.md §6's
// `GET /download-message/{account}?message_id`: streams the raw EML.
func (s *Server) handleDownloadMessage(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	accountID, err := pathUint(r, "account")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := cc.RequirePermission(r.Context(), &accountID, metastore.PermDataRawDownload); err != nil {
		writeError(w, err)
		return
	}
	id, err := queryMessageID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	path, err := s.deps.EmlIdx.GetReader(r.Context(), id, s.mboxResolver())
	if err != nil {
		writeError(w, err)
		return
	}
	defer os.Remove(path)

	w.Header().Set("Content-Disposition", `attachment; filename="message.eml"`)
	http.ServeFile(w, r, path)
}

// handleDownloadAttachment implements spec.md §6's
// `GET /download-attachment/{account}?message_id&name`.
func (s *Server) handleDownloadAttachment(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext) {
	accountID, err := pathUint(r, "account")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := cc.RequirePermission(r.Context(), &accountID, metastore.PermDataRawDownload); err != nil {
		writeError(w, err)
		return
	}
	id, err := queryMessageID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, bicherr.New(bicherr.InvalidParameter, "name query parameter is required"))
		return
	}

	path, err := s.deps.EmlIdx.GetAttachment(r.Context(), id, name, s.mboxResolver())
	if err != nil {
		writeError(w, err)
		return
	}
	defer os.Remove(path)

	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeFile(w, r, path)
}
