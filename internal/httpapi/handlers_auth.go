package httpapi

import (
	"net/http"
	"time"

	"github.com/rustmailer/bichon/internal/metastore"
	"github.com/rustmailer/bichon/internal/metrics"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success      bool   `json:"success"`
	AccessToken  string `json:"access_token,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Theme        string `json:"theme,omitempty"`
	Language     string `json:"language,omitempty"`
}

// handleLogin implements spec.md §6's `POST /login`: accepts username or
// email, resets the WebUI token on success, never surfaces a system
// error as a 200 with success=false (those return 500 via writeError).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := s.deps.Store.AuthenticateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		metrics.RecordAuth(false)
		writeJSON(w, http.StatusOK, loginResponse{Success: false, ErrorMessage: "invalid username or password"})
		return
	}

	if existing, err := s.deps.Store.ListTokensForUser(r.Context(), user.ID); err == nil {
		for _, t := range existing {
			if t.Kind == metastore.TokenWebUI {
				_ = s.deps.Store.RevokeToken(r.Context(), t.Token)
			}
		}
	}

	var expire *time.Time
	token, err := s.deps.Store.CreateToken(r.Context(), user.ID, metastore.TokenWebUI, "webui", expire)
	if err != nil {
		writeError(w, err)
		return
	}

	metrics.RecordAuth(true)
	writeJSON(w, http.StatusOK, loginResponse{
		Success:     true,
		AccessToken: token.Token,
		Theme:       user.Theme,
		Language:    user.Language,
	})
}
