package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rustmailer/bichon/internal/authz"
	"github.com/rustmailer/bichon/internal/bicherr"
	"github.com/rustmailer/bichon/internal/metrics"
)

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a *bicherr.Error onto spec.md §7's {code, message} JSON
// shape and status code; any other error is folded into InternalError so
// handlers never leak internal diagnostics (spec.md §7 propagation policy).
func writeError(w http.ResponseWriter, err error) {
	var be *bicherr.Error
	if !errors.As(err, &be) {
		be = bicherr.Wrap(bicherr.InternalError, "internal error", err)
	}
	metrics.RecordError("httpapi", be.Kind.String())
	writeJSON(w, be.Kind.HTTPStatus(), apiError{Code: int(be.Kind), Message: be.Message})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return bicherr.Wrap(bicherr.InvalidParameter, "invalid request body", err)
	}
	return nil
}

func pathUint(r *http.Request, name string) (uint64, error) {
	v := r.PathValue(name)
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, bicherr.New(bicherr.InvalidParameter, "invalid "+name+" in path")
	}
	return id, nil
}

func queryUint(r *http.Request, name string, def uint64) uint64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return id
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

type clientContextKey struct{}

// withAuth runs the authz pipeline (spec.md §4.9) ahead of a handler and
// attaches the resulting ClientContext to the request context.
func (s *Server) withAuth(next func(w http.ResponseWriter, r *http.Request, cc *authz.ClientContext)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cc, err := s.deps.Auth.Authenticate(r.Context(), r)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), clientContextKey{}, cc)
		next(w, r.WithContext(ctx), cc)
	}
}
