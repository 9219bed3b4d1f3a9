// Package httpapi exposes the JSON HTTP surface of spec.md §6 over the
// metadata store, both search indexes, the filter compiler, the
// dashboard aggregator, the sync controller, and the importer.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rustmailer/bichon/internal/authz"
	"github.com/rustmailer/bichon/internal/cryptutil"
	"github.com/rustmailer/bichon/internal/ingest"
	"github.com/rustmailer/bichon/internal/logging"
	"github.com/rustmailer/bichon/internal/metastore"
	"github.com/rustmailer/bichon/internal/metrics"
	"github.com/rustmailer/bichon/internal/searchindex"
	"github.com/rustmailer/bichon/internal/syncctl"
)

// Deps bundles every process-wide singleton a handler might need
// (spec.md §9 "Global singletons... inject them through a context
// object into request handlers to keep tests substitutable").
type Deps struct {
	Store    *metastore.Store
	Box      *cryptutil.SecretBox
	EnvIdx   *searchindex.EnvelopeIndex
	EmlIdx   *searchindex.EMLIndex
	Importer *ingest.Importer
	Sync     *syncctl.Controller
	Auth     *authz.Authenticator
	Log      *logging.Logger

	CORSOrigins    []string
	CORSMaxAge     int
	RequestTimeout time.Duration
	MboxImportRoot string
}

// Server wires Deps into a stdlib http.Server behind a ServeMux.
type Server struct {
	deps   *Deps
	mux    *http.ServeMux
	server *http.Server
}

func New(deps *Deps, addr string) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withGlobalMiddleware(s.mux),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /login", s.handleLogin)

	s.mux.HandleFunc("POST /accounts", s.withAuth(s.handleCreateAccount))
	s.mux.HandleFunc("GET /accounts", s.withAuth(s.handleListAccounts))
	s.mux.HandleFunc("GET /accounts/{id}", s.withAuth(s.handleGetAccount))
	s.mux.HandleFunc("PATCH /accounts/{id}", s.withAuth(s.handleUpdateAccount))
	s.mux.HandleFunc("DELETE /accounts/{id}", s.withAuth(s.handleDeleteAccount))

	s.mux.HandleFunc("POST /delete-messages", s.withAuth(s.handleDeleteMessages))
	s.mux.HandleFunc("GET /list-messages/{account}", s.withAuth(s.handleListMessages))
	s.mux.HandleFunc("POST /search-messages", s.withAuth(s.handleSearchMessages))
	s.mux.HandleFunc("GET /message-content/{account}", s.withAuth(s.handleMessageContent))
	s.mux.HandleFunc("GET /download-message/{account}", s.withAuth(s.handleDownloadMessage))
	s.mux.HandleFunc("GET /download-attachment/{account}", s.withAuth(s.handleDownloadAttachment))

	s.mux.HandleFunc("GET /all-tags", s.withAuth(s.handleAllTags))
	s.mux.HandleFunc("POST /update-tags", s.withAuth(s.handleUpdateTags))

	s.mux.HandleFunc("GET /dashboard", s.withAuth(s.handleDashboard))

	s.mux.HandleFunc("POST /import/mbox", s.withAuth(s.handleImportMbox))
	s.mux.HandleFunc("GET /import/mbox/{account}", s.withAuth(s.handleListMboxImports))
	s.mux.HandleFunc("DELETE /import/mbox/{id}", s.withAuth(s.handleDeleteMboxImport))
}

// withGlobalMiddleware applies CORS and the per-request timeout ceiling
// ahead of routing (spec.md §5 "Timeouts": client header bounded by a
// server-side ceiling), and records the C13 HTTP boundary metrics.
func (s *Server) withGlobalMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.applyCORS(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		_, operation := s.mux.Handler(r)
		if operation == "" {
			operation = r.Method + " " + r.URL.Path
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout(r))
		defer cancel()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r.WithContext(ctx))

		metrics.HTTPRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(operation, statusClass(rec.status)).Inc()
	})
}

// statusRecorder captures the status code a handler writes so middleware
// can export it after ServeHTTP returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusClass(status int) string {
	switch status / 100 {
	case 2:
		return "2xx"
	case 3:
		return "3xx"
	case 4:
		return "4xx"
	case 5:
		return "5xx"
	default:
		return "other"
	}
}

// requestTimeout honors an optional client-supplied X-Request-Timeout-Ms
// header, bounded above by the server's configured ceiling (spec.md §5;
// the header name is an Open Question decision — DESIGN.md C13).
func (s *Server) requestTimeout(r *http.Request) time.Duration {
	ceiling := s.deps.RequestTimeout
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	if v := r.Header.Get("X-Request-Timeout-Ms"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			requested := time.Duration(ms) * time.Millisecond
			if requested < ceiling {
				return requested
			}
		}
	}
	return ceiling
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := len(s.deps.CORSOrigins) == 0
	for _, o := range s.deps.CORSOrigins {
		if o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	if s.deps.CORSMaxAge > 0 {
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(s.deps.CORSMaxAge))
	}
}

// ListenAndServe starts the HTTP listener; blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown is the httpapi component's lifecycle.Stopper hook: stop
// accepting new connections, let in-flight requests finish within the
// 5s grace spec.md §5 grants them.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
