// Package api is the HTTP surface: the ping ingestion endpoints the
// monitored jobs hit and the management API operators use.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/calmops/beatwatch/internal/domain/check"
	"github.com/calmops/beatwatch/internal/domain/flip"
	"github.com/calmops/beatwatch/internal/domain/ping"
	"github.com/calmops/beatwatch/internal/services/ingest"
)

// Transactor runs a function within one storage transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Server struct {
	checks check.Repo
	pings  ping.Repo
	flips  flip.Repo
	tx     Transactor
	ingest *ingest.Usecase
	log    *zap.Logger

	maxBody int
	router  chi.Router
	clk     func() time.Time
}

func New(checks check.Repo, pings ping.Repo, flips flip.Repo, tx Transactor, ing *ingest.Usecase, log *zap.Logger, maxBody int) *Server {
	if maxBody <= 0 {
		maxBody = 100 * 1024
	}
	s := &Server{
		checks:  checks,
		pings:   pings,
		flips:   flips,
		tx:      tx,
		ingest:  ing,
		log:     log,
		maxBody: maxBody,
		router:  chi.NewRouter(),
		clk:     func() time.Time { return time.Now().UTC() },
	}
	s.registerRoutes()
	return s
}

// WithClock fixes the time source, for tests.
func (s *Server) WithClock(clk func() time.Time) *Server {
	s.clk = clk
	return s
}

// Handler returns the full middleware stack ready for http.Server.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "beatwatch.api")
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	// jobs ping with whatever HTTP verb their tooling emits
	for _, m := range []string{http.MethodHead, http.MethodGet, http.MethodPost} {
		r.Method(m, "/ping/{ref}", s.pingHandler(check.ActionSuccess))
		r.Method(m, "/ping/{ref}/fail", s.pingHandler(check.ActionFail))
		r.Method(m, "/ping/{ref}/start", s.pingHandler(check.ActionStart))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/checks", s.handleListChecks)
		r.Post("/checks", s.handleCreateCheck)
		r.Get("/checks/{code}", s.handleGetCheck)
		r.Patch("/checks/{code}", s.handlePatchCheck)
		r.Delete("/checks/{code}", s.handleDeleteCheck)
		r.Get("/checks/{code}/pings", s.handleListPings)
		r.Post("/checks/{code}/pause", s.handlePause)
		r.Post("/checks/{code}/resume", s.handleResume)
		r.Post("/schedule/preview", s.handlePreview)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
		)
	})
}

// --- Response helpers ---

type envelope struct {
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: msg})
}

// --- Ping ingestion ---

func (s *Server) pingHandler(action check.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := chi.URLParam(r, "ref")

		// read one byte past the bound so oversized bodies are
		// rejected instead of silently truncated
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(s.maxBody)+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body")
			return
		}

		err = s.ingest.Ingest(r.Context(), ref, action, ingest.Meta{
			RemoteAddr: r.RemoteAddr,
			Scheme:     scheme(r),
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			Body:       body,
		})
		switch {
		case err == nil:
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		case errors.Is(err, ingest.ErrUnknownCheck):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, ingest.ErrPayloadTooLarge):
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		default:
			s.log.Error("ingest ping", zap.String("ref", ref), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
