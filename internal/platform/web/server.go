package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/dontdude/snipbox/internal/domain"
	"github.com/dontdude/snipbox/internal/resolver"
)

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Compiler domain.Compiler
	Store    domain.VersionStore

	// Queue, when set, receives run jobs and Hub delivers their results.
	Queue domain.JobQueue
	Hub   *Hub

	// Executor runs jobs inline when Queue is nil; at most InlineRuns at once.
	Executor   domain.Executor
	InlineRuns int64

	// Limiter throttles save and run; nil disables limiting.
	Limiter    *RateLimiter
	CORSOrigin string
}

// Server is the HTTP server for the snippet API.
type Server struct {
	Deps
	resolver *resolver.Resolver
	inline   *semaphore.Weighted
	upgrader websocket.Upgrader
	router   chi.Router
	newJobID func() string
	http     *http.Server
}

// NewServer wires routes around deps.
func NewServer(deps Deps) *Server {
	if deps.InlineRuns < 1 {
		deps.InlineRuns = 1
	}
	if deps.CORSOrigin == "" {
		deps.CORSOrigin = "*"
	}
	s := &Server{
		Deps:     deps,
		resolver: resolver.New(deps.Store),
		inline:   semaphore.NewWeighted(deps.InlineRuns),
		router:   chi.NewRouter(),
		newJobID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.enableCORS)

	limit := func(next http.Handler) http.Handler { return next }
	if s.Limiter != nil {
		limit = s.Limiter.Middleware
	}

	r.Get("/", s.handleIndex)

	r.Route("/api", func(r chi.Router) {
		r.Post("/validate", s.handleValidate)
		r.With(limit).Post("/run", s.handleRun)
		r.Get("/live", s.handleLive)
		if s.Queue != nil && s.Hub != nil {
			r.Get("/ws", s.handleWS)
		}
	})

	r.With(limit).Post("/", s.handleSave)
	r.With(limit).Post("/{slug}", s.handleSave)
	r.Get("/{slug}", s.handleShow)
	r.Get("/{slug}/latest", s.handleLatest)
	r.Get("/{slug}/{version}", s.handleShow)
}

// ServeHTTP makes Server usable with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start begins listening on addr.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("API Server starting", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down server...")
	if s.http == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}

// enableCORS adds headers to allow requests from the frontend.
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle Preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.CORSOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.CORSOrigin
}

// logRequests is middleware.Logger on slog.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			slog.Info("Request handled",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"requestID", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
