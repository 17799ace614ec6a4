package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dontdude/snipbox/internal/domain"
	"github.com/dontdude/snipbox/internal/resolver"
)

// maxBodyBytes caps request bodies before any decoding.
const maxBodyBytes = 1 << 20

// DefaultContent is what the index page shows.
const DefaultContent = "// The value returned is displayed in the results panel below\nreturn \"Hello, world!\"\n"

type snippetRequest struct {
	Content      string   `json:"content"`
	Declarations []string `json:"declarations"`
}

type runRequest struct {
	snippetRequest
	TimeoutMS   int64 `json:"timeout_ms"`
	MemoryBytes int64 `json:"memory_bytes"`
	OutputBytes int64 `json:"output_bytes"`
}

func (r runRequest) limits() domain.Limits {
	return domain.Limits{
		Timeout:     time.Duration(r.TimeoutMS) * time.Millisecond,
		MemoryBytes: r.MemoryBytes,
		OutputBytes: r.OutputBytes,
	}
}

type showData struct {
	Snippet     domain.Snippet      `json:"snippet"`
	Diagnostics []domain.Diagnostic `json:"diagnostics"`
}

type saveData struct {
	Slug    string `json:"slug"`
	Version int    `json:"version"`
	URL     string `json:"url"`
}

type runData struct {
	JobID       string              `json:"job_id,omitempty"`
	Status      string              `json:"status"`
	Outcome     *domain.Outcome     `json:"outcome,omitempty"`
	Diagnostics []domain.Diagnostic `json:"diagnostics"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &domain.MalformedInputError{Reason: fmt.Sprintf("invalid request body: %v", err)}
	}
	return nil
}

func nonNil(diags []domain.Diagnostic) []domain.Diagnostic {
	if diags == nil {
		return []domain.Diagnostic{}
	}
	return diags
}

// diagnose compiles for display. Malformed stored input shows as one unlocated error.
func (s *Server) diagnose(ctx context.Context, content string, declarations []string) ([]domain.Diagnostic, error) {
	diags, err := s.Compiler.Compile(ctx, content, declarations)
	var malformed *domain.MalformedInputError
	if errors.As(err, &malformed) {
		return []domain.Diagnostic{{Severity: domain.SeverityError, Message: malformed.Error()}}, nil
	}
	return nonNil(diags), err
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	diags, err := s.diagnose(r.Context(), DefaultContent, nil)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, showData{
		Snippet:     domain.Snippet{Content: DefaultContent, Declarations: []string{}},
		Diagnostics: diags,
	})
}

// handleShow serves GET /{slug} and GET /{slug}/{version}.
func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	var requested *int
	if raw := chi.URLParam(r, "version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			fail(w, r, domain.ErrNotFound)
			return
		}
		requested = &v
	}

	res, err := s.resolver.Resolve(r.Context(), slug, requested)
	if err != nil {
		fail(w, r, err)
		return
	}

	switch res.Kind {
	case resolver.Redirect:
		code := http.StatusFound
		if res.Permanent {
			code = http.StatusMovedPermanently
		}
		http.Redirect(w, r, resolver.Path(slug, res.Version), code)
	case resolver.Show:
		diags, err := s.diagnose(r.Context(), res.Snippet.Content, res.Snippet.Declarations)
		if err != nil {
			fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, showData{Snippet: res.Snippet, Diagnostics: diags})
	default:
		fail(w, r, domain.ErrNotFound)
	}
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	res, err := s.resolver.Latest(r.Context(), slug)
	if err != nil {
		fail(w, r, err)
		return
	}
	if res.Kind != resolver.Redirect {
		fail(w, r, domain.ErrNotFound)
		return
	}
	http.Redirect(w, r, resolver.Path(slug, res.Version), http.StatusFound)
}

// handleSave serves POST / (new slug) and POST /{slug} (new version).
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req snippetRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}

	snip, err := s.Store.Save(r.Context(), chi.URLParam(r, "slug"), req.Content, req.Declarations)
	if err != nil {
		fail(w, r, err)
		return
	}

	slog.Info("Snippet saved", "slug", snip.Slug, "version", snip.Version)
	writeJSON(w, http.StatusOK, saveData{
		Slug:    snip.Slug,
		Version: snip.Version,
		URL:     resolver.Path(snip.Slug, snip.Version),
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req snippetRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}

	diags, err := s.Compiler.Compile(r.Context(), req.Content, req.Declarations)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(diags))
}

// handleRun compiles first, then either enqueues the job or runs it inline.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}

	diags, err := s.Compiler.Compile(r.Context(), req.Content, req.Declarations)
	if err != nil {
		fail(w, r, err)
		return
	}
	if domain.HasErrors(diags) {
		fail(w, r, &domain.NotCompilableError{Diagnostics: diags})
		return
	}

	if s.Queue != nil {
		job := domain.Job{
			ID:           s.newJobID(),
			Content:      req.Content,
			Declarations: req.Declarations,
			Limits:       req.limits(),
		}
		slog.Info("Received submission", "jobID", job.ID)
		if err := s.Queue.Publish(r.Context(), job); err != nil {
			fail(w, r, fmt.Errorf("publishing job: %w", err))
			return
		}
		writeJSON(w, http.StatusAccepted, runData{JobID: job.ID, Status: "queued", Diagnostics: nonNil(diags)})
		return
	}

	out, err := s.runInline(r.Context(), req.Content, req.Declarations, req.limits())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runData{Status: string(out.Status), Outcome: &out, Diagnostics: nonNil(diags)})
}

func (s *Server) runInline(ctx context.Context, content string, declarations []string, limits domain.Limits) (domain.Outcome, error) {
	if s.Executor == nil {
		return domain.Outcome{}, errors.New("no executor configured")
	}
	if err := s.inline.Acquire(ctx, 1); err != nil {
		return domain.Outcome{}, err
	}
	defer s.inline.Release(1)
	return s.Executor.Execute(ctx, content, declarations, limits)
}

// handleWS upgrades the connection to WebSocket and delivers the job's result on it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// 1. Extract JobID from Query Params
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		fail(w, r, domain.Malformed("job_id is required"))
		return
	}

	// 2. Upgrade to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	wc := &wsConn{conn: conn}

	// 3. Register to Hub
	slog.Info("Client connected via WebSocket", "remoteAddr", conn.RemoteAddr(), "jobID", jobID)
	unregister := s.Hub.Listen(jobID, func(res domain.JobResult) {
		if err := wc.WriteJSON(res); err != nil {
			slog.Error("Failed to write to websocket", "jobID", jobID, "error", err)
		}
	})

	// 4. Clean up on disconnect
	defer func() {
		slog.Info("Client Disconnected", "jobID", jobID)
		unregister()
		conn.Close()
	}()

	// 5. Keep connection alive until client disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
