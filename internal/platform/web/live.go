package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dontdude/snipbox/internal/domain"
)

// liveRequest is a message from a live client.
type liveRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	runRequest
}

// liveResponse is a message to a live client.
type liveResponse struct {
	Type        string              `json:"type"`
	ID          string              `json:"id,omitempty"`
	JobID       string              `json:"job_id,omitempty"`
	Diagnostics []domain.Diagnostic `json:"diagnostics,omitempty"`
	Outcome     *domain.Outcome     `json:"outcome,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// handleLive compiles and runs unsaved code over one WebSocket. It never touches the store.
// Runs proceed concurrently with compiles; closing the socket cancels them, inline or queued.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	wc := &wsConn{conn: conn}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		conn.Close()
	}()

	for {
		var msg liveRequest
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Live connection closed", "error", err)
			}
			return
		}

		switch msg.Type {
		case "compile":
			s.liveCompile(ctx, wc, msg)
		case "run":
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.liveRun(ctx, wc, msg)
			}()
		default:
			s.send(wc, liveResponse{Type: "error", ID: msg.ID, Error: "unknown message type"})
		}
	}
}

func (s *Server) liveCompile(ctx context.Context, wc *wsConn, msg liveRequest) {
	diags, err := s.Compiler.Compile(ctx, msg.Content, msg.Declarations)
	resp := liveResponse{Type: "compile", ID: msg.ID, Diagnostics: nonNil(diags)}
	if err != nil {
		resp.Error = err.Error()
	}
	s.send(wc, resp)
}

func (s *Server) liveRun(ctx context.Context, wc *wsConn, msg liveRequest) {
	resp := liveResponse{Type: "run", ID: msg.ID}

	if s.Queue != nil && s.Hub != nil {
		diags, err := s.Compiler.Compile(ctx, msg.Content, msg.Declarations)
		if err == nil && domain.HasErrors(diags) {
			err = &domain.NotCompilableError{Diagnostics: diags}
		}
		if err != nil {
			s.send(wc, liveFailure(resp, err))
			return
		}

		job := domain.Job{ID: s.newJobID(), Content: msg.Content, Declarations: msg.Declarations, Limits: msg.limits()}
		resp.JobID = job.ID
		done := make(chan struct{})
		unregister := s.Hub.Listen(job.ID, func(res domain.JobResult) {
			resp.Outcome, resp.Diagnostics, resp.Error = res.Outcome, res.Diagnostics, res.Error
			s.send(wc, resp)
			close(done)
		})
		defer unregister()

		if err := s.Queue.Publish(ctx, job); err != nil {
			s.send(wc, liveFailure(resp, err))
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			s.cancelJob(job.ID)
		}
		return
	}

	out, err := s.runInline(ctx, msg.Content, msg.Declarations, msg.limits())
	if err != nil {
		if ctx.Err() == nil {
			s.send(wc, liveFailure(resp, err))
		}
		return
	}
	resp.Outcome = &out
	s.send(wc, resp)
}

// cancelJob asks the workers to drop a job whose client went away.
func (s *Server) cancelJob(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Queue.Cancel(ctx, jobID); err != nil {
		slog.Warn("Failed to cancel job", "jobID", jobID, "error", err)
	}
}

func liveFailure(resp liveResponse, err error) liveResponse {
	var nce *domain.NotCompilableError
	if errors.As(err, &nce) {
		resp.Diagnostics = nce.Diagnostics
	}
	resp.Error = err.Error()
	return resp
}

func (s *Server) send(wc *wsConn, resp liveResponse) {
	if err := wc.WriteJSON(resp); err != nil {
		slog.Debug("Failed to write live message", "id", resp.ID, "error", err)
	}
}
