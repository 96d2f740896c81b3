package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"clinic-intake/internal/core"
	"clinic-intake/pkg"
)

// Engine is the turn-processing surface exposed by the workflow engine.
type Engine interface {
	StartSession(ctx context.Context, mode string) (*pkg.ChatResponse, error)
	ProcessTurn(ctx context.Context, threadID, message, clientKey string) (*pkg.ChatResponse, error)
}

// Store covers the read-only accessors and the clinician resolve action.
type Store interface {
	LatestReport(ctx context.Context, threadID string) (*pkg.Report, error)
	ListPendingEscalations(ctx context.Context) ([]pkg.Escalation, error)
	ResolveEscalation(ctx context.Context, escID, note string) error
	CaseView(ctx context.Context, threadID string) (*pkg.CaseView, error)
	Job(ctx context.Context, jobID string) (*pkg.Job, error)
}

// EscalationListener streams thread ids of newly created escalations.
type EscalationListener interface {
	Listen(ctx context.Context) (<-chan string, error)
}

// Server bundles together the dependencies required by HTTP handlers.
type Server struct {
	Engine         Engine
	Store          Store
	Listener       EscalationListener
	ClinicianToken string
	Logger         *slog.Logger
}

// NewServer constructs a Server. The listener may be nil, in which case the
// SSE escalation stream is unavailable.
func NewServer(engine Engine, store Store, listener EscalationListener, clinicianToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Engine:         engine,
		Store:          store,
		Listener:       listener,
		ClinicianToken: clinicianToken,
		Logger:         logger,
	}
}

// Router builds the chi router for the public and clinician endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/start", s.handleStart)
	r.Post("/chat", s.handleChat)
	r.Get("/report/{threadID}", s.handleReport)
	r.Get("/jobs/{jobID}", s.handleJob)

	r.Route("/clinician", func(r chi.Router) {
		r.Use(s.requireClinician)
		r.Get("/pending", s.handlePending)
		r.Post("/resolve", s.handleResolve)
		r.Get("/case/{threadID}", s.handleCase)
		r.Get("/pending/stream", s.handlePendingStream)
	})

	return r
}

func (s *Server) requireClinician(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.ClinicianToken == "" || r.Header.Get("X-Clinician-Token") != s.ClinicianToken {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	// An empty body means clinic mode; a malformed one is a client error.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resp, err := s.Engine.StartSession(r.Context(), req.Mode)
	if err != nil {
		s.Logger.Error("start failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not start session")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req pkg.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ThreadID == "" || req.ClientMsgID == "" {
		writeError(w, http.StatusBadRequest, "thread_id and client_msg_id are required")
		return
	}

	resp, err := s.Engine.ProcessTurn(r.Context(), req.ThreadID, req.Message, req.ClientMsgID)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrEmptyMessage):
			writeError(w, http.StatusBadRequest, "message cannot be empty")
		case errors.Is(err, core.ErrMessageTooLong):
			writeError(w, http.StatusBadRequest, "message too long (max 1200 chars)")
		case errors.Is(err, core.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "unknown thread_id; start a session first")
		case errors.Is(err, core.ErrIdempotencyConflict):
			writeError(w, http.StatusConflict, "client_msg_id was reused for a different message")
		default:
			s.Logger.Error("chat failed", "thread_id", req.ThreadID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not process turn")
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	rep, err := s.Store.LatestReport(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, pkg.ErrNotFound) {
			writeError(w, http.StatusNotFound, "report not generated yet")
			return
		}
		s.Logger.Error("report lookup failed", "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load report")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"latest": rep})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.Store.Job(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, pkg.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.Logger.Error("job lookup failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	escs, err := s.Store.ListPendingEscalations(r.Context())
	if err != nil {
		s.Logger.Error("pending escalations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list escalations")
		return
	}
	if escs == nil {
		escs = []pkg.Escalation{}
	}
	writeJSON(w, http.StatusOK, escs)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EscID     string `json:"esc_id"`
		NurseNote string `json:"nurse_note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.EscID == "" {
		writeError(w, http.StatusBadRequest, "esc_id is required")
		return
	}
	if req.NurseNote == "" {
		req.NurseNote = "Resolved"
	}
	if err := s.Store.ResolveEscalation(r.Context(), req.EscID, req.NurseNote); err != nil {
		if errors.Is(err, pkg.ErrNotFound) {
			writeError(w, http.StatusNotFound, "escalation not found")
			return
		}
		s.Logger.Error("resolve failed", "esc_id", req.EscID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not resolve escalation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCase(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	view, err := s.Store.CaseView(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, pkg.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown thread_id")
			return
		}
		s.Logger.Error("case view failed", "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load case")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handlePendingStream streams thread ids of new escalations as SSE events so
// the clinician dashboard can refresh without polling.
func (s *Server) handlePendingStream(w http.ResponseWriter, r *http.Request) {
	if s.Listener == nil {
		writeError(w, http.StatusServiceUnavailable, "escalation stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, err := s.Listener.Listen(r.Context())
	if err != nil {
		s.Logger.Error("escalation listen failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not subscribe")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case threadID, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(map[string]string{
				"type":      "escalation_created",
				"thread_id": threadID,
			})
			if err != nil {
				continue
			}
			if _, err := io.WriteString(w, "data: "+string(payload)+"\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
