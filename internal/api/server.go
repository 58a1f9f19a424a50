// SPDX-License-Identifier: MIT

// Package api is the HTTP ingress for the enrollment engine: enrollment
// submission, drops, roster listing and the admin audit report, behind
// bearer-token auth.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/campuskit/enrolld/internal/auth"
	"github.com/campuskit/enrolld/internal/enrollment"
	"github.com/campuskit/enrolld/internal/invariant"
	"github.com/campuskit/enrolld/internal/log"
)

// Options wires the server's collaborators.
type Options struct {
	Coordinator *enrollment.Coordinator
	Monitor     *invariant.Monitor
	Verifier    *auth.Verifier
	// RateLimit is the per-client budget per minute on mutating endpoints.
	// Zero disables limiting.
	RateLimit int
	// Ready reports readiness of the backing stores.
	Ready func(ctx context.Context) error
}

// Server is the HTTP API. Construct with New, serve via Handler.
type Server struct {
	coord    *enrollment.Coordinator
	monitor  *invariant.Monitor
	verifier *auth.Verifier
	ready    func(ctx context.Context) error
	router   chi.Router
	logger   zerolog.Logger
}

// New builds the server and its routes.
func New(opts Options) *Server {
	s := &Server{
		coord:    opts.Coordinator,
		monitor:  opts.Monitor,
		verifier: opts.Verifier,
		ready:    opts.Ready,
		logger:   log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(httpMetrics)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Group(func(r chi.Router) {
			if opts.RateLimit > 0 {
				r.Use(httprate.LimitByIP(opts.RateLimit, time.Minute))
			}
			r.Post("/enrollments", s.handleSubmit)
			r.Post("/enrollments/drop", s.handleDrop)
		})

		r.Get("/enrollments", s.handleList)
		r.Get("/audit/report", s.handleAuditReport)
	})
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "NOT_READY", err.Error())
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// idPattern bounds every externally supplied identifier. IDs end up inside
// event store keys and audit rows, so the delimiter characters used there
// must never pass through.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

func validID(s string) bool { return idPattern.MatchString(s) }

// submitBody is the enrollment request payload. RequestID is optional; a
// missing one gets a server-generated UUID, trading idempotency for
// convenience.
type submitBody struct {
	RequestID string `json:"request_id"`
	StudentID string `json:"student_id"`
	SectionID string `json:"section_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "a valid bearer token is required")
		return
	}

	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	if !validID(body.StudentID) || !validID(body.SectionID) {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "student_id and section_id must match [A-Za-z0-9._-]{1,128}")
		return
	}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	} else if !validID(body.RequestID) {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "request_id must match [A-Za-z0-9._-]{1,128}")
		return
	}

	decision, err := s.coord.Submit(r.Context(), actorOf(p), enrollment.Request{
		RequestID: body.RequestID,
		StudentID: body.StudentID,
		SectionID: body.SectionID,
	})
	s.writeDecision(w, r, decision, err)
}

// dropBody is the drop request payload.
type dropBody struct {
	RequestID    string `json:"request_id"`
	EnrollmentID string `json:"enrollment_id"`
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "a valid bearer token is required")
		return
	}

	var body dropBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	if !validID(body.EnrollmentID) {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "enrollment_id must match [A-Za-z0-9._-]{1,128}")
		return
	}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	} else if !validID(body.RequestID) {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "request_id must match [A-Za-z0-9._-]{1,128}")
		return
	}

	decision, err := s.coord.Drop(r.Context(), actorOf(p), enrollment.DropRequest{
		RequestID:    body.RequestID,
		EnrollmentID: body.EnrollmentID,
	})
	s.writeDecision(w, r, decision, err)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "a valid bearer token is required")
		return
	}

	studentID := r.URL.Query().Get("student_id")
	if studentID == "" {
		studentID = p.ID
	}

	roster, err := s.coord.Enrollments(r.Context(), actorOf(p), studentID)
	if err != nil {
		if errors.Is(err, enrollment.ErrForbidden) {
			writeError(w, r, http.StatusForbidden, "FORBIDDEN", "students may only view their own enrollments")
			return
		}
		s.logger.Error().Err(err).Str("student_id", studentID).Msg("roster load failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "roster could not be loaded")
		return
	}
	writeJSON(w, r, http.StatusOK, roster)
}

func (s *Server) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok || !p.IsAdmin() {
		writeError(w, r, http.StatusForbidden, "FORBIDDEN", "the audit report is admin-only")
		return
	}

	report, err := s.monitor.Check(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("invariant check failed")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "invariant check failed")
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// writeDecision maps a coordinator outcome onto HTTP. Policy denials are
// successful evaluations and answer 200; only infrastructure outcomes use
// error statuses.
func (s *Server) writeDecision(w http.ResponseWriter, r *http.Request, d *enrollment.Decision, err error) {
	if err != nil {
		switch {
		case errors.Is(err, enrollment.ErrForbidden):
			writeError(w, r, http.StatusForbidden, "FORBIDDEN", "students may only act on their own enrollments")
		case errors.Is(err, enrollment.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no such enrollment")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, r, http.StatusServiceUnavailable, "TIMEOUT", "request aborted")
		default:
			s.logger.Error().Err(err).Str("request_id", log.RequestIDFromContext(r.Context())).Msg("decision failed")
			writeError(w, r, http.StatusInternalServerError, "INTERNAL", "request could not be decided")
		}
		return
	}

	status := http.StatusOK
	switch d.Reason {
	case enrollment.ReasonBusy, enrollment.ReasonTimeout, enrollment.ReasonTransient:
		status = http.StatusServiceUnavailable
	case enrollment.ReasonDuplicate:
		status = http.StatusConflict
	case enrollment.ReasonUnknownSection, enrollment.ReasonUnknownStudent:
		status = http.StatusNotFound
	}
	writeJSON(w, r, status, d)
}

func actorOf(p auth.Principal) enrollment.Actor {
	return enrollment.Actor{ID: p.ID, Role: string(p.Role)}
}
