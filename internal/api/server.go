package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"validation-queue/internal/deadletter"
	"validation-queue/internal/models"
	"validation-queue/internal/service"
	"validation-queue/internal/store"
	"validation-queue/internal/telemetry"
	"validation-queue/internal/worker"
)

// DeadLetterReader lists terminally failed items.
type DeadLetterReader interface {
	Peek(ctx context.Context, count int64) ([]deadletter.Entry, error)
}

// Pinger checks a backing dependency for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the validation queue.
type Server struct {
	svc        *service.Service
	reporter   *service.Reporter
	drainer    *worker.Drainer
	drainOpts  worker.DrainOptions
	deadLetter DeadLetterReader
	health     Pinger
	logger     zerolog.Logger
}

// New constructs the API server. deadLetter and health may be nil.
func New(svc *service.Service, reporter *service.Reporter, drainer *worker.Drainer, drainOpts worker.DrainOptions,
	deadLetter DeadLetterReader, health Pinger, logger zerolog.Logger) *Server {
	return &Server{
		svc:        svc,
		reporter:   reporter,
		drainer:    drainer,
		drainOpts:  drainOpts,
		deadLetter: deadLetter,
		health:     health,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/queue/process", s.handleProcess)
	r.Get("/queue/stats", s.handleQueueStats)
	r.Get("/queue/errors", s.handleErrorStats)
	r.Get("/queue/dead-letter", s.handleDeadLetter)

	r.Post("/validations", s.handleEnqueue)
	r.Post("/validations/direct", s.handleDirect)
	r.Get("/validations/{id}", s.handleStatus)
	r.Get("/validations/{id}/errors", s.handleErrorLogs)
	r.Post("/validations/{id}/retry", s.handleRetry)
	r.Post("/validations/{id}/cancel", s.handleCancel)
	r.Get("/users/{userID}/validations", s.handleListByUser)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type processResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	worker.DrainSummary
}

// handleProcess runs exactly one drain cycle. It is meant to be hit by a scheduler. The
// cycle outlives the request: a caller that disconnects does not abort items mid-call,
// each of which is still bounded by the per-item timeout.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	results, err := s.drainer.Drain(context.WithoutCancel(r.Context()), s.drainOpts)
	if err != nil {
		s.logger.Error().Err(err).Msg("drain cycle")
		writeJSON(w, http.StatusInternalServerError, processResponse{
			Message:      err.Error(),
			DrainSummary: worker.Summarize(nil),
		})
		return
	}
	sum := worker.Summarize(results)
	msg := "no eligible items"
	switch {
	case sum.Processed > 0:
		msg = strconv.Itoa(sum.Processed) + " items processed"
	case sum.Skipped > 0:
		msg = strconv.Itoa(sum.Skipped) + " items skipped"
	}
	writeJSON(w, http.StatusOK, processResponse{Success: true, Message: msg, DrainSummary: sum})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.reporter.GetQueueStatistics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleErrorStats(w http.ResponseWriter, r *http.Request) {
	days := service.DefaultErrorWindowDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "days must be a positive integer", http.StatusBadRequest)
			return
		}
		days = n
	}
	st, err := s.reporter.GetErrorStatistics(r.Context(), days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	if s.deadLetter == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []deadletter.Entry{}})
		return
	}
	items, err := s.deadLetter.Peek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dead letter index", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req service.EnqueueInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	id, err := s.svc.Enqueue(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"queue_id": id})
}

func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request) {
	var req service.DirectInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	out, err := s.svc.ValidateDirect(r.Context(), req)
	if err != nil {
		var stepErr *models.StepError
		if errors.As(err, &stepErr) {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error(), "error_step": string(stepErr.Step)})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleErrorLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.svc.ErrorLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.ManualRetry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusCancelled)})
}

func (s *Server) handleListByUser(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.ListByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var vErr *service.ValidationError
	switch {
	case errors.As(err, &vErr):
		http.Error(w, vErr.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrStatusConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrRateLimited):
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	default:
		s.logger.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
