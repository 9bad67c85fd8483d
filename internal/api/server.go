// Package api exposes the status HTTP interface of a running crawl.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
	"github.com/JakeFAU/proceedings-crawler/internal/metrics"
)

// CheckpointSource reports the last checkpoint persisted by the active run.
type CheckpointSource interface {
	Checkpoint() (crawler.CheckpointState, bool)
}

// Server wires HTTP handlers to the crawl's checkpoint snapshot.
type Server struct {
	router  chi.Router
	source  CheckpointSource
	clock   crawler.Clock
	logger  *zap.Logger
	started time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(source CheckpointSource, clock crawler.Clock, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		source:  source,
		clock:   clock,
		logger:  logger,
		started: clock.Now(),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/checkpoint", s.getCheckpoint)
		r.Get("/progress", s.getProgress)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once the run has a checkpoint to serve.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if _, ok := s.source.Checkpoint(); !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getCheckpoint(w http.ResponseWriter, _ *http.Request) {
	state, ok := s.source.Checkpoint()
	if !ok {
		writeError(w, http.StatusNotFound, "no checkpoint yet")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type progressResponse struct {
	RunID               string     `json:"run_id,omitempty"`
	Proceedings         int        `json:"proceedings"`
	NextProceedingIndex int        `json:"next_proc_idx"`
	CurrentProceeding   string     `json:"current_proceeding,omitempty"`
	CurrentPaperIndex   *int       `json:"current_proc_paper_idx,omitempty"`
	TotalPapers         int        `json:"total_papers"`
	Completed           bool       `json:"completed"`
	PercentComplete     float64    `json:"percent_complete"`
	LastUpdate          time.Time  `json:"last_update"`
	CompletionTime      *time.Time `json:"completion_time,omitempty"`
	Uptime              string     `json:"uptime"`
}

// getProgress summarizes the checkpoint for operators.
func (s *Server) getProgress(w http.ResponseWriter, _ *http.Request) {
	state, ok := s.source.Checkpoint()
	if !ok {
		writeError(w, http.StatusNotFound, "no checkpoint yet")
		return
	}
	resp := progressResponse{
		RunID:               state.RunID,
		Proceedings:         len(state.Proceedings),
		NextProceedingIndex: state.NextProceedingIndex,
		CurrentPaperIndex:   state.CurrentProceedingPaperIndex,
		TotalPapers:         state.TotalPaperCount,
		Completed:           state.Completed,
		LastUpdate:          state.LastUpdate,
		CompletionTime:      state.CompletionTime,
		Uptime:              s.clock.Now().Sub(s.started).Round(time.Second).String(),
	}
	if state.NextProceedingIndex < len(state.Proceedings) {
		resp.CurrentProceeding = state.Proceedings[state.NextProceedingIndex]
	}
	if n := len(state.Proceedings); n > 0 {
		done := 0
		for i := range state.Proceedings {
			if state.IsComplete(i) {
				done++
			}
		}
		resp.PercentComplete = 100 * float64(done) / float64(n)
	}
	writeJSON(w, http.StatusOK, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
