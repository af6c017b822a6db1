package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-feed-rater/internal/archive"
	"github.com/JakeFAU/realtime-feed-rater/internal/grade"
	"github.com/JakeFAU/realtime-feed-rater/internal/metrics"
	"github.com/JakeFAU/realtime-feed-rater/internal/scheduler"
)

// StatusSource reports scheduler progress.
type StatusSource interface {
	Status() scheduler.Status
}

// ArchiveSource lists archive files.
type ArchiveSource interface {
	Files() []archive.File
}

// UploadSource reports background uploads.
type UploadSource interface {
	InFlight() int
}

// GradeSource returns the current grade index.
type GradeSource interface {
	Snapshot() grade.Index
}

// Sources bundles what the server reports on. Archives, Uploads and Grades
// are optional.
type Sources struct {
	Status   StatusSource
	Archives ArchiveSource
	Uploads  UploadSource
	Grades   GradeSource
}

// Server exposes read-only run state over HTTP.
type Server struct {
	router  chi.Router
	sources Sources
	logger  *zap.Logger
}

type statusResponse struct {
	scheduler.Status
	UploadsInFlight int `json:"uploads_in_flight"`
}

type archiveResponse struct {
	FeedID string        `json:"feed_id"`
	Date   string        `json:"date"`
	State  archive.State `json:"state"`
	Rows   int           `json:"rows"`
	Path   string        `json:"path"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sources Sources, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{sources: sources, logger: logger.Named("api")}

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
		r.Get("/status", s.status)
		r.Get("/archives", s.archives)
		r.Get("/grades", s.grades)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server started", zap.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	<-errCh
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once the scheduler has started sampling.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.sources.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	state := s.sources.Status.Status().State
	if state == scheduler.StateIdle {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(state)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(state)})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	if s.sources.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	resp := statusResponse{Status: s.sources.Status.Status()}
	if s.sources.Uploads != nil {
		resp.UploadsInFlight = s.sources.Uploads.InFlight()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) archives(w http.ResponseWriter, r *http.Request) {
	if s.sources.Archives == nil {
		writeJSON(w, http.StatusOK, map[string]any{"archives": []archiveResponse{}})
		return
	}
	state := archive.State(r.URL.Query().Get("state"))
	files := s.sources.Archives.Files()
	out := make([]archiveResponse, 0, len(files))
	for _, f := range files {
		if state != "" && f.State != state {
			continue
		}
		out = append(out, archiveResponse{
			FeedID: f.Key.FeedID,
			Date:   f.Key.DateString(),
			State:  f.State,
			Rows:   f.Rows,
			Path:   f.Path,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].FeedID < out[j].FeedID
	})
	writeJSON(w, http.StatusOK, map[string]any{"archives": out})
}

func (s *Server) grades(w http.ResponseWriter, _ *http.Request) {
	if s.sources.Grades == nil {
		writeError(w, http.StatusNotFound, "aggregation disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.sources.Grades.Snapshot())
}

type requestIDKey struct{}

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
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
