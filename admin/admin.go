// Package admin serves a small read-only HTTP endpoint for operators:
// liveness, metrics and the recent operation journal.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/arloliu/go-temserver/dispatch"
	"github.com/arloliu/go-temserver/logger"
	"github.com/arloliu/go-temserver/temserver"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 1000
)

// DispatcherSource is the dispatcher state exposed by the endpoint.
type DispatcherSource interface {
	Snapshot() dispatch.MetricsSnapshot
	Done() <-chan struct{}
	Err() error
}

// ServerSource is the server state exposed by the endpoint.
type ServerSource interface {
	Metrics() *temserver.ServerMetrics
}

// JournalSource reads recent journal entries.
type JournalSource interface {
	Recent(ctx context.Context, limit int) ([]dispatch.Entry, error)
}

// Sources are the components the endpoint reports on. Server and Journal are optional.
type Sources struct {
	Dispatcher DispatcherSource
	Server     ServerSource
	Journal    JournalSource
	Logger     logger.Logger
}

// HealthzResponse is the body of GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Error         string `json:"error,omitempty"`
}

// MetricsResponse is the body of GET /metrics.
type MetricsResponse struct {
	Dispatcher dispatch.MetricsSnapshot   `json:"dispatcher"`
	Server     *temserver.MetricsSnapshot `json:"server,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	src       Sources
	logger    logger.Logger
	startedAt time.Time
}

// NewHandler returns the router for the admin endpoint.
func NewHandler(src Sources) (http.Handler, error) {
	if src.Dispatcher == nil {
		return nil, errors.New("admin: dispatcher source is required")
	}
	if src.Logger == nil {
		src.Logger = logger.GetLogger()
	}

	h := &handler{src: src, logger: src.Logger, startedAt: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealthz)
	r.Get("/metrics", h.handleMetrics)
	r.Get("/journal", h.handleJournal)

	return r, nil
}

// Serve runs an HTTP server for handler on address until ctx is done.
func Serve(ctx context.Context, address string, handler http.Handler, l logger.Logger) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	l.Info("admin endpoint starting", "address", address)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin shutdown failed: %w", err)
		}
		l.Info("admin endpoint stopped")

		return nil

	case err, ok := <-errCh:
		if !ok {
			return nil
		}

		return fmt.Errorf("admin endpoint: %w", err)
	}
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}

	select {
	case <-h.src.Dispatcher.Done():
		resp.Status = "stopped"
		if err := h.src.Dispatcher.Err(); err != nil {
			resp.Error = err.Error()
		}
		h.writeJSON(w, http.StatusServiceUnavailable, resp)

		return
	default:
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	resp := MetricsResponse{Dispatcher: h.src.Dispatcher.Snapshot()}
	if h.src.Server != nil {
		snap := h.src.Server.Metrics().Snapshot()
		resp.Server = &snap
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleJournal(w http.ResponseWriter, r *http.Request) {
	if h.src.Journal == nil {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "journal is disabled"})
		return
	}

	limit := defaultJournalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxJournalLimit {
			h.writeJSON(w, http.StatusBadRequest, errorResponse{
				Error: fmt.Sprintf("limit must be an integer in [1, %d]", maxJournalLimit),
			})

			return
		}
		limit = n
	}

	entries, err := h.src.Journal.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to read journal", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read journal"})

		return
	}
	if entries == nil {
		entries = []dispatch.Entry{}
	}

	h.writeJSON(w, http.StatusOK, entries)
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
