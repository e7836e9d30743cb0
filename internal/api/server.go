// Package api exposes the HTTP interface for the guard.
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
	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/activity"
	"github.com/JakeFAU/searchguard/internal/backup"
	"github.com/JakeFAU/searchguard/internal/blockview"
	"github.com/JakeFAU/searchguard/internal/config"
	"github.com/JakeFAU/searchguard/internal/control"
	"github.com/JakeFAU/searchguard/internal/metrics"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Deps are the collaborators of a Server. Backups, Blocks, Emitter and Ready
// are optional.
type Deps struct {
	Service *control.Service
	Backups *backup.Service
	Blocks  BlockCounter
	Clock   Clock
	Emitter activity.Emitter
	// Ready reports whether downstream dependencies are usable.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// Server wires HTTP handlers to the control service.
type Server struct {
	router  chi.Router
	svc     *control.Service
	backups *backup.Service
	blocks  *BlocksHandler
	clock   Clock
	emitter activity.Emitter
	ready   func(ctx context.Context) error
	logger  *zap.Logger
	cfg     config.Config
}

const maxBodyBytes = 1 << 20

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config) (*Server, error) {
	if deps.Service == nil || deps.Clock == nil {
		return nil, errors.New("api: service and clock are required")
	}
	if deps.Emitter == nil {
		deps.Emitter = activity.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &Server{
		svc:     deps.Service,
		backups: deps.Backups,
		blocks:  NewBlocksHandler(deps.Blocks, deps.Logger),
		clock:   deps.Clock,
		emitter: deps.Emitter,
		ready:   deps.Ready,
		logger:  deps.Logger.Named("api"),
		cfg:     cfg,
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())
	r.Handle(blockview.Path, blockview.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// Streams must not sit behind http.TimeoutHandler, which cannot flush.
		r.Get("/v1/events", s.events)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))

			r.Get("/v1/state", s.getState)
			r.Patch("/v1/state", s.patchState)
			r.Post("/v1/state/blocked", s.incrementBlocked)
			r.Post("/v1/block", s.block)
			r.Get("/v1/status", s.status)
			r.Get("/v1/indicator", s.indicator)

			r.Put("/v1/words", s.putWords)
			r.Post("/v1/words", s.addWords)
			r.Delete("/v1/words/{word}", s.deleteWord)
			r.Put("/v1/settings", s.putSettings)

			r.Post("/v1/bypass", s.startBypass)
			r.Delete("/v1/bypass", s.stopBypass)

			r.Get("/v1/export", s.export)
			r.Post("/v1/import", s.importState)
			r.Post("/v1/backup", s.backup)
			r.Post("/v1/restore", s.restore)

			r.Get("/v1/activity/blocks", s.blocks.Count)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = s.svc.NewRequestID()
		}
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
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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
