// Package server provides the HTTP API: webhook ingestion, failure and fix
// endpoints, learning analytics and operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/cifix/internal/config"
	"github.com/jonathan/cifix/internal/db"
	"github.com/jonathan/cifix/internal/dispatch"
	"github.com/jonathan/cifix/internal/learning"
	"github.com/jonathan/cifix/internal/lifecycle"
	"github.com/jonathan/cifix/internal/logging"
	"github.com/jonathan/cifix/internal/metrics"
	"github.com/jonathan/cifix/internal/profile"
	"github.com/jonathan/cifix/internal/server/middleware"
	"github.com/jonathan/cifix/internal/server/ratelimit"
	"github.com/jonathan/cifix/internal/webhook"
)

// requestIDHeader carries the request id in both directions.
const requestIDHeader = "X-Request-ID"

// Dispatcher schedules background analysis of a failure record.
type Dispatcher interface {
	Dispatch(r *db.FailureRecord) <-chan dispatch.Outcome
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Store      db.Store
	Verifier   *webhook.Verifier
	Dispatcher Dispatcher
	Fixes      *lifecycle.Manager
	Engine     *learning.Engine
	Profiles   *profile.Builder
	Metrics    *metrics.Metrics
	// JWT enables bearer-token auth on fix decisions when non-nil.
	JWT *config.JWTConfig
	// StoreKind is reported by the health endpoint.
	StoreKind string
}

// Config holds server configuration
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	RateLimit    *ratelimit.Config
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	store       db.Store
	storeKind   string
	verifier    *webhook.Verifier
	dispatcher  Dispatcher
	fixes       *lifecycle.Manager
	engine      *learning.Engine
	profiles    *profile.Builder
	metrics     *metrics.Metrics
	rateLimiter *ratelimit.Limiter
	jwtService  *JWTService
	logger      *slog.Logger
}

// New creates a new server instance
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Verifier == nil || deps.Dispatcher == nil ||
		deps.Fixes == nil || deps.Engine == nil || deps.Profiles == nil {
		return nil, errors.New("server: store, verifier, dispatcher, fixes, engine and profiles are required")
	}

	s := &Server{
		store:       deps.Store,
		storeKind:   deps.StoreKind,
		verifier:    deps.Verifier,
		dispatcher:  deps.Dispatcher,
		fixes:       deps.Fixes,
		engine:      deps.Engine,
		profiles:    deps.Profiles,
		metrics:     deps.Metrics,
		rateLimiter: ratelimit.NewLimiter(cfg.RateLimit),
		logger:      logging.New("server"),
	}
	if deps.JWT != nil {
		s.jwtService = NewJWTService(deps.JWT)
	}

	mux := http.NewServeMux()

	// Ingestion
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("POST /analyze", s.handleAnalyze)

	// Failures
	mux.HandleFunc("GET /failures", s.handleListFailures)
	mux.HandleFunc("GET /failures/{id}", s.handleGetFailure)

	// Fix lifecycle
	mux.HandleFunc("GET /fixes", s.handleListFixes)
	mux.Handle("POST /fixes/{id}/approve", s.requireApprover(http.HandlerFunc(s.handleApproveFix)))
	mux.Handle("POST /fixes/{id}/reject", s.requireApprover(http.HandlerFunc(s.handleRejectFix)))
	mux.HandleFunc("GET /fixes/{id}/status", s.handleFixStatus)

	// Learning
	mux.HandleFunc("POST /ml/predict-success", s.handlePredictSuccess)
	mux.HandleFunc("POST /ml/similar-fixes", s.handleSimilarFixes)
	mux.HandleFunc("POST /ml/generate-enhanced-fix", s.handleEnhanceFix)
	mux.HandleFunc("POST /ml/learn-from-feedback", s.handleLearnFromFeedback)
	mux.HandleFunc("GET /ml/pattern-insights", s.handlePatternInsights)
	mux.HandleFunc("POST /ml/pattern-insights", s.handlePatternInsightsFor)
	mux.HandleFunc("GET /ml/model-performance", s.handleModelPerformance)
	mux.HandleFunc("POST /ml/model-performance", s.handleModelPerformanceFor)

	// Repositories
	mux.HandleFunc("GET /repos/{owner}/{repo}/profile", s.handleRepoProfile)

	// Operations
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.handler = s.withRateLimit(s.withLogging(s.withCORS(mux)))
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s, nil
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves requests until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		s.rateLimiter.Stop()
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	s.rateLimiter.Stop()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// requireApprover enforces bearer-token auth when JWT is configured.
func (s *Server) requireApprover(next http.Handler) http.Handler {
	if s.jwtService == nil {
		return next
	}
	return middleware.AuthMiddleware(s.jwtService.AsTokenValidator())(next)
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := s.extractClientID(r)

		allowed, info := s.rateLimiter.Allow(clientID, r.URL.Path, r.Method)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

type requestIDKey struct{}

// requestID returns the id assigned by withLogging.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withLogging assigns a request id and logs each request once it completes.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		req := r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))
		next.ServeHTTP(rec, req)

		elapsed := time.Since(start)
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTP(r.Method, route, strconv.Itoa(rec.status), elapsed)

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.LogAttrs(r.Context(), level, "request",
			slog.String("request_id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", elapsed),
			slog.String("remote", r.RemoteAddr))
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"store":                s.storeKind,
		"webhook_verification": !s.verifier.Permissive(),
		"approver_auth":        s.jwtService != nil,
	})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// extractClientID extracts the client identifier from the request.
// It uses the IP address from RemoteAddr; X-Forwarded-For is not trusted.
func (s *Server) extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
	}
	if !info.ResetTime.IsZero() {
		response["reset_at"] = info.ResetTime.Format(time.RFC3339)
	}

	if info.RetryAfter > 0 {
		seconds := int(info.RetryAfter.Seconds()) + 1
		response["retry_after"] = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	s.logger.Warn("rate limit exceeded",
		slog.Int("limit", info.Limit),
		slog.Int("remaining", info.Remaining))

	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
