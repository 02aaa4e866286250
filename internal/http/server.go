package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/olahol/melody"

	"tracker/internal/dashboard"
	applog "tracker/internal/log"
	"tracker/internal/middleware/ratelimit"
	"tracker/internal/middleware/security"
	"tracker/internal/middleware/trace"
)

const readyTimeout = 3 * time.Second

// Server wraps http.Server with the API routes and their shared state.
type Server struct {
	http.Server

	registry *dashboard.Registry
	ready    func(context.Context) error
	live     *melody.Melody
	limiter  *ratelimit.Limiter
	detector *security.Detector
	tracer   *trace.Middleware
	logger   *applog.Logger

	shutdownOnce sync.Once
}

// Options tune the server's protective middleware.
type Options struct {
	RateLimit ratelimit.Config
	Headers   security.HeadersConfig
	// TrustedProxies are CIDRs allowed to set forwarding headers, on top
	// of loopback and private ranges.
	TrustedProxies []string
}

// DefaultOptions returns the production middleware settings.
func DefaultOptions() Options {
	return Options{
		RateLimit: ratelimit.DefaultConfig(),
		Headers:   security.DefaultHeadersConfig(),
	}
}

// NewServer configures routes and middleware, returning a ready-to-run
// server. ready backs /readyz; nil means always ready.
func NewServer(addr string, registry *dashboard.Registry, ready func(context.Context) error, opts Options, logger *applog.Logger) *Server {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	logger = logger.WithComponent(applog.ComponentHTTP)
	if ready == nil {
		ready = func(context.Context) error { return nil }
	}

	detector := security.NewDetector()
	for _, cidr := range opts.TrustedProxies {
		if err := detector.AddTrustedProxy(cidr); err != nil {
			logger.Warn("Ignoring trusted proxy", applog.FieldError, err)
		}
	}

	s := &Server{
		registry: registry,
		ready:    ready,
		limiter:  ratelimit.NewLimiter(opts.RateLimit),
		detector: detector,
		tracer:   trace.NewMiddleware(detector.ExtractClientIP, logger),
		logger:   logger,
	}
	s.live = s.newLive()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("POST /api/auth/signup", s.handleSignUp)
	mux.HandleFunc("POST /api/auth/signin", s.handleSignIn)
	mux.HandleFunc("POST /api/auth/federated", s.handleFederated)
	mux.HandleFunc("POST /api/auth/signout", s.requireSession(s.handleSignOut))

	mux.HandleFunc("GET /api/dashboard", s.requireSession(s.handleDashboard))
	mux.HandleFunc("POST /api/form/create", s.requireSession(s.handleBeginCreate))
	mux.HandleFunc("POST /api/form/edit/{id}", s.requireSession(s.handleBeginEdit))
	mux.HandleFunc("PATCH /api/form", s.requireSession(s.handleUpdateForm))
	mux.HandleFunc("POST /api/form/submit", s.requireSession(s.handleSubmit))
	mux.HandleFunc("DELETE /api/transactions/{id}", s.requireSession(s.handleDelete))
	mux.HandleFunc("GET "+liveRoute, s.requireSession(s.handleLive))

	var handler http.Handler = mux
	handler = s.limiter.Middleware(detector.ExtractClientIP, isReadOnly, func(w http.ResponseWriter, r *http.Request) {
		applog.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
			applog.FieldClientIP, detector.ExtractClientIP(r),
			applog.FieldPath, r.URL.Path)
		ErrorResponse(http.StatusTooManyRequests, "rate limit exceeded, please try again later").Write(w)
	})(handler)
	handler = detector.Middleware(handler)
	handler = security.NewHeadersMiddleware(opts.Headers).Middleware(handler)
	handler = s.tracer.Middleware(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// RateLimiter exposes the limiter so its stale entries can be swept.
func (s *Server) RateLimiter() *ratelimit.Limiter { return s.limiter }

// Shutdown closes live sockets, then drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.live.Close(); err != nil {
			s.logger.Warn("Failed to close live sockets", applog.FieldError, err)
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func isReadOnly(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions
}

// requireSession resolves the bearer token to its dashboard.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			UnauthorizedError("missing bearer token").Write(w)
			return
		}
		d, err := s.registry.Resume(r.Context(), token)
		if err != nil {
			if StatusFor(err) != http.StatusUnauthorized {
				applog.FromContext(r.Context()).ErrorContext(r.Context(), "Session restore failed", applog.FieldError, err)
			}
			ErrorFor(err).Write(w)
			return
		}
		next(w, r.WithContext(withDashboard(r.Context(), d)))
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().JSON(map[string]string{"status": "ok"}).Write(w)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.ready(ctx); err != nil {
		applog.FromContext(ctx).WarnContext(ctx, "Readiness check failed", applog.FieldError, err)
		ErrorResponse(http.StatusServiceUnavailable, "not ready").Write(w)
		return
	}
	NewJSONResponse().JSON(map[string]any{
		"status":   "ready",
		"sessions": s.registry.Len(),
	}).Write(w)
}
