package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"learnhub/internal/api"
	"learnhub/internal/observability/logging"
	"learnhub/internal/observability/metrics"
)

const (
	DefaultChunkTimeout    = 30 * time.Second
	DefaultFinalizeTimeout = 10 * time.Minute
	defaultRouteTimeout    = 15 * time.Second
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr        string
	TLS         TLSConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Security    SecurityConfig
	Logger      *slog.Logger
	AuditLogger *slog.Logger
	Metrics     *metrics.Recorder
	// ChunkTimeout bounds POST /api/uploads/chunk; FinalizeTimeout bounds
	// POST /api/uploads/finalize. Other routes get a short default.
	ChunkTimeout    time.Duration
	FinalizeTimeout time.Duration
	// Media, when set, serves stored objects under /media/.
	Media http.Handler
	// SlowRequestThreshold raises request logs to warn level.
	SlowRequestThreshold time.Duration
}

type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultChunkTimeout
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if (strings.TrimSpace(cfg.TLS.CertFile) == "") != (strings.TrimSpace(cfg.TLS.KeyFile) == "") {
		return nil, errors.New("both TLS cert file and key file must be provided")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/auth/signup", handler.Signup)
	mux.HandleFunc("/api/auth/login", handler.Login)
	mux.HandleFunc("/api/auth/session", handler.Session)
	mux.HandleFunc("/api/courses", handler.Courses)
	mux.HandleFunc("/api/courses/", handler.CourseByID)
	if handler.Uploads != nil {
		mux.HandleFunc("/api/uploads/chunk", handler.UploadChunk)
		mux.HandleFunc("/api/uploads/finalize", handler.FinalizeUpload)
		mux.HandleFunc("/api/uploads/sessions/", handler.UploadSession)
	}
	if cfg.Media != nil {
		mux.Handle("/media/", http.StripPrefix("/media/", mediaHandler(cfg.Media)))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, api.RequestError{Message: "no route for " + r.URL.Path})
	})

	corsPolicy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}
	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("configure rate limiter: %w", err)
	}

	timeouts := routeTimeouts{
		chunk:    cfg.ChunkTimeout,
		finalize: cfg.FinalizeTimeout,
		fallback: defaultRouteTimeout,
	}

	handlerChain := http.Handler(mux)
	handlerChain = authMiddleware(handler, handlerChain)
	handlerChain = timeoutMiddleware(timeouts, handlerChain)
	handlerChain = rateLimitMiddleware(rl, logger, handlerChain)
	handlerChain = corsMiddleware(corsPolicy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = auditMiddleware(cfg.AuditLogger, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:        logger,
		SlowThreshold: cfg.SlowRequestThreshold,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", extractClientIP(r)}
		},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	// The server-wide write deadline must outlast the longest route timeout
	// so finalize errors still reach the client.
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ChunkTimeout + 5*time.Second,
		WriteTimeout:      cfg.FinalizeTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		handler:     handlerChain,
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if srv.tlsCertFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler exposes the fully wrapped handler chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// HTTPServer returns the underlying server for use with serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

func (s *Server) TLS() TLSConfig {
	return TLSConfig{CertFile: s.tlsCertFile, KeyFile: s.tlsKeyFile}
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, drains in-flight ones and releases the
// rate limiter's Redis connection.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases the middleware resources without touching the listener.
// serverutil.Run drains the http.Server itself and calls Close afterwards.
func (s *Server) Close() error {
	if err := s.rateLimiter.Close(); err != nil {
		return fmt.Errorf("close rate limiter: %w", err)
	}
	return nil
}

// mediaHandler serves read-only object bytes. Directory listings are hidden.
func mediaHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			api.WriteError(w, http.StatusMethodNotAllowed, api.RequestError{Message: "method " + r.Method + " not allowed"})
			return
		}
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			api.WriteError(w, http.StatusNotFound, api.RequestError{Message: "object not found"})
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
