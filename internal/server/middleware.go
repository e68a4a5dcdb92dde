package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"learnhub/internal/api"
	"learnhub/internal/observability/logging"
	"learnhub/internal/observability/metrics"
)

// writeMiddlewareError normalises middleware error responses to the API JSON shape.
func writeMiddlewareError(w http.ResponseWriter, status int, code, message string) {
	api.WriteError(w, status, api.RequestError{Status: status, Code: code, Message: message})
}

func isPublicPath(path string) bool {
	return path == "/healthz" || path == "/metrics" ||
		strings.HasPrefix(path, "/api/auth/") ||
		strings.HasPrefix(path, "/media/") ||
		!strings.HasPrefix(path, "/api/")
}

// authMiddleware resolves the bearer credential of every non-public API
// request and stores the identity on the context.
func authMiddleware(handler *api.Handler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		identity, err := handler.AuthenticateRequest(r)
		if err != nil {
			api.WriteError(w, http.StatusServiceUnavailable, err)
			return
		}
		recordAuditSubject(r.Context(), identity.ID)
		ctx := api.ContextWithIdentity(r.Context(), identity)
		ctx = logging.ContextWithUserID(ctx, identity.ID)
		if base := logging.LoggerFromContext(ctx); base != nil {
			ctx = logging.ContextWithLogger(ctx, base.With("user_id", identity.ID))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type routeTimeouts struct {
	chunk    time.Duration
	finalize time.Duration
	fallback time.Duration
}

func (t routeTimeouts) forPath(path string) time.Duration {
	switch path {
	case "/api/uploads/chunk":
		return t.chunk
	case "/api/uploads/finalize":
		return t.finalize
	case "/metrics", "/healthz":
		return t.fallback
	}
	if strings.HasPrefix(path, "/media/") {
		return 0
	}
	return t.fallback
}

// timeoutMiddleware bounds the request context; store and object-store
// calls observe the deadline.
func timeoutMiddleware(timeouts routeTimeouts, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timeout := timeouts.forPath(r.URL.Path)
		if timeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, api.CodeRateLimited, "global rate limit exceeded")
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
			allowed, retryAfter, err := rl.AllowLogin(r.Context(), extractClientIP(r))
			if err != nil {
				logging.FromContext(r.Context(), logger).Error("rate limiter failure", "error", err)
				writeMiddlewareError(w, http.StatusServiceUnavailable, api.CodeUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, api.CodeRateLimited, "too many login attempts")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type auditSubjectKey struct{}

// auditSubject is filled in by authMiddleware so the outer audit layer can
// attribute the request.
type auditSubject struct {
	userID string
}

func recordAuditSubject(ctx context.Context, userID string) {
	if subject, ok := ctx.Value(auditSubjectKey{}).(*auditSubject); ok {
		subject.userID = userID
	}
}

// auditMiddleware records mutating API calls, including the upload session
// they touched.
func auditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := &auditSubject{}
		rr := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r.WithContext(context.WithValue(r.Context(), auditSubjectKey{}, subject)))
		if !shouldAudit(r) {
			return
		}
		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rr.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", extractClientIP(r),
		}
		if requestID, ok := logging.RequestIDFromContext(r.Context()); ok {
			fields = append(fields, "request_id", requestID)
		}
		if sessionID := strings.TrimSpace(r.Header.Get(uploadSessionHeader)); sessionID != "" {
			fields = append(fields, "session_id", sessionID)
		}
		if subject.userID != "" {
			fields = append(fields, "user_id", subject.userID)
		}
		logger.Info("audit", fields...)
	})
}

func shouldAudit(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
