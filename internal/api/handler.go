package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"learnhub/internal/auth"
	"learnhub/internal/observability/logging"
	"learnhub/internal/storage"
	"learnhub/internal/upload"
)

type Handler struct {
	Store    storage.Repository
	Sessions *auth.SessionManager
	// Resolver authenticates bearer credentials. Defaults to a
	// SessionResolver over Sessions and Store.
	Resolver            auth.Resolver
	Uploads             *upload.Service
	Logger              *slog.Logger
	SessionCookiePolicy SessionCookiePolicy
	HealthChecks        []HealthCheck
}

func NewHandler(store storage.Repository, sessions *auth.SessionManager, uploads *upload.Service) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return &Handler{Store: store, Sessions: sessions, Uploads: uploads}
}

func (h *Handler) sessionManager() *auth.SessionManager {
	if h.Sessions == nil {
		h.Sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return h.Sessions
}

func (h *Handler) resolver() auth.Resolver {
	if h.Resolver != nil {
		return h.Resolver
	}
	return &auth.SessionResolver{Sessions: h.sessionManager(), Users: h.Store}
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return logging.FromContext(ctx, base)
}

type contextKey string

const identityContextKey contextKey = "identity"

// ContextWithIdentity stores the authenticated caller in ctx.
func ContextWithIdentity(ctx context.Context, identity auth.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the authenticated caller if present.
func IdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(auth.Identity)
	return identity, ok
}

// ExtractToken returns the bearer token from the Authorization header, or the
// session cookie when no header is present.
func ExtractToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

// AuthenticateRequest resolves the request's credential. A missing or
// rejected credential yields *upload.AuthError; resolver outages are
// returned as they are.
func (h *Handler) AuthenticateRequest(r *http.Request) (auth.Identity, error) {
	token := ExtractToken(r)
	if token == "" {
		return auth.Identity{}, &upload.AuthError{Message: "missing bearer token"}
	}
	identity, err := h.resolver().Resolve(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return auth.Identity{}, &upload.AuthError{Message: "invalid or expired token"}
		}
		return auth.Identity{}, err
	}
	return identity, nil
}

func (h *Handler) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	if identity, ok := IdentityFromContext(r.Context()); ok {
		return identity, true
	}
	identity, err := h.AuthenticateRequest(r)
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, err)
		return auth.Identity{}, false
	}
	return identity, true
}
