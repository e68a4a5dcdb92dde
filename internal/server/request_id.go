package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"learnhub/internal/chunkstore"
	"learnhub/internal/observability/logging"
)

const (
	requestIDHeader     = "X-Request-Id"
	uploadSessionHeader = "X-Upload-Session"
)

type idGenerator func() string

func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, uuid.NewString, next)
}

// requestIDMiddlewareWithGenerator tags the request context with a request
// id (echoed in the response) and, when the client names it in
// X-Upload-Session, the upload session id, so every log line of an upload
// can be correlated.
func requestIDMiddlewareWithGenerator(logger *slog.Logger, generator idGenerator, next http.Handler) http.Handler {
	if generator == nil {
		generator = uuid.NewString
	}
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" || len(requestID) > 128 {
			requestID = generator()
		}
		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		// The session id is left off the stored logger; FromContext adds it.
		ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))
		if sessionID := strings.TrimSpace(r.Header.Get(uploadSessionHeader)); chunkstore.ValidSessionID(sessionID) {
			ctx = logging.ContextWithSessionID(ctx, sessionID)
		}

		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
