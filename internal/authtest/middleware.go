package authtest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/nkiryanov/therapyclient/internal/logger"
)

type ctxKey struct{}

func withUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

func userFromContext(ctx context.Context) User {
	u, _ := ctx.Value(ctxKey{}).(User)
	return u
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		access, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || access == "" {
			renderError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		id, subject, err := s.issuer.ParseAccess(access)
		if err != nil {
			renderError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		s.mu.Lock()
		_, revoked := s.revoked[id]
		rejectAll := s.rejectAll
		s.mu.Unlock()

		if revoked || rejectAll {
			renderError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		u, ok := s.userByID(subject)
		if !ok {
			renderError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), u)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.ResponseWriter.WriteHeader(statusCode)
	w.status = statusCode
}

// Records every request before it is handled and logs the result
func (s *Server) recorderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		s.mu.Lock()
		s.requests = append(s.requests, RecordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			RequestID:     r.Header.Get("X-Request-Id"),
		})
		s.mu.Unlock()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		ctx := logger.ContextWithRequestID(r.Context(), r.Header.Get("X-Request-Id"))
		s.logger.Ctx(ctx).Info(
			"got HTTP request",
			"method", r.Method,
			"uri", r.RequestURI,
			"duration", time.Since(start),
			"status", sw.status,
		)
	})
}
