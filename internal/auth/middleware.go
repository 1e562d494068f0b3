package auth

import (
	"errors"
	"net/http"
	"time"

	"MCP-Trader/pkg/logger"
)

// Middleware authenticates every request and requires an operator for
// anything but GET and HEAD. Each outcome goes to the audit log.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		subject, err := a.Authenticate(r.Header.Get("Authorization"))
		if err == nil {
			err = subject.Authorize(r.Method != http.MethodGet && r.Method != http.MethodHead)
		}
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrPermissionDenied) {
				status = http.StatusForbidden
			}
			http.Error(w, http.StatusText(status), status)
			logger.Audit().Warn().
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Int("status", status).
				Err(err).
				Msg("access denied")
			return
		}

		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
		logger.Audit().Info().
			Str("path", r.URL.Path).
			Str("method", r.Method).
			Int("status", aw.status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Str("caller", subject.Name).
			Msg("api request")
	})
}

type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
