// Package middleware holds HTTP middleware for the admin endpoint.
package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Logging returns a middleware that logs every request with its status
// and duration. Health probes are logged at debug to keep the log
// readable under frequent polling.
func Logging(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			entry := logger.WithFields(logrus.Fields{
				"method":    r.Method,
				"path":      r.URL.Path,
				"status":    wrapped.statusCode,
				"duration":  time.Since(start),
				"remote_ip": r.RemoteAddr,
			})
			if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
				entry.Debug("HTTP request")
			} else {
				entry.Info("HTTP request")
			}
		})
	}
}

// responseWriterWrapper captures the status code written downstream.
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
