package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AccessLog logs one line per completed request with its id, route and
// duration.
func AccessLog(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqLog := log.With(
			zap.String("rid", GetRequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		reqLog.Debug("request started")

		next.ServeHTTP(w, r)

		reqLog.Info("request completed", zap.Duration("duration", time.Since(start)))
	})
}
