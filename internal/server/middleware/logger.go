package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger logs each request and, once the handler returns, how long
// it was held. For upgraded requests that is the lifetime of the connection.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			var ip string
			if ok {
				ip = reqMeta.IP
			}

			logger.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
				slog.Bool("upgrade", r.Header.Get("Upgrade") != ""),
			)
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("Request finished", slog.String("uri", r.RequestURI), slog.String("ip", ip), slog.Duration("held", time.Since(start)))
		})
	}
}
