package middleware

import (
	"log/slog"
	"net/http"
)

// ConnectionCounter reports the number of live connections.
type ConnectionCounter func() int

// NewConnectionLimiter refuses upgrades once max connections are live. The
// per-user limit is applied later, at auth, when the user is known.
func NewConnectionLimiter(logger *slog.Logger, counter ConnectionCounter, max int) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if max <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			count := counter()
			if count < max {
				next.ServeHTTP(w, r)
				return
			}

			var ip string
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				ip = reqMeta.IP
			}
			logger.Warn("Server connection limit reached", slog.Int("count", count), slog.Int("max", max), slog.String("ip", ip))
			http.Error(w, "Too Many Active Connections", http.StatusServiceUnavailable)
		})
	}
}
