package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

const SessionCookie = "session-token"

// NewCredentialExtractor copies the session token of the upgrade request into
// the request metadata. The session-token cookie wins over an Authorization
// Bearer header. Requests without credentials pass through: the client may
// still authenticate in-band with an auth message.
func NewCredentialExtractor(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
				reqMeta.Token = cookie.Value
			} else if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
				reqMeta.Token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			}

			if reqMeta.Token == "" {
				logger.Debug("No credentials on upgrade request, expecting in-band auth", slog.String("ip", reqMeta.IP))
			}
			next.ServeHTTP(w, r)
		})
	}
}
