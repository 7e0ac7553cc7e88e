package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger records one line per request reaching the
// websocket endpoint, before auth has run. The upgrade handler holds
// the connection open until the client leaves, so logging happens on
// the way in, not around the handler.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var ip string
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				ip = reqMeta.IP
			}

			logger.Info("Websocket endpoint request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
				slog.String("userAgent", r.UserAgent()),
			)
			next.ServeHTTP(w, r)
		})
	}
}
