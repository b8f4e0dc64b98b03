package middleware

import (
	"net/http"
	"strings"
)

// SkipCompressionForUpgrades wraps a compression middleware so connection
// upgrades (peer websockets) and the metrics endpoint reach the handler
// with the raw ResponseWriter.
func SkipCompressionForUpgrades(compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isUpgrade(r) || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") ||
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
