package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/luckiday/dreamgaussian-api/pkg/auth"
	"github.com/luckiday/dreamgaussian-api/pkg/logging"
)

// RequireAPIKey rejects requests without a valid bearer key. A disabled
// checker lets everything through.
func RequireAPIKey(checker *auth.KeyChecker, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !checker.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := checker.Check(auth.BearerToken(r.Header.Get("Authorization"))); err != nil {
				logger.Warn("Rejected request", map[string]interface{}{
					"path":       r.URL.Path,
					"remote":     r.RemoteAddr,
					"request_id": RequestIDFromContext(r.Context()),
					"error":      err.Error(),
				})
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="dreamgen"`)
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
