package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/config"
	"github.com/depotlab/commons/pkg/contextkeys"
)

// Identity resolves the caller identity and stores it on the request
// context, together with the request start time.
//
// Resolution order: a bearer of the system token is the system actor; a
// request carrying the gateway user header is that user; everything else
// is anonymous.
func Identity(cfg config.AuthConfig) func(http.Handler) http.Handler {
	userHeader := cfg.UserHeader
	if userHeader == "" {
		userHeader = "X-User-ID"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := auth.Anonymous()

			if token := bearerToken(r); token != "" && cfg.SystemToken != "" &&
				subtle.ConstantTimeCompare([]byte(token), []byte(cfg.SystemToken)) == 1 {
				identity = auth.System()
			} else if userID := r.Header.Get(userHeader); userID != "" {
				identity = auth.UserIdentity(userID)
			}

			ctx := contextkeys.WithIdentity(r.Context(), identity)
			ctx = contextkeys.WithRequestStartTime(ctx, time.Now().UTC())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
