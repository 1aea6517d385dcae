package middleware

import (
	"context"
	"net/http"

	"github.com/pliu/petbuddy/internal/auth"
	"github.com/pliu/petbuddy/internal/models"
)

type contextKey string

const ParticipantKey contextKey = "participant"

// AuthMiddleware requires a valid bearer token (header, or ?token= for
// websocket upgrades) and stores the caller in the request context.
func AuthMiddleware(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := verifier.Verify(auth.BearerToken(r))
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ParticipantKey, claims.Participant())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func ParticipantFrom(ctx context.Context) (models.Participant, bool) {
	p, ok := ctx.Value(ParticipantKey).(models.Participant)
	return p, ok
}
