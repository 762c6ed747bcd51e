package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/CodeWithBehnam/parley/internal/db"
)

// Principal is the request-scoped authenticated caller, resolved once at the
// request boundary and passed explicitly into every store operation.
type Principal struct {
	UserID  int64
	Subject string
}

type contextKey struct{}

// FromContext returns the principal resolved by Middleware, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// Middleware reads the verified subject id forwarded by the identity proxy,
// resolves it to a local user row, and places the principal in the request
// context. Verification of the caller's token is the proxy's job; requests
// that arrive without a subject are rejected here.
func Middleware(database *db.Database, subjectHeader string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := r.Header.Get(subjectHeader)
			if subject == "" {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			user, err := database.ResolveUser(r.Context(), subject)
			if err != nil {
				logger.Error("failed to resolve user", zap.Error(err), zap.String("subject", subject))
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), contextKey{}, Principal{
				UserID:  user.ID,
				Subject: subject,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
