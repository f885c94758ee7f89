package myMiddleware

import (
	"context"
	"net/http"

	"chatrelay/internal/auth"

	"go.uber.org/zap"
)

type contextKey string

const identityKey contextKey = "identity"

// TokenVerifier is what the middleware needs from the auth package.
type TokenVerifier interface {
	Verify(tokenString string) (auth.Identity, error)
}

type AuthMiddleware struct {
	verifier TokenVerifier
	log      *zap.Logger
}

func NewAuthMiddleware(v TokenVerifier, log *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{verifier: v, log: log.Named("auth")}
}

// Handle rejects requests without a valid bearer token and injects the
// verified identity into the request context.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := auth.TokenFromRequest(r)
		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		id, err := am.verifier.Verify(tokenString)
		if err != nil {
			am.log.Debug("rejected request", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the identity stored by Handle.
func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}
