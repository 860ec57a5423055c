package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jogardn/restro-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Middleware resolves the bearer token into a principal on the request
// context. Requests without credentials pass through unauthenticated and are
// rejected by the operations that need a caller; a bad token is rejected here.
func Middleware(v *Verifier, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, err := extractToken(r)
			if errors.Is(err, errNoCredentials) {
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				unauthorized(w, "Invalid authorization header")
				return
			}

			p, err := v.Verify(tokenStr)
			if err != nil {
				logger.WithError(err).WithField("path", r.URL.Path).Debug("Rejected bearer token")
				unauthorized(w, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext returns nil when the request is unauthenticated.
func PrincipalFromContext(ctx context.Context) *models.Principal {
	p, _ := ctx.Value(principalContextKey).(*models.Principal)
	return p
}

var errNoCredentials = errors.New("no credentials")

func extractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		// browsers cannot set headers on a websocket upgrade
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, nil
		}
		return "", errNoCredentials
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("invalid authorization format")
	}
	return parts[1], nil
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"message": message,
	})
}
