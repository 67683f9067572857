package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type contextKey int

const userContextKey contextKey = iota

// UserFromContext returns the authenticated user stored by RequireUser or
// RequireVerifiedUser.
func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userContextKey).(User)
	return user, ok
}

// RequireUser authenticates the request from its Bearer token. Verification
// status is not checked; logout and change-password must work for accounts
// that are not verified yet.
func RequireUser(service *Service, next http.HandlerFunc) http.HandlerFunc {
	return requireWith(service.CurrentUser, next)
}

// RequireVerifiedUser additionally rejects unverified accounts with 403.
func RequireVerifiedUser(service *Service, next http.HandlerFunc) http.HandlerFunc {
	return requireWith(service.CurrentVerifiedUser, next)
}

func requireWith(resolve func(context.Context, string) (User, error), next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		user, err := resolve(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrNotVerified) {
				writeError(w, http.StatusForbidden, "email is not verified")
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
