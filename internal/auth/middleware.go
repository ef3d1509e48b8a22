package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const tokenInfoKey contextKey = "auth_token_info"

// RequireAdmin admits requests whose bearer token validates against this
// service and belongs to an admin.
func RequireAdmin(service *Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		info, err := service.ValidateToken(r.Context(), raw, service.ServiceName())
		if err != nil {
			writeServiceError(w, err, "failed to validate token")
			return
		}
		if !info.IsAdmin {
			writeFailure(w, http.StatusForbidden, newAuthError(ErrAdminRequired, &info))
			return
		}

		ctx := context.WithValue(r.Context(), tokenInfoKey, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func AdminFromContext(ctx context.Context) (TokenInfo, bool) {
	info, ok := ctx.Value(tokenInfoKey).(TokenInfo)
	return info, ok
}
