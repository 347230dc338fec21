package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/manifoldmcp/manifold/internal/service"
)

type contextKeyAuth string

// ServicePrincipalKey is the context key for the validated service identity.
const ServicePrincipalKey contextKeyAuth = "service_principal"

// RequireServiceToken returns an HTTP middleware that validates the
// Authorization Bearer token as a gateway-issued service JWT. It guards the
// system endpoints; the per-call API key factor is checked inside the
// gateway pipeline, not here.
func RequireServiceToken(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized,
					"Authentication required. Provide a Bearer service token.")
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")

			p, err := authSvc.ValidateServiceToken(r.Context(), token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Invalid service token")
				return
			}

			ctx := context.WithValue(r.Context(), ServicePrincipalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetServicePrincipal extracts the validated service identity from the
// context. Returns nil for unauthenticated requests.
func GetServicePrincipal(ctx context.Context) *service.ServicePrincipal {
	if p, ok := ctx.Value(ServicePrincipalKey).(*service.ServicePrincipal); ok {
		return p
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Manually construct JSON to avoid an import cycle with the server package
	w.Write([]byte(`{"error":{"code":` + httpStatusString(status) + `,"kind":"auth_invalid","message":"` + message + `"}}`))
}

func httpStatusString(code int) string {
	switch code {
	case 401:
		return "401"
	default:
		return "500"
	}
}
