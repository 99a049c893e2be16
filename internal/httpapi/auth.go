package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"queueless/api/internal/models"
	"queueless/api/internal/store"
)

type authContextKey struct{}

type authInfo struct {
	Session models.Session
	User    models.User
}

func AuthMiddleware(st store.Store, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		sessionID := bearerToken(r.Header.Get("Authorization"))
		if sessionID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		session, user, err := st.GetSession(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, authInfo{Session: session, User: user})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) (models.User, bool) {
	value := ctx.Value(authContextKey{})
	if value == nil {
		return models.User{}, false
	}
	info, ok := value.(authInfo)
	if !ok {
		return models.User{}, false
	}
	return info.User, true
}

func requireUser(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return models.User{}, false
	}
	return user, true
}

func requireAdmin(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, ok := requireUser(w, r)
	if !ok {
		return models.User{}, false
	}
	if user.Role != models.RoleAdmin {
		writeError(w, http.StatusForbidden, "access_denied", "admin access required")
		return models.User{}, false
	}
	return user, true
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics", "/api/auth/register", "/api/auth/login":
		return true
	case "/api/services":
		return r.Method == http.MethodGet
	}
	// Queue status is the public polling endpoint.
	if strings.HasPrefix(r.URL.Path, "/api/services/") && strings.HasSuffix(r.URL.Path, "/queue") {
		return r.Method == http.MethodGet
	}
	return r.Method == http.MethodOptions
}
