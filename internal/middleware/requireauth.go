package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"redink/server/internal/auth"
	"redink/server/internal/domain"
)

// UserChecker confirms an authenticated account still exists.
type UserChecker interface {
	UserByID(ctx context.Context, id string) (*domain.User, error)
}

// RequireAuth rejects requests without a valid bearer token. The response
// code distinguishes a missing token, an expired one, a forged one and a
// token whose account has since been deleted.
func RequireAuth(tokens *auth.TokenIssuer, users UserChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "TOKEN_MISSING", "未提供认证令牌")
				return
			}

			claims, err := tokens.Verify(token)
			if err != nil {
				if errors.Is(err, auth.ErrTokenExpired) {
					writeError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "认证令牌已过期")
					return
				}
				writeError(w, http.StatusUnauthorized, "TOKEN_INVALID", "无效的认证令牌")
				return
			}

			if _, err := users.UserByID(r.Context(), claims.UserID); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					writeError(w, http.StatusUnauthorized, "USER_NOT_FOUND", "用户不存在")
					return
				}
				writeError(w, http.StatusInternalServerError, "", "服务器内部错误")
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), claims)))
		})
	}
}

// OptionalAuth resolves the user when a valid token is supplied and lets the
// request through anonymously otherwise. Progress streams and image tags
// cannot attach headers, so their routes use this.
func OptionalAuth(tokens *auth.TokenIssuer, users UserChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := tokens.Verify(token)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if _, err := users.UserByID(r.Context(), claims.UserID); err != nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), claims)))
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
	return strings.TrimSpace(parts[1])
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	body := map[string]any{"success": false, "error": message}
	if code != "" {
		body["code"] = code
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
