// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/docdepot/internal/credential"
	"github.com/hitoshi/docdepot/internal/model"
	"github.com/hitoshi/docdepot/internal/token"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストに認証済みIDを格納するためのキー。
var identityContextKey = contextKey("identity")

// Identity はアクセストークンから得た認証済みの主体。
type Identity struct {
	UserID int64
	Role   model.Role
}

// TokenVerifier はアクセストークンの検証に必要なインターフェース。
type TokenVerifier interface {
	VerifyPurpose(value string, purpose token.Purpose) (*token.Claims, error)
}

// RoleFinder は現在のロールの再取得に必要なインターフェース。
// 存在しないユーザーにはcredential.ErrUserNotFoundを返す。
type RoleFinder interface {
	FindByID(ctx context.Context, id int64) (*model.User, error)
}

// NewAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証し、
// 認証済みIDをリクエストコンテキストに注入するミドルウェアを返す。
// ヘッダーがない場合はMISSING_TOKEN、検証に失敗した場合はINVALID_TOKENで401を返す。
func NewAuthMiddleware(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewMissingTokenError())
				return
			}

			claims, err := verifier.VerifyPurpose(raw, token.PurposeAccess)
			if err != nil {
				slog.Debug("access token rejected", slog.String("reason", err.Error()))
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidTokenError())
				return
			}

			ctx := ContextWithIdentity(r.Context(), Identity{UserID: claims.UserID, Role: claims.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole はトークンに含まれるロールがmin以上であることを要求するミドルウェアを返す。
// ロールの変更はアクセストークンの有効期限まで反映されない。
// NewAuthMiddlewareの後に配置する。
func RequireRole(min model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := IdentityFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewMissingTokenError())
				return
			}
			if !id.Role.IsAtLeast(min) {
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireLiveRole は管理系ルート向けに、ストアから現在のロールを再取得して検証する
// ミドルウェアを返す。降格はトークンの有効期限を待たずに即時反映される。
// NewAuthMiddlewareの後に配置する。
func RequireLiveRole(finder RoleFinder, min model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := IdentityFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewMissingTokenError())
				return
			}

			user, err := finder.FindByID(r.Context(), id.UserID)
			if err != nil {
				if errors.Is(err, credential.ErrUserNotFound) {
					WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidTokenError())
					return
				}
				slog.Error("failed to load current role",
					slog.Int64("user_id", id.UserID),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			if !user.Role.IsAtLeast(min) {
				slog.Warn("privileged access denied",
					slog.Int64("user_id", id.UserID),
					slog.String("token_role", string(id.Role)),
					slog.String("current_role", string(user.Role)),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}

			id.Role = user.Role
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
		})
	}
}

// IdentityFromContext はリクエストコンテキストから認証済みIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func IdentityFromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	if !ok || id.UserID == 0 {
		return Identity{}, fmt.Errorf("identity not found in context")
	}
	return id, nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (int64, error) {
	id, err := IdentityFromContext(ctx)
	if err != nil {
		return 0, err
	}
	return id.UserID, nil
}

// ContextWithIdentity はコンテキストに認証済みIDを注入する。
// リクエストログ用の値にもユーザーIDを記録する。
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	if f, ok := ctx.Value(logFieldsContextKey).(*logFields); ok {
		f.setUserID(id.UserID)
	}
	return context.WithValue(ctx, identityContextKey, id)
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", false
	}
	scheme, value, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}
