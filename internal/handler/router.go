package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/docdepot/internal/middleware"
	"github.com/hitoshi/docdepot/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	TokenVerifier     middleware.TokenVerifier
	RoleFinder        middleware.RoleFinder
	StatusRecorder    middleware.StatusRecorder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// ハンドラー依存
	AuthService   AuthServiceInterface
	UserService   UserServiceInterface
	HealthChecker HealthChecker
	// MetricsHandler はnilの場合/metricsを公開しない
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → Metrics → SecurityHeaders → CORS
//
// 資格情報を受け付けるルートにはIP単位のレート制限を、
// Bearer認証ルートには Auth → RateLimit(General) を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}
	if deps.StatusRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusRecorder))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.UserService)
	adminHandler := NewAdminHandler(deps.UserService)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Get("/verify-email", authHandler.VerifyEmail)

		// 資格情報を受け付けるルート（IP単位のレート制限）
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.CredentialMiddleware())
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)
			r.Post("/request-password-reset", authHandler.RequestPasswordReset)
			r.Post("/reset-password", authHandler.ResetPassword)
		})

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewAuthMiddleware(deps.TokenVerifier))
			r.Use(deps.RateLimiter.GeneralMiddleware())
			r.Post("/logout", authHandler.Logout)
			r.Put("/change-password", authHandler.ChangePassword)
			r.Get("/me", authHandler.Me)
		})
	})

	// 管理者ルート: 現在のロールをストアから再取得して検証する
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.TokenVerifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.RequireLiveRole(deps.RoleFinder, model.RoleAdmin))
		r.Put("/users/{id}/role", adminHandler.ChangeRole)
	})

	return r
}
