package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hitoshi/docdepot/internal/auth"
	"github.com/hitoshi/docdepot/internal/config"
	"github.com/hitoshi/docdepot/internal/credential"
	"github.com/hitoshi/docdepot/internal/database"
	"github.com/hitoshi/docdepot/internal/event"
	"github.com/hitoshi/docdepot/internal/handler"
	"github.com/hitoshi/docdepot/internal/logger"
	"github.com/hitoshi/docdepot/internal/metrics"
	"github.com/hitoshi/docdepot/internal/middleware"
	"github.com/hitoshi/docdepot/internal/model"
	"github.com/hitoshi/docdepot/internal/notify"
	"github.com/hitoshi/docdepot/internal/repository"
	"github.com/hitoshi/docdepot/internal/security"
	"github.com/hitoshi/docdepot/internal/session"
	"github.com/hitoshi/docdepot/internal/token"
	"github.com/hitoshi/docdepot/internal/user"
	"github.com/hitoshi/docdepot/internal/worker/cleanup"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const dbPingTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		slog.Warn("invalid LOG_LEVEL, falling back to info", slog.String("value", cfg.LogLevel))
	}
	logger.SetLevel(level)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	var email string
	if cmd == CommandPromoteAdmin {
		if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
			return errors.New("usage: docdepot promote-admin <email>")
		}
		email = args[1]
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("env", cfg.AppEnv),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandPruneSessions:
		return runPruneSessions(cfg)
	case CommandPromoteAdmin:
		return runPromoteAdmin(cfg, email)
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sqlx.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// server はHTTPハンドラーと、その停止時に解放するリソースをまとめたもの。
type server struct {
	handler http.Handler
	limiter *middleware.RateLimiter
}

func (s *server) close() {
	s.limiter.Stop()
}

// newServer は全依存関係をワイヤリングしてHTTPハンドラーを構築する。
func newServer(cfg *config.Config, db *sqlx.DB, log *slog.Logger) (*server, error) {
	// 1. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 2. リポジトリ
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresRefreshSessionRepo(db)

	// 3. 資格情報とトークン
	hasher := credential.NewHasher(cfg.BcryptCost, log)
	store := credential.NewStore(userRepo, hasher, security.NewTextSanitizer(), collector)

	issuer, err := token.NewIssuer(token.Config{
		Secret:           []byte(cfg.JWTSecret),
		Algorithm:        cfg.JWTAlgorithm,
		Issuer:           cfg.JWTIssuer,
		AccessTTL:        cfg.AccessTokenTTL,
		RefreshTTL:       cfg.RefreshTokenTTL,
		EmailVerifyTTL:   cfg.EmailVerifyTokenTTL,
		PasswordResetTTL: cfg.PasswordResetTokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	// 4. 外部通知
	guard := security.NewSSRFGuard(!cfg.IsProduction())
	notifier, err := newNotifier(cfg, guard, log)
	if err != nil {
		return nil, err
	}
	publisher, err := newPublisher(cfg, guard, log)
	if err != nil {
		return nil, err
	}

	// 5. ドメインサービス
	authService := auth.NewService(
		store, issuer, session.NewRegistry(sessionRepo), notifier, publisher, collector,
		auth.ServiceConfig{
			BaseURL:                 cfg.BaseURL,
			ExposeActionTokens:      cfg.ExposeActionTokens,
			RevealUnknownResetEmail: cfg.PasswordResetRevealUnknown,
		},
	)
	userService := user.NewService(store)

	// 6. ルーター
	limiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitCredential),
	)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		TokenVerifier:     issuer,
		RoleFinder:        store,
		StatusRecorder:    collector,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,

		AuthService:    authService,
		UserService:    userService,
		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),
	})

	return &server{handler: router, limiter: limiter}, nil
}

// newNotifier は設定に応じてNotifierを選択する。
// NOTIFY_WEBHOOK_URLが未設定の場合はログ出力のみ行う。
func newNotifier(cfg *config.Config, guard security.WebhookGuard, log *slog.Logger) (notify.Notifier, error) {
	if cfg.NotifyWebhookURL == "" {
		return notify.NewLogNotifier(log), nil
	}
	if err := guard.ValidateWebhookURL(cfg.NotifyWebhookURL); err != nil {
		return nil, fmt.Errorf("invalid NOTIFY_WEBHOOK_URL: %w", err)
	}
	return notify.NewWebhookNotifier(guard.NewSafeClient(cfg.OutboundTimeout), cfg.NotifyWebhookURL), nil
}

// newPublisher は設定に応じてイベントPublisherを選択する。
func newPublisher(cfg *config.Config, guard security.WebhookGuard, log *slog.Logger) (event.Publisher, error) {
	if cfg.EventWebhookURL == "" {
		return event.NewLogPublisher(log), nil
	}
	if err := guard.ValidateWebhookURL(cfg.EventWebhookURL); err != nil {
		return nil, fmt.Errorf("invalid EVENT_WEBHOOK_URL: %w", err)
	}
	return event.NewWebhookPublisher(guard.NewSafeClient(cfg.OutboundTimeout), cfg.EventWebhookURL), nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	srv, err := newServer(cfg, db, slog.Default())
	if err != nil {
		return err
	}
	defer srv.close()

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	listenErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", httpServer.Addr),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("server listen error: %w", err)
	case <-stop:
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runPruneSessions は猶予期間を超えて失効したリフレッシュセッションを削除する。
// 定期実行はせず、オペレーターまたは外部スケジューラから起動する。
func runPruneSessions(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = pruneSessions(context.Background(), db, cfg.SessionPruneGrace, nil)
	return err
}

func pruneSessions(ctx context.Context, db cleanup.Executor, grace time.Duration, recorder cleanup.PruneRecorder) (int64, error) {
	job := cleanup.NewSessionPruneJob(db, slog.Default(), recorder)
	if grace > 0 {
		job.Grace = grace
	}
	return job.Run(ctx)
}

// runPromoteAdmin は指定したメールアドレスのユーザーを管理者に昇格する。
// 最初の管理者を作成するためのブートストラップ用コマンド。
func runPromoteAdmin(cfg *config.Config, email string) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return promoteAdmin(context.Background(), repository.NewPostgresUserRepo(db), email)
}

// AdminPromoter はpromote-adminコマンドが必要とするユーザーリポジトリ操作。
type AdminPromoter interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	UpdateRole(ctx context.Context, id int64, role model.Role) error
}

func promoteAdmin(ctx context.Context, users AdminPromoter, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	u, err := users.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if u == nil {
		return fmt.Errorf("user not found: %s", email)
	}

	if u.Role == model.RoleAdmin {
		slog.Info("user is already an administrator", slog.Int64("user_id", u.ID))
		return nil
	}

	if err := users.UpdateRole(ctx, u.ID, model.RoleAdmin); err != nil {
		return fmt.Errorf("failed to promote user: %w", err)
	}

	slog.Info("user promoted to administrator",
		slog.Int64("user_id", u.ID),
		slog.String("previous_role", string(u.Role)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
