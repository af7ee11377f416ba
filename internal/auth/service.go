// Package auth はユーザー登録、メール確認、ログイン、トークン更新、ログアウト、
// パスワードリセット・変更のビジネスロジックを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/docdepot/internal/credential"
	"github.com/hitoshi/docdepot/internal/event"
	"github.com/hitoshi/docdepot/internal/model"
	"github.com/hitoshi/docdepot/internal/notify"
	"github.com/hitoshi/docdepot/internal/session"
	"github.com/hitoshi/docdepot/internal/token"
)

// CredentialStore はユーザーレコードとパスワードハッシュの操作。
type CredentialStore interface {
	CreateUser(ctx context.Context, in credential.NewUser) (*model.User, error)
	Hash(plain string) (string, error)
	Verify(plain, hash string) error
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByID(ctx context.Context, id int64) (*model.User, error)
	SetEmailVerified(ctx context.Context, id int64) error
	SetPasswordHash(ctx context.Context, id int64, hash string) error
}

// TokenIssuer はトークンの発行と検証。
type TokenIssuer interface {
	IssueAccess(s token.Subject) (*token.IssuedToken, error)
	IssueRefresh(s token.Subject) (*token.IssuedToken, error)
	IssueAction(s token.Subject, purpose token.Purpose, ttl time.Duration) (*token.IssuedToken, error)
	VerifyPurpose(value string, purpose token.Purpose) (*token.Claims, error)
}

// SessionRegistry はリフレッシュセッションの操作。
type SessionRegistry interface {
	Create(ctx context.Context, userID int64, tokenValue string, expiresAt time.Time) (*model.RefreshSession, error)
	FindByTokenValue(ctx context.Context, tokenValue string) (*model.RefreshSession, error)
	Rotate(ctx context.Context, s *model.RefreshSession, newValue string, newExpiresAt time.Time) error
	Revoke(ctx context.Context, tokenValue string) error
}

// Recorder は認証処理のメトリクス記録先。
type Recorder interface {
	RecordLogin(result string)
	RecordRefresh(result string)
	RecordRegistration()
	RecordTokenIssued(kind string)
}

// メトリクスのresultラベル
const (
	ResultSuccess     = "success"
	ResultUserUnknown = "user_not_found"
	ResultBadPassword = "incorrect_password"
	ResultUnverified  = "not_verified"
	ResultInvalid     = "invalid"
	ResultConflict    = "conflict"
	ResultError       = "error"
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	// BaseURL は通知に含めるリンクの基点（例: https://app.example.com）。
	BaseURL string
	// ExposeActionTokens がtrueの場合、登録・リセット要求の結果に
	// アクショントークンをそのまま含める（非本番環境のツール向け）。
	ExposeActionTokens bool
	// RevealUnknownResetEmail がtrueの場合、未登録メールへのリセット要求で
	// UserNotFoundを返す。falseの場合は登録済みと同じ成功応答を返す。
	RevealUnknownResetEmail bool
}

// RegisterInput はユーザー登録の入力。
type RegisterInput struct {
	FirstName    string
	LastName     string
	Email        string
	Password     string
	Organization string
}

// RegisterResult はユーザー登録の結果。
type RegisterResult struct {
	User        *model.User
	ActionToken string // ExposeActionTokensが無効の場合は空
}

// TokenPair はアクセストークンとリフレッシュトークンの組。
type TokenPair struct {
	Access  *token.IssuedToken
	Refresh *token.IssuedToken
}

// LoginResult はログインの結果。
type LoginResult struct {
	TokenPair
	User *model.User
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	store     CredentialStore
	tokens    TokenIssuer
	sessions  SessionRegistry
	notifier  notify.Notifier
	publisher event.Publisher
	metrics   Recorder
	config    ServiceConfig
}

// NewService はServiceを生成する。metricsはnilでもよい。
func NewService(
	store CredentialStore,
	tokens TokenIssuer,
	sessions SessionRegistry,
	notifier notify.Notifier,
	publisher event.Publisher,
	metrics Recorder,
	config ServiceConfig,
) *Service {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Service{
		store:     store,
		tokens:    tokens,
		sessions:  sessions,
		notifier:  notifier,
		publisher: publisher,
		metrics:   metrics,
		config:    config,
	}
}

// Register は未確認のユーザーを作成し、メール確認リンクを送信する。
// UserRegisteredイベントの配信失敗はログに記録するのみで、登録は成功とする。
// 通知の送信失敗はエラーとして返す。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	user, err := s.store.CreateUser(ctx, credential.NewUser{
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Email:        in.Email,
		Password:     in.Password,
		Organization: in.Organization,
	})
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrWeakPassword):
			return nil, model.NewWeakPasswordError()
		case errors.Is(err, credential.ErrDuplicateEmail):
			return nil, model.NewDuplicateEmailError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	s.metrics.RecordRegistration()

	s.publish(ctx, event.New(event.TypeUserRegistered, user.ID, user.Email))

	action, err := s.issueAction(user, token.PurposeEmailVerify)
	if err != nil {
		return nil, err
	}

	if err := s.notifier.Send(ctx, notify.Message{
		Kind:    notify.KindEmailVerification,
		To:      user.Email,
		Subject: "メールアドレスの確認",
		Link:    s.link("/auth/verify-email", action.Value),
	}); err != nil {
		return nil, fmt.Errorf("failed to send verification email: %w", err)
	}

	slog.Info("user registered", slog.Int64("user_id", user.ID))

	result := &RegisterResult{User: user}
	if s.config.ExposeActionTokens {
		result.ActionToken = action.Value
	}
	return result, nil
}

// VerifyEmail はメール確認トークンを検証し、ユーザーを確認済みにする。
func (s *Service) VerifyEmail(ctx context.Context, actionToken string) (*model.User, error) {
	claims, err := s.tokens.VerifyPurpose(actionToken, token.PurposeEmailVerify)
	if err != nil {
		slog.Info("email verification rejected", slog.String("reason", err.Error()))
		return nil, model.NewInvalidActionTokenError()
	}

	user, err := s.store.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, credential.ErrUserNotFound) {
			return nil, model.NewInvalidActionTokenError()
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if user.EmailVerified {
		return user, nil
	}

	if err := s.store.SetEmailVerified(ctx, user.ID); err != nil {
		if errors.Is(err, credential.ErrUserNotFound) {
			return nil, model.NewInvalidActionTokenError()
		}
		return nil, fmt.Errorf("failed to mark email verified: %w", err)
	}
	user.EmailVerified = true

	s.publish(ctx, event.New(event.TypeEmailVerified, user.ID, user.Email))
	slog.Info("email verified", slog.Int64("user_id", user.ID))

	return user, nil
}

// Login はメールアドレスとパスワードで認証し、トークンの組を発行する。
// パスワードが正しくてもメールアドレスが未確認の場合はAccountNotVerifiedを返す。
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, credential.ErrUserNotFound) {
			s.metrics.RecordLogin(ResultUserUnknown)
			return nil, model.NewUserNotFoundError()
		}
		s.metrics.RecordLogin(ResultError)
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if err := s.store.Verify(password, user.PasswordHash); err != nil {
		if errors.Is(err, credential.ErrPasswordMismatch) {
			s.metrics.RecordLogin(ResultBadPassword)
			return nil, model.NewIncorrectPasswordError()
		}
		s.metrics.RecordLogin(ResultError)
		return nil, err
	}

	if !user.EmailVerified {
		s.metrics.RecordLogin(ResultUnverified)
		return nil, model.NewAccountNotVerifiedError()
	}

	pair, err := s.issuePair(user)
	if err != nil {
		s.metrics.RecordLogin(ResultError)
		return nil, err
	}

	if _, err := s.sessions.Create(ctx, user.ID, pair.Refresh.Value, pair.Refresh.ExpiresAt); err != nil {
		s.metrics.RecordLogin(ResultError)
		return nil, err
	}

	s.metrics.RecordLogin(ResultSuccess)
	slog.Info("user logged in", slog.Int64("user_id", user.ID))

	return &LoginResult{TokenPair: *pair, User: user}, nil
}

// Refresh はリフレッシュトークンを検証し、セッションをローテーションして新しい組を発行する。
// 検証に失敗したセッションは削除する。失敗理由は外部に区別せずInvalidRefreshTokenとする。
func (s *Service) Refresh(ctx context.Context, refreshValue string) (*TokenPair, error) {
	sess, err := s.sessions.FindByTokenValue(ctx, refreshValue)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.metrics.RecordRefresh(ResultInvalid)
			return nil, model.NewInvalidRefreshTokenError()
		}
		s.metrics.RecordRefresh(ResultError)
		return nil, err
	}

	claims, err := s.tokens.VerifyPurpose(refreshValue, token.PurposeRefresh)
	if err == nil && claims.UserID != sess.UserID {
		err = fmt.Errorf("token subject %d does not own session %d", claims.UserID, sess.ID)
	}
	if err != nil {
		slog.Warn("refresh token failed verification, revoking session",
			slog.Int64("session_id", sess.ID),
			slog.Int64("user_id", sess.UserID),
			slog.String("reason", err.Error()),
		)
		s.revoke(ctx, refreshValue)
		s.metrics.RecordRefresh(ResultInvalid)
		return nil, model.NewInvalidRefreshTokenError()
	}

	// 現在のロールを新しいアクセストークンに反映するため再取得する
	user, err := s.store.FindByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, credential.ErrUserNotFound) {
			s.revoke(ctx, refreshValue)
			s.metrics.RecordRefresh(ResultInvalid)
			return nil, model.NewInvalidRefreshTokenError()
		}
		s.metrics.RecordRefresh(ResultError)
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	pair, err := s.issuePair(user)
	if err != nil {
		s.metrics.RecordRefresh(ResultError)
		return nil, err
	}

	if err := s.sessions.Rotate(ctx, sess, pair.Refresh.Value, pair.Refresh.ExpiresAt); err != nil {
		if errors.Is(err, session.ErrRefreshConflict) {
			s.metrics.RecordRefresh(ResultConflict)
			return nil, model.NewInvalidRefreshTokenError()
		}
		s.metrics.RecordRefresh(ResultError)
		return nil, err
	}

	s.metrics.RecordRefresh(ResultSuccess)
	return pair, nil
}

// Logout はリフレッシュセッションを削除する。発行済みのアクセストークンは
// 有効期限まで有効なままとなる。他ユーザーのセッションは削除しない。
// 存在しないセッションの場合も成功とする。
func (s *Service) Logout(ctx context.Context, userID int64, refreshValue string) error {
	if refreshValue == "" {
		return model.NewValidationError("refreshToken is required")
	}

	sess, err := s.sessions.FindByTokenValue(ctx, refreshValue)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return err
	}

	if sess.UserID != userID {
		slog.Warn("logout attempted on another user's session",
			slog.Int64("user_id", userID),
			slog.Int64("session_id", sess.ID),
		)
		return nil
	}

	if err := s.sessions.Revoke(ctx, refreshValue); err != nil {
		return err
	}

	slog.Info("user logged out", slog.Int64("user_id", userID))
	return nil
}

// RequestPasswordReset はパスワードリセットリンクを送信する。
// 戻り値のトークンはExposeActionTokensが有効な場合のみ設定される。
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, credential.ErrUserNotFound) {
			if s.config.RevealUnknownResetEmail {
				return "", model.NewUserNotFoundError()
			}
			slog.Info("password reset requested for unknown email")
			return "", nil
		}
		return "", fmt.Errorf("failed to find user: %w", err)
	}

	action, err := s.issueAction(user, token.PurposePasswordReset)
	if err != nil {
		return "", err
	}

	if err := s.notifier.Send(ctx, notify.Message{
		Kind:    notify.KindPasswordReset,
		To:      user.Email,
		Subject: "パスワードの再設定",
		Link:    s.link("/reset-password", action.Value),
	}); err != nil {
		return "", fmt.Errorf("failed to send password reset email: %w", err)
	}

	slog.Info("password reset requested", slog.Int64("user_id", user.ID))

	if s.config.ExposeActionTokens {
		return action.Value, nil
	}
	return "", nil
}

// ResetPassword はリセットトークンを検証し、パスワードを置き換える。
// 既存のリフレッシュセッションは維持される。
func (s *Service) ResetPassword(ctx context.Context, actionToken, newPassword string) error {
	claims, err := s.tokens.VerifyPurpose(actionToken, token.PurposePasswordReset)
	if err != nil {
		slog.Info("password reset rejected", slog.String("reason", err.Error()))
		return model.NewInvalidActionTokenError()
	}

	if err := credential.ValidatePassword(newPassword); err != nil {
		return model.NewWeakPasswordError()
	}

	if err := s.replacePassword(ctx, claims.UserID, newPassword); err != nil {
		if errors.Is(err, credential.ErrUserNotFound) {
			return model.NewInvalidActionTokenError()
		}
		return err
	}

	slog.Info("password reset completed", slog.Int64("user_id", claims.UserID))
	return nil
}

// ChangePassword は現在のパスワードを確認したうえで新しいパスワードに変更する。
func (s *Service) ChangePassword(ctx context.Context, email, oldPassword, newPassword string) error {
	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, credential.ErrUserNotFound) {
			return model.NewUserNotFoundError()
		}
		return fmt.Errorf("failed to find user: %w", err)
	}

	if err := s.store.Verify(oldPassword, user.PasswordHash); err != nil {
		if errors.Is(err, credential.ErrPasswordMismatch) {
			return model.NewOldPasswordMismatchError()
		}
		return err
	}

	if err := credential.ValidatePassword(newPassword); err != nil {
		return model.NewWeakPasswordError()
	}

	if err := s.replacePassword(ctx, user.ID, newPassword); err != nil {
		if errors.Is(err, credential.ErrUserNotFound) {
			return model.NewUserNotFoundError()
		}
		return err
	}

	slog.Info("password changed", slog.Int64("user_id", user.ID))
	return nil
}

func (s *Service) replacePassword(ctx context.Context, userID int64, plain string) error {
	hash, err := s.store.Hash(plain)
	if err != nil {
		return err
	}
	return s.store.SetPasswordHash(ctx, userID, hash)
}

func (s *Service) issuePair(user *model.User) (*TokenPair, error) {
	subject := token.Subject{UserID: user.ID, Role: user.Role}

	access, err := s.tokens.IssueAccess(subject)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	s.metrics.RecordTokenIssued(string(token.PurposeAccess))

	refresh, err := s.tokens.IssueRefresh(subject)
	if err != nil {
		return nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}
	s.metrics.RecordTokenIssued(string(token.PurposeRefresh))

	return &TokenPair{Access: access, Refresh: refresh}, nil
}

func (s *Service) issueAction(user *model.User, purpose token.Purpose) (*token.IssuedToken, error) {
	action, err := s.tokens.IssueAction(token.Subject{UserID: user.ID}, purpose, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to issue %s token: %w", purpose, err)
	}
	s.metrics.RecordTokenIssued(string(purpose))
	return action, nil
}

// revoke は検証に失敗したセッションを削除する。削除の失敗はログのみ。
func (s *Service) revoke(ctx context.Context, refreshValue string) {
	if err := s.sessions.Revoke(ctx, refreshValue); err != nil {
		slog.Error("failed to revoke refresh session", slog.String("error", err.Error()))
	}
}

// publish はイベントを配信する。失敗はログのみで呼び出し元には返さない。
func (s *Service) publish(ctx context.Context, e event.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		slog.Warn("failed to publish event",
			slog.String("event_id", e.ID),
			slog.String("type", string(e.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) link(path, actionToken string) string {
	return s.config.BaseURL + path + "?token=" + url.QueryEscape(actionToken)
}

type nopRecorder struct{}

func (nopRecorder) RecordLogin(string)       {}
func (nopRecorder) RecordRefresh(string)     {}
func (nopRecorder) RecordRegistration()      {}
func (nopRecorder) RecordTokenIssued(string) {}
