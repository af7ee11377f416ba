// Package session はリフレッシュセッションの作成・検索・ローテーション・失効を扱う。
// セッションはトークン値のSHA-256ハッシュで保存し、平文のトークンは永続化しない。
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/docdepot/internal/model"
	"github.com/hitoshi/docdepot/internal/repository"
)

var (
	// ErrNotFound はトークン値に対応するセッションが存在しない場合に返される。
	ErrNotFound = errors.New("session: not found")
	// ErrRefreshConflict はローテーション時に別のリクエストが先に同じセッションを
	// 更新していた場合に返される。
	ErrRefreshConflict = errors.New("session: refresh conflict")
)

// Registry はリフレッシュセッションを管理する。
type Registry struct {
	repo repository.RefreshSessionRepository
}

// NewRegistry はRegistryを生成する。
func NewRegistry(repo repository.RefreshSessionRepository) *Registry {
	return &Registry{repo: repo}
}

// HashTokenValue はトークン値の保存用ハッシュ（16進SHA-256）を返す。
func HashTokenValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Create はユーザーのセッションを作成する。
func (r *Registry) Create(ctx context.Context, userID int64, tokenValue string, expiresAt time.Time) (*model.RefreshSession, error) {
	s := &model.RefreshSession{
		UserID:    userID,
		TokenHash: HashTokenValue(tokenValue),
		ExpiresAt: expiresAt,
	}
	if err := r.repo.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create refresh session: %w", err)
	}
	return s, nil
}

// FindByTokenValue はトークン値でセッションを取得する。期限切れのセッションも返す。
func (r *Registry) FindByTokenValue(ctx context.Context, tokenValue string) (*model.RefreshSession, error) {
	s, err := r.repo.FindByTokenHash(ctx, HashTokenValue(tokenValue))
	if err != nil {
		return nil, fmt.Errorf("failed to find refresh session: %w", err)
	}
	if s == nil {
		return nil, ErrNotFound
	}
	return s, nil
}

// Rotate はセッションのトークンを新しい値に置き換える。
// 読み取り時点のハッシュと一致する場合のみ更新し、同じセッションへの
// 並行したローテーションは1つだけが成功する。
func (r *Registry) Rotate(ctx context.Context, s *model.RefreshSession, newValue string, newExpiresAt time.Time) error {
	newHash := HashTokenValue(newValue)
	ok, err := r.repo.UpdateTokenIfMatch(ctx, s.ID, s.TokenHash, newHash, newExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to rotate refresh session: %w", err)
	}
	if !ok {
		slog.Warn("refresh session rotation lost race",
			slog.Int64("session_id", s.ID),
			slog.Int64("user_id", s.UserID),
		)
		return ErrRefreshConflict
	}

	s.TokenHash = newHash
	s.ExpiresAt = newExpiresAt
	return nil
}

// Revoke はトークン値に対応するセッションを削除する。存在しない場合も成功とする。
func (r *Registry) Revoke(ctx context.Context, tokenValue string) error {
	if _, err := r.repo.DeleteByTokenHash(ctx, HashTokenValue(tokenValue)); err != nil {
		return fmt.Errorf("failed to revoke refresh session: %w", err)
	}
	return nil
}
