// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/docdepot/internal/credential"
	"github.com/hitoshi/docdepot/internal/model"
)

// Store はユーザーの検索とロール変更のインターフェース。
type Store interface {
	FindByID(ctx context.Context, id int64) (*model.User, error)
	UpdateRole(ctx context.Context, id int64, role model.Role) error
}

// Service はユーザー管理のサービス層。
// プロフィール取得と管理者によるロール変更を提供する。
type Service struct {
	store Store
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(store Store) *Service {
	return &Service{store: store}
}

// GetProfile は指定ユーザーのプロフィールを取得する。
func (s *Service) GetProfile(ctx context.Context, userID int64) (*model.User, error) {
	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, credential.ErrUserNotFound) {
			return nil, model.NewUserNotFoundError()
		}
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	return user, nil
}

// ChangeRole は対象ユーザーのロールを変更する。
// 管理者が自分自身を降格することはできない。
func (s *Service) ChangeRole(ctx context.Context, actorID, targetID int64, role model.Role) (*model.User, error) {
	if !role.IsValid() {
		return nil, model.NewValidationError(fmt.Sprintf("不明なロールです: %s", role))
	}
	if actorID == targetID && role != model.RoleAdmin {
		return nil, model.NewForbiddenError()
	}

	target, err := s.GetProfile(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.Role == role {
		return target, nil
	}

	if err := s.store.UpdateRole(ctx, targetID, role); err != nil {
		if errors.Is(err, credential.ErrUserNotFound) {
			return nil, model.NewUserNotFoundError()
		}
		return nil, fmt.Errorf("ロールの更新に失敗しました: %w", err)
	}

	slog.Info("ロールを変更しました",
		slog.Int64("actor_id", actorID),
		slog.Int64("user_id", targetID),
		slog.String("from", string(target.Role)),
		slog.String("to", string(role)),
	)

	target.Role = role
	return target, nil
}
