// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/docdepot/internal/model"
)

var (
	// ErrNotFound は更新対象の行が存在しない場合に返される。
	ErrNotFound = errors.New("repository: record not found")
	// ErrDuplicateEmail はusers.emailの一意制約違反時に返される。
	ErrDuplicateEmail = errors.New("repository: duplicate email")
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// FindByEmail は正規化済みメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成し、採番されたIDとタイムスタンプをuserに設定する。
	// メールアドレスが重複している場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// SetEmailVerified はemail_verifiedをtrueにする。対象がない場合はErrNotFoundを返す。
	SetEmailVerified(ctx context.Context, id int64) error

	// UpdatePasswordHash はパスワードハッシュを更新する。対象がない場合はErrNotFoundを返す。
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error

	// UpdateRole はロールを更新する。対象がない場合はErrNotFoundを返す。
	UpdateRole(ctx context.Context, id int64, role model.Role) error
}

// RefreshSessionRepository はリフレッシュセッションの永続化インターフェース。
// トークン値そのものではなくハッシュ値で行を特定する。
type RefreshSessionRepository interface {
	// Create はセッションを作成し、採番されたIDとタイムスタンプをsessionに設定する。
	Create(ctx context.Context, session *model.RefreshSession) error

	// FindByTokenHash はトークンハッシュでセッションを取得する。見つからない場合はnilを返す。
	// 期限切れの行も返す（期限は呼び出し側が検証する）。
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.RefreshSession, error)

	// UpdateTokenIfMatch は現在のトークンハッシュがcurrentHashと一致する場合に限り
	// トークンハッシュと有効期限を上書きする。更新できた場合はtrueを返す。
	UpdateTokenIfMatch(ctx context.Context, id int64, currentHash, newHash string, expiresAt time.Time) (bool, error)

	// DeleteByTokenHash はトークンハッシュに一致するセッションを削除し、削除件数を返す。
	DeleteByTokenHash(ctx context.Context, tokenHash string) (int64, error)
}
