// Package credential はユーザーレコードとパスワードハッシュを管理する。
// 永続化はrepository.UserRepositoryに委譲し、パスワード強度の検証と
// ハッシュ化ポリシーをこのパッケージで担う。
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/docdepot/internal/model"
	"github.com/hitoshi/docdepot/internal/repository"
	"github.com/hitoshi/docdepot/internal/security"
)

var (
	// ErrUserNotFound はユーザーが存在しない場合に返される。
	ErrUserNotFound = errors.New("credential: user not found")
	// ErrDuplicateEmail はメールアドレスが登録済みの場合に返される。
	ErrDuplicateEmail = errors.New("credential: email already registered")
)

// HashObserver はパスワードハッシュ計算時間の記録先。
type HashObserver interface {
	RecordPasswordHash(duration time.Duration)
}

// NewUser はユーザー作成時の入力。
type NewUser struct {
	FirstName    string
	LastName     string
	Email        string
	Password     string
	Organization string
}

// Store はユーザーの作成・検索・更新とパスワードのハッシュ化を提供する。
type Store struct {
	users     repository.UserRepository
	hasher    *Hasher
	sanitizer security.TextSanitizer
	observer  HashObserver
}

// NewStore はStoreを生成する。sanitizer、observerはnilでもよい。
func NewStore(users repository.UserRepository, hasher *Hasher, sanitizer security.TextSanitizer, observer HashObserver) *Store {
	return &Store{
		users:     users,
		hasher:    hasher,
		sanitizer: sanitizer,
		observer:  observer,
	}
}

// CreateUser は未確認状態（email_verified=false）の一般ユーザーを作成する。
// パスワード強度はハッシュ化の前に検証する。
func (s *Store) CreateUser(ctx context.Context, in NewUser) (*model.User, error) {
	if err := ValidatePassword(in.Password); err != nil {
		return nil, err
	}

	hash, err := s.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		FirstName:     s.clean(in.FirstName),
		LastName:      s.clean(in.LastName),
		Email:         model.NormalizeEmail(in.Email),
		PasswordHash:  hash,
		Role:          model.RoleUser,
		EmailVerified: false,
		Organization:  s.clean(in.Organization),
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user created",
		slog.Int64("user_id", user.ID),
		slog.String("role", string(user.Role)),
	)
	return user, nil
}

// Hash は平文パスワードをハッシュ化する。
func (s *Store) Hash(plain string) (string, error) {
	start := time.Now()
	hash, err := s.hasher.Hash(plain)
	if s.observer != nil {
		s.observer.RecordPasswordHash(time.Since(start))
	}
	return hash, err
}

// Verify は平文パスワードとハッシュを照合する。
func (s *Store) Verify(plain, hash string) error {
	return s.hasher.Verify(plain, hash)
}

// FindByEmail はメールアドレスでユーザーを取得する。
func (s *Store) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := s.users.FindByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。
func (s *Store) FindByID(ctx context.Context, id int64) (*model.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// SetEmailVerified はメールアドレス確認済みにする。
func (s *Store) SetEmailVerified(ctx context.Context, id int64) error {
	return mapNotFound(s.users.SetEmailVerified(ctx, id))
}

// SetPasswordHash はパスワードハッシュを置き換える。
func (s *Store) SetPasswordHash(ctx context.Context, id int64, hash string) error {
	return mapNotFound(s.users.UpdatePasswordHash(ctx, id, hash))
}

// UpdateRole はユーザーのロールを変更する。
func (s *Store) UpdateRole(ctx context.Context, id int64, role model.Role) error {
	if !role.IsValid() {
		return fmt.Errorf("invalid role: %q", role)
	}
	return mapNotFound(s.users.UpdateRole(ctx, id, role))
}

func (s *Store) clean(v string) string {
	if s.sanitizer == nil {
		return v
	}
	return s.sanitizer.SanitizeText(v)
}

func mapNotFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}
