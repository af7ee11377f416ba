// Package repotest はテスト用のインメモリリポジトリを提供する。
// PostgreSQL実装と同じ契約（nil返却、ErrNotFound、条件付き更新）を満たす。
package repotest

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/docdepot/internal/model"
	"github.com/hitoshi/docdepot/internal/repository"
)

// UserRepo はrepository.UserRepositoryのインメモリ実装。
type UserRepo struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*model.User
}

// NewUserRepo は空のUserRepoを生成する。
func NewUserRepo() *UserRepo {
	return &UserRepo{users: make(map[int64]*model.User)}
}

// FindByID は指定IDのユーザーのコピーを返す。
func (r *UserRepo) FindByID(_ context.Context, id int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// FindByEmail はメールアドレスが一致するユーザーのコピーを返す。
func (r *UserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

// Create はユーザーを登録する。メールアドレスの一意性を検査する。
func (r *UserRepo) Create(_ context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email {
			return repository.ErrDuplicateEmail
		}
	}
	r.nextID++
	now := time.Now()
	user.ID = r.nextID
	user.CreatedAt = now
	user.UpdatedAt = now
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

// SetEmailVerified はemail_verifiedをtrueにする。
func (r *UserRepo) SetEmailVerified(_ context.Context, id int64) error {
	return r.update(id, func(u *model.User) { u.EmailVerified = true })
}

// UpdatePasswordHash はパスワードハッシュを更新する。
func (r *UserRepo) UpdatePasswordHash(_ context.Context, id int64, hash string) error {
	return r.update(id, func(u *model.User) { u.PasswordHash = hash })
}

// UpdateRole はロールを更新する。
func (r *UserRepo) UpdateRole(_ context.Context, id int64, role model.Role) error {
	return r.update(id, func(u *model.User) { u.Role = role })
}

// Count は登録済みユーザー数を返す。
func (r *UserRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *UserRepo) update(id int64, fn func(u *model.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now()
	return nil
}

// SessionRepo はrepository.RefreshSessionRepositoryのインメモリ実装。
// UpdateTokenIfMatchはミューテックス下の比較と更新で条件付きUPDATEを再現する。
type SessionRepo struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*model.RefreshSession
}

// NewSessionRepo は空のSessionRepoを生成する。
func NewSessionRepo() *SessionRepo {
	return &SessionRepo{sessions: make(map[int64]*model.RefreshSession)}
}

// Create はセッションを登録する。
func (r *SessionRepo) Create(_ context.Context, session *model.RefreshSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	now := time.Now()
	session.ID = r.nextID
	session.CreatedAt = now
	session.UpdatedAt = now
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

// FindByTokenHash はトークンハッシュが一致するセッションのコピーを返す。
func (r *SessionRepo) FindByTokenHash(_ context.Context, tokenHash string) (*model.RefreshSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.TokenHash == tokenHash {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

// UpdateTokenIfMatch は現在のハッシュが一致する場合のみ上書きする。
func (r *SessionRepo) UpdateTokenIfMatch(_ context.Context, id int64, currentHash, newHash string, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.TokenHash != currentHash {
		return false, nil
	}
	s.TokenHash = newHash
	s.ExpiresAt = expiresAt
	s.UpdatedAt = time.Now()
	return true, nil
}

// DeleteByTokenHash はトークンハッシュが一致するセッションを削除する。
func (r *SessionRepo) DeleteByTokenHash(_ context.Context, tokenHash string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for id, s := range r.sessions {
		if s.TokenHash == tokenHash {
			delete(r.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

// Count は現存するセッション数を返す。
func (r *SessionRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

var (
	_ repository.UserRepository           = (*UserRepo)(nil)
	_ repository.RefreshSessionRepository = (*SessionRepo)(nil)
)
