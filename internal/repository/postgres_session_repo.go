package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/docdepot/internal/model"
	"github.com/jmoiron/sqlx"
)

// PostgresRefreshSessionRepo はPostgreSQLを使用したリフレッシュセッションリポジトリ。
type PostgresRefreshSessionRepo struct {
	db *sqlx.DB
}

// NewPostgresRefreshSessionRepo はPostgresRefreshSessionRepoを生成する。
func NewPostgresRefreshSessionRepo(db *sqlx.DB) *PostgresRefreshSessionRepo {
	return &PostgresRefreshSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresRefreshSessionRepo) Create(ctx context.Context, session *model.RefreshSession) error {
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO refresh_sessions (user_id, token_hash, expires_at)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at, updated_at`,
		session.UserID, session.TokenHash, session.ExpiresAt,
	).Scan(&session.ID, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create refresh session: %w", err)
	}
	return nil
}

// FindByTokenHash はトークンハッシュでセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresRefreshSessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.RefreshSession, error) {
	session := &model.RefreshSession{}
	err := r.db.GetContext(ctx, session,
		`SELECT id, user_id, token_hash, expires_at, created_at, updated_at
		 FROM refresh_sessions
		 WHERE token_hash = $1`,
		tokenHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find refresh session: %w", err)
	}

	return session, nil
}

// UpdateTokenIfMatch はトークンハッシュが一致する場合のみ上書きする。
// 並行するリフレッシュのうち1件だけが1行を更新でき、残りは0行となる。
func (r *PostgresRefreshSessionRepo) UpdateTokenIfMatch(ctx context.Context, id int64, currentHash, newHash string, expiresAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE refresh_sessions
		 SET token_hash = $1, expires_at = $2, updated_at = now()
		 WHERE id = $3 AND token_hash = $4`,
		newHash, expiresAt, id, currentHash,
	)
	if err != nil {
		return false, fmt.Errorf("failed to rotate refresh session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// DeleteByTokenHash はトークンハッシュに一致するセッションを削除する。
func (r *PostgresRefreshSessionRepo) DeleteByTokenHash(ctx context.Context, tokenHash string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM refresh_sessions WHERE token_hash = $1`,
		tokenHash,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete refresh session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// compile-time interface check
var _ RefreshSessionRepository = (*PostgresRefreshSessionRepo)(nil)
