package model

import "time"

// RefreshSession はログイン1回につき1行作られるリフレッシュセッション。
// リフレッシュ成功のたびにTokenHashとExpiresAtが同じ行の上で上書きされる。
// 行が存在しないことが失効を意味する。
type RefreshSession struct {
	ID        int64     `db:"id"`
	UserID    int64     `db:"user_id"`
	TokenHash string    `db:"token_hash"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
