// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Role はユーザーの権限ロールを表す。
type Role string

const (
	// RoleUser は一般ユーザー。
	RoleUser Role = "USER"
	// RoleAdmin は管理者。RoleUserの要件も満たす。
	RoleAdmin Role = "ADMIN"
)

// roleRank はロールの序列。値が大きいほど強い権限を持つ。
var roleRank = map[Role]int{
	RoleUser:  1,
	RoleAdmin: 2,
}

// IsValid は定義済みのロールかどうかを返す。
func (r Role) IsValid() bool {
	_, ok := roleRank[r]
	return ok
}

// IsAtLeast はrがrequired以上の権限を持つかを返す。
// 未定義のロールは常にfalse。
func (r Role) IsAtLeast(required Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	need, ok := roleRank[required]
	if !ok {
		return false
	}
	return have >= need
}

// ParseRole は文字列からRoleを解析する。大文字小文字は区別しない。
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.IsValid()
}

// User はサービス利用ユーザーを表す。
// emailはストア側の一意制約で重複が防がれる。
type User struct {
	ID            int64     `db:"id"`
	FirstName     string    `db:"first_name"`
	LastName      string    `db:"last_name"`
	Email         string    `db:"email"`
	PasswordHash  string    `db:"password_hash"`
	Role          Role      `db:"role"`
	EmailVerified bool      `db:"email_verified"`
	Organization  string    `db:"organization"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// NormalizeEmail はメールアドレスを比較・保存用の正規形に変換する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
