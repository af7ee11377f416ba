// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeWeakPassword        = "WEAK_PASSWORD"
	ErrCodeDuplicateEmail      = "DUPLICATE_EMAIL"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeIncorrectPassword   = "INCORRECT_PASSWORD"
	ErrCodeOldPasswordMismatch = "OLD_PASSWORD_MISMATCH"
	ErrCodeAccountNotVerified  = "ACCOUNT_NOT_VERIFIED"
	ErrCodeInvalidRefreshToken = "INVALID_REFRESH_TOKEN"
	ErrCodeInvalidActionToken  = "INVALID_ACTION_TOKEN"
	ErrCodeMissingToken        = "MISSING_TOKEN"
	ErrCodeInvalidToken        = "INVALID_TOKEN"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容に誤りがあります: %s", detail),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewWeakPasswordError はパスワード強度不足エラーを生成する。
func NewWeakPasswordError() *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  "パスワードが強度要件を満たしていません。",
		Category: "validation",
		Action:   "8文字以上で、大文字・小文字・数字・記号をそれぞれ1文字以上含めてください。",
	}
}

// NewDuplicateEmailError はメールアドレス重複エラーを生成する。
func NewDuplicateEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateEmail,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "validation",
		Action:   "別のメールアドレスを使用するか、ログインしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "メールアドレスを確認してください。",
	}
}

// NewIncorrectPasswordError はログイン時のパスワード不一致エラーを生成する。
func NewIncorrectPasswordError() *APIError {
	return &APIError{
		Code:     ErrCodeIncorrectPassword,
		Message:  "パスワードが正しくありません。",
		Category: "auth",
		Action:   "パスワードを確認して再度ログインしてください。",
	}
}

// NewOldPasswordMismatchError はパスワード変更時の現パスワード不一致エラーを生成する。
func NewOldPasswordMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeOldPasswordMismatch,
		Message:  "現在のパスワードが正しくありません。",
		Category: "validation",
		Action:   "現在のパスワードを確認してください。",
	}
}

// NewAccountNotVerifiedError はメールアドレス未確認エラーを生成する。
func NewAccountNotVerifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotVerified,
		Message:  "メールアドレスの確認が完了していません。",
		Category: "auth",
		Action:   "登録時に送信された確認メールのリンクを開いてください。",
	}
}

// NewInvalidRefreshTokenError はリフレッシュトークン無効エラーを生成する。
// 未知の値、署名不正、期限切れ、ローテーション競合を区別しない。
func NewInvalidRefreshTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRefreshToken,
		Message:  "リフレッシュトークンが無効です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewInvalidActionTokenError はメール確認・パスワードリセット用トークンの無効エラーを生成する。
func NewInvalidActionTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidActionToken,
		Message:  "リンクが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "もう一度メールの送信を依頼してください。",
	}
}

// NewMissingTokenError はAuthorizationヘッダー欠落エラーを生成する。
func NewMissingTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingToken,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidTokenError はアクセストークン無効エラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "アクセストークンが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "トークンを更新するか、ログインし直してください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者に問い合わせてください。",
	}
}

// NewRateLimitError はレート制限超過エラーを生成する。
func NewRateLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
