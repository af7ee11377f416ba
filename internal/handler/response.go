package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/docdepot/internal/auth"
	"github.com/hitoshi/docdepot/internal/middleware"
	"github.com/hitoshi/docdepot/internal/model"
)

// userResponse はユーザー情報のAPIレスポンス。パスワードハッシュは含めない。
type userResponse struct {
	ID            int64     `json:"id"`
	FirstName     string    `json:"firstName"`
	LastName      string    `json:"lastName"`
	Email         string    `json:"email"`
	Role          string    `json:"role"`
	EmailVerified bool      `json:"emailVerified"`
	Organization  string    `json:"organization,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// tokenPairResponse はアクセストークンとリフレッシュトークンの組。
type tokenPairResponse struct {
	AccessToken           string    `json:"accessToken"`
	RefreshToken          string    `json:"refreshToken"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

// loginResponse はログイン成功時のレスポンス。
type loginResponse struct {
	tokenPairResponse
	User userResponse `json:"user"`
}

// userEnvelope は{user: ...}形式のレスポンス。
type userEnvelope struct {
	User        userResponse `json:"user"`
	ActionToken string       `json:"actionToken,omitempty"`
}

// messageResponse は本文を持たない成功レスポンス。
type messageResponse struct {
	Message     string `json:"message"`
	ActionToken string `json:"actionToken,omitempty"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:            u.ID,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		Email:         u.Email,
		Role:          string(u.Role),
		EmailVerified: u.EmailVerified,
		Organization:  u.Organization,
		CreatedAt:     u.CreatedAt,
	}
}

func toTokenPairResponse(p auth.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:           p.Access.Value,
		RefreshToken:          p.Refresh.Value,
		AccessTokenExpiresAt:  p.Access.ExpiresAt,
		RefreshTokenExpiresAt: p.Refresh.ExpiresAt,
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをdstにデコードする。
// 失敗した場合はINVALID_REQUESTを書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return false
	}
	return true
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// writeValidationError はペイロード検証エラーを400で書き込む。
func writeValidationError(w http.ResponseWriter, err error) {
	writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(err.Error()))
}

// handleServiceError はサービス層のエラーをHTTPレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation, model.ErrCodeInvalidRequest, model.ErrCodeWeakPassword,
		model.ErrCodeOldPasswordMismatch, model.ErrCodeInvalidActionToken:
		return http.StatusBadRequest
	case model.ErrCodeDuplicateEmail:
		return http.StatusConflict
	case model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeIncorrectPassword, model.ErrCodeAccountNotVerified,
		model.ErrCodeInvalidRefreshToken, model.ErrCodeMissingToken, model.ErrCodeInvalidToken:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
