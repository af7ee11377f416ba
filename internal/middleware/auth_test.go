package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/docdepot/internal/credential"
	"github.com/hitoshi/docdepot/internal/model"
	"github.com/hitoshi/docdepot/internal/token"
)

// --- モック ---

type mockVerifier struct {
	verifyFn func(value string, purpose token.Purpose) (*token.Claims, error)
}

func (m *mockVerifier) VerifyPurpose(value string, purpose token.Purpose) (*token.Claims, error) {
	return m.verifyFn(value, purpose)
}

type mockRoleFinder struct {
	findByIDFn func(ctx context.Context, id int64) (*model.User, error)
}

func (m *mockRoleFinder) FindByID(ctx context.Context, id int64) (*model.User, error) {
	return m.findByIDFn(ctx, id)
}

var (
	_ TokenVerifier = (*mockVerifier)(nil)
	_ TokenVerifier = (*token.Issuer)(nil)
	_ RoleFinder    = (*mockRoleFinder)(nil)
	_ RoleFinder    = (*credential.Store)(nil)
)

// acceptingVerifier は"good-<role>"形式のトークンだけを受け付ける。
func acceptingVerifier() *mockVerifier {
	return &mockVerifier{
		verifyFn: func(value string, purpose token.Purpose) (*token.Claims, error) {
			if purpose != token.PurposeAccess {
				return nil, token.ErrPurposeMismatch
			}
			switch value {
			case "good-user":
				return &token.Claims{UserID: 10, Role: model.RoleUser, Purpose: purpose}, nil
			case "good-admin":
				return &token.Claims{UserID: 20, Role: model.RoleAdmin, Purpose: purpose}, nil
			case "expired":
				return nil, token.ErrExpired
			}
			return nil, token.ErrInvalidSignature
		},
	}
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body.Code
}

// --- NewAuthMiddleware ---

func TestAuthMiddleware_ValidToken_AttachesIdentity(t *testing.T) {
	var captured Identity
	handler := NewAuthMiddleware(acceptingVerifier())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := IdentityFromContext(r.Context())
		if err != nil {
			t.Fatalf("IdentityFromContext error: %v", err)
		}
		captured = id
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer good-admin")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if captured.UserID != 20 || captured.Role != model.RoleAdmin {
		t.Errorf("identity = %+v, want {20 ADMIN}", captured)
	}
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		wantCode string
	}{
		{name: "ヘッダーなし", header: "", wantCode: model.ErrCodeMissingToken},
		{name: "Bearerの値が空", header: "Bearer ", wantCode: model.ErrCodeMissingToken},
		{name: "別スキーム", header: "Basic dXNlcjpwYXNz", wantCode: model.ErrCodeMissingToken},
		{name: "署名不正", header: "Bearer forged", wantCode: model.ErrCodeInvalidToken},
		{name: "期限切れ", header: "Bearer expired", wantCode: model.ErrCodeInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewAuthMiddleware(acceptingVerifier())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if code := decodeErrorCode(t, w); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestAuthMiddleware_SchemeIsCaseInsensitive(t *testing.T) {
	handler := NewAuthMiddleware(acceptingVerifier())(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "bearer good-user")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

// --- RequireRole ---

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name   string
		bearer string
		min    model.Role
		want   int
	}{
		{name: "一般ユーザーでUSER要求", bearer: "good-user", min: model.RoleUser, want: http.StatusOK},
		{name: "管理者でUSER要求", bearer: "good-admin", min: model.RoleUser, want: http.StatusOK},
		{name: "一般ユーザーでADMIN要求", bearer: "good-user", min: model.RoleAdmin, want: http.StatusForbidden},
		{name: "管理者でADMIN要求", bearer: "good-admin", min: model.RoleAdmin, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewAuthMiddleware(acceptingVerifier())(RequireRole(tt.min)(okHandler()))

			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			req.Header.Set("Authorization", "Bearer "+tt.bearer)
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRequireRole_WithoutIdentity_Returns401(t *testing.T) {
	handler := RequireRole(model.RoleUser)(okHandler())
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- RequireLiveRole ---

func TestRequireLiveRole_DemotedAdminIsRejected(t *testing.T) {
	// トークン上はADMINだが、ストア上は既にUSERに降格されている
	finder := &mockRoleFinder{
		findByIDFn: func(ctx context.Context, id int64) (*model.User, error) {
			return &model.User{ID: id, Role: model.RoleUser}, nil
		},
	}
	handler := NewAuthMiddleware(acceptingVerifier())(RequireLiveRole(finder, model.RoleAdmin)(okHandler()))

	req := httptest.NewRequest(http.MethodPut, "/api/admin/users/1/role", nil)
	req.Header.Set("Authorization", "Bearer good-admin")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if code := decodeErrorCode(t, w); code != model.ErrCodeForbidden {
		t.Errorf("code = %q, want %q", code, model.ErrCodeForbidden)
	}
}

func TestRequireLiveRole_PromotedUserIsAccepted(t *testing.T) {
	finder := &mockRoleFinder{
		findByIDFn: func(ctx context.Context, id int64) (*model.User, error) {
			return &model.User{ID: id, Role: model.RoleAdmin}, nil
		},
	}

	var role model.Role
	handler := NewAuthMiddleware(acceptingVerifier())(RequireLiveRole(finder, model.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFromContext(r.Context())
		role = id.Role
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodPut, "/api/admin/users/1/role", nil)
	req.Header.Set("Authorization", "Bearer good-user")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if role != model.RoleAdmin {
		t.Errorf("identity role = %q, want current role ADMIN", role)
	}
}

func TestRequireLiveRole_StoreOutcomes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "ユーザー削除済み", err: credential.ErrUserNotFound, want: http.StatusUnauthorized},
		{name: "ストア障害", err: errors.New("connection refused"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			finder := &mockRoleFinder{
				findByIDFn: func(ctx context.Context, id int64) (*model.User, error) {
					return nil, tt.err
				},
			}
			handler := NewAuthMiddleware(acceptingVerifier())(RequireLiveRole(finder, model.RoleAdmin)(okHandler()))

			req := httptest.NewRequest(http.MethodPut, "/api/admin/users/1/role", nil)
			req.Header.Set("Authorization", "Bearer good-admin")
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

// --- コンテキストヘルパー ---

func TestUserIDFromContext(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for empty context")
	}

	ctx := ContextWithIdentity(context.Background(), Identity{UserID: 42, Role: model.RoleUser})
	id, err := UserIDFromContext(ctx)
	if err != nil {
		t.Fatalf("UserIDFromContext error: %v", err)
	}
	if id != 42 {
		t.Errorf("userID = %d, want 42", id)
	}
}
