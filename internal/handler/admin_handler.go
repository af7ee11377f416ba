package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/hitoshi/docdepot/internal/middleware"
	"github.com/hitoshi/docdepot/internal/model"
)

// AdminHandler は管理者向けのHTTPハンドラー。
type AdminHandler struct {
	users UserServiceInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(users UserServiceInterface) *AdminHandler {
	return &AdminHandler{users: users}
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

func (r changeRoleRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Role, validation.Required),
	)
}

// ChangeRole は指定ユーザーのロールを変更する。
// PUT /api/admin/users/{id}/role
func (h *AdminHandler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	actorID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewMissingTokenError())
		return
	}

	targetID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || targetID <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("id must be a positive integer"))
		return
	}

	var req changeRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	role, ok := model.ParseRole(req.Role)
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("role must be USER or ADMIN"))
		return
	}

	user, err := h.users.ChangeRole(r.Context(), actorID, targetID, role)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, userEnvelope{User: toUserResponse(user)})
}
