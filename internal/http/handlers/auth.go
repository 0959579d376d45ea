package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"redink/server/internal/auth"
	"redink/server/internal/domain"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userDTO struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

func userView(u *domain.User) userDTO {
	return userDTO{ID: u.ID, Username: u.Username, CreatedAt: u.CreatedAt}
}

func (a *App) AuthRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, http.StatusBadRequest, "无效的请求数据")
		return
	}
	user, token, err := a.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		var verr *auth.ValidationError
		switch {
		case errors.As(err, &verr):
			a.fail(w, http.StatusBadRequest, verr.Message)
		case errors.Is(err, auth.ErrUsernameTaken):
			a.fail(w, http.StatusBadRequest, err.Error())
		default:
			a.Logger.Error().Err(err).Msg("register failed")
			a.fail(w, http.StatusInternalServerError, "注册失败")
		}
		return
	}
	a.json(w, http.StatusCreated, map[string]any{
		"success": true,
		"user":    userView(user),
		"token":   token,
	})
}

func (a *App) AuthLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, http.StatusBadRequest, "无效的请求数据")
		return
	}
	user, token, err := a.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		var verr *auth.ValidationError
		switch {
		case errors.As(err, &verr):
			a.fail(w, http.StatusBadRequest, verr.Message)
		case errors.Is(err, auth.ErrBadCredentials):
			a.fail(w, http.StatusUnauthorized, err.Error())
		default:
			a.Logger.Error().Err(err).Msg("login failed")
			a.fail(w, http.StatusInternalServerError, "登录失败")
		}
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    userView(user),
		"token":   token,
	})
}

// AuthLogout exists for the client's sake: tokens are stateless, so logging
// out is the client discarding its copy.
func (a *App) AuthLogout(w http.ResponseWriter, _ *http.Request) {
	a.json(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "登出成功",
	})
}

func (a *App) Me(w http.ResponseWriter, r *http.Request) {
	user, err := a.Auth.UserByID(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.fail(w, http.StatusNotFound, "用户不存在")
			return
		}
		a.Logger.Error().Err(err).Msg("load current user failed")
		a.fail(w, http.StatusInternalServerError, "服务器内部错误")
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    userView(user),
	})
}

func (a *App) AuthRefresh(w http.ResponseWriter, r *http.Request) {
	token, err := a.Auth.Refresh(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.fail(w, http.StatusNotFound, "用户不存在")
			return
		}
		a.Logger.Error().Err(err).Msg("refresh token failed")
		a.fail(w, http.StatusInternalServerError, "服务器内部错误")
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   token,
	})
}
