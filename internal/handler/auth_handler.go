// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hitoshi/calbridge/internal/middleware"
	"github.com/hitoshi/calbridge/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	StartAuthorization(ctx context.Context, sessionID string) (string, error)
	HandleCallback(ctx context.Context, sessionID, state, code string) error
	Logout(ctx context.Context, sessionID string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	ClientID     string // 未設定の場合connectは500を返す
	ClientOrigin string // コールバック通知のpostMessage宛先。空なら同一オリジン
}

// AuthHandler はOAuth認可フロー関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
	logger  *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
		logger:  logger,
	}
}

// callbackTemplate はコールバック完了時にポップアップへ返す最小HTML。
// 開いた側のウィンドウへ接続完了を通知して自身を閉じる。
var callbackTemplate = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Connected</title></head>
<body>
<p>Calendar connected. You can close this window.</p>
<script>
var target = {{.TargetOrigin}} || window.location.origin;
if (window.opener) {
  window.opener.postMessage("outlook:connected", target);
}
window.close();
</script>
</body>
</html>
`))

// Connect はプロバイダーの認可エンドポイントへのリダイレクトで認可フローを開始する。
// GET /calendar/connect
func (h *AuthHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if h.config.ClientID == "" {
		h.logger.Error("client id not configured")
		middleware.WriteError(w, http.StatusInternalServerError, string(model.ErrConfigError))
		return
	}

	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	authorizeURL, err := h.service.StartAuthorization(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to start authorization", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	http.Redirect(w, r, authorizeURL, http.StatusTemporaryRedirect)
}

// Callback は認可コールバックを処理する。
// GET /oauth/callback?code=xxx&state=yyy
// state検証に失敗した場合、保留中の認可は消費済みとなり
// 同じコールバックの再送は常に拒否される。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		middleware.WriteError(w, http.StatusBadRequest, string(model.ErrBadState))
		return
	}

	if err := h.service.HandleCallback(r.Context(), sessionID, state, code); err != nil {
		if ae, ok := model.AsAuthError(err); ok && ae.Kind == model.ErrBadState {
			h.logger.Warn("oauth state mismatch", slog.String("session_id", sessionID))
			middleware.WriteAuthError(w, ae)
			return
		}
		h.logger.Error("code exchange failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := callbackTemplate.Execute(w, map[string]string{"TargetOrigin": h.config.ClientOrigin}); err != nil {
		h.logger.Error("failed to render callback page", slog.String("error", err.Error()))
	}
}

// Logout はセッションのトークンを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	if err := h.service.Logout(r.Context(), sessionID); err != nil {
		h.logger.Error("logout failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
