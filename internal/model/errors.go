package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind は認証・プロバイダーエラーの閉じた分類を表す。
// プロバイダー固有のエラーボディ形式はクライアント境界でこの分類へ
// 変換され、下流へは漏れない。
type ErrorKind string

// 定義済みエラー分類
const (
	// ErrNotConnected はトークンを一度も取得していない状態を表す。
	ErrNotConnected ErrorKind = "not_connected"
	// ErrExpiredNoRefresh はトークン失効かつリフレッシュ手段なしを表す。
	ErrExpiredNoRefresh ErrorKind = "expired_no_refresh"
	// ErrRefreshFailed はリフレッシュ試行がプロバイダーに拒否されたことを表す。
	ErrRefreshFailed ErrorKind = "refresh_failed"
	// ErrUnauthorized は有効と信じたトークンでのリソース呼び出しが
	// 401/403で拒否されたことを表す（同意取り消しの可能性）。
	ErrUnauthorized ErrorKind = "unauthorized"
	// ErrBadState はコールバックのstateが保留中の認可と一致しないことを表す。
	// CSRFの疑いまたは重複コールバックとして常に拒否する。
	ErrBadState ErrorKind = "bad_state"
	// ErrEventNotFound はプロバイダーが対象イベントを見つけられなかったことを表す。
	// 認証エラーとは区別して伝搬する。
	ErrEventNotFound ErrorKind = "event_not_found"
	// ErrProviderError はその他のプロバイダー非2xx応答を表す。
	ErrProviderError ErrorKind = "provider_error"
	// ErrConfigError は起動時設定の欠落を表す。
	ErrConfigError ErrorKind = "config_error"
)

// AuthError は認証・プロバイダー起因の失敗を表すエラー。
// Status/Bodyは診断用にプロバイダー応答をそのまま保持するが、
// プログラムからの照合対象としては安定しない。
type AuthError struct {
	Kind   ErrorKind
	Status int    // プロバイダーのHTTPステータス（該当する場合）
	Body   string // プロバイダーの応答ボディ（診断用）
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d)", e.Kind, e.Status)
	}
	return string(e.Kind)
}

// HTTPStatus はこのエラーを呼び出し元へ返す際のHTTPステータスを返す。
// 認証系エラーは一律401として伝え、再接続を促す判断材料にする。
// プロバイダー固有エラーはステータスをそのまま通す。
func (e *AuthError) HTTPStatus() int {
	switch e.Kind {
	case ErrNotConnected, ErrExpiredNoRefresh, ErrRefreshFailed, ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrBadState:
		return http.StatusBadRequest
	case ErrConfigError:
		return http.StatusInternalServerError
	case ErrEventNotFound:
		if e.Status != 0 {
			return e.Status
		}
		return http.StatusNotFound
	default:
		if e.Status != 0 {
			return e.Status
		}
		return http.StatusBadGateway
	}
}

// NewAuthError は指定分類のAuthErrorを生成する。
func NewAuthError(kind ErrorKind) *AuthError {
	return &AuthError{Kind: kind}
}

// NewProviderError はプロバイダー応答を保持したAuthErrorを生成する。
// 401/403はunauthorized、404はevent_not_foundへ正規化し、
// それ以外はprovider_errorとする。
func NewProviderError(status int, body string) *AuthError {
	kind := ErrProviderError
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrUnauthorized
	case status == http.StatusNotFound:
		kind = ErrEventNotFound
	}
	return &AuthError{Kind: kind, Status: status, Body: body}
}

// AsAuthError はエラーチェーンからAuthErrorを取り出す。
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
