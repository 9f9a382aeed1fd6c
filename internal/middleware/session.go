// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

const sessionCookieName = "cal_session"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionIDContextKey はリクエストコンテキストにセッションIDを格納するためのキー。
var sessionIDContextKey = contextKey("session_id")

// SessionConfig はセッションCookieの設定。
type SessionConfig struct {
	Secret       string // Cookie署名用シークレット
	CookieDomain string
	CookieSecure bool
	CrossSite    bool // フロントエンドが別オリジンの場合SameSite=Noneが必要
	MaxAge       int  // 秒
}

// NewSessionMiddleware は匿名セッションCookieを管理するミドルウェアを返す。
// 認証前のブラウザにもセッションIDを割り当てる必要があるため、
// Cookieが無い・署名が不正なリクエストには新しいセッションIDを発行する。
// セッションIDはHMAC-SHA256で署名し、偽造IDがストアのキーに
// なることを防ぐ。セッションIDをリクエストコンテキストに注入する。
func NewSessionMiddleware(config SessionConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := ""

			if cookie, err := r.Cookie(sessionCookieName); err == nil {
				if id, ok := verifySessionCookie(cookie.Value, config.Secret); ok {
					sessionID = id
				}
			}

			if sessionID == "" {
				id, err := newSessionID()
				if err != nil {
					http.Error(w, "internal server error", http.StatusInternalServerError)
					return
				}
				sessionID = id

				sameSite := http.SameSiteLaxMode
				secure := config.CookieSecure
				if config.CrossSite {
					// クロスサイトのCookie送信にはSameSite=None+Secureが必要
					sameSite = http.SameSiteNoneMode
					secure = true
				}
				http.SetCookie(w, &http.Cookie{
					Name:     sessionCookieName,
					Value:    signSessionID(sessionID, config.Secret),
					Path:     "/",
					Domain:   config.CookieDomain,
					MaxAge:   config.MaxAge,
					HttpOnly: true,
					Secure:   secure,
					SameSite: sameSite,
				})
			}

			ctx := context.WithValue(r.Context(), sessionIDContextKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionIDFromContext はリクエストコンテキストからセッションIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func SessionIDFromContext(ctx context.Context) (string, error) {
	sessionID, ok := ctx.Value(sessionIDContextKey).(string)
	if !ok || sessionID == "" {
		return "", fmt.Errorf("session ID not found in context")
	}
	return sessionID, nil
}

// ContextWithSessionID はコンテキストにセッションIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDContextKey, sessionID)
}

// newSessionID は暗号的に安全なセッションIDを生成する。
func newSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// signSessionID はセッションIDにHMAC-SHA256署名を付与したCookie値を返す。
// 形式は "<id>.<hex(hmac)>"。
func signSessionID(sessionID, secret string) string {
	return sessionID + "." + sessionMAC(sessionID, secret)
}

// verifySessionCookie はCookie値の署名を検証し、セッションIDを返す。
func verifySessionCookie(value, secret string) (string, bool) {
	id, mac, ok := strings.Cut(value, ".")
	if !ok || id == "" {
		return "", false
	}
	if !hmac.Equal([]byte(mac), []byte(sessionMAC(id, secret))) {
		return "", false
	}
	return id, true
}

func sessionMAC(sessionID, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(sessionID))
	return hex.EncodeToString(h.Sum(nil))
}
