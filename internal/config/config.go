package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// デフォルトで要求するMicrosoft identity platformのスコープ。
// offline_accessが無いとリフレッシュトークンが発行されない。
var baseScopes = []string{
	"openid", "profile", "email", "offline_access", "Calendars.ReadWrite",
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// OAuth (Microsoft identity platform)
	ClientID     string
	ClientSecret string // 空の場合は公開クライアント（PKCEのみ）
	TenantID     string
	RedirectPath string
	Scopes       []string

	// Server
	ServerPort string
	BaseURL    string

	// Database（空の場合はインメモリストアを使用）
	DatabaseURL string

	// Session
	SessionSecret string
	SessionMaxAge int

	// Calendar
	DefaultTimezone string

	// Outbound HTTP
	HTTPTimeout time.Duration

	// Rate Limit（req/min/session）
	RateLimitGeneral int

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	ClientOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.ClientID = os.Getenv("MS_CLIENT_ID")
	if cfg.ClientID == "" {
		missing = append(missing, "MS_CLIENT_ID")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ClientSecret = os.Getenv("MS_CLIENT_SECRET")
	cfg.TenantID = getEnvString("MS_TENANT_ID", "common")
	cfg.RedirectPath = getEnvString("MS_REDIRECT_PATH", "/oauth/callback")
	cfg.Scopes = buildScopes(os.Getenv("MS_EXTRA_SCOPES"))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 604800) // 7日
	cfg.DefaultTimezone = getEnvString("DEFAULT_TZ", "America/Chicago")
	cfg.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", 15*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.ClientOrigin = strings.TrimRight(os.Getenv("CLIENT_ORIGIN"), "/")

	return cfg, nil
}

// RedirectURI はプロバイダーに事前登録した値と一致すべきリダイレクトURIを返す。
// バイト単位の一致が要求されるため、BaseURL末尾スラッシュはLoad時点で除去済み。
func (c *Config) RedirectURI() string {
	return c.BaseURL + c.RedirectPath
}

// CrossSite はフロントエンドが別オリジンで動作しているかを返す。
// クロスサイトの場合、セッションCookieはSameSite=None+Secureが必要になる。
func (c *Config) CrossSite() bool {
	if c.ClientOrigin == "" {
		return false
	}
	return hostOf(c.ClientOrigin) != hostOf(c.BaseURL)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// buildScopes は基本スコープに追加スコープを連結して返す。
// 追加スコープはカンマまたは空白区切りで指定できる。
func buildScopes(extra string) []string {
	scopes := append([]string{}, baseScopes...)
	for _, s := range strings.FieldsFunc(extra, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	}) {
		if s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
