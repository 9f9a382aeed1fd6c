package config

import (
	"strings"
	"testing"
	"time"
)

// 必須環境変数をすべて設定するヘルパー。
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MS_CLIENT_ID", "client-id-123")
	t.Setenv("BASE_URL", "http://localhost:3000")
	t.Setenv("SESSION_SECRET", "test-secret")
}

func TestLoad_RequiredMissing(t *testing.T) {
	t.Setenv("MS_CLIENT_ID", "")
	t.Setenv("BASE_URL", "")
	t.Setenv("SESSION_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing required env vars")
	}
	for _, name := range []string{"MS_CLIENT_ID", "BASE_URL", "SESSION_SECRET"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error should mention %s: %v", name, err)
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TenantID != "common" {
		t.Errorf("TenantID = %q, want %q", cfg.TenantID, "common")
	}
	if cfg.RedirectPath != "/oauth/callback" {
		t.Errorf("RedirectPath = %q, want %q", cfg.RedirectPath, "/oauth/callback")
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want %q", cfg.ServerPort, "8080")
	}
	if cfg.HTTPTimeout != 15*time.Second {
		t.Errorf("HTTPTimeout = %v, want 15s", cfg.HTTPTimeout)
	}
	if cfg.SessionMaxAge != 604800 {
		t.Errorf("SessionMaxAge = %d, want 604800", cfg.SessionMaxAge)
	}
	if cfg.CookieSecure {
		t.Error("CookieSecure should be false for http BASE_URL")
	}
}

func TestLoad_RedirectURI(t *testing.T) {
	setRequiredEnv(t)
	// 末尾スラッシュは除去され、リダイレクトURIはバイト単位で安定する
	t.Setenv("BASE_URL", "https://app.example.com/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.RedirectURI(); got != "https://app.example.com/oauth/callback" {
		t.Errorf("RedirectURI() = %q", got)
	}
	if !cfg.CookieSecure {
		t.Error("CookieSecure should be true for https BASE_URL")
	}
}

func TestLoad_Scopes(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MS_EXTRA_SCOPES", "Mail.Read, Tasks.ReadWrite")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	joined := strings.Join(cfg.Scopes, " ")
	for _, want := range []string{"offline_access", "Calendars.ReadWrite", "Mail.Read", "Tasks.ReadWrite"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Scopes should contain %q: %v", want, cfg.Scopes)
		}
	}
}

func TestCrossSite(t *testing.T) {
	tests := []struct {
		name         string
		baseURL      string
		clientOrigin string
		want         bool
	}{
		{"同一オリジン", "http://localhost:3000", "http://localhost:3000", false},
		{"クロスオリジン", "http://localhost:3000", "http://localhost:5173", true},
		{"オリジン未設定", "http://localhost:3000", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv("BASE_URL", tt.baseURL)
			t.Setenv("CLIENT_ORIGIN", tt.clientOrigin)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if got := cfg.CrossSite(); got != tt.want {
				t.Errorf("CrossSite() = %v, want %v", got, tt.want)
			}
		})
	}
}
