package repository

import (
	"context"
	"testing"
	"time"

	"github.com/hitoshi/calbridge/internal/model"
)

func TestMemoryTokenRepo_PutAndGetTokens(t *testing.T) {
	repo := NewMemoryTokenRepo(0)
	ctx := context.Background()

	got, err := repo.GetTokens(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetTokens() error = %v", err)
	}
	if got != nil {
		t.Fatalf("GetTokens() on empty store = %+v, want nil", got)
	}

	tokens := &model.TokenSet{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := repo.PutTokens(ctx, "sess-1", tokens); err != nil {
		t.Fatalf("PutTokens() error = %v", err)
	}

	got, err = repo.GetTokens(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetTokens() error = %v", err)
	}
	if got == nil || got.AccessToken != "at-1" {
		t.Errorf("GetTokens() = %+v, want access token at-1", got)
	}

	// 別セッションからは見えないこと
	other, _ := repo.GetTokens(ctx, "sess-2")
	if other != nil {
		t.Errorf("tokens leaked across sessions: %+v", other)
	}
}

func TestMemoryTokenRepo_GetTokens_ReturnsCopy(t *testing.T) {
	repo := NewMemoryTokenRepo(0)
	ctx := context.Background()

	repo.PutTokens(ctx, "sess-1", &model.TokenSet{AccessToken: "at-1"})

	got, _ := repo.GetTokens(ctx, "sess-1")
	got.AccessToken = "mutated"

	again, _ := repo.GetTokens(ctx, "sess-1")
	if again.AccessToken != "at-1" {
		t.Errorf("stored token mutated through returned copy: %q", again.AccessToken)
	}
}

func TestMemoryTokenRepo_PendingOverwriteAndDelete(t *testing.T) {
	repo := NewMemoryTokenRepo(0)
	ctx := context.Background()

	first := &model.PendingAuthorization{Verifier: "v1", State: "s1", CreatedAt: time.Now()}
	second := &model.PendingAuthorization{Verifier: "v2", State: "s2", CreatedAt: time.Now()}

	repo.PutPending(ctx, "sess-1", first)
	// 新しい認可の開始は前の試行を上書きする
	repo.PutPending(ctx, "sess-1", second)

	got, err := repo.GetPending(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetPending() error = %v", err)
	}
	if got == nil || got.State != "s2" {
		t.Errorf("GetPending() = %+v, want state s2", got)
	}

	if err := repo.DeletePending(ctx, "sess-1"); err != nil {
		t.Fatalf("DeletePending() error = %v", err)
	}
	got, _ = repo.GetPending(ctx, "sess-1")
	if got != nil {
		t.Errorf("GetPending() after delete = %+v, want nil", got)
	}

	// 存在しない保留中認可の削除はエラーにしない
	if err := repo.DeletePending(ctx, "sess-1"); err != nil {
		t.Errorf("DeletePending() on missing entry error = %v", err)
	}
}

func TestMemoryTokenRepo_PendingExpiry(t *testing.T) {
	repo := NewMemoryTokenRepo(10 * time.Minute)
	ctx := context.Background()

	base := time.Now()
	repo.now = func() time.Time { return base }

	repo.PutPending(ctx, "sess-1", &model.PendingAuthorization{
		Verifier: "v1", State: "s1", CreatedAt: base,
	})

	// 期限内は取得できる
	if got, _ := repo.GetPending(ctx, "sess-1"); got == nil {
		t.Fatal("GetPending() within max age = nil")
	}

	// 期限を過ぎると存在しない扱い
	repo.now = func() time.Time { return base.Add(11 * time.Minute) }
	if got, _ := repo.GetPending(ctx, "sess-1"); got != nil {
		t.Errorf("GetPending() past max age = %+v, want nil", got)
	}
}

func TestMemoryTokenRepo_Clear(t *testing.T) {
	repo := NewMemoryTokenRepo(0)
	ctx := context.Background()

	repo.PutTokens(ctx, "sess-1", &model.TokenSet{AccessToken: "at-1"})
	repo.PutPending(ctx, "sess-1", &model.PendingAuthorization{State: "s1", CreatedAt: time.Now()})

	if err := repo.Clear(ctx, "sess-1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	if tokens, _ := repo.GetTokens(ctx, "sess-1"); tokens != nil {
		t.Errorf("tokens remain after Clear: %+v", tokens)
	}
	if pending, _ := repo.GetPending(ctx, "sess-1"); pending != nil {
		t.Errorf("pending remains after Clear: %+v", pending)
	}
}
