package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/calbridge/internal/model"
)

// MemoryTokenRepo はプロセス内メモリを使用したトークンリポジトリ。
// DATABASE_URL未設定時のデフォルト実装で、プロセス終了とともに
// 全セッションが失われる。テストでのフェイクストアも兼ねる。
type MemoryTokenRepo struct {
	mu      sync.RWMutex
	tokens  map[string]*model.TokenSet
	pending map[string]*model.PendingAuthorization
	maxAge  time.Duration
	now     func() time.Time // テスト用に差し替え可能
}

// NewMemoryTokenRepo はMemoryTokenRepoを生成する。
// maxAgeはセッションの最大生存期間で、0以下の場合は無期限として扱う。
func NewMemoryTokenRepo(maxAge time.Duration) *MemoryTokenRepo {
	return &MemoryTokenRepo{
		tokens:  make(map[string]*model.TokenSet),
		pending: make(map[string]*model.PendingAuthorization),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// GetTokens は指定セッションのトークンセットを取得する。
func (r *MemoryTokenRepo) GetTokens(_ context.Context, sessionID string) (*model.TokenSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tokens, ok := r.tokens[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *tokens
	return &cp, nil
}

// PutTokens は指定セッションのトークンセットを置き換える。
func (r *MemoryTokenRepo) PutTokens(_ context.Context, sessionID string, tokens *model.TokenSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *tokens
	r.tokens[sessionID] = &cp
	return nil
}

// GetPending は指定セッションの保留中認可を取得する。
// セッション最大生存期間を過ぎた保留中認可は存在しないものとして扱う。
func (r *MemoryTokenRepo) GetPending(_ context.Context, sessionID string) (*model.PendingAuthorization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pending, ok := r.pending[sessionID]
	if !ok {
		return nil, nil
	}
	if r.maxAge > 0 && r.now().Sub(pending.CreatedAt) > r.maxAge {
		return nil, nil
	}
	cp := *pending
	return &cp, nil
}

// PutPending は保留中認可を保存する。既存の保留中認可は上書きされる。
func (r *MemoryTokenRepo) PutPending(_ context.Context, sessionID string, pending *model.PendingAuthorization) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *pending
	r.pending[sessionID] = &cp
	return nil
}

// DeletePending は保留中認可を削除する。
func (r *MemoryTokenRepo) DeletePending(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, sessionID)
	return nil
}

// Clear は指定セッションの全データを破棄する。
func (r *MemoryTokenRepo) Clear(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tokens, sessionID)
	delete(r.pending, sessionID)
	return nil
}

// compile-time interface check
var _ TokenRepository = (*MemoryTokenRepo)(nil)
