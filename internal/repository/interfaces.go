// Package repository はセッション単位のトークン永続化インターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/calbridge/internal/model"
)

// TokenRepository はブラウザセッションに紐づくトークンセットと
// 保留中認可の永続化インターフェース。
// キーはセッションIDであり、セッション間での共有は存在しない。
type TokenRepository interface {
	// GetTokens は指定セッションのトークンセットを取得する。
	// 未接続または期限切り捨て対象の場合はnilを返す。
	GetTokens(ctx context.Context, sessionID string) (*model.TokenSet, error)

	// PutTokens は指定セッションのトークンセットを置き換える。
	PutTokens(ctx context.Context, sessionID string, tokens *model.TokenSet) error

	// GetPending は指定セッションの保留中認可を取得する。
	// 存在しない場合はnilを返す。
	GetPending(ctx context.Context, sessionID string) (*model.PendingAuthorization, error)

	// PutPending は保留中認可を保存する。既存の保留中認可は上書きされる。
	PutPending(ctx context.Context, sessionID string, pending *model.PendingAuthorization) error

	// DeletePending は保留中認可を削除する。存在しない場合もエラーにしない。
	DeletePending(ctx context.Context, sessionID string) error

	// Clear は指定セッションのトークンセットと保留中認可をすべて破棄する。
	Clear(ctx context.Context, sessionID string) error
}
