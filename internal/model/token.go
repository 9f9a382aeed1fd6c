// Package model はドメインモデルを定義する。
package model

import "time"

// TokenSet はプロバイダーから取得した委任トークン一式を表す。
// 1ブラウザセッションにつき1セットのみ保持し、リフレッシュ成功時は
// セット全体を置き換える。
type TokenSet struct {
	AccessToken  string
	RefreshToken string // ローテーションされない場合は前回値を引き継ぐ
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
}

// Expired はトークンが失効しているかどうかを返す。
// ExpiresAtは取得時点で安全マージンを差し引いて計算済みのため、
// ここでは現在時刻との単純比較のみ行う。
func (t *TokenSet) Expired(now time.Time) bool {
	if t == nil || t.AccessToken == "" || t.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(t.ExpiresAt)
}

// PendingAuthorization は進行中の認可試行を表す。
// セッションごとに最大1件のみ存在し、新しい認可の開始は前の試行を
// 上書きする（破棄であってエラーではない）。
// コールバック到着時にstate照合のうえ読み取り後即削除される。
type PendingAuthorization struct {
	Verifier  string
	State     string
	CreatedAt time.Time
}
