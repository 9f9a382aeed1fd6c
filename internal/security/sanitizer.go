// Package security はアプリケーションのセキュリティ機能を提供する。
//
// DisplaySanitizer はプロバイダー由来の表示用文字列（件名、本文プレビュー、
// 場所名）からマークアップを除去し、UIへの出力を安全なプレーンテキストに
// 限定する。bluemondayのStrictPolicyを使用する。
package security

import (
	"html"

	"github.com/microcosm-cc/bluemonday"
)

// DisplaySanitizer は表示用文字列のサニタイズ機能のインターフェースを定義する。
type DisplaySanitizer interface {
	// Sanitize は入力からすべてのHTMLタグを除去したプレーンテキストを返す。
	// 空文字列の入力には空文字列を返す。同一入力に対して常に同一出力を返す。
	Sanitize(raw string) string
}

// displaySanitizer はDisplaySanitizerの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type displaySanitizer struct {
	policy *bluemonday.Policy
}

// NewDisplaySanitizer はDisplaySanitizerの新しいインスタンスを生成する。
// StrictPolicyは全タグを除去するため、イベントの表示文字列に
// マークアップが混入してもテキスト部分のみが残る。
func NewDisplaySanitizer() *displaySanitizer {
	return &displaySanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は入力からすべてのHTMLタグを除去したプレーンテキストを返す。
// StrictPolicyは残存テキストをエンティティ化するため、表示用に
// アンエスケープして返す。
func (s *displaySanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	return html.UnescapeString(s.policy.Sanitize(raw))
}
