package model

import "time"

// イベントの出所を表す値。
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// RemoteEvent はプロバイダー側カレンダーのイベントを表す。
// IDはプロバイダーが割り当てた不透明な文字列であり、形式を仮定しない。
type RemoteEvent struct {
	ID          string
	Title       string
	Start       time.Time
	End         time.Time
	Location    string // 表示用文字列。空の場合あり
	WebLink     string
	BodyPreview string
}

// LocalEvent は呼び出し元が管理するローカルイベントを表す。
// 本システムはこれを永続化せず、マージ入力および昇格元としてのみ扱う。
type LocalEvent struct {
	ID       string
	Title    string
	Start    time.Time
	End      time.Time
	Location string
	Notes    string
}

// MergedEvent はローカル・リモート両イベントを共通形に正規化した
// マージ結果の1件を表す。リクエストごとに構築され、永続化されない。
type MergedEvent struct {
	Source   string // SourceLocal または SourceRemote
	ID       string
	Title    string
	Start    time.Time
	End      time.Time
	Location string
	WebLink  string
}

// Profile はプロバイダーの/meエンドポイントから取得する表示用情報の
// 部分集合。接続状態の表示にのみ使用する。
type Profile struct {
	DisplayName string
	Mail        string
}
