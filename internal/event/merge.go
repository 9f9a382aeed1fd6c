// Package event はローカル・リモートイベントのマージと昇格を提供する。
package event

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hitoshi/calbridge/internal/graph"
	"github.com/hitoshi/calbridge/internal/model"
)

// Merge はローカルイベントとリモートイベントを単一の時系列ビューへ統合する。
// ローカルイベントは開始時刻が[from, to]に入るものだけを採用し、
// リモートイベントはプロバイダー側で期間フィルタ済みとみなしてそのまま含める。
// 結果は開始時刻の昇順で、同時刻の場合はリモートをローカルより先に置く。
// 同一ソース内の同時刻イベントは入力順を保つ。純粋関数でありI/Oを行わない。
func Merge(local []model.LocalEvent, remote []model.RemoteEvent, from, to time.Time) []model.MergedEvent {
	merged := make([]model.MergedEvent, 0, len(local)+len(remote))

	for _, ev := range remote {
		merged = append(merged, model.MergedEvent{
			Source:   model.SourceRemote,
			ID:       ev.ID,
			Title:    ev.Title,
			Start:    ev.Start,
			End:      ev.End,
			Location: ev.Location,
			WebLink:  ev.WebLink,
		})
	}

	for _, ev := range local {
		if ev.Start.Before(from) || ev.Start.After(to) {
			continue
		}
		merged = append(merged, model.MergedEvent{
			Source:   model.SourceLocal,
			ID:       ev.ID,
			Title:    ev.Title,
			Start:    ev.Start,
			End:      ev.End,
			Location: ev.Location,
		})
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Start.Equal(merged[j].Start) {
			// 同時刻はリモート優先。リモートを先に詰めているため
			// 安定ソートでは追加判定不要だが、規則として明示する。
			return merged[i].Source == model.SourceRemote && merged[j].Source == model.SourceLocal
		}
		return merged[i].Start.Before(merged[j].Start)
	})

	return merged
}

// TokenEnsurer は保護リソース呼び出し用のアクセストークン解決インターフェース。
type TokenEnsurer interface {
	EnsureAccessToken(ctx context.Context, sessionID string) (string, error)
}

// EventCreator はリモートカレンダーへのイベント作成インターフェース。
// graph.Clientの部分集合として定義する。
type EventCreator interface {
	CreateEvent(ctx context.Context, token string, input graph.EventInput) (*model.RemoteEvent, error)
}

// Service はローカルイベントのリモートへの昇格を提供する。
type Service struct {
	tokens  TokenEnsurer
	creator EventCreator
}

// NewService はServiceを生成する。
func NewService(tokens TokenEnsurer, creator EventCreator) *Service {
	return &Service{tokens: tokens, creator: creator}
}

// Promote はローカルイベントをリモートカレンダーへ作成し、作成結果を返す。
// 元のローカルイベントの削除・更新は行わない（ローカルストレージの
// 所有権は呼び出し元にある）。認証エラーはそのまま伝搬する。
func (s *Service) Promote(ctx context.Context, sessionID string, ev model.LocalEvent, tz string) (*model.RemoteEvent, error) {
	token, err := s.tokens.EnsureAccessToken(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	created, err := s.creator.CreateEvent(ctx, token, graph.EventInput{
		Title:    ev.Title,
		Start:    ev.Start,
		End:      ev.End,
		Timezone: tz,
		Location: ev.Location,
		Notes:    ev.Notes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to promote local event: %w", err)
	}

	return created, nil
}
