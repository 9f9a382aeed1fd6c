// Package auth はOAuth2認可コード+PKCEフローとトークンライフサイクル管理を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/calbridge/internal/metrics"
	"github.com/hitoshi/calbridge/internal/model"
	"github.com/hitoshi/calbridge/internal/repository"
)

// TokenExchanger は認可URL構築とトークン交換のインターフェース。
// Providerの部分集合として定義し、テストでの差し替えを可能にする。
type TokenExchanger interface {
	// BuildAuthorizeURL は認可エンドポイントURLを構築する。
	BuildAuthorizeURL(state, challenge string) string
	// ExchangeCode は認可コードをトークンセットに交換する。
	ExchangeCode(ctx context.Context, code, verifier string) (*model.TokenSet, error)
	// Refresh はリフレッシュトークンで新しいトークンセットを取得する。
	Refresh(ctx context.Context, refreshToken string) (*model.TokenSet, error)
}

// Service は認可フローの開始・完了とトークンライフサイクルを管理する。
//
// セッションごとの状態遷移:
//
//	Absent → Valid → Expired → Refreshing → Valid または Unrecoverable
//
// 同一セッションからの並行リクエストが同時にExpiredを観測した場合、
// プロバイダーは最初のリフレッシュでトークンを無効化することがあるため、
// リフレッシュはセッション単位のシングルフライトで直列化する。
type Service struct {
	provider  TokenExchanger
	repo      repository.TokenRepository
	collector metrics.MetricsCollector
	now       func() time.Time // テスト用に差し替え可能

	mu    sync.Mutex
	locks map[string]*refreshLock // セッションIDごとのリフレッシュロック
}

// refreshLock は参照カウント付きのセッション単位リフレッシュロック。
// 待機者が残っている間だけマップに存在し、最後の解放で削除される。
type refreshLock struct {
	mu   sync.Mutex
	refs int
}

// NewService はServiceを生成する。
func NewService(provider TokenExchanger, repo repository.TokenRepository, collector metrics.MetricsCollector) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		provider:  provider,
		repo:      repo,
		collector: collector,
		now:       time.Now,
		locks:     make(map[string]*refreshLock),
	}
}

// StartAuthorization は新しい認可試行を開始し、リダイレクト先の認可URLを返す。
// PKCEペアとstateを生成して保留中認可として保存する。
// 既存の保留中認可は上書きされる（破棄であってエラーではない）。
func (s *Service) StartAuthorization(ctx context.Context, sessionID string) (string, error) {
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return "", err
	}
	state := NewState()

	pending := &model.PendingAuthorization{
		Verifier:  verifier,
		State:     state,
		CreatedAt: s.now(),
	}
	if err := s.repo.PutPending(ctx, sessionID, pending); err != nil {
		return "", fmt.Errorf("failed to store pending authorization: %w", err)
	}

	return s.provider.BuildAuthorizeURL(state, challenge), nil
}

// HandleCallback は認可コールバックを処理する。
// stateを保留中認可と照合し、一致した場合のみコードをトークンに交換して保存する。
// 保留中認可は照合結果に関わらず即座に削除されるため、同一コールバックの
// 再送は2回目以降必ずbad_stateで拒否される。
func (s *Service) HandleCallback(ctx context.Context, sessionID, state, code string) error {
	pending, err := s.repo.GetPending(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load pending authorization: %w", err)
	}

	// 読み取り後は一致・不一致に関わらず消費する
	if delErr := s.repo.DeletePending(ctx, sessionID); delErr != nil {
		return fmt.Errorf("failed to consume pending authorization: %w", delErr)
	}

	// ログはハンドラー層に任せ、ここでは分類のみ返す
	if pending == nil || state == "" || pending.State != state {
		return model.NewAuthError(model.ErrBadState)
	}

	tokens, err := s.provider.ExchangeCode(ctx, code, pending.Verifier)
	if err != nil {
		s.collector.RecordCodeExchange(false)
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	s.collector.RecordCodeExchange(true)

	if err := s.repo.PutTokens(ctx, sessionID, tokens); err != nil {
		return fmt.Errorf("failed to store token set: %w", err)
	}

	slog.Info("calendar connected", slog.String("session_id", sessionID))
	return nil
}

// EnsureAccessToken は保護リソース呼び出しに使用可能なアクセストークンを返す。
//   - トークン未取得: AuthError(not_connected)
//   - 有効: ネットワーク呼び出しなしで保存済みトークンを返す
//   - 失効かつリフレッシュトークンあり: シングルフライトで1回だけリフレッシュ
//   - 失効かつリフレッシュトークンなし: AuthError(expired_no_refresh)
func (s *Service) EnsureAccessToken(ctx context.Context, sessionID string) (string, error) {
	tokens, err := s.repo.GetTokens(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to load token set: %w", err)
	}
	if tokens == nil {
		return "", model.NewAuthError(model.ErrNotConnected)
	}
	if !tokens.Expired(s.now()) {
		return tokens.AccessToken, nil
	}

	// 失効している。リフレッシュはセッション単位で直列化する。
	lock := s.acquireSessionLock(sessionID)
	defer s.releaseSessionLock(sessionID, lock)

	// ロック待ちの間に他のリクエストがリフレッシュを完了した可能性があるため、
	// 取得し直して再判定する。
	tokens, err = s.repo.GetTokens(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to load token set: %w", err)
	}
	if tokens == nil {
		return "", model.NewAuthError(model.ErrNotConnected)
	}
	if !tokens.Expired(s.now()) {
		return tokens.AccessToken, nil
	}
	if tokens.RefreshToken == "" {
		return "", model.NewAuthError(model.ErrExpiredNoRefresh)
	}

	fresh, err := s.provider.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		s.collector.RecordTokenRefresh(false)
		slog.Warn("token refresh failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		if ae, ok := model.AsAuthError(err); ok {
			return "", &model.AuthError{Kind: model.ErrRefreshFailed, Status: ae.Status, Body: ae.Body}
		}
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	s.collector.RecordTokenRefresh(true)

	// プロバイダーがrefresh_tokenを省略した場合は前回値を引き継ぐ
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tokens.RefreshToken
	}

	if err := s.repo.PutTokens(ctx, sessionID, fresh); err != nil {
		return "", fmt.Errorf("failed to store refreshed token set: %w", err)
	}

	return fresh.AccessToken, nil
}

// Logout は指定セッションのトークンセットと保留中認可を破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if err := s.repo.Clear(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	slog.Info("calendar disconnected", slog.String("session_id", sessionID))
	return nil
}

// acquireSessionLock はセッション対応のリフレッシュロックを取得して
// ロック済みの状態で返す。
func (s *Service) acquireSessionLock(sessionID string) *refreshLock {
	s.mu.Lock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &refreshLock{}
		s.locks[sessionID] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return lock
}

// releaseSessionLock はリフレッシュロックを解放し、待機者がいなければ
// マップからエントリを削除する。
func (s *Service) releaseSessionLock(sessionID string, lock *refreshLock) {
	lock.mu.Unlock()

	s.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, sessionID)
	}
	s.mu.Unlock()
}
