package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/calbridge/internal/model"
)

// PostgresTokenRepo はPostgreSQLを使用したトークンリポジトリ。
// DATABASE_URL設定時に使用され、トークンセットがプロセス再起動をまたいで保持される。
type PostgresTokenRepo struct {
	db *sql.DB
}

// NewPostgresTokenRepo はPostgresTokenRepoを生成する。
func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

// GetTokens は指定セッションのトークンセットを取得する。
func (r *PostgresTokenRepo) GetTokens(ctx context.Context, sessionID string) (*model.TokenSet, error) {
	tokens := &model.TokenSet{}
	err := r.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, token_type, scope, expires_at
		 FROM token_sessions
		 WHERE session_id = $1`,
		sessionID,
	).Scan(&tokens.AccessToken, &tokens.RefreshToken, &tokens.TokenType, &tokens.Scope, &tokens.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find token set: %w", err)
	}

	return tokens, nil
}

// PutTokens は指定セッションのトークンセットを置き換える。
func (r *PostgresTokenRepo) PutTokens(ctx context.Context, sessionID string, tokens *model.TokenSet) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO token_sessions (session_id, access_token, refresh_token, token_type, scope, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (session_id) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   token_type = EXCLUDED.token_type,
		   scope = EXCLUDED.scope,
		   expires_at = EXCLUDED.expires_at,
		   updated_at = now()`,
		sessionID, tokens.AccessToken, tokens.RefreshToken, tokens.TokenType, tokens.Scope, tokens.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store token set: %w", err)
	}
	return nil
}

// GetPending は指定セッションの保留中認可を取得する。
// 作成から10分を過ぎた保留中認可は失効として扱う。
func (r *PostgresTokenRepo) GetPending(ctx context.Context, sessionID string) (*model.PendingAuthorization, error) {
	pending := &model.PendingAuthorization{}
	err := r.db.QueryRowContext(ctx,
		`SELECT verifier, state, created_at
		 FROM pending_authorizations
		 WHERE session_id = $1 AND created_at > now() - interval '10 minutes'`,
		sessionID,
	).Scan(&pending.Verifier, &pending.State, &pending.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending authorization: %w", err)
	}

	return pending, nil
}

// PutPending は保留中認可を保存する。既存の保留中認可は上書きされる。
func (r *PostgresTokenRepo) PutPending(ctx context.Context, sessionID string, pending *model.PendingAuthorization) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pending_authorizations (session_id, verifier, state, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO UPDATE SET
		   verifier = EXCLUDED.verifier,
		   state = EXCLUDED.state,
		   created_at = EXCLUDED.created_at`,
		sessionID, pending.Verifier, pending.State, pending.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store pending authorization: %w", err)
	}
	return nil
}

// DeletePending は保留中認可を削除する。
func (r *PostgresTokenRepo) DeletePending(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM pending_authorizations WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete pending authorization: %w", err)
	}
	return nil
}

// Clear は指定セッションのトークンセットと保留中認可を破棄する。
func (r *PostgresTokenRepo) Clear(ctx context.Context, sessionID string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM token_sessions WHERE session_id = $1`,
		sessionID,
	); err != nil {
		return fmt.Errorf("failed to delete token set: %w", err)
	}
	if err := r.DeletePending(ctx, sessionID); err != nil {
		return err
	}
	return nil
}

// compile-time interface check
var _ TokenRepository = (*PostgresTokenRepo)(nil)
