package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/calbridge/internal/model"
)

const (
	defaultAuthHost = "https://login.microsoftonline.com"

	// expiryMargin はトークン失効判定の安全マージン。
	// プロバイダー申告のexpires_inから差し引いた絶対時刻を保存する。
	expiryMargin = 60 * time.Second

	// defaultExpiresIn はプロバイダーがexpires_inを省略した場合の想定値（秒）。
	defaultExpiresIn = 3600
)

// ProviderConfig はMicrosoft identity platformプロバイダーの設定。
type ProviderConfig struct {
	ClientID     string
	ClientSecret string // 空の場合は公開クライアント（PKCEのみで交換）
	TenantID     string
	RedirectURI  string
	Scopes       []string

	// テスト用にオーバーライド可能なホスト
	AuthHost string
}

// Provider はMicrosoft identity platformに対する認可URL構築と
// トークン交換・リフレッシュを提供する。
// 各操作は純粋なHTTPリクエスト/レスポンス変換であり、リトライ判断は
// 呼び出し元に委ねる。
type Provider struct {
	config     ProviderConfig
	httpClient *http.Client
	now        func() time.Time // テスト用に差し替え可能
}

// NewProvider はProviderを生成する。
// httpClientには外部呼び出しのタイムアウトを設定済みのクライアントを渡す。
func NewProvider(config ProviderConfig, httpClient *http.Client) *Provider {
	if config.AuthHost == "" {
		config.AuthHost = defaultAuthHost
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Provider{
		config:     config,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// issuerURL はテナントに対応するOAuth2エンドポイントのベースURLを返す。
func (p *Provider) issuerURL() string {
	return p.config.AuthHost + "/" + p.config.TenantID + "/oauth2/v2.0"
}

// BuildAuthorizeURL は認可エンドポイントURLを構築する。
// redirect_uriはプロバイダーに事前登録した値と完全一致している必要がある
// （不一致はプロバイダー側の拒否であり、本コンポーネントの責務外）。
// 副作用はなく、ユーザーエージェントのリダイレクトは呼び出し元が行う。
func (p *Provider) BuildAuthorizeURL(state, challenge string) string {
	params := url.Values{
		"client_id":             {p.config.ClientID},
		"response_type":         {"code"},
		"redirect_uri":          {p.config.RedirectURI},
		"response_mode":         {"query"},
		"scope":                 {strings.Join(p.config.Scopes, " ")},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	return p.issuerURL() + "/authorize?" + params.Encode()
}

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// ExchangeCode は認可コードをトークンセットに交換する。
// verifierは対応するstateのために生成した値そのものでなければならない。
func (p *Provider) ExchangeCode(ctx context.Context, code, verifier string) (*model.TokenSet, error) {
	return p.tokenRequest(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {p.config.RedirectURI},
		"code_verifier": {verifier},
	})
}

// Refresh はリフレッシュトークンで新しいトークンセットを取得する。
// プロバイダーがレスポンスでrefresh_tokenを省略する場合があるため、
// 前回値の保持は呼び出し元の責務（ローテーションは任意であり普遍ではない）。
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*model.TokenSet, error) {
	return p.tokenRequest(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

// tokenRequest はトークンエンドポイントへのフォームPOSTを実行する。
// 非2xx応答はステータスとボディを保持したAuthErrorとしてフェイルクローズする。
func (p *Provider) tokenRequest(ctx context.Context, data url.Values) (*model.TokenSet, error) {
	data.Set("client_id", p.config.ClientID)
	if p.config.ClientSecret != "" {
		data.Set("client_secret", p.config.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.issuerURL()+"/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &model.AuthError{
			Kind:   model.ErrProviderError,
			Status: resp.StatusCode,
			Body:   string(body),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}
	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	// expires_atは受信時点で相対値から絶対時刻へ変換し、安全マージンを差し引く。
	// プロバイダーの相対値をそのまま信用して保存しない。
	return &model.TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tokenType,
		Scope:        tr.Scope,
		ExpiresAt:    p.now().Add(time.Duration(expiresIn)*time.Second - expiryMargin),
	}, nil
}
