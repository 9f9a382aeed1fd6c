// Package graph はMicrosoft Graphカレンダー APIのクライアントを提供する。
// プロバイダー固有のエラーボディ形式はこの境界で閉じたエラー分類へ変換し、
// 下流へ漏らさない。
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/calbridge/internal/metrics"
	"github.com/hitoshi/calbridge/internal/model"
	"github.com/hitoshi/calbridge/internal/security"
)

const (
	// defaultBaseURL はMicrosoft GraphのベースURL。
	defaultBaseURL = "https://graph.microsoft.com/v1.0"

	// maxEventsPerPage は一覧取得の1ページ上限。
	// ページネーションは実装せず先頭ページのみ返す（上限超過分の
	// 欠落は既知の制限であり不具合ではない）。
	maxEventsPerPage = 200
)

// Client はMicrosoft Graphカレンダー APIのクライアント。
// アクセストークンは呼び出しごとに受け取り、保持しない。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	sanitizer  security.DisplaySanitizer
	collector  metrics.MetricsCollector
	baseURL    string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, sanitizer security.DisplaySanitizer, collector metrics.MetricsCollector) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		sanitizer:  sanitizer,
		collector:  collector,
		baseURL:    defaultBaseURL,
	}
}

// EventInput はイベント作成の入力を表す。
type EventInput struct {
	Title    string
	Start    time.Time
	End      time.Time
	Timezone string
	Location string
	Notes    string
}

// --- Graphワイヤーフォーマット ---

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphEvent struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	BodyPreview string         `json:"bodyPreview"`
	Start       graphDateTime  `json:"start"`
	End         graphDateTime  `json:"end"`
	Location    *graphLocation `json:"location"`
	WebLink     string         `json:"webLink"`
}

type calendarViewResponse struct {
	Value []graphEvent `json:"value"`
}

type createEventRequest struct {
	Subject  string         `json:"subject"`
	Body     graphBody      `json:"body"`
	Start    graphDateTime  `json:"start"`
	End      graphDateTime  `json:"end"`
	Location *graphLocation `json:"location,omitempty"`
}

type meResponse struct {
	DisplayName string `json:"displayName"`
	Mail        string `json:"mail"`
}

// ListCalendarView は指定期間のイベント一覧を取得する。
// サーバー側で開始時刻の昇順を要求し、ページサイズを上限で制限する。
func (c *Client) ListCalendarView(ctx context.Context, token string, from, to time.Time, tz string) ([]model.RemoteEvent, error) {
	q := url.Values{
		"startDateTime": {from.UTC().Format(time.RFC3339)},
		"endDateTime":   {to.UTC().Format(time.RFC3339)},
		"$orderby":      {"start/dateTime"},
		"$top":          {strconv.Itoa(maxEventsPerPage)},
		"$select":       {"id,subject,bodyPreview,start,end,location,webLink"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/me/calendarView?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar view request: %w", err)
	}
	req.Header.Set("Prefer", fmt.Sprintf("outlook.timezone=%q", tz))

	resp, err := c.do(req, token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var view calendarViewResponse
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return nil, fmt.Errorf("failed to parse calendar view response: %w", err)
	}

	events := make([]model.RemoteEvent, 0, len(view.Value))
	for _, ev := range view.Value {
		events = append(events, c.toRemoteEvent(ev))
	}
	return events, nil
}

// CreateEvent はイベントを作成し、プロバイダーが割り当てたIDを含む
// 作成結果を返す。
func (c *Client) CreateEvent(ctx context.Context, token string, input EventInput) (*model.RemoteEvent, error) {
	payload := createEventRequest{
		Subject: input.Title,
		Body:    graphBody{ContentType: "Text", Content: input.Notes},
		Start:   toGraphDateTime(input.Start, input.Timezone),
		End:     toGraphDateTime(input.End, input.Timezone),
	}
	if input.Location != "" {
		payload.Location = &graphLocation{DisplayName: input.Location}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/me/events", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req, token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var created graphEvent
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("failed to parse created event: %w", err)
	}

	ev := c.toRemoteEvent(created)
	return &ev, nil
}

// DeleteEvent は指定IDのイベントを削除する。
// 存在しないIDはevent_not_found分類のエラーとなり、認証エラーとは
// 混同されない。
func (c *Client) DeleteEvent(ctx context.Context, token, eventID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/me/events/"+url.PathEscape(eventID), nil)
	if err != nil {
		return fmt.Errorf("failed to create delete request: %w", err)
	}

	resp, err := c.do(req, token)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// GetMe はサインイン中ユーザーのプロフィールを取得する。
// 接続状態表示の補助情報であり、失敗しても呼び出し元は致命扱いしない。
func (c *Client) GetMe(ctx context.Context, token string) (*model.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/me", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile request: %w", err)
	}

	resp, err := c.do(req, token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var me meResponse
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return nil, fmt.Errorf("failed to parse profile response: %w", err)
	}

	return &model.Profile{
		DisplayName: c.sanitize(me.DisplayName),
		Mail:        me.Mail,
	}, nil
}

// do はBearerトークンを付与してリクエストを実行する。
// 非2xx応答はステータスとボディを保持したAuthErrorへ正規化する
// （401/403はunauthorized、404はevent_not_found、その他はprovider_error）。
func (c *Client) do(req *http.Request, token string) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.collector.RecordGraphLatency(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("graph request failed: %w", err)
	}
	c.collector.RecordGraphStatus(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.logger.Warn("graph request rejected",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("status", resp.StatusCode),
		)
		return nil, model.NewProviderError(resp.StatusCode, string(body))
	}

	return resp, nil
}

// toRemoteEvent はGraphのワイヤーフォーマットをドメインモデルへ変換する。
// 表示用文字列はマークアップを除去してから返す。
func (c *Client) toRemoteEvent(ev graphEvent) model.RemoteEvent {
	out := model.RemoteEvent{
		ID:          ev.ID,
		Title:       c.sanitize(ev.Subject),
		Start:       parseGraphTime(ev.Start),
		End:         parseGraphTime(ev.End),
		WebLink:     ev.WebLink,
		BodyPreview: c.sanitize(ev.BodyPreview),
	}
	if ev.Location != nil {
		out.Location = c.sanitize(ev.Location.DisplayName)
	}
	return out
}

func (c *Client) sanitize(s string) string {
	if c.sanitizer == nil {
		return s
	}
	return c.sanitizer.Sanitize(s)
}

// toGraphDateTime は時刻を指定タイムゾーンの壁時計表記へ変換する。
// タイムゾーン名が解決できない場合はUTCとして送る。
func toGraphDateTime(t time.Time, tz string) graphDateTime {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return graphDateTime{
			DateTime: t.UTC().Format("2006-01-02T15:04:05"),
			TimeZone: "UTC",
		}
	}
	return graphDateTime{
		DateTime: t.In(loc).Format("2006-01-02T15:04:05"),
		TimeZone: tz,
	}
}

// parseGraphTime はGraphのdateTime/timeZoneペアを解析する。
// dateTimeは小数秒付きのオフセットなし表記（例: 2025-09-24T15:00:00.0000000）。
// タイムゾーン名が解決できない場合はUTCとして解釈する。
func parseGraphTime(dt graphDateTime) time.Time {
	raw := dt.DateTime
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		raw = raw[:i]
	}

	loc, err := time.LoadLocation(dt.TimeZone)
	if err != nil {
		loc = time.UTC
	}

	t, err := time.ParseInLocation("2006-01-02T15:04:05", raw, loc)
	if err != nil {
		// Z付きなどの変則表記はRFC3339として再試行する
		if t2, err2 := time.Parse(time.RFC3339, dt.DateTime); err2 == nil {
			return t2
		}
		return time.Time{}
	}
	return t
}
