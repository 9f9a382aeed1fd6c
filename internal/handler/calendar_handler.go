package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/calbridge/internal/event"
	"github.com/hitoshi/calbridge/internal/graph"
	"github.com/hitoshi/calbridge/internal/middleware"
	"github.com/hitoshi/calbridge/internal/model"
)

// TokenProviderInterface はカレンダーハンドラーが必要とするトークン管理インターフェース。
type TokenProviderInterface interface {
	EnsureAccessToken(ctx context.Context, sessionID string) (string, error)
}

// CalendarClientInterface はカレンダーハンドラーが必要とするプロバイダークライアントインターフェース。
type CalendarClientInterface interface {
	ListCalendarView(ctx context.Context, token string, from, to time.Time, tz string) ([]model.RemoteEvent, error)
	CreateEvent(ctx context.Context, token string, input graph.EventInput) (*model.RemoteEvent, error)
	DeleteEvent(ctx context.Context, token, eventID string) error
	GetMe(ctx context.Context, token string) (*model.Profile, error)
}

// PromoterInterface はローカルイベントのリモート昇格インターフェース。
type PromoterInterface interface {
	Promote(ctx context.Context, sessionID string, ev model.LocalEvent, tz string) (*model.RemoteEvent, error)
}

// CalendarHandler はカレンダー操作のHTTPハンドラー。
type CalendarHandler struct {
	tokens    TokenProviderInterface
	client    CalendarClientInterface
	promoter  PromoterInterface
	defaultTZ string
	logger    *slog.Logger
}

// NewCalendarHandler はCalendarHandlerを生成する。
func NewCalendarHandler(tokens TokenProviderInterface, client CalendarClientInterface, promoter PromoterInterface, defaultTZ string, logger *slog.Logger) *CalendarHandler {
	return &CalendarHandler{
		tokens:    tokens,
		client:    client,
		promoter:  promoter,
		defaultTZ: defaultTZ,
		logger:    logger,
	}
}

// remoteEventResponse はリモートイベントのAPIレスポンス形式。
type remoteEventResponse struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Location string `json:"location,omitempty"`
	WebLink  string `json:"webLink,omitempty"`
}

// mergedEventResponse はローカル・リモート統合ビューのAPIレスポンス形式。
type mergedEventResponse struct {
	Source   string `json:"source"`
	ID       string `json:"id"`
	Title    string `json:"title"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Location string `json:"location,omitempty"`
	WebLink  string `json:"webLink,omitempty"`
}

// localEventPayload は呼び出し元が持ち込むローカルイベントのペイロード。
type localEventPayload struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Location string `json:"location,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// taskPayload はupsertで受け取るタスク形式のイベントペイロード。
type taskPayload struct {
	Title    string `json:"title"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Tz       string `json:"tz,omitempty"`
	Location string `json:"location,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

type statusResponse struct {
	Connected bool             `json:"connected"`
	Me        *profileResponse `json:"me,omitempty"`
}

type profileResponse struct {
	DisplayName string `json:"displayName"`
	Mail        string `json:"mail,omitempty"`
}

// Status は接続状態を返す。トークンが無い場合も含め、決してエラーを返さない。
// GET /calendar/status
// 接続状態は使用可能なアクセストークンを実際に確保できるかで判定する。
// 失効済みトークンはここでリフレッシュされ、リフレッシュが拒否された
// セッションはconnected:falseとなって再接続を促す。
func (h *CalendarHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		middleware.WriteJSON(w, http.StatusOK, statusResponse{Connected: false})
		return
	}

	token, err := h.tokens.EnsureAccessToken(r.Context(), sessionID)
	if err != nil {
		middleware.WriteJSON(w, http.StatusOK, statusResponse{Connected: false})
		return
	}

	resp := statusResponse{Connected: true}

	// プロフィールは付加情報に留め、取得失敗でもステータス応答は成功させる
	if profile, err := h.client.GetMe(r.Context(), token); err == nil {
		resp.Me = &profileResponse{
			DisplayName: profile.DisplayName,
			Mail:        profile.Mail,
		}
	}

	middleware.WriteJSON(w, http.StatusOK, resp)
}

// Upcoming は指定範囲のリモートイベント一覧を返す。
// GET /calendar/upcoming?from=&to=&tz=
func (h *CalendarHandler) Upcoming(w http.ResponseWriter, r *http.Request) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	from, to, err := parseRangeParams(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	tz := h.timezoneOrDefault(r.URL.Query().Get("tz"))

	token, err := h.tokens.EnsureAccessToken(r.Context(), sessionID)
	if err != nil {
		h.writeServiceError(w, "ensure access token", err)
		return
	}

	events, err := h.client.ListCalendarView(r.Context(), token, from, to, tz)
	if err != nil {
		h.writeServiceError(w, "list calendar view", err)
		return
	}

	results := make([]remoteEventResponse, len(events))
	for i, ev := range events {
		results[i] = toRemoteEventResponse(ev)
	}
	middleware.WriteJSON(w, http.StatusOK, results)
}

type upsertRequest struct {
	Task taskPayload `json:"task"`
}

type upsertResponse struct {
	EventID string `json:"eventId"`
	WebLink string `json:"webLink,omitempty"`
}

// Upsert はタスク形式のペイロードからリモートイベントを作成する。
// POST /calendar/upsert
func (h *CalendarHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	start, end, err := parseEventTimes(req.Task.Title, req.Task.Start, req.Task.End)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	token, err := h.tokens.EnsureAccessToken(r.Context(), sessionID)
	if err != nil {
		h.writeServiceError(w, "ensure access token", err)
		return
	}

	created, err := h.client.CreateEvent(r.Context(), token, graph.EventInput{
		Title:    req.Task.Title,
		Start:    start,
		End:      end,
		Timezone: h.timezoneOrDefault(req.Task.Tz),
		Location: req.Task.Location,
		Notes:    req.Task.Notes,
	})
	if err != nil {
		h.writeServiceError(w, "create event", err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, upsertResponse{
		EventID: created.ID,
		WebLink: created.WebLink,
	})
}

// Delete はリモートイベントを削除する。
// DELETE /calendar/{eventID}
// 存在しないIDの削除はプロバイダーのnot-foundをそのまま返し、
// 認証エラーとは区別される。
func (h *CalendarHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	eventID := chi.URLParam(r, "eventID")
	if eventID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	token, err := h.tokens.EnsureAccessToken(r.Context(), sessionID)
	if err != nil {
		h.writeServiceError(w, "ensure access token", err)
		return
	}

	if err := h.client.DeleteEvent(r.Context(), token, eventID); err != nil {
		h.writeServiceError(w, "delete event", err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type agendaRequest struct {
	Events []localEventPayload `json:"events"`
	From   string              `json:"from"`
	To     string              `json:"to"`
	Tz     string              `json:"tz,omitempty"`
}

// Agenda は呼び出し元のローカルイベントとリモートイベントを統合した
// 時系列ビューを返す。
// POST /calendar/agenda
func (h *CalendarHandler) Agenda(w http.ResponseWriter, r *http.Request) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	var req agendaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	from, to, err := parseRangeParams(req.From, req.To)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	tz := h.timezoneOrDefault(req.Tz)

	local := make([]model.LocalEvent, 0, len(req.Events))
	for _, p := range req.Events {
		ev, err := toLocalEvent(p)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		local = append(local, ev)
	}

	token, err := h.tokens.EnsureAccessToken(r.Context(), sessionID)
	if err != nil {
		h.writeServiceError(w, "ensure access token", err)
		return
	}

	remote, err := h.client.ListCalendarView(r.Context(), token, from, to, tz)
	if err != nil {
		h.writeServiceError(w, "list calendar view", err)
		return
	}

	merged := event.Merge(local, remote, from, to)
	results := make([]mergedEventResponse, len(merged))
	for i, ev := range merged {
		results[i] = mergedEventResponse{
			Source:   ev.Source,
			ID:       ev.ID,
			Title:    ev.Title,
			Start:    ev.Start.Format(time.RFC3339),
			End:      ev.End.Format(time.RFC3339),
			Location: ev.Location,
			WebLink:  ev.WebLink,
		}
	}
	middleware.WriteJSON(w, http.StatusOK, results)
}

type promoteRequest struct {
	Event localEventPayload `json:"event"`
	Tz    string            `json:"tz,omitempty"`
}

// Promote はローカルイベントをリモートイベントとして作成する。
// 元のローカルイベントの削除は呼び出し元の責務。
// POST /calendar/promote
func (h *CalendarHandler) Promote(w http.ResponseWriter, r *http.Request) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	var req promoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	ev, err := toLocalEvent(req.Event)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	created, err := h.promoter.Promote(r.Context(), sessionID, ev, h.timezoneOrDefault(req.Tz))
	if err != nil {
		h.writeServiceError(w, "promote event", err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, toRemoteEventResponse(*created))
}

// writeServiceError はサービス層のエラーを統一エラーレスポンスへ変換する。
// 認証系エラーは401、プロバイダーエラーはプロバイダーのステータスで返す。
func (h *CalendarHandler) writeServiceError(w http.ResponseWriter, op string, err error) {
	if ae, ok := model.AsAuthError(err); ok {
		h.logger.Warn(op+" failed",
			slog.String("kind", string(ae.Kind)),
			slog.Int("provider_status", ae.Status),
		)
		middleware.WriteAuthError(w, ae)
		return
	}

	h.logger.Error(op+" failed", slog.String("error", err.Error()))
	middleware.WriteError(w, http.StatusBadGateway, string(model.ErrProviderError))
}

// timezoneOrDefault は空のタイムゾーン指定をデフォルト値で補完する。
func (h *CalendarHandler) timezoneOrDefault(tz string) string {
	if tz == "" {
		return h.defaultTZ
	}
	return tz
}

// parseRangeParams はfrom/toの範囲パラメータを検証して返す。
func parseRangeParams(fromStr, toStr string) (time.Time, time.Time, error) {
	if fromStr == "" || toStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("from and to are required")
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to must not precede from")
	}
	return from, to, nil
}

// parseEventTimes はイベント作成ペイロードの必須項目を検証して返す。
func parseEventTimes(title, startStr, endStr string) (time.Time, time.Time, error) {
	if title == "" || startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("title, start and end are required")
	}
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	return start, end, nil
}

// toLocalEvent はペイロードをローカルイベントへ変換する。
func toLocalEvent(p localEventPayload) (model.LocalEvent, error) {
	start, end, err := parseEventTimes(p.Title, p.Start, p.End)
	if err != nil {
		return model.LocalEvent{}, err
	}
	return model.LocalEvent{
		ID:       p.ID,
		Title:    p.Title,
		Start:    start,
		End:      end,
		Location: p.Location,
		Notes:    p.Notes,
	}, nil
}

// toRemoteEventResponse はリモートイベントをAPIレスポンス形式へ変換する。
func toRemoteEventResponse(ev model.RemoteEvent) remoteEventResponse {
	return remoteEventResponse{
		ID:       ev.ID,
		Title:    ev.Title,
		Start:    ev.Start.Format(time.RFC3339),
		End:      ev.End.Format(time.RFC3339),
		Location: ev.Location,
		WebLink:  ev.WebLink,
	}
}
