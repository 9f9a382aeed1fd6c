package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/calbridge/internal/graph"
	"github.com/hitoshi/calbridge/internal/middleware"
	"github.com/hitoshi/calbridge/internal/model"
)

// mockTokenProvider はTokenProviderInterfaceのモック実装。
type mockTokenProvider struct {
	ensureAccessTokenFunc func(ctx context.Context, sessionID string) (string, error)
}

func (m *mockTokenProvider) EnsureAccessToken(ctx context.Context, sessionID string) (string, error) {
	return m.ensureAccessTokenFunc(ctx, sessionID)
}

// mockCalendarClient はCalendarClientInterfaceのモック実装。
type mockCalendarClient struct {
	listCalendarViewFunc func(ctx context.Context, token string, from, to time.Time, tz string) ([]model.RemoteEvent, error)
	createEventFunc      func(ctx context.Context, token string, input graph.EventInput) (*model.RemoteEvent, error)
	deleteEventFunc      func(ctx context.Context, token, eventID string) error
	getMeFunc            func(ctx context.Context, token string) (*model.Profile, error)
}

func (m *mockCalendarClient) ListCalendarView(ctx context.Context, token string, from, to time.Time, tz string) ([]model.RemoteEvent, error) {
	return m.listCalendarViewFunc(ctx, token, from, to, tz)
}

func (m *mockCalendarClient) CreateEvent(ctx context.Context, token string, input graph.EventInput) (*model.RemoteEvent, error) {
	return m.createEventFunc(ctx, token, input)
}

func (m *mockCalendarClient) DeleteEvent(ctx context.Context, token, eventID string) error {
	return m.deleteEventFunc(ctx, token, eventID)
}

func (m *mockCalendarClient) GetMe(ctx context.Context, token string) (*model.Profile, error) {
	return m.getMeFunc(ctx, token)
}

// mockPromoter はPromoterInterfaceのモック実装。
type mockPromoter struct {
	promoteFunc func(ctx context.Context, sessionID string, ev model.LocalEvent, tz string) (*model.RemoteEvent, error)
}

func (m *mockPromoter) Promote(ctx context.Context, sessionID string, ev model.LocalEvent, tz string) (*model.RemoteEvent, error) {
	return m.promoteFunc(ctx, sessionID, ev, tz)
}

func connectedProvider(token string) *mockTokenProvider {
	return &mockTokenProvider{
		ensureAccessTokenFunc: func(_ context.Context, _ string) (string, error) {
			return token, nil
		},
	}
}

func failingProvider(kind model.ErrorKind) *mockTokenProvider {
	return &mockTokenProvider{
		ensureAccessTokenFunc: func(_ context.Context, _ string) (string, error) {
			return "", model.NewAuthError(kind)
		},
	}
}

func disconnectedProvider() *mockTokenProvider {
	return failingProvider(model.ErrNotConnected)
}

func newTestCalendarHandler(tokens TokenProviderInterface, client CalendarClientInterface, promoter PromoterInterface) *CalendarHandler {
	return NewCalendarHandler(tokens, client, promoter, "America/Chicago", testLogger())
}

func TestCalendarHandler_Status_NotConnected(t *testing.T) {
	h := newTestCalendarHandler(disconnectedProvider(), &mockCalendarClient{}, &mockPromoter{})

	rec := httptest.NewRecorder()
	h.Status(rec, sessionRequest(http.MethodGet, "/calendar/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp statusResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Connected {
		t.Error("connected = true, want false")
	}
}

func TestCalendarHandler_Status_Connected(t *testing.T) {
	client := &mockCalendarClient{
		getMeFunc: func(_ context.Context, token string) (*model.Profile, error) {
			if token != "tok-1" {
				t.Errorf("token = %q, want tok-1", token)
			}
			return &model.Profile{DisplayName: "Taro Yamada", Mail: "taro@example.com"}, nil
		},
	}
	h := newTestCalendarHandler(connectedProvider("tok-1"), client, &mockPromoter{})

	rec := httptest.NewRecorder()
	h.Status(rec, sessionRequest(http.MethodGet, "/calendar/status", nil))

	var resp statusResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.Connected {
		t.Fatal("connected = false, want true")
	}
	if resp.Me == nil || resp.Me.DisplayName != "Taro Yamada" {
		t.Errorf("me = %+v, want Taro Yamada", resp.Me)
	}
}

func TestCalendarHandler_Status_UnrecoverableSessionReportsDisconnected(t *testing.T) {
	// 失効済みトークンのリフレッシュがプロバイダーに拒否されたセッションは
	// connected:falseとなり、UIに再接続を促す
	tests := []struct {
		name string
		kind model.ErrorKind
	}{
		{"refresh rejected", model.ErrRefreshFailed},
		{"expired without refresh token", model.ErrExpiredNoRefresh},
		{"consent revoked", model.ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestCalendarHandler(failingProvider(tt.kind), &mockCalendarClient{}, &mockPromoter{})

			rec := httptest.NewRecorder()
			h.Status(rec, sessionRequest(http.MethodGet, "/calendar/status", nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}

			var resp statusResponse
			json.NewDecoder(rec.Body).Decode(&resp)
			if resp.Connected {
				t.Error("connected = true, want false for unrecoverable session")
			}
		})
	}
}

func TestCalendarHandler_Status_ProfileFailureStillSucceeds(t *testing.T) {
	client := &mockCalendarClient{
		getMeFunc: func(_ context.Context, _ string) (*model.Profile, error) {
			return nil, model.NewProviderError(http.StatusBadGateway, "upstream down")
		},
	}
	h := newTestCalendarHandler(connectedProvider("tok-1"), client, &mockPromoter{})

	rec := httptest.NewRecorder()
	h.Status(rec, sessionRequest(http.MethodGet, "/calendar/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp statusResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.Connected {
		t.Error("connected = false, want true")
	}
	if resp.Me != nil {
		t.Error("me should be omitted when profile fetch fails")
	}
}

func TestCalendarHandler_Upcoming_MissingParams(t *testing.T) {
	h := newTestCalendarHandler(connectedProvider("tok-1"), &mockCalendarClient{}, &mockPromoter{})

	tests := []string{
		"/calendar/upcoming",
		"/calendar/upcoming?from=2025-09-24T00:00:00Z",
		"/calendar/upcoming?to=2025-09-25T00:00:00Z",
		"/calendar/upcoming?from=not-a-time&to=2025-09-25T00:00:00Z",
	}
	for _, target := range tests {
		rec := httptest.NewRecorder()
		h.Upcoming(rec, sessionRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestCalendarHandler_Upcoming_Success(t *testing.T) {
	start := time.Date(2025, 9, 24, 15, 0, 0, 0, time.UTC)
	client := &mockCalendarClient{
		listCalendarViewFunc: func(_ context.Context, token string, from, to time.Time, tz string) ([]model.RemoteEvent, error) {
			if token != "tok-1" {
				t.Errorf("token = %q", token)
			}
			if tz != "Asia/Tokyo" {
				t.Errorf("tz = %q, want Asia/Tokyo", tz)
			}
			return []model.RemoteEvent{
				{ID: "ev-1", Title: "Standup", Start: start, End: start.Add(time.Hour), WebLink: "https://outlook.example.com/ev-1"},
			}, nil
		},
	}
	h := newTestCalendarHandler(connectedProvider("tok-1"), client, &mockPromoter{})

	rec := httptest.NewRecorder()
	h.Upcoming(rec, sessionRequest(http.MethodGet, "/calendar/upcoming?from=2025-09-24T00:00:00Z&to=2025-09-25T00:00:00Z&tz=Asia/Tokyo", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}

	var events []remoteEventResponse
	json.NewDecoder(rec.Body).Decode(&events)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].ID != "ev-1" || events[0].Title != "Standup" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestCalendarHandler_Upcoming_NotConnected(t *testing.T) {
	h := newTestCalendarHandler(disconnectedProvider(), &mockCalendarClient{}, &mockPromoter{})

	rec := httptest.NewRecorder()
	h.Upcoming(rec, sessionRequest(http.MethodGet, "/calendar/upcoming?from=2025-09-24T00:00:00Z&to=2025-09-25T00:00:00Z", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	var body middleware.ErrorResponseBody
	json.NewDecoder(rec.Body).Decode(&body)
	if body.Error != "not_connected" {
		t.Errorf("error = %q, want not_connected", body.Error)
	}
}

func TestCalendarHandler_Upsert_Success(t *testing.T) {
	client := &mockCalendarClient{
		createEventFunc: func(_ context.Context, token string, input graph.EventInput) (*model.RemoteEvent, error) {
			if input.Title != "Standup" {
				t.Errorf("title = %q", input.Title)
			}
			if input.Timezone != "America/Chicago" {
				t.Errorf("timezone = %q, want default America/Chicago", input.Timezone)
			}
			return &model.RemoteEvent{ID: "created-1", Title: input.Title, Start: input.Start, End: input.End, WebLink: "https://outlook.example.com/created-1"}, nil
		},
	}
	h := newTestCalendarHandler(connectedProvider("tok-1"), client, &mockPromoter{})

	body := strings.NewReader(`{"task":{"title":"Standup","start":"2025-09-24T15:00:00Z","end":"2025-09-24T16:00:00Z"}}`)
	rec := httptest.NewRecorder()
	h.Upsert(rec, sessionRequest(http.MethodPost, "/calendar/upsert", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}

	var resp upsertResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.EventID != "created-1" {
		t.Errorf("eventId = %q, want created-1", resp.EventID)
	}
	if resp.WebLink == "" {
		t.Error("expected webLink in response")
	}
}

func TestCalendarHandler_Upsert_MissingFields(t *testing.T) {
	h := newTestCalendarHandler(connectedProvider("tok-1"), &mockCalendarClient{}, &mockPromoter{})

	tests := []struct {
		name string
		body string
	}{
		{"empty body", `{}`},
		{"missing title", `{"task":{"start":"2025-09-24T15:00:00Z","end":"2025-09-24T16:00:00Z"}}`},
		{"missing start", `{"task":{"title":"Standup","end":"2025-09-24T16:00:00Z"}}`},
		{"invalid start", `{"task":{"title":"Standup","start":"tomorrow","end":"2025-09-24T16:00:00Z"}}`},
		{"not json", `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Upsert(rec, sessionRequest(http.MethodPost, "/calendar/upsert", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

// deleteViaRouter はchi.URLParamを解決するためルーター経由でDeleteを呼ぶ。
func deleteViaRouter(h *CalendarHandler, eventID string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Delete("/calendar/{eventID}", h.Delete)

	req := sessionRequest(http.MethodDelete, "/calendar/"+eventID, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCalendarHandler_Delete_Success(t *testing.T) {
	deleted := ""
	client := &mockCalendarClient{
		deleteEventFunc: func(_ context.Context, _, eventID string) error {
			deleted = eventID
			return nil
		},
	}
	h := newTestCalendarHandler(connectedProvider("tok-1"), client, &mockPromoter{})

	rec := deleteViaRouter(h, "ev-42")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if deleted != "ev-42" {
		t.Errorf("deleted = %q, want ev-42", deleted)
	}

	var body map[string]bool
	json.NewDecoder(rec.Body).Decode(&body)
	if !body["ok"] {
		t.Error(`expected {"ok":true}`)
	}
}

func TestCalendarHandler_Delete_NotFoundIsNotUnauthorized(t *testing.T) {
	client := &mockCalendarClient{
		deleteEventFunc: func(_ context.Context, _, _ string) error {
			return model.NewProviderError(http.StatusNotFound, `{"error":{"code":"ErrorItemNotFound"}}`)
		},
	}
	h := newTestCalendarHandler(connectedProvider("tok-1"), client, &mockPromoter{})

	rec := deleteViaRouter(h, "gone")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var body middleware.ErrorResponseBody
	json.NewDecoder(rec.Body).Decode(&body)
	if body.Error != "event_not_found" {
		t.Errorf("error = %q, want event_not_found", body.Error)
	}
}

func TestCalendarHandler_Agenda_MergesAndSorts(t *testing.T) {
	base := time.Date(2025, 9, 24, 9, 0, 0, 0, time.UTC)
	client := &mockCalendarClient{
		listCalendarViewFunc: func(_ context.Context, _ string, _, _ time.Time, _ string) ([]model.RemoteEvent, error) {
			return []model.RemoteEvent{
				{ID: "r-1", Title: "Remote", Start: base.Add(2 * time.Hour), End: base.Add(3 * time.Hour)},
			}, nil
		},
	}
	h := newTestCalendarHandler(connectedProvider("tok-1"), client, &mockPromoter{})

	body := strings.NewReader(`{
		"events":[
			{"id":"l-1","title":"Local","start":"2025-09-24T10:00:00Z","end":"2025-09-24T10:30:00Z"},
			{"id":"l-out","title":"Outside","start":"2025-09-30T10:00:00Z","end":"2025-09-30T11:00:00Z"}
		],
		"from":"2025-09-24T00:00:00Z",
		"to":"2025-09-25T00:00:00Z"
	}`)
	rec := httptest.NewRecorder()
	h.Agenda(rec, sessionRequest(http.MethodPost, "/calendar/agenda", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}

	var merged []mergedEventResponse
	json.NewDecoder(rec.Body).Decode(&merged)
	if len(merged) != 2 {
		t.Fatalf("merged = %d, want 2 (window-filtered)", len(merged))
	}
	if merged[0].ID != "l-1" || merged[0].Source != "local" {
		t.Errorf("merged[0] = %+v, want local l-1 first", merged[0])
	}
	if merged[1].ID != "r-1" || merged[1].Source != "remote" {
		t.Errorf("merged[1] = %+v, want remote r-1 second", merged[1])
	}
}

func TestCalendarHandler_Promote(t *testing.T) {
	promoter := &mockPromoter{
		promoteFunc: func(_ context.Context, sessionID string, ev model.LocalEvent, tz string) (*model.RemoteEvent, error) {
			if ev.ID != "l-1" || ev.Title != "Local" {
				t.Errorf("event = %+v", ev)
			}
			return &model.RemoteEvent{ID: "promoted-1", Title: ev.Title, Start: ev.Start, End: ev.End}, nil
		},
	}
	h := newTestCalendarHandler(connectedProvider("tok-1"), &mockCalendarClient{}, promoter)

	body := strings.NewReader(`{"event":{"id":"l-1","title":"Local","start":"2025-09-24T10:00:00Z","end":"2025-09-24T10:30:00Z"}}`)
	rec := httptest.NewRecorder()
	h.Promote(rec, sessionRequest(http.MethodPost, "/calendar/promote", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}

	var resp remoteEventResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.ID != "promoted-1" {
		t.Errorf("id = %q, want promoted-1", resp.ID)
	}
}
