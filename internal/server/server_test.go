package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/notify"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
	"github.com/alanyoungcy/perpbot/internal/server/ws"
	"github.com/alanyoungcy/perpbot/internal/testutil"
)

type fakeController struct {
	mu       sync.Mutex
	active   bool
	closeErr error
	analyze  error
	model    string
	settings map[domain.SettingKey]int
	opts     domain.ListOpts
	jobs     []domain.ScheduledJob
}

func newFakeController() *fakeController {
	return &fakeController{
		model: "gpt",
		settings: map[domain.SettingKey]int{
			domain.SettingStopLossReanalysis: 30,
			domain.SettingNormalReanalysis:   60,
			domain.SettingMonitoringInterval: 15,
		},
	}
}

func (f *fakeController) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		return domain.ErrAlreadyRunning
	}
	f.active = true
	return nil
}

func (f *fakeController) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return domain.ErrNotRunning
	}
	f.active = false
	return nil
}

func (f *fakeController) Status(context.Context) domain.TradingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.TradingStatus{Active: f.active, Mode: "standby", Model: f.model}
}

func (f *fakeController) Jobs() []domain.ScheduledJob { return f.jobs }

func (f *fakeController) CancelJobs(context.Context) int { return len(f.jobs) }

func (f *fakeController) ManualClose(context.Context) error { return f.closeErr }

func (f *fakeController) AnalyzeOnly(context.Context) (domain.AnalysisReport, error) {
	if f.analyze != nil {
		return domain.AnalysisReport{}, f.analyze
	}
	return domain.AnalysisReport{
		Decision: domain.Decision{Action: domain.ActionEnterShort, Leverage: 3, Reason: "breakdown"},
		Price:    decimal.NewFromInt(64000),
		Model:    f.model,
	}, nil
}

func (f *fakeController) History(_ context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = opts
	return []domain.TradeRecord{{ID: 1, Action: domain.RecordEntry, Side: domain.SideLong}}, nil
}

func (f *fakeController) Settings(context.Context) map[domain.SettingKey]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[domain.SettingKey]int, len(f.settings))
	for k, v := range f.settings {
		out[k] = v
	}
	return out
}

func (f *fakeController) UpdateSetting(_ context.Context, key domain.SettingKey, minutes int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[key] = minutes
	return nil
}

func (f *fakeController) Model() (string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.model, []string{"gpt", "claude"}
}

func (f *fakeController) SetModel(_ context.Context, name string) error {
	if name != "gpt" && name != "claude" {
		return domain.ErrUnknownModel
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.model = name
	return nil
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTradingRoutes(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	h := NewHandler(Config{}, Deps{Controller: ctl}, testutil.Logger())

	rec := do(t, h, http.MethodPost, "/api/trading/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"started"`)

	rec = do(t, h, http.MethodPost, "/api/trading/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/trading/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st domain.TradingStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Active)

	rec = do(t, h, http.MethodGet, "/api/trading/scheduled-jobs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs":[],"count":0}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/trading/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/trading/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/trading/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCloseErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "ok", want: http.StatusOK},
		{name: "flat", err: domain.ErrNoPosition, want: http.StatusNotFound},
		{name: "pipeline busy elsewhere", err: domain.ErrLockHeld, want: http.StatusConflict},
		{name: "rate limited", err: &domain.RateLimitedError{Op: "bitget", RetryAfter: 2 * time.Second}, want: http.StatusTooManyRequests},
		{name: "exchange down", err: &domain.TransientNetworkError{Op: "bitget", Err: io.EOF}, want: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctl := newFakeController()
			ctl.closeErr = tt.err
			h := NewHandler(Config{}, Deps{Controller: ctl}, testutil.Logger())
			rec := do(t, h, http.MethodPost, "/api/trading/close", "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAnalyzeOnlyRoute(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	h := NewHandler(Config{}, Deps{Controller: ctl}, testutil.Logger())

	rec := do(t, h, http.MethodPost, "/api/trading/analyze-only", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report domain.AnalysisReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, domain.ActionEnterShort, report.Decision.Action)
	assert.Equal(t, "64000", report.Price.String())
	assert.Equal(t, "gpt", report.Model)

	ctl.analyze = &domain.InvalidResponseError{Source: "oracle", Reason: "no json"}
	rec = do(t, h, http.MethodPost, "/api/trading/analyze-only", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/trading/analyze-only", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMarketRoutes(t *testing.T) {
	t.Parallel()

	gw := testutil.NewGateway(65000.5, 1200)
	gw.SetPosition(domain.ExchangePosition{Side: domain.SideLong, Size: decimal.NewFromFloat(0.01), Leverage: 5})
	h := NewHandler(Config{}, Deps{Controller: newFakeController(), Market: gw, Symbol: "BTCUSDT"}, testutil.Logger())

	rec := do(t, h, http.MethodGet, "/api/market/ticker", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"symbol":"BTCUSDT"`)
	assert.Contains(t, rec.Body.String(), `"price":"65000.5"`)

	rec = do(t, h, http.MethodGet, "/api/market/kline?granularity=1H&limit=20", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"granularity":"1H"`)
	assert.Contains(t, rec.Body.String(), `"candles":[]`)

	tests := []struct {
		name  string
		query string
	}{
		{name: "unknown granularity", query: "granularity=2m"},
		{name: "zero limit", query: "limit=0"},
		{name: "non numeric limit", query: "limit=ten"},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodGet, "/api/market/kline?"+tt.query, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, tt.name)
	}

	rec = do(t, h, http.MethodGet, "/api/account/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"available":"1200"`)

	rec = do(t, h, http.MethodGet, "/api/position/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"open":true`)
	assert.Contains(t, rec.Body.String(), `"side":"LONG"`)

	gw.SetErrors(&domain.TransientNetworkError{Op: "bitget", Err: io.EOF}, nil, nil, nil)
	rec = do(t, h, http.MethodGet, "/api/position/current", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestMarketRoutesAbsentWithoutReader(t *testing.T) {
	t.Parallel()

	h := NewHandler(Config{}, Deps{Controller: newFakeController()}, testutil.Logger())
	rec := do(t, h, http.MethodGet, "/api/market/ticker", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryPagination(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	h := NewHandler(Config{}, Deps{Controller: ctl}, testutil.Logger())

	rec := do(t, h, http.MethodGet, "/api/trading/history?limit=9999&offset=5&since=2026-01-02T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	assert.Equal(t, 500, ctl.opts.Limit)
	assert.Equal(t, 5, ctl.opts.Offset)
	require.NotNil(t, ctl.opts.Since)
	assert.Equal(t, 2, ctl.opts.Since.Day())
}

func TestSettingsRoutes(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	h := NewHandler(Config{}, Deps{Controller: ctl}, testutil.Logger())

	rec := do(t, h, http.MethodPut, "/api/settings", `{"monitoring_interval_minutes": 5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"monitoring_interval_minutes":5`)

	tests := []struct {
		name string
		body string
	}{
		{name: "unknown key", body: `{"bogus": 5}`},
		{name: "zero minutes", body: `{"normal_reanalysis_minutes": 0}`},
		{name: "empty", body: `{}`},
		{name: "not json", body: `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPut, "/api/settings", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	rec = do(t, h, http.MethodGet, "/api/settings", "")
	assert.Contains(t, rec.Body.String(), `"normal_reanalysis_minutes":60`)
}

func TestModelRoutes(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	h := NewHandler(Config{}, Deps{Controller: ctl}, testutil.Logger())

	rec := do(t, h, http.MethodGet, "/api/ai/model", "")
	assert.JSONEq(t, `{"current":"gpt","available":["gpt","claude"]}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/ai/model", `{"model":"claude"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"current":"claude"`)

	rec = do(t, h, http.MethodPost, "/api/ai/model", `{"model":"llama"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthAndPublicRoutes(t *testing.T) {
	t.Parallel()

	h := NewHandler(Config{APIKey: "secret"}, Deps{Controller: newFakeController()}, testutil.Logger())

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/trading/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/trading/status", "", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/trading/status", "", "Authorization", "Bearer secret").Code)
}

func TestHealthDegraded(t *testing.T) {
	t.Parallel()

	checks := map[string]handler.Check{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return io.ErrUnexpectedEOF },
	}
	h := NewHandler(Config{}, Deps{Controller: newFakeController(), Checks: checks}, testutil.Logger())

	rec := do(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"ok"`)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }
func (denyAll) Wait(context.Context, string) error                               { return nil }

func TestRateLimit(t *testing.T) {
	t.Parallel()

	h := NewHandler(Config{RateLimit: 1, RateWindow: time.Second}, Deps{Controller: newFakeController(), Limiter: denyAll{}}, testutil.Logger())
	rec := do(t, h, http.MethodGet, "/api/trading/status", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestEventsRoute(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := notify.NewBus(&testutil.Bus{}, nil, testutil.Logger())
	require.NoError(t, bus.Publish(ctx, domain.NewEvent(domain.EventTradingStatus, nil)))
	require.NoError(t, bus.Publish(ctx, domain.NewEvent(domain.EventLiquidation, nil)))

	h := NewHandler(Config{}, Deps{Controller: newFakeController(), Events: bus}, testutil.Logger())
	rec := do(t, h, http.MethodGet, "/api/events?after=1-0", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []struct {
			ID    string       `json:"id"`
			Event domain.Event `json:"event"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "2-0", body.Events[0].ID)
	assert.Equal(t, domain.EventLiquidation, body.Events[0].Event.Type)
}

func TestWebsocket(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := notify.NewBus(nil, nil, testutil.Logger())
	ctl := newFakeController()
	ctl.jobs = []domain.ScheduledJob{{ID: "j1", Type: domain.JobAnalysis, Status: domain.JobScheduled}}
	hub := ws.NewHub(bus, ctl, nil, testutil.Logger())
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(NewHandler(Config{}, Deps{Controller: ctl, Hub: hub}, testutil.Logger()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var types []domain.EventType
	for range 3 {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev domain.Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []domain.EventType{
		domain.EventConnectionEstablished,
		domain.EventTradingStatus,
		domain.EventScheduledJobs,
	}, types)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(raw))

	require.NoError(t, bus.Publish(ctx, domain.NewEvent(domain.EventLiquidation, map[string]string{"reason": "STOP_LOSS"})))
	_, raw, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"liquidation"`)
	assert.Equal(t, 1, hub.ClientCount())
}
