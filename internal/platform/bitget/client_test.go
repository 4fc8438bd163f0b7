package bitget

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/crypto"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/testutil"
)

type recorded struct {
	method string
	path   string
	query  string
	body   map[string]any
	header http.Header
}

type fakeExchange struct {
	mu       sync.Mutex
	requests []recorded
	routes   map[string]func(w http.ResponseWriter)
}

func newFakeExchange(t *testing.T) (*fakeExchange, *Client) {
	t.Helper()
	fx := &fakeExchange{routes: map[string]func(w http.ResponseWriter){}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, header: r.Header.Clone()}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.body)
		}
		fx.mu.Lock()
		fx.requests = append(fx.requests, rec)
		h, ok := fx.routes[r.URL.Path]
		fx.mu.Unlock()
		if !ok {
			ok200(w, map[string]any{})
			return
		}
		h(w)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	auth := &crypto.HMACAuth{Key: "key", Secret: "secret", Passphrase: "pass"}
	c := NewClient(cfg, auth, nil, testutil.Logger())
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return fx, c
}

func (fx *fakeExchange) on(path string, h func(w http.ResponseWriter)) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.routes[path] = h
}

func (fx *fakeExchange) paths() []string {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	out := make([]string, len(fx.requests))
	for i, r := range fx.requests {
		out[i] = r.path
	}
	return out
}

func (fx *fakeExchange) last(path string) recorded {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	for i := len(fx.requests) - 1; i >= 0; i-- {
		if fx.requests[i].path == path {
			return fx.requests[i]
		}
	}
	return recorded{}
}

func ok200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": successCode, "msg": "success", "data": data})
}

func TestGetPriceSignsRequest(t *testing.T) {
	t.Parallel()

	fx, c := newFakeExchange(t)
	fx.on(pathTicker, func(w http.ResponseWriter) {
		ok200(w, []map[string]string{{"symbol": "BTCUSDT", "lastPr": "64123.5"}})
	})

	price, err := c.GetPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "64123.5", price.String())

	req := fx.last(pathTicker)
	assert.Equal(t, "productType=USDT-FUTURES&symbol=BTCUSDT", req.query)
	assert.Equal(t, "key", req.header.Get(crypto.HeaderAccessKey))
	assert.Equal(t, "1700000000000", req.header.Get(crypto.HeaderAccessTimestamp))
	want := crypto.Sign("secret", "1700000000000", "GET", pathTicker+"?"+req.query, "")
	assert.Equal(t, want, req.header.Get(crypto.HeaderAccessSign))
}

func TestGetPositionPicksSymbol(t *testing.T) {
	t.Parallel()

	fx, c := newFakeExchange(t)
	fx.on(pathPositions, func(w http.ResponseWriter) {
		ok200(w, []map[string]string{
			{"symbol": "ETHUSDT", "holdSide": "long", "total": "3"},
			{"symbol": "BTCUSDT", "holdSide": "short", "total": "0.05", "openPriceAvg": "65000", "unrealizedPL": "-12.5", "leverage": "5"},
		})
	})

	pos, err := c.GetPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.SideShort, pos.Side)
	assert.Equal(t, "0.05", pos.Size.String())
	assert.Equal(t, "65000", pos.EntryPrice.String())
	assert.Equal(t, 5, pos.Leverage)
	assert.True(t, pos.IsOpen())
}

func TestGetPositionFlat(t *testing.T) {
	t.Parallel()

	fx, c := newFakeExchange(t)
	fx.on(pathPositions, func(w http.ResponseWriter) { ok200(w, []map[string]string{}) })

	pos, err := c.GetPosition(context.Background())
	require.NoError(t, err)
	assert.False(t, pos.IsOpen())
	assert.Equal(t, domain.SideNone, pos.Side)
}

func TestGetCandlesSortsOldestFirst(t *testing.T) {
	t.Parallel()

	fx, c := newFakeExchange(t)
	fx.on(pathCandles, func(w http.ResponseWriter) {
		ok200(w, [][]string{
			{"1700003600000", "2", "3", "1", "2.5", "10", "25"},
			{"1700000000000", "1", "2", "0.5", "2", "5", "10"},
		})
	})

	candles, err := c.GetCandles(context.Background(), "1H", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].OpenTime.Before(candles[1].OpenTime))
	assert.Equal(t, "2.5", candles[1].Close.String())
	assert.Contains(t, fx.last(pathCandles).query, "granularity=1H")
}

func TestPlaceOrderPresetsExits(t *testing.T) {
	t.Parallel()

	fx, c := newFakeExchange(t)
	fx.on(pathTicker, func(w http.ResponseWriter) {
		ok200(w, []map[string]string{{"symbol": "BTCUSDT", "lastPr": "100000"}})
	})
	fx.on(pathPlaceOrder, func(w http.ResponseWriter) {
		ok200(w, map[string]string{"orderId": "o-1", "clientOid": "c-1"})
	})

	res, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		Side:          domain.SideLong,
		Size:          decimal.RequireFromString("0.01"),
		Leverage:      5,
		StopLossPct:   decimal.RequireFromString("1.1"),
		TakeProfitPct: decimal.RequireFromString("1.9"),
		ClientOrderID: "c-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "o-1", res.OrderID)
	assert.Equal(t, "98900", res.StopLoss.String())
	assert.Equal(t, "101900", res.TakeProfit.String())

	assert.Equal(t, []string{pathSetLeverage, pathTicker, pathPlaceOrder}, fx.paths())
	body := fx.last(pathPlaceOrder).body
	assert.Equal(t, "buy", body["side"])
	assert.Equal(t, "market", body["orderType"])
	assert.Equal(t, "0.01", body["size"])
	assert.Equal(t, "98900", body["presetStopLossPrice"])
	assert.Equal(t, "101900", body["presetStopSurplusPrice"])
	assert.Equal(t, "5", fx.last(pathSetLeverage).body["leverage"])
}

func TestPlaceOrderRejectsBadRequest(t *testing.T) {
	t.Parallel()

	_, c := newFakeExchange(t)
	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{Side: domain.SideNone, Size: decimal.NewFromInt(1), Leverage: 5})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestClosePositionCollectsFailures(t *testing.T) {
	t.Parallel()

	fx, c := newFakeExchange(t)
	fx.on(pathClosePositions, func(w http.ResponseWriter) {
		ok200(w, map[string]any{
			"successList": []map[string]string{},
			"failureList": []map[string]string{{"symbol": "BTCUSDT", "errorMsg": "no position", "errorCode": "22002"}},
		})
	})

	res, err := c.ClosePosition(context.Background(), domain.SideShort)
	require.NoError(t, err)
	assert.Empty(t, res.OrderIDs)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0], "22002")
	assert.Equal(t, "short", fx.last(pathClosePositions).body["holdSide"])
}

func TestUpdateExitLevelsModifiesOrPlaces(t *testing.T) {
	t.Parallel()

	fx, c := newFakeExchange(t)
	fx.on(pathPlanPending, func(w http.ResponseWriter) {
		ok200(w, map[string]any{"entrustedList": []map[string]string{
			{"orderId": "tp-1", "symbol": "BTCUSDT", "planType": planPosProfit},
		}})
	})

	err := c.UpdateExitLevels(context.Background(), domain.SideLong, decimal.RequireFromString("98000.04"), decimal.RequireFromString("103000"))
	require.NoError(t, err)

	assert.Equal(t, []string{pathPlanPending, pathModifyTPSL, pathPlaceTPSL}, fx.paths())
	mod := fx.last(pathModifyTPSL).body
	assert.Equal(t, "tp-1", mod["orderId"])
	assert.Equal(t, "103000", mod["triggerPrice"])
	place := fx.last(pathPlaceTPSL).body
	assert.Equal(t, planPosLoss, place["planType"])
	assert.Equal(t, "98000", place["triggerPrice"])
	assert.Equal(t, "buy", place["holdSide"])
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply func(w http.ResponseWriter)
		check func(t *testing.T, err error)
	}{
		{
			name: "429 with retry-after",
			reply: func(w http.ResponseWriter) {
				w.Header().Set("Retry-After", "3")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			check: func(t *testing.T, err error) {
				var rl *domain.RateLimitedError
				require.ErrorAs(t, err, &rl)
				assert.Equal(t, 3*time.Second, rl.RetryAfter)
				assert.True(t, domain.IsRetryable(err))
			},
		},
		{
			name:  "server error",
			reply: func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) },
			check: func(t *testing.T, err error) {
				var tn *domain.TransientNetworkError
				assert.ErrorAs(t, err, &tn)
			},
		},
		{
			name: "unauthorized",
			reply: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"code":"40009","msg":"sign signature error"}`))
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, domain.ErrUnauthorized)
				assert.False(t, domain.IsRetryable(err))
			},
		},
		{
			name: "envelope rejection",
			reply: func(w http.ResponseWriter) {
				_, _ = w.Write([]byte(`{"code":"40762","msg":"balance not enough"}`))
			},
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, "40762", apiErr.Code)
			},
		},
		{
			name:  "garbage body",
			reply: func(w http.ResponseWriter) { _, _ = w.Write([]byte("<html>")) },
			check: func(t *testing.T, err error) {
				var inv *domain.InvalidResponseError
				assert.ErrorAs(t, err, &inv)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fx, c := newFakeExchange(t)
			fx.on(pathTicker, tt.reply)
			_, err := c.GetPrice(context.Background())
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }
func (denyLimiter) Wait(context.Context, string) error { return errors.New("limiter closed") }

func TestLimiterGatesRequests(t *testing.T) {
	t.Parallel()

	fx, c := newFakeExchange(t)
	c.limiter = denyLimiter{}

	_, err := c.GetPrice(context.Background())
	require.Error(t, err)
	assert.Empty(t, fx.paths())
}
