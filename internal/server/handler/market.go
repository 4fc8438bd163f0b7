package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// MarketReader is the read-only exchange surface behind the market routes.
type MarketReader interface {
	domain.MarketData
	GetPosition(ctx context.Context) (domain.ExchangePosition, error)
}

var granularities = map[string]bool{
	"1m": true, "5m": true, "15m": true, "30m": true,
	"1H": true, "4H": true, "1D": true,
}

// MarketHandler serves the market, account and position views.
type MarketHandler struct {
	reader MarketReader
	symbol string
	now    func() time.Time
}

// NewMarketHandler creates a MarketHandler for symbol.
func NewMarketHandler(reader MarketReader, symbol string) *MarketHandler {
	return &MarketHandler{reader: reader, symbol: symbol, now: time.Now}
}

type tickerResponse struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Ticker returns the last price.
// GET /api/market/ticker
func (h *MarketHandler) Ticker(w http.ResponseWriter, r *http.Request) {
	price, err := h.reader.GetPrice(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tickerResponse{Symbol: h.symbol, Price: price, Timestamp: h.now().UTC()})
}

// Kline returns candles.
// GET /api/market/kline?granularity=1m&limit=100
func (h *MarketHandler) Kline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	granularity := q.Get("granularity")
	if granularity == "" {
		granularity = "1m"
	}
	if !granularities[granularity] {
		writeError(w, http.StatusBadRequest, "unsupported granularity "+strconv.Quote(granularity))
		return
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}

	candles, err := h.reader.GetCandles(r.Context(), granularity, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if candles == nil {
		candles = []domain.Candle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":      h.symbol,
		"granularity": granularity,
		"candles":     candles,
		"count":       len(candles),
	})
}

// Account returns the futures account balance.
// GET /api/account/info
func (h *MarketHandler) Account(w http.ResponseWriter, r *http.Request) {
	acct, err := h.reader.GetAccount(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Position returns the exchange position, or open=false when flat.
// GET /api/position/current
func (h *MarketHandler) Position(w http.ResponseWriter, r *http.Request) {
	pos, err := h.reader.GetPosition(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":   h.symbol,
		"open":     pos.IsOpen(),
		"position": pos,
	})
}
