package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Account is the futures account balance summary.
type Account struct {
	MarginCoin string          `json:"margin_coin"`
	Available  decimal.Decimal `json:"available"`
	Equity     decimal.Decimal `json:"equity"`
}

// MarketSnapshot is everything handed to the oracle for one decision.
type MarketSnapshot struct {
	Symbol    string              `json:"symbol"`
	Price     decimal.Decimal     `json:"price"`
	Account   Account             `json:"account"`
	Candles   map[string][]Candle `json:"candles"`
	Position  *PositionInfo       `json:"position,omitempty"`
	Collected time.Time           `json:"collected_at"`
}
