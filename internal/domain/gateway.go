package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderRequest opens a market position with preset exit levels.
// StopLossPct and TakeProfitPct are price-move percentages from the fill.
type OrderRequest struct {
	Side          Side
	Size          decimal.Decimal
	Leverage      int
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
	ClientOrderID string
}

// OrderResult is the exchange acknowledgement of an order.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Price         decimal.Decimal
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
}

// CloseResult is the exchange acknowledgement of a flash close.
type CloseResult struct {
	OrderIDs []string
	Failures []string
}

// MarketData exposes read-only market information.
type MarketData interface {
	GetPrice(ctx context.Context) (decimal.Decimal, error)
	GetCandles(ctx context.Context, granularity string, limit int) ([]Candle, error)
	GetAccount(ctx context.Context) (Account, error)
}

// Gateway is the exchange surface used by the lifecycle components.
type Gateway interface {
	MarketData
	GetPosition(ctx context.Context) (ExchangePosition, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ClosePosition(ctx context.Context, side Side) (CloseResult, error)
	UpdateExitLevels(ctx context.Context, side Side, stopLoss, takeProfit decimal.Decimal) error
}

// Oracle produces trading decisions from market snapshots.
type Oracle interface {
	Analyze(ctx context.Context, snap MarketSnapshot) (Decision, error)
	Monitor(ctx context.Context, snap MarketSnapshot, pos PositionInfo) (MonitorVerdict, error)
}

// ModelSelector switches the model backing an Oracle at runtime.
type ModelSelector interface {
	Model() string
	Models() []string
	SetModel(name string) error
}
