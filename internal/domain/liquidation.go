package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CloseReason explains why a tracked position disappeared.
type CloseReason string

const (
	ReasonStopLoss         CloseReason = "STOP_LOSS"
	ReasonTakeProfit       CloseReason = "TAKE_PROFIT"
	ReasonExpectedTime     CloseReason = "EXPECTED_TIME"
	ReasonManual           CloseReason = "MANUAL"
	ReasonUnknownLargeMove CloseReason = "UNKNOWN_LARGE_MOVE"
	ReasonUnknown          CloseReason = "UNKNOWN"
	// ReasonOracleExit is used when the oracle asks to flatten during monitoring.
	ReasonOracleExit CloseReason = "ORACLE_EXIT"
)

// LiquidationEvent describes a closure of the tracked position.
type LiquidationEvent struct {
	CloseTime  time.Time       `json:"close_time"`
	EntryTime  time.Time       `json:"entry_time"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Side       Side            `json:"side"`
	Reason     CloseReason     `json:"reason"`
	Leverage   int             `json:"leverage"`
	Generation uint64          `json:"generation"`
}

// ROE returns the leveraged return on equity in percent implied by the
// entry and exit prices. It is zero when either price is unknown.
func (e LiquidationEvent) ROE() decimal.Decimal {
	if e.EntryPrice.IsZero() || e.ExitPrice.IsZero() {
		return decimal.Zero
	}
	move := e.ExitPrice.Sub(e.EntryPrice).Div(e.EntryPrice)
	if e.Side == SideShort {
		move = move.Neg()
	}
	lev := int64(e.Leverage)
	if lev <= 0 {
		lev = 1
	}
	return move.Mul(decimal.NewFromInt(lev)).Mul(decimal.NewFromInt(100)).Round(4)
}
