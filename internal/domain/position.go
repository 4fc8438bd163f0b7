package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of the tracked position.
type Side string

const (
	SideNone  Side = "NONE"
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other trading direction. NONE maps to NONE.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideNone
	}
}

// HoldSide returns the exchange hold-side label for the direction.
func (s Side) HoldSide() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return ""
	}
}

// ParseHoldSide converts an exchange hold-side label to a Side.
func ParseHoldSide(v string) Side {
	switch v {
	case "long", "LONG", "buy":
		return SideLong
	case "short", "SHORT", "sell":
		return SideShort
	default:
		return SideNone
	}
}

// TrackerState is the lifecycle state of the tracked position.
type TrackerState string

const (
	// StateFlat means nothing is tracked and no closure is pending acknowledgement.
	StateFlat TrackerState = "flat"
	// StateOpen means an entry was recorded and the exchange is expected to hold it.
	StateOpen TrackerState = "open"
	// StateClosing means the process itself is closing the position.
	StateClosing TrackerState = "closing"
	// StateReconciled means an exchange-side closure was detected and handled.
	StateReconciled TrackerState = "reconciled"
)

// Position is the process's belief about the open position. When Side is
// SideNone every other field is zero.
type Position struct {
	Side              Side            `json:"side"`
	EntryTime         time.Time       `json:"entry_time,omitzero"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	StopLossPrice     decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice   decimal.Decimal `json:"take_profit_price"`
	ExpectedCloseTime time.Time       `json:"expected_close_time,omitzero"`
	Size              decimal.Decimal `json:"size"`
	Leverage          int             `json:"leverage"`
}

// IsOpen reports whether a position is recorded.
func (p Position) IsOpen() bool { return p.Side != SideNone && p.Side != "" }

// IsZero reports whether every field besides Side is unset.
func (p Position) IsZero() bool {
	return p.EntryTime.IsZero() &&
		p.EntryPrice.IsZero() &&
		p.StopLossPrice.IsZero() &&
		p.TakeProfitPrice.IsZero() &&
		p.ExpectedCloseTime.IsZero() &&
		p.Size.IsZero() &&
		p.Leverage == 0
}

// TrackerSnapshot is an immutable copy of the tracker contents.
type TrackerSnapshot struct {
	Position    Position     `json:"position"`
	State       TrackerState `json:"state"`
	Generation  uint64       `json:"generation"`
	ManualClose bool         `json:"manual_close"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ExchangePosition is a position as reported by the exchange.
type ExchangePosition struct {
	Side          Side            `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Leverage      int             `json:"leverage"`
}

// IsOpen reports whether the exchange holds a non-empty position.
func (p ExchangePosition) IsOpen() bool {
	return p.Side != SideNone && p.Side != "" && p.Size.IsPositive()
}
