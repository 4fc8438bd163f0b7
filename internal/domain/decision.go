package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is a trading instruction returned by the decision oracle.
type Action string

const (
	ActionEnterLong  Action = "ENTER_LONG"
	ActionEnterShort Action = "ENTER_SHORT"
	ActionHold       Action = "HOLD"
	ActionClose      Action = "CLOSE"
)

// Side returns the direction an entry action opens, or SideNone.
func (a Action) Side() Side {
	switch a {
	case ActionEnterLong:
		return SideLong
	case ActionEnterShort:
		return SideShort
	default:
		return SideNone
	}
}

// MaxExpectedMinutes bounds the holding horizon of a decision to one week.
const MaxExpectedMinutes = 7 * 24 * 60

// Decision is the oracle's answer to a fresh market snapshot.
// StopLossROE and TakeProfitROE are leveraged return-on-equity percentages.
type Decision struct {
	Action          Action  `json:"action"`
	PositionSize    float64 `json:"position_size"`
	Leverage        int     `json:"leverage"`
	StopLossROE     float64 `json:"stop_loss_roe"`
	TakeProfitROE   float64 `json:"take_profit_roe"`
	ExpectedMinutes int     `json:"expected_minutes"`
	Reason          string  `json:"reason"`
	Model           string  `json:"model,omitempty"`
}

// MonitorVerdict is the oracle's answer while a position is open. HOLD and
// CLOSE keep or flatten the position; an entry action in the same direction
// refreshes the exit levels and one in the opposite direction reverses.
type MonitorVerdict struct {
	Decision
}

// PositionInfo describes the open position for a monitoring consultation.
type PositionInfo struct {
	Side              Side            `json:"side"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	EntryTime         time.Time       `json:"entry_time"`
	StopLossPrice     decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice   decimal.Decimal `json:"take_profit_price"`
	ExpectedCloseTime time.Time       `json:"expected_close_time"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	Leverage          int             `json:"leverage"`
}

// AnalysisReport is an oracle consultation made without trading.
type AnalysisReport struct {
	Decision Decision        `json:"decision"`
	Price    decimal.Decimal `json:"price"`
	Model    string          `json:"model,omitempty"`
	At       time.Time       `json:"timestamp"`
}
