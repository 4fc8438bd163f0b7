package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecordAction tags a trading history row.
type TradeRecordAction string

const (
	RecordDecision TradeRecordAction = "DECISION"
	RecordEntry    TradeRecordAction = "ENTRY"
	RecordClose    TradeRecordAction = "CLOSE"
	RecordAdjust   TradeRecordAction = "ADJUST"
)

// TradeRecord is one row of trading history.
type TradeRecord struct {
	ID           int64             `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Action       TradeRecordAction `json:"action"`
	Side         Side              `json:"side"`
	PositionSize decimal.Decimal   `json:"position_size"`
	Leverage     int               `json:"leverage"`
	EntryPrice   decimal.Decimal   `json:"entry_price"`
	ExitPrice    decimal.Decimal   `json:"exit_price"`
	ROE          decimal.Decimal   `json:"roe"`
	Reason       string            `json:"reason"`
	Status       string            `json:"status"`
	Detail       map[string]any    `json:"detail,omitempty"`
}
