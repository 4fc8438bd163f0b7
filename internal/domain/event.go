package domain

import (
	"context"
	"time"
)

// EventType identifies a message on the notification bus.
type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventTradingStatus         EventType = "trading_status"
	EventLiquidation           EventType = "liquidation"
	EventAnalysisResult        EventType = "analysis_result"
	EventMonitoringResult      EventType = "monitoring_result"
	EventScheduledJobs         EventType = "scheduled_jobs"
	EventError                 EventType = "error"
	EventTradeExecuted         EventType = "trade_executed"
	EventForceClose            EventType = "force_close"
)

// Event is a structured state-change notification.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, data any) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
}

// EventPublisher emits events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// TradingStatus summarises the orchestrator for the control surface.
type TradingStatus struct {
	Active      bool            `json:"active"`
	Mode        string          `json:"mode"`
	Tracker     TrackerSnapshot `json:"tracker"`
	Exchange    *ExchangeView   `json:"exchange,omitempty"`
	NextJob     *ScheduledJob   `json:"next_job,omitempty"`
	LastOutcome string          `json:"last_outcome,omitempty"`
	Model       string          `json:"model,omitempty"`
	UptimeSec   int64           `json:"uptime_seconds"`
}

// ExchangeView is the exchange-side half of a status response.
type ExchangeView struct {
	Price    string `json:"price,omitempty"`
	Side     Side   `json:"side"`
	Size     string `json:"size"`
	PnL      string `json:"unrealized_pnl"`
	ReadFail string `json:"error,omitempty"`
}
