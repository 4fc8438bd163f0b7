package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const responseFormat = `Respond with a single JSON object and nothing else:
{
  "action": "ENTER_LONG" | "ENTER_SHORT" | "HOLD"%s,
  "position_size": 0.1-0.9 fraction of available balance,
  "leverage": integer 1-100,
  "stop_loss_roe": leveraged loss percentage, one decimal,
  "take_profit_roe": leveraged profit percentage, one decimal,
  "expected_minutes": minutes until take_profit_roe should be reached,
  "reason": short explanation
}
Sizing fields may be omitted for HOLD%s.`

const analysisSystem = `You are a futures trader on the %s perpetual contract. You trade both directions and treat long and short entries equally.
Decide from the candles and balance whether to enter long, enter short or hold. Prefer holding when the trend is unclear.
Fees are 0.04%% per side and scale with leverage. Choose leverage, stop_loss_roe and take_profit_roe so that the target is reached within expected_minutes without touching the stop.
` + responseFormat

const monitoringSystem = `You are managing an open position on the %s perpetual contract.
Given the position and fresh candles decide whether to hold it, close it, keep the same direction with refreshed exit levels (repeat the current direction) or reverse (the opposite direction).
` + responseFormat

func analysisPrompt(snap domain.MarketSnapshot) (system, user string, err error) {
	system = fmt.Sprintf(analysisSystem, snap.Symbol, "", "")
	user, err = marketPayload(snap, nil)
	return system, user, err
}

func monitoringPrompt(snap domain.MarketSnapshot, pos domain.PositionInfo) (system, user string, err error) {
	system = fmt.Sprintf(monitoringSystem, snap.Symbol, ` | "CLOSE"`, " and CLOSE")
	user, err = marketPayload(snap, &pos)
	return system, user, err
}

func marketPayload(snap domain.MarketSnapshot, pos *domain.PositionInfo) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Time: %s\n", snap.Collected.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Symbol: %s\nLast price: %s\n", snap.Symbol, snap.Price)
	fmt.Fprintf(&b, "Available balance: %s %s\n", snap.Account.Available, snap.Account.MarginCoin)

	if pos != nil {
		raw, err := json.Marshal(pos)
		if err != nil {
			return "", fmt.Errorf("llm: encode position: %w", err)
		}
		fmt.Fprintf(&b, "\nOpen position:\n%s\n", raw)
	}

	raw, err := json.Marshal(snap.Candles)
	if err != nil {
		return "", fmt.Errorf("llm: encode candles: %w", err)
	}
	fmt.Fprintf(&b, "\nCandles by granularity (oldest first):\n%s\n", raw)
	return b.String(), nil
}
