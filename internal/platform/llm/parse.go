package llm

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

var (
	fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	fieldLine  = regexp.MustCompile(`(?i)(?:\*\*)?(ACTION|POSITION_SIZE|LEVERAGE|STOP_LOSS_ROE|TAKE_PROFIT_ROE|EXPECTED_MINUTES)(?:\*\*)?\s*:\s*\[?\s*([A-Za-z_]+|[+-]?[\d.]+)`)
	reasonPart = regexp.MustCompile(`(?is)ANALYSIS_DETAILS\s*:?\s*(.+)`)
)

// wireDecision is the JSON object the prompts ask for. Numbers are decoded
// as float64 because models freely mix 5 and 5.0.
type wireDecision struct {
	Action          string  `json:"action"`
	PositionSize    float64 `json:"position_size"`
	Leverage        float64 `json:"leverage"`
	StopLossROE     float64 `json:"stop_loss_roe"`
	TakeProfitROE   float64 `json:"take_profit_roe"`
	ExpectedMinutes float64 `json:"expected_minutes"`
	Reason          string  `json:"reason"`
}

// ParseDecision extracts a decision from model text. A JSON object (fenced
// or bare) is preferred; "KEY: value" lines are accepted as a fallback.
// allowClose permits the CLOSE action, which only makes sense while a
// position is open. Out-of-range numbers are zeroed so the caller's
// defaults apply.
func ParseDecision(text string, allowClose bool) (domain.Decision, error) {
	w, ok := parseJSON(text)
	if !ok {
		w, ok = parseLines(text)
	}
	if !ok {
		return domain.Decision{}, &domain.InvalidResponseError{Source: "oracle", Reason: "no decision found", Raw: clip([]byte(text))}
	}

	action, ok := normalizeAction(w.Action)
	if !ok || (action == domain.ActionClose && !allowClose) {
		return domain.Decision{}, &domain.InvalidResponseError{Source: "oracle", Reason: "unknown action " + strconv.Quote(w.Action), Raw: clip([]byte(text))}
	}

	d := domain.Decision{Action: action, Reason: strings.TrimSpace(w.Reason)}
	if action.Side() == domain.SideNone {
		return d, nil
	}

	if w.PositionSize >= 0.1 && w.PositionSize <= 0.95 {
		d.PositionSize = w.PositionSize
	}
	if lev := int(w.Leverage); lev >= 1 && lev <= 100 {
		d.Leverage = lev
	}
	if sl := round1(math.Abs(w.StopLossROE)); sl >= 0.5 && sl <= 50 {
		d.StopLossROE = sl
	}
	if tp := round1(math.Abs(w.TakeProfitROE)); tp > 0 {
		d.TakeProfitROE = tp
	}
	if w.ExpectedMinutes >= 1 {
		d.ExpectedMinutes = int(math.Min(w.ExpectedMinutes, domain.MaxExpectedMinutes))
	}
	return d, nil
}

func parseJSON(text string) (wireDecision, bool) {
	var candidate string
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		candidate = m[1]
	} else {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return wireDecision{}, false
		}
		candidate = text[start : end+1]
	}
	var w wireDecision
	if err := json.Unmarshal([]byte(candidate), &w); err != nil || w.Action == "" {
		return wireDecision{}, false
	}
	return w, true
}

func parseLines(text string) (wireDecision, bool) {
	var w wireDecision
	for _, m := range fieldLine.FindAllStringSubmatch(text, -1) {
		key, val := strings.ToUpper(m[1]), m[2]
		if key == "ACTION" {
			if w.Action == "" {
				w.Action = val
			}
			continue
		}
		n, err := strconv.ParseFloat(val, 64)
		if err != nil {
			continue
		}
		switch key {
		case "POSITION_SIZE":
			w.PositionSize = n
		case "LEVERAGE":
			w.Leverage = n
		case "STOP_LOSS_ROE":
			w.StopLossROE = n
		case "TAKE_PROFIT_ROE":
			w.TakeProfitROE = n
		case "EXPECTED_MINUTES":
			w.ExpectedMinutes = n
		}
	}
	if w.Action == "" {
		return wireDecision{}, false
	}
	if m := reasonPart.FindStringSubmatch(text); m != nil {
		w.Reason = m[1]
	}
	return w, true
}

func normalizeAction(v string) (domain.Action, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "ENTER_LONG", "LONG", "BUY":
		return domain.ActionEnterLong, true
	case "ENTER_SHORT", "SHORT", "SELL":
		return domain.ActionEnterShort, true
	case "HOLD", "WAIT":
		return domain.ActionHold, true
	case "CLOSE", "CLOSE_POSITION", "EXIT":
		return domain.ActionClose, true
	default:
		return "", false
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
