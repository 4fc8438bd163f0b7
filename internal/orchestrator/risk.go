package orchestrator

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// ExitPercents converts the oracle's ROE targets into price-move percentages.
// The stop is widened and the target tightened by adjust×leverage ROE points
// to leave room for fees and slippage at higher leverage.
func ExitPercents(d domain.Decision, adjust float64) (stopPct, takePct decimal.Decimal) {
	lev := decimal.NewFromInt(int64(max(d.Leverage, 1)))
	pad := decimal.NewFromFloat(adjust).Mul(lev)

	slROE := decimal.NewFromFloat(d.StopLossROE).Add(pad)
	tpROE := decimal.NewFromFloat(d.TakeProfitROE).Sub(pad)
	if !tpROE.IsPositive() {
		tpROE = decimal.NewFromFloat(d.TakeProfitROE)
	}
	return slROE.Div(lev), tpROE.Div(lev)
}

// ExitLevels returns the stop and target prices for an entry at price.
func ExitLevels(side domain.Side, price, stopPct, takePct decimal.Decimal) (stop, take decimal.Decimal) {
	one := decimal.NewFromInt(1)
	down := one.Sub(stopPct.Div(hundred))
	up := one.Add(takePct.Div(hundred))
	if side == domain.SideShort {
		down = one.Add(stopPct.Div(hundred))
		up = one.Sub(takePct.Div(hundred))
	}
	return price.Mul(down).Round(2), price.Mul(up).Round(2)
}

// OrderSize returns the base-asset quantity for an entry:
// available × usage × positionSize × leverage / price, truncated to precision.
func OrderSize(available decimal.Decimal, usage, positionSize float64, leverage int, price decimal.Decimal, precision int32) decimal.Decimal {
	if !price.IsPositive() || !available.IsPositive() {
		return decimal.Zero
	}
	notional := available.
		Mul(decimal.NewFromFloat(usage)).
		Mul(decimal.NewFromFloat(positionSize)).
		Mul(decimal.NewFromInt(int64(leverage)))
	return notional.Div(price).Truncate(precision)
}

// normalize fills unset decision fields from defaults and clamps the rest.
func (c Config) normalize(d domain.Decision) domain.Decision {
	if d.PositionSize <= 0 {
		d.PositionSize = c.DefaultPositionSize
	}
	if d.PositionSize > 1 {
		d.PositionSize = 1
	}
	if d.Leverage <= 0 {
		d.Leverage = c.DefaultLeverage
	}
	if c.MaxLeverage > 0 && d.Leverage > c.MaxLeverage {
		d.Leverage = c.MaxLeverage
	}
	if d.StopLossROE <= 0 {
		d.StopLossROE = c.DefaultStopLossROE
	}
	if d.TakeProfitROE <= 0 {
		d.TakeProfitROE = c.DefaultTakeProfitROE
	}
	if d.ExpectedMinutes <= 0 {
		d.ExpectedMinutes = c.DefaultExpectedMinutes
	}
	if d.ExpectedMinutes > domain.MaxExpectedMinutes {
		d.ExpectedMinutes = domain.MaxExpectedMinutes
	}
	return d
}
