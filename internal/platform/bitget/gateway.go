package bitget

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	pathTicker         = "/api/v2/mix/market/ticker"
	pathCandles        = "/api/v2/mix/market/candles"
	pathAccount        = "/api/v2/mix/account/account"
	pathPositions      = "/api/v2/mix/position/all-position"
	pathSetLeverage    = "/api/v2/mix/account/set-leverage"
	pathPlaceOrder     = "/api/v2/mix/order/place-order"
	pathClosePositions = "/api/v2/mix/order/close-positions"
	pathPlanPending    = "/api/v2/mix/order/orders-plan-pending"
	pathPlaceTPSL      = "/api/v2/mix/order/place-tpsl-order"
	pathModifyTPSL     = "/api/v2/mix/order/modify-tpsl-order"
)

var _ domain.Gateway = (*Client)(nil)

// GetPrice returns the last traded price.
func (c *Client) GetPrice(ctx context.Context) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", c.cfg.Symbol)
	params.Set("productType", c.cfg.ProductType)

	data, err := c.doSignedRequest(ctx, "ticker", http.MethodGet, pathTicker, params, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var tickers []ticker
	if err := decodeData("ticker", data, &tickers); err != nil {
		return decimal.Zero, err
	}
	if len(tickers) == 0 {
		return decimal.Zero, fmt.Errorf("bitget: ticker %s: %w", c.cfg.Symbol, errEmptyData)
	}
	price, err := decimal.NewFromString(tickers[0].LastPr)
	if err != nil {
		return decimal.Zero, &domain.InvalidResponseError{Source: "bitget ticker", Reason: "lastPr: " + err.Error(), Raw: tickers[0].LastPr}
	}
	return price, nil
}

// GetCandles returns up to limit bars of the given granularity, oldest first.
func (c *Client) GetCandles(ctx context.Context, granularity string, limit int) ([]domain.Candle, error) {
	params := url.Values{}
	params.Set("symbol", c.cfg.Symbol)
	params.Set("productType", c.cfg.ProductType)
	params.Set("granularity", granularity)
	params.Set("limit", strconv.Itoa(limit))

	data, err := c.doSignedRequest(ctx, "candles", http.MethodGet, pathCandles, params, nil)
	if err != nil {
		return nil, err
	}
	var rows [][]string
	if err := decodeData("candles", data, &rows); err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(rows))
	for _, row := range rows {
		cd, err := parseCandle(row)
		if err != nil {
			return nil, &domain.InvalidResponseError{Source: "bitget candles", Reason: err.Error()}
		}
		candles = append(candles, cd)
	}
	slices.SortFunc(candles, func(a, b domain.Candle) int { return a.OpenTime.Compare(b.OpenTime) })
	return candles, nil
}

// parseCandle decodes [ts, open, high, low, close, baseVolume, ...].
func parseCandle(row []string) (domain.Candle, error) {
	if len(row) < 6 {
		return domain.Candle{}, fmt.Errorf("candle has %d fields, want at least 6", len(row))
	}
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("candle timestamp %q: %w", row[0], err)
	}
	vals := make([]decimal.Decimal, 5)
	for i := range vals {
		v, err := decimal.NewFromString(row[i+1])
		if err != nil {
			return domain.Candle{}, fmt.Errorf("candle field %d %q: %w", i+1, row[i+1], err)
		}
		vals[i] = v
	}
	return domain.Candle{
		OpenTime: time.UnixMilli(ms).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}

// GetAccount returns the futures account balance.
func (c *Client) GetAccount(ctx context.Context) (domain.Account, error) {
	params := url.Values{}
	params.Set("symbol", c.cfg.Symbol)
	params.Set("productType", c.cfg.ProductType)
	params.Set("marginCoin", c.cfg.MarginCoin)

	data, err := c.doSignedRequest(ctx, "account", http.MethodGet, pathAccount, params, nil)
	if err != nil {
		return domain.Account{}, err
	}
	var acc account
	if err := decodeData("account", data, &acc); err != nil {
		return domain.Account{}, err
	}
	available, err := decimal.NewFromString(acc.Available)
	if err != nil {
		return domain.Account{}, &domain.InvalidResponseError{Source: "bitget account", Reason: "available: " + err.Error(), Raw: acc.Available}
	}
	equity, _ := decimal.NewFromString(acc.AccountEquity)
	return domain.Account{MarginCoin: acc.MarginCoin, Available: available, Equity: equity}, nil
}

// GetPosition returns the open position on the configured symbol, or a zero
// position when there is none.
func (c *Client) GetPosition(ctx context.Context) (domain.ExchangePosition, error) {
	params := url.Values{}
	params.Set("productType", c.cfg.ProductType)
	params.Set("marginCoin", c.cfg.MarginCoin)

	data, err := c.doSignedRequest(ctx, "positions", http.MethodGet, pathPositions, params, nil)
	if err != nil {
		return domain.ExchangePosition{}, err
	}
	var positions []position
	if err := decodeData("positions", data, &positions); err != nil {
		return domain.ExchangePosition{}, err
	}

	for _, p := range positions {
		if p.Symbol != c.cfg.Symbol {
			continue
		}
		size, err := decimal.NewFromString(p.Total)
		if err != nil || !size.IsPositive() {
			continue
		}
		entry, _ := decimal.NewFromString(p.OpenPriceAvg)
		pnl, _ := decimal.NewFromString(p.UnrealizedPL)
		lev, _ := strconv.ParseFloat(p.Leverage, 64)
		return domain.ExchangePosition{
			Side:          domain.ParseHoldSide(p.HoldSide),
			Size:          size,
			EntryPrice:    entry,
			UnrealizedPnL: pnl,
			Leverage:      int(lev),
		}, nil
	}
	return domain.ExchangePosition{Side: domain.SideNone, Size: decimal.Zero}, nil
}

// PlaceOrder sets leverage and opens a market position with preset stop
// and target derived from the current price.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.Side != domain.SideLong && req.Side != domain.SideShort {
		return domain.OrderResult{}, fmt.Errorf("bitget: place order: %w: side %q", domain.ErrInvalidOrder, req.Side)
	}
	if !req.Size.IsPositive() || req.Leverage <= 0 {
		return domain.OrderResult{}, fmt.Errorf("bitget: place order: %w: size %s leverage %d", domain.ErrInvalidOrder, req.Size, req.Leverage)
	}

	if err := c.setLeverage(ctx, req.Leverage); err != nil {
		return domain.OrderResult{}, err
	}
	price, err := c.GetPrice(ctx)
	if err != nil {
		return domain.OrderResult{}, err
	}
	stop, take := c.presetLevels(req.Side, price, req.StopLossPct, req.TakeProfitPct)

	body := placeOrderRequest{
		Symbol:                 c.cfg.Symbol,
		ProductType:            c.cfg.ProductType,
		MarginMode:             c.cfg.MarginMode,
		MarginCoin:             c.cfg.MarginCoin,
		Size:                   req.Size.String(),
		Side:                   orderSide(req.Side),
		OrderType:              "market",
		ClientOid:              req.ClientOrderID,
		PresetStopSurplusPrice: take.String(),
		PresetStopLossPrice:    stop.String(),
	}
	data, err := c.doSignedRequest(ctx, "place order", http.MethodPost, pathPlaceOrder, nil, body)
	if err != nil {
		return domain.OrderResult{}, err
	}
	var ack orderAck
	if err := decodeData("place order", data, &ack); err != nil {
		return domain.OrderResult{}, err
	}
	return domain.OrderResult{
		OrderID:       ack.OrderID,
		ClientOrderID: ack.ClientOid,
		Price:         price,
		StopLoss:      stop,
		TakeProfit:    take,
	}, nil
}

func (c *Client) setLeverage(ctx context.Context, leverage int) error {
	body := setLeverageRequest{
		Symbol:      c.cfg.Symbol,
		ProductType: c.cfg.ProductType,
		MarginCoin:  c.cfg.MarginCoin,
		Leverage:    strconv.Itoa(leverage),
	}
	_, err := c.doSignedRequest(ctx, "set leverage", http.MethodPost, pathSetLeverage, nil, body)
	return err
}

// ClosePosition flash-closes the position held on side at market.
func (c *Client) ClosePosition(ctx context.Context, side domain.Side) (domain.CloseResult, error) {
	body := closePositionsRequest{
		Symbol:      c.cfg.Symbol,
		ProductType: c.cfg.ProductType,
		HoldSide:    side.HoldSide(),
	}
	data, err := c.doSignedRequest(ctx, "close positions", http.MethodPost, pathClosePositions, nil, body)
	if err != nil {
		return domain.CloseResult{}, err
	}
	var resp closePositionsResponse
	if err := decodeData("close positions", data, &resp); err != nil {
		return domain.CloseResult{}, err
	}

	var res domain.CloseResult
	for _, s := range resp.SuccessList {
		res.OrderIDs = append(res.OrderIDs, s.OrderID)
	}
	for _, f := range resp.FailureList {
		res.Failures = append(res.Failures, fmt.Sprintf("%s: %s (%s)", f.Symbol, f.ErrorMsg, f.ErrorCode))
	}
	return res, nil
}

// UpdateExitLevels moves the position-level stop and target. Existing
// pos_loss and pos_profit plan orders are modified, missing ones placed.
func (c *Client) UpdateExitLevels(ctx context.Context, side domain.Side, stopLoss, takeProfit decimal.Decimal) error {
	existing, err := c.pendingExitOrders(ctx)
	if err != nil {
		return err
	}
	targets := []struct {
		plan  string
		price decimal.Decimal
	}{
		{planPosProfit, takeProfit.Round(c.cfg.PricePlace)},
		{planPosLoss, stopLoss.Round(c.cfg.PricePlace)},
	}
	for _, t := range targets {
		if id, ok := existing[t.plan]; ok {
			err = c.modifyExit(ctx, id, t.price)
		} else {
			err = c.placeExit(ctx, t.plan, side, t.price)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// pendingExitOrders maps plan type to order ID for the symbol's pending
// position-level exit orders.
func (c *Client) pendingExitOrders(ctx context.Context) (map[string]string, error) {
	params := url.Values{}
	params.Set("symbol", c.cfg.Symbol)
	params.Set("productType", c.cfg.ProductType)
	params.Set("planType", "profit_loss")

	data, err := c.doSignedRequest(ctx, "plan orders", http.MethodGet, pathPlanPending, params, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if len(data) == 0 || string(data) == "null" {
		return out, nil
	}
	var resp planOrdersResponse
	if err := decodeData("plan orders", data, &resp); err != nil {
		return nil, err
	}
	for _, o := range resp.EntrustedList {
		if o.Symbol != c.cfg.Symbol {
			continue
		}
		if o.PlanType == planPosProfit || o.PlanType == planPosLoss {
			out[o.PlanType] = o.OrderID
		}
	}
	return out, nil
}

func (c *Client) modifyExit(ctx context.Context, orderID string, price decimal.Decimal) error {
	body := modifyTPSLRequest{
		OrderID:      orderID,
		MarginCoin:   c.cfg.MarginCoin,
		ProductType:  c.cfg.ProductType,
		Symbol:       c.cfg.Symbol,
		TriggerPrice: price.String(),
		TriggerType:  "mark_price",
		ExecutePrice: "0",
		Size:         "",
	}
	_, err := c.doSignedRequest(ctx, "modify tpsl", http.MethodPost, pathModifyTPSL, nil, body)
	return err
}

func (c *Client) placeExit(ctx context.Context, plan string, side domain.Side, price decimal.Decimal) error {
	body := placeTPSLRequest{
		Symbol:       c.cfg.Symbol,
		ProductType:  c.cfg.ProductType,
		MarginCoin:   c.cfg.MarginCoin,
		PlanType:     plan,
		TriggerPrice: price.String(),
		TriggerType:  "mark_price",
		ExecutePrice: "0",
		HoldSide:     orderSide(side),
		Size:         "",
	}
	_, err := c.doSignedRequest(ctx, "place tpsl", http.MethodPost, pathPlaceTPSL, nil, body)
	return err
}

// presetLevels derives exit trigger prices from percentage moves.
func (c *Client) presetLevels(side domain.Side, price, stopPct, takePct decimal.Decimal) (stop, take decimal.Decimal) {
	hundred := decimal.NewFromInt(100)
	one := decimal.NewFromInt(1)
	s := stopPct.Div(hundred)
	t := takePct.Div(hundred)
	if side == domain.SideShort {
		return price.Mul(one.Add(s)).Round(c.cfg.PricePlace), price.Mul(one.Sub(t)).Round(c.cfg.PricePlace)
	}
	return price.Mul(one.Sub(s)).Round(c.cfg.PricePlace), price.Mul(one.Add(t)).Round(c.cfg.PricePlace)
}

// orderSide maps a position side to the one-way mode order side.
func orderSide(s domain.Side) string {
	if s == domain.SideShort {
		return "sell"
	}
	return "buy"
}
