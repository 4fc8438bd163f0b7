// Package market assembles the snapshot handed to the decision oracle.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Timeframe is one candle series to collect.
type Timeframe struct {
	Granularity string
	Limit       int
}

// DefaultTimeframes mirrors the short, medium and long views used for analysis.
var DefaultTimeframes = []Timeframe{
	{Granularity: "15m", Limit: 96},
	{Granularity: "1H", Limit: 72},
	{Granularity: "4H", Limit: 60},
}

// Collector reads market data concurrently.
type Collector struct {
	data       domain.MarketData
	symbol     string
	timeframes []Timeframe
	logger     *slog.Logger
}

// NewCollector creates a Collector. An empty timeframes slice uses
// DefaultTimeframes.
func NewCollector(data domain.MarketData, symbol string, timeframes []Timeframe, logger *slog.Logger) *Collector {
	if len(timeframes) == 0 {
		timeframes = DefaultTimeframes
	}
	return &Collector{
		data:       data,
		symbol:     symbol,
		timeframes: timeframes,
		logger:     logger.With(slog.String("component", "collector")),
	}
}

// Collect gathers price, balance and candles. Any failed read fails the
// whole snapshot.
func (c *Collector) Collect(ctx context.Context) (domain.MarketSnapshot, error) {
	snap := domain.MarketSnapshot{
		Symbol:  c.symbol,
		Candles: make(map[string][]domain.Candle, len(c.timeframes)),
	}
	series := make([][]domain.Candle, len(c.timeframes))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := c.data.GetPrice(gctx)
		if err != nil {
			return fmt.Errorf("price: %w", err)
		}
		snap.Price = p
		return nil
	})
	g.Go(func() error {
		a, err := c.data.GetAccount(gctx)
		if err != nil {
			return fmt.Errorf("account: %w", err)
		}
		snap.Account = a
		return nil
	})
	for i, tf := range c.timeframes {
		g.Go(func() error {
			candles, err := c.data.GetCandles(gctx, tf.Granularity, tf.Limit)
			if err != nil {
				return fmt.Errorf("candles %s: %w", tf.Granularity, err)
			}
			series[i] = candles
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("collector: %w", err)
	}

	for i, tf := range c.timeframes {
		snap.Candles[tf.Granularity] = series[i]
	}
	snap.Collected = time.Now().UTC()

	c.logger.DebugContext(ctx, "snapshot collected",
		slog.String("price", snap.Price.String()),
		slog.Int("timeframes", len(c.timeframes)),
	)
	return snap, nil
}
