package market

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/testutil"
)

func TestCollectGathersEverySeries(t *testing.T) {
	t.Parallel()

	gw := testutil.NewGateway(64000, 500)
	c := NewCollector(gw, "BTCUSDT", nil, testutil.Logger())

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, "64000", snap.Price.String())
	assert.Equal(t, "500", snap.Account.Available.String())
	assert.Len(t, snap.Candles, len(DefaultTimeframes))
	assert.False(t, snap.Collected.IsZero())
}

func TestCollectFailsOnAnyRead(t *testing.T) {
	t.Parallel()

	gw := testutil.NewGateway(64000, 500)
	gw.SetErrors(nil, errors.New("ticker down"), nil, nil)
	c := NewCollector(gw, "BTCUSDT", []Timeframe{{Granularity: "1H", Limit: 10}}, testutil.Logger())

	_, err := c.Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ticker down")
}
