package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func longEntry() Entry {
	return Entry{
		Side:              domain.SideLong,
		EntryPrice:        decimal.NewFromInt(100),
		StopLossPrice:     decimal.NewFromInt(95),
		TakeProfitPrice:   decimal.NewFromInt(110),
		ExpectedCloseTime: time.Now().Add(4 * time.Hour),
		Size:              decimal.NewFromFloat(0.5),
		Leverage:          5,
	}
}

type memStore struct {
	mu   sync.Mutex
	snap domain.TrackerSnapshot
	n    int
}

func (m *memStore) Save(_ context.Context, snap domain.TrackerSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	m.n++
	return nil
}

func (m *memStore) Load(context.Context) (domain.TrackerSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func TestRecordEntryThenSnapshot(t *testing.T) {
	t.Parallel()

	tr := New(discardLogger())
	gen, err := tr.RecordEntry(longEntry())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	snap := tr.Snapshot()
	assert.Equal(t, domain.StateOpen, snap.State)
	assert.Equal(t, domain.SideLong, snap.Position.Side)
	assert.True(t, snap.Position.EntryPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, snap.Position.StopLossPrice.Equal(decimal.NewFromInt(95)))
	assert.True(t, snap.Position.TakeProfitPrice.Equal(decimal.NewFromInt(110)))
	assert.False(t, snap.Position.EntryTime.IsZero())
}

func TestRecordEntryWhileOpen(t *testing.T) {
	t.Parallel()

	tr := New(discardLogger())
	_, err := tr.RecordEntry(longEntry())
	require.NoError(t, err)

	_, err = tr.RecordEntry(longEntry())
	var open *domain.AlreadyOpenError
	require.True(t, errors.As(err, &open))
	assert.Equal(t, domain.SideLong, open.Side)
	assert.Equal(t, uint64(1), tr.Generation())
}

func TestClearIsIdempotentAndBumpsGeneration(t *testing.T) {
	t.Parallel()

	tr := New(discardLogger())
	_, err := tr.RecordEntry(longEntry())
	require.NoError(t, err)

	g1 := tr.Clear()
	first := tr.Snapshot()
	g2 := tr.Clear()
	second := tr.Snapshot()

	assert.Equal(t, g1+1, g2)
	assert.Equal(t, first.Position, second.Position)
	assert.Equal(t, domain.SideNone, second.Position.Side)
	assert.True(t, second.Position.IsZero())
	assert.Equal(t, domain.StateFlat, second.State)
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	tr := New(discardLogger())
	_, err := tr.RecordEntry(longEntry())
	require.NoError(t, err)

	snap := tr.Snapshot()
	snap.Position.Side = domain.SideShort
	assert.Equal(t, domain.SideLong, tr.Snapshot().Position.Side)
}

func TestResolveClosureExactlyOnce(t *testing.T) {
	t.Parallel()

	tr := New(discardLogger())
	gen, err := tr.RecordEntry(longEntry())
	require.NoError(t, err)
	require.NoError(t, tr.MarkManualClose(gen))

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prior, manual, _, ok := tr.ResolveClosure(gen)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
				assert.Equal(t, domain.SideLong, prior.Side)
				assert.True(t, manual)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	snap := tr.Snapshot()
	assert.Equal(t, domain.StateReconciled, snap.State)
	assert.False(t, snap.Position.IsOpen())
	assert.False(t, snap.ManualClose)
	assert.Equal(t, gen+1, snap.Generation)
}

func TestResolveClosureRejectsStaleGeneration(t *testing.T) {
	t.Parallel()

	tr := New(discardLogger())
	gen, err := tr.RecordEntry(longEntry())
	require.NoError(t, err)
	tr.Clear()

	_, _, _, ok := tr.ResolveClosure(gen)
	assert.False(t, ok)
}

func TestCloseLifecycle(t *testing.T) {
	t.Parallel()

	tr := New(discardLogger())
	gen, err := tr.RecordEntry(longEntry())
	require.NoError(t, err)

	_, err = tr.BeginClose(gen)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosing, tr.Snapshot().State)

	_, err = tr.BeginClose(gen)
	assert.ErrorIs(t, err, domain.ErrStaleState)

	tr.AbortClose(gen)
	assert.Equal(t, domain.StateOpen, tr.Snapshot().State)

	_, err = tr.BeginClose(gen)
	require.NoError(t, err)
	_, _, _, ok := tr.ResolveClosure(gen)
	assert.True(t, ok)
}

func TestUpdateExitLevels(t *testing.T) {
	t.Parallel()

	tr := New(discardLogger())
	gen, err := tr.RecordEntry(longEntry())
	require.NoError(t, err)

	later := time.Now().Add(6 * time.Hour)
	require.NoError(t, tr.UpdateExitLevels(gen, decimal.NewFromInt(97), decimal.NewFromInt(120), later))
	snap := tr.Snapshot()
	assert.True(t, snap.Position.StopLossPrice.Equal(decimal.NewFromInt(97)))
	assert.True(t, snap.Position.TakeProfitPrice.Equal(decimal.NewFromInt(120)))
	assert.Equal(t, gen, snap.Generation)

	err = tr.UpdateExitLevels(gen+7, decimal.Zero, decimal.Zero, later)
	assert.ErrorIs(t, err, domain.ErrStaleState)
}

func TestPersistAndRestore(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	tr := New(discardLogger(), WithStore(store))
	gen, err := tr.RecordEntry(longEntry())
	require.NoError(t, err)
	_, err = tr.BeginClose(gen)
	require.NoError(t, err)

	restored := New(discardLogger(), WithStore(store))
	require.NoError(t, restored.Restore(context.Background()))

	snap := restored.Snapshot()
	assert.Equal(t, gen, snap.Generation)
	assert.Equal(t, domain.SideLong, snap.Position.Side)
	assert.Equal(t, domain.StateOpen, snap.State)
}

func TestMarkManualCloseNeedsCurrentOpenPosition(t *testing.T) {
	t.Parallel()

	tr := New(discardLogger())
	assert.ErrorIs(t, tr.MarkManualClose(tr.Generation()), domain.ErrStaleState)
	assert.False(t, tr.Snapshot().ManualClose)

	gen, err := tr.RecordEntry(longEntry())
	require.NoError(t, err)
	assert.ErrorIs(t, tr.MarkManualClose(gen-1), domain.ErrStaleState)
	require.NoError(t, tr.MarkManualClose(gen))
	assert.True(t, tr.Snapshot().ManualClose)
}
