package s3blob

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/testutil"
)

func TestArchiveHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	history := &testutil.History{}
	for _, ts := range []time.Time{cutoff.Add(-48 * time.Hour), cutoff.Add(-time.Hour), cutoff.Add(time.Hour)} {
		require.NoError(t, history.Record(ctx, domain.TradeRecord{Timestamp: ts, Action: domain.RecordDecision, Reason: "r"}))
	}
	audit := testutil.NewAudit(func() time.Time { return cutoff.Add(time.Minute) })
	blobs := &testutil.Blobs{}

	a := NewArchiver(blobs, blobs, history, audit, ArchiverConfig{Prune: true}, testutil.Logger())
	n, err := a.ArchiveHistory(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	raw, ok := blobs.Object("archive/trading_history/2026-03-01.jsonl")
	require.True(t, ok)
	assert.Len(t, strings.Split(strings.TrimSpace(string(raw)), "\n"), 2)

	left, err := history.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, left, 1)
	assert.Equal(t, []string{"archive.trading_history"}, audit.Events())
}

func TestArchiveSkipsExistingObject(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	history := &testutil.History{}
	require.NoError(t, history.Record(ctx, domain.TradeRecord{Timestamp: cutoff.Add(-time.Hour), Action: domain.RecordClose}))

	blobs := &testutil.Blobs{}
	require.NoError(t, blobs.Put(ctx, "archive/trading_history/2026-03-01.jsonl", strings.NewReader("old\n"), jsonlContentType))

	a := NewArchiver(blobs, blobs, history, testutil.NewAudit(nil), ArchiverConfig{}, testutil.Logger())
	n, err := a.ArchiveHistory(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	raw, _ := blobs.Object("archive/trading_history/2026-03-01.jsonl")
	assert.Equal(t, "old\n", string(raw))
}

func TestArchiveAuditEmpty(t *testing.T) {
	t.Parallel()

	blobs := &testutil.Blobs{}
	a := NewArchiver(blobs, blobs, &testutil.History{}, testutil.NewAudit(nil), ArchiverConfig{Prune: true}, testutil.Logger())
	n, err := a.ArchiveAudit(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNormaliseEndpoint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
}
