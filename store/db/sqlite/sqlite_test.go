package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/divinesense-router/internal/profile"
	"github.com/hrygo/divinesense-router/store"
)

func newTestDB(t *testing.T) store.Driver {
	t.Helper()
	driver, err := NewDB(&profile.Profile{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "feedback.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })
	require.NoError(t, driver.Migrate(context.Background()))
	// Migrate is idempotent.
	require.NoError(t, driver.Migrate(context.Background()))
	return driver
}

func TestNewDB_RequiresDSN(t *testing.T) {
	_, err := NewDB(&profile.Profile{Driver: "sqlite"})
	assert.Error(t, err)
}

func TestFeedbackRecord_CreateAndList(t *testing.T) {
	ctx := context.Background()
	driver := newTestDB(t)

	now := time.Now().Unix()
	records := []*store.FeedbackRecord{
		{RequestID: "r1", SessionID: "s1", Kind: store.FeedbackKindRoute, Tier: 0, Path: "classifier",
			Domain: "lists", IntentName: "ListAdd", Status: "completed", Outcome: store.OutcomeSuccess, LatencyMs: 4, CreatedTs: now - 2},
		{RequestID: "r2", SessionID: "s1", Kind: store.FeedbackKindRoute, Tier: 3, Path: "orchestrator",
			Status: "partially_completed", Outcome: store.OutcomePartial, LatencyMs: 100, CreatedTs: now - 1,
			Signals: map[string]string{"implicit": "rephrase"}},
		{RequestID: "r2", SessionID: "s1", Kind: store.FeedbackKindSignal, Signals: map[string]string{"satisfied": "false"}, CreatedTs: now},
		{RequestID: "r3", SessionID: "s2", Kind: store.FeedbackKindRoute, Tier: 1, Path: "classifier",
			Status: "failed", Outcome: store.OutcomeFailed, LatencyMs: 6, CreatedTs: now},
	}
	for _, rec := range records {
		created, err := driver.CreateFeedbackRecord(ctx, rec)
		require.NoError(t, err)
		assert.NotZero(t, created.ID)
	}

	sessionID := "s1"
	list, err := driver.ListFeedbackRecords(ctx, &store.FindFeedbackRecord{SessionID: &sessionID})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, store.FeedbackKindSignal, list[0].Kind, "newest first")
	assert.Equal(t, "false", list[0].Signals["satisfied"])
	assert.Equal(t, "rephrase", list[1].Signals["implicit"])
	assert.Nil(t, list[2].Signals)
	assert.Equal(t, "ListAdd", list[2].IntentName)

	requestID := "r2"
	kind := store.FeedbackKindRoute
	list, err = driver.ListFeedbackRecords(ctx, &store.FindFeedbackRecord{RequestID: &requestID, Kind: &kind})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].Tier)
	assert.Equal(t, store.OutcomePartial, list[0].Outcome)

	list, err = driver.ListFeedbackRecords(ctx, &store.FindFeedbackRecord{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestFeedbackRecord_Stats(t *testing.T) {
	ctx := context.Background()
	driver := newTestDB(t)

	stats, err := driver.GetFeedbackStats(ctx, &store.GetFeedbackStats{})
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.AvgLatencyMs)

	for _, rec := range []*store.FeedbackRecord{
		{Kind: store.FeedbackKindRoute, Path: "classifier", Outcome: store.OutcomeSuccess, LatencyMs: 10},
		{Kind: store.FeedbackKindRoute, Path: "classifier", Outcome: store.OutcomeFailed, LatencyMs: 20},
		{Kind: store.FeedbackKindRoute, Path: "orchestrator", Outcome: store.OutcomeSuccess, LatencyMs: 30},
		{Kind: store.FeedbackKindSignal, Signals: map[string]string{"satisfied": "true"}},
		{Kind: store.FeedbackKindRoute, Path: "classifier", Outcome: store.OutcomeSuccess, LatencyMs: 1000,
			CreatedTs: time.Now().Add(-48 * time.Hour).Unix()},
	} {
		_, err := driver.CreateFeedbackRecord(ctx, rec)
		require.NoError(t, err)
	}

	stats, err = driver.GetFeedbackStats(ctx, &store.GetFeedbackStats{TimeRange: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.Signals)
	assert.InDelta(t, 20.0, stats.AvgLatencyMs, 0.001)
	assert.Equal(t, map[string]int64{"success": 2, "failed": 1}, stats.ByOutcome)
	assert.Equal(t, map[string]int64{"classifier": 2, "orchestrator": 1}, stats.ByPath)
}
