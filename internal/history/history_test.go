package internal_history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_session "github.com/rapidaai/voice-engine/internal/session"
	"github.com/rapidaai/voice-engine/pkg/commons"
	"github.com/rapidaai/voice-engine/pkg/connectors"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	conn, err := connectors.NewSqliteConnector(connectors.SqliteConfig{
		Path: filepath.Join(t.TempDir(), "history.db"),
	}, commons.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	store, err := NewStore(context.Background(), commons.NewNopLogger(), conn)
	require.NoError(t, err)
	return store
}

func sampleRecord(callID string, start time.Time, outcome string) *CallRecord {
	return &CallRecord{
		CallID:       callID,
		CallerNumber: "+15551234567",
		CalledNumber: "+15559876543",
		ContextName:  "support",
		Direction:    "inbound",
		Provider:     "openai_realtime",
		StartTime:    start,
		EndTime:      start.Add(90 * time.Second),
		DurationSecs: 90,
		Outcome:      outcome,
		Conversation: `[{"role":"user","content":"hello"}]`,
		ToolCalls:    `[]`,
		Metrics:      `{"total_turns":4}`,
	}
}

func TestStore_SummariesExcludeDetailColumns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.Save(ctx, sampleRecord("c1", now, "completed")))

	summaries, err := store.Summaries(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	got := summaries[0]
	assert.Equal(t, "c1", got.CallID)
	assert.Equal(t, "completed", got.Outcome)
	assert.Empty(t, got.Conversation, "summary must not load the transcript")
	assert.Empty(t, got.ToolCalls)
	assert.Empty(t, got.Metrics)

	detail, err := store.Detail(ctx, "c1")
	require.NoError(t, err)
	assert.Contains(t, detail.Conversation, "hello")
}

func TestStore_SummaryFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-48 * time.Hour)

	require.NoError(t, store.Save(ctx, sampleRecord("old", base, "completed")))
	recent := sampleRecord("recent", base.Add(47*time.Hour), "transferred")
	recent.CallerNumber = "+15550001111"
	require.NoError(t, store.Save(ctx, recent))

	byOutcome, err := store.Summaries(ctx, Query{Outcome: "transferred"})
	require.NoError(t, err)
	require.Len(t, byOutcome, 1)
	assert.Equal(t, "recent", byOutcome[0].CallID)

	since, err := store.Summaries(ctx, Query{Since: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "recent", since[0].CallID)

	byCaller, err := store.Summaries(ctx, Query{CallerNumber: "+15550001111"})
	require.NoError(t, err)
	require.Len(t, byCaller, 1)
}

func TestStore_SummaryFilterByProvider(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	realtime := sampleRecord("rt", now, "completed")
	require.NoError(t, store.Save(ctx, realtime))
	composed := sampleRecord("pl", now.Add(time.Minute), "completed")
	composed.Provider = "pipeline_default"
	require.NoError(t, store.Save(ctx, composed))

	byProvider, err := store.Summaries(ctx, Query{Provider: "pipeline_default"})
	require.NoError(t, err)
	require.Len(t, byProvider, 1)
	assert.Equal(t, "pl", byProvider[0].CallID)
	assert.Empty(t, byProvider[0].PreCall, "summary must not load pre-call results")
}

func TestStore_DuplicateCallIDRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Save(ctx, sampleRecord("dup", now, "completed")))
	assert.Error(t, store.Save(ctx, sampleRecord("dup", now, "completed")))
}

func TestRetention_DeletesOnlyExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Save(ctx, sampleRecord("ancient", now.Add(-40*24*time.Hour), "completed")))
	require.NoError(t, store.Save(ctx, sampleRecord("fresh", now.Add(-time.Hour), "completed")))

	retention := NewRetention(commons.NewNopLogger(), store, 30)
	removed, err := retention.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	remaining, err := store.Summaries(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].CallID)
}

func TestFromSession_SnapshotsEverything(t *testing.T) {
	sess := internal_session.New("c9", "+1555", "+1666", "sales", internal_session.DirectionOutbound)
	sess.ProviderName = "pipeline_default"
	sess.PipelineComponents = []string{"deepgram", "openai", "elevenlabs"}
	sess.AppendHistory(internal_session.RoleUser, "I want to upgrade")
	sess.RecordToolCall("lookup_order", map[string]string{"id": "1"}, "found", 120*time.Millisecond)
	sess.SetPreCallResults(map[string]string{"account_tier": "gold"})
	sess.SetOutcome(internal_session.OutcomeCompleted)

	end := sess.StartTime.Add(2 * time.Minute)
	record := FromSession(sess, end)

	assert.Equal(t, "c9", record.CallID)
	assert.Equal(t, "outbound", record.Direction)
	assert.InDelta(t, 120.0, record.DurationSecs, 0.01)
	assert.Contains(t, record.Conversation, "upgrade")
	assert.Contains(t, record.ToolCalls, "lookup_order")
	assert.Contains(t, record.PreCall, "account_tier")
	assert.Contains(t, record.Pipeline, "deepgram")
	assert.Equal(t, "completed", record.Outcome)
}
