package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querylens/fanout/internal/schema"
	"github.com/querylens/fanout/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

var pipeBase = time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

func raw(offset time.Duration, ip, path, ua string) schema.Record {
	return schema.Record{
		Timestamp:      pipeBase.Add(offset),
		ClientIP:       ip,
		Method:         "GET",
		Host:           "example.com",
		Path:           path,
		StatusCode:     200,
		UserAgent:      ua,
		SourceProvider: "universal",
	}
}

func TestTransform(t *testing.T) {
	records := []schema.Record{
		raw(0, "192.0.2.1", "/docs/api", "Mozilla/5.0 (compatible; GPTBot/1.0)"),
		raw(time.Second, "192.0.2.2", "/pricing", "Mozilla/5.0 Chrome/125.0"),
		raw(2*time.Second, "192.0.2.3", "/blog", "Claude-User/1.0"),
	}
	records[0].QueryString = "v=2"

	clean := Transform(records)
	require.Len(t, clean, 2) // the browser row is dropped

	first := clean[0]
	assert.Equal(t, "GPTBot", first.BotName)
	assert.Equal(t, "OpenAI", first.BotProvider)
	assert.Equal(t, "training", first.BotCategory)
	assert.Equal(t, "/docs/api?v=2", first.RequestURI)
	assert.Equal(t, 2, first.URLPathDepth)
	assert.Equal(t, "2025-06-15", first.RequestDate)
	assert.Equal(t, "Sunday", first.DayOfWeek)
	assert.Equal(t, "2xx_success", first.ResponseStatusCategory)

	assert.Equal(t, "user_request", clean[1].BotCategory)
}

func TestRunEmptyRangeSucceeds(t *testing.T) {
	st := openTestStore(t)
	p := New(st, nil, nil)

	res, err := p.Run(context.Background(), "2025-06-15", "2025-06-16", ModeFull, false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.RawRows)
	assert.Zero(t, res.TransformedRows)
}

func TestRunRejectsBadRange(t *testing.T) {
	st := openTestStore(t)
	p := New(st, nil, nil)

	_, err := p.Run(context.Background(), "2025-06-16", "2025-06-15", ModeFull, false)
	assert.Error(t, err)

	_, err = p.Run(context.Background(), "June 15", "2025-06-16", ModeFull, false)
	assert.Error(t, err)
}

func seedRaw(t *testing.T, st *store.Store) {
	t.Helper()
	_, err := st.InsertRaw(context.Background(), []schema.Record{
		raw(0, "192.0.2.1", "/a", "GPTBot/1.0"),
		raw(time.Second, "192.0.2.2", "/b", "ChatGPT-User/1.0"),
		raw(2*time.Second, "192.0.2.3", "/c", "some browser"),
		// Exact duplicate of the first row.
		raw(0, "192.0.2.1", "/a", "GPTBot/1.0"),
	})
	require.NoError(t, err)
}

func TestRunFullMode(t *testing.T) {
	st := openTestStore(t)
	seedRaw(t, st)
	p := New(st, nil, nil)

	res, err := p.Run(context.Background(), "2025-06-15", "2025-06-15", ModeFull, false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(4), res.RawRows)
	assert.Equal(t, int64(2), res.TransformedRows)
	assert.Equal(t, int64(1), res.DuplicatesRemoved)

	count, err := st.RowCount(context.Background(), "bot_requests_daily")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRunFullModeIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	seedRaw(t, st)
	p := New(st, nil, nil)

	_, err := p.Run(context.Background(), "2025-06-15", "2025-06-15", ModeFull, false)
	require.NoError(t, err)
	res, err := p.Run(context.Background(), "2025-06-15", "2025-06-15", ModeFull, false)
	require.NoError(t, err)
	assert.True(t, res.Success)

	count, err := st.RowCount(context.Background(), "bot_requests_daily")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRunIncrementalSkipsExisting(t *testing.T) {
	st := openTestStore(t)
	seedRaw(t, st)
	p := New(st, nil, nil)

	_, err := p.Run(context.Background(), "2025-06-15", "2025-06-15", ModeFull, false)
	require.NoError(t, err)

	// New raw row arrives; an incremental run picks up only that one.
	_, err = st.InsertRaw(context.Background(), []schema.Record{
		raw(time.Hour, "192.0.2.9", "/new", "PerplexityBot/1.0"),
	})
	require.NoError(t, err)

	res, err := p.Run(context.Background(), "2025-06-15", "2025-06-15", ModeIncremental, false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(1), res.TransformedRows)
	assert.Equal(t, int64(3), res.DuplicatesRemoved) // two existing plus the in-batch dupe

	count, err := st.RowCount(context.Background(), "bot_requests_daily")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestRunDryRunWritesNothing(t *testing.T) {
	st := openTestStore(t)
	seedRaw(t, st)
	p := New(st, nil, nil)

	res, err := p.Run(context.Background(), "2025-06-15", "2025-06-15", ModeFull, true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(2), res.TransformedRows)

	count, err := st.RowCount(context.Background(), "bot_requests_daily")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRunRefreshesAggregates(t *testing.T) {
	st := openTestStore(t)
	seedRaw(t, st)
	p := New(st, nil, nil)

	_, err := p.Run(context.Background(), "2025-06-15", "2025-06-15", ModeFull, false)
	require.NoError(t, err)

	count, err := st.RowCount(context.Background(), "daily_summary")
	require.NoError(t, err)
	assert.Greater(t, count, int64(0))
}

func TestRunRejectsInvalidMode(t *testing.T) {
	st := openTestStore(t)
	seedRaw(t, st)
	p := New(st, nil, nil)

	res, err := p.Run(context.Background(), "2025-06-15", "2025-06-15", Mode("sideways"), false)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Errors)
}
