package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querylens/fanout/internal/bundle"
	"github.com/querylens/fanout/internal/semantics"
	"github.com/querylens/fanout/internal/store"
)

func TestDeriveName(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://example.com/home-buying-guide", "home buying guide"},
		{"https://example.com/home-buying-guide.pdf?utm=x#frag", "home buying guide"},
		{"example.com/docs/api_reference", "api reference"},
		{"https://example.com/report.pdf", "report"},
		{"https://example.com/", "homepage"},
		{"https://example.com", "homepage"},
		{"/", "homepage"},
		{"/products/", "products"},
		{"/---", "unknown"},
		{"/...", "unknown"},
		// A lone extension word survives; there is nothing else to keep.
		{"/pdf", "pdf"},
		{"/v1.2.3", "v1 2 3"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveName(tt.url), "url %q", tt.url)
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

var sessionBase = time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

func cleanReq(offset time.Duration, ip, uri, botName, provider, category string) store.CleanRecord {
	ts := sessionBase.Add(offset)
	return store.CleanRecord{
		RequestTimestamp:       ts,
		RequestDate:            ts.UTC().Format("2006-01-02"),
		RequestHour:            ts.UTC().Hour(),
		DayOfWeek:              ts.UTC().Weekday().String(),
		RequestURI:             uri,
		RequestHost:            "example.com",
		URLPath:                uri,
		ClientIP:               ip,
		UserAgentRaw:           botName + "/1.0",
		BotName:                botName,
		BotProvider:            provider,
		BotCategory:            category,
		ResponseStatus:         200,
		ResponseStatusCategory: "2xx_success",
	}
}

func TestBuildRows(t *testing.T) {
	requests := []bundle.Request{
		{Timestamp: sessionBase, URL: "/products/laptops", Provider: "OpenAI", BotName: "ChatGPT-User"},
		{Timestamp: sessionBase.Add(20 * time.Millisecond), URL: "/products/phones", Provider: "OpenAI", BotName: "ChatGPT-User"},
		{Timestamp: sessionBase.Add(5 * time.Second), URL: "/pricing", Provider: "OpenAI", BotName: "ChatGPT-User"},
	}
	bundles := bundle.Build(requests, 100*time.Millisecond)
	require.Len(t, bundles, 2)

	rows, err := BuildRows(bundles, semantics.NewTFIDF(), semantics.DefaultThresholds(), 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	first := rows[0]
	assert.Equal(t, bundles[0].ID, first.SessionID)
	assert.Equal(t, "2025-06-15", first.SessionDate)
	assert.Equal(t, 2, first.RequestCount)
	assert.Equal(t, 2, first.UniqueURLs)
	assert.Equal(t, "laptops", first.SessionName)
	assert.Equal(t, float64(100), first.WindowMS)
	require.NotNil(t, first.MeanSimilarity)

	var urls []string
	require.NoError(t, json.Unmarshal([]byte(first.URLListJSON), &urls))
	assert.Equal(t, []string{"/products/laptops", "/products/phones"}, urls)

	// The singleton stores fixed 1.0 similarities and grades high.
	single := rows[1]
	assert.Equal(t, "high", single.ConfidenceLevel)
	require.NotNil(t, single.MeanSimilarity)
	assert.Equal(t, 1.0, *single.MeanSimilarity)
	assert.Equal(t, 1.0, *single.MinSimilarity)
	assert.Equal(t, 1.0, *single.MaxSimilarity)
}

func TestBuildRowsEmpty(t *testing.T) {
	rows, err := BuildRows(nil, semantics.NewTFIDF(), semantics.DefaultThresholds(), time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, rows)
}

func seedDay(t *testing.T, st *store.Store) {
	t.Helper()
	_, err := st.InsertClean(context.Background(), []store.CleanRecord{
		cleanReq(0, "192.0.2.1", "/products/laptops", "ChatGPT-User", "OpenAI", "user_request"),
		cleanReq(30*time.Millisecond, "192.0.2.1", "/products/phones", "ChatGPT-User", "OpenAI", "user_request"),
		cleanReq(2*time.Second, "192.0.2.2", "/blog/post", "Claude-User", "Anthropic", "user_request"),
		// Training traffic never enters sessions.
		cleanReq(40*time.Millisecond, "192.0.2.3", "/anything", "GPTBot", "OpenAI", "training"),
	})
	require.NoError(t, err)
}

func TestProcessDate(t *testing.T) {
	st := openTestStore(t)
	seedDay(t, st)

	agg := New(st, nil, nil, DefaultConfig())
	res, err := agg.ProcessDate(context.Background(), "2025-06-15", false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.SessionsCreated)
	assert.Equal(t, 3, res.TotalRequestsBundled)
	assert.Equal(t, res.HighConfidence+res.MediumConfidence+res.LowConfidence, res.SessionsCreated)

	count, err := st.SessionCountForDate(context.Background(), "2025-06-15")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestProcessDateReplaceIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	seedDay(t, st)
	agg := New(st, nil, nil, DefaultConfig())

	_, err := agg.ProcessDate(context.Background(), "2025-06-15", false)
	require.NoError(t, err)

	// A second plain run collides on nothing (new session IDs) and
	// would double the rows; replace keeps the day stable.
	res, err := agg.ProcessDate(context.Background(), "2025-06-15", true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SessionsCreated)

	count, err := st.SessionCountForDate(context.Background(), "2025-06-15")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestProcessDateDryRun(t *testing.T) {
	st := openTestStore(t)
	seedDay(t, st)

	cfg := DefaultConfig()
	cfg.DryRun = true
	agg := New(st, nil, nil, cfg)

	res, err := agg.ProcessDate(context.Background(), "2025-06-15", false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SessionsCreated)

	count, err := st.SessionCountForDate(context.Background(), "2025-06-15")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestProcessDateEmptyDay(t *testing.T) {
	st := openTestStore(t)
	agg := New(st, nil, nil, DefaultConfig())
	res, err := agg.ProcessDate(context.Background(), "2025-06-15", false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.SessionsCreated)
}

func TestBackfillNormal(t *testing.T) {
	st := openTestStore(t)
	seedDay(t, st)
	agg := New(st, nil, nil, DefaultConfig())

	res, err := agg.Backfill(context.Background(), "2025-06-01", "2025-06-30", ModeNormal)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.DatesTotal)
	assert.Equal(t, 1, res.DatesProcessed)
	assert.Equal(t, 2, res.SessionsTotal)
}

func TestBackfillResumeSkipsDoneDates(t *testing.T) {
	st := openTestStore(t)
	seedDay(t, st)
	agg := New(st, nil, nil, DefaultConfig())

	_, err := agg.Backfill(context.Background(), "2025-06-01", "2025-06-30", ModeNormal)
	require.NoError(t, err)

	res, err := agg.Backfill(context.Background(), "2025-06-01", "2025-06-30", ModeResume)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.DatesSkipped)
	assert.Zero(t, res.DatesProcessed)
	require.Len(t, res.Days, 1)
	assert.True(t, res.Days[0].Skipped)
}

func TestBackfillForceRecomputes(t *testing.T) {
	st := openTestStore(t)
	seedDay(t, st)
	agg := New(st, nil, nil, DefaultConfig())

	_, err := agg.Backfill(context.Background(), "2025-06-01", "2025-06-30", ModeNormal)
	require.NoError(t, err)

	res, err := agg.Backfill(context.Background(), "2025-06-01", "2025-06-30", ModeForce)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.DatesProcessed)

	count, err := st.SessionCountForDate(context.Background(), "2025-06-15")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestBackfillNormalAppendsOnRerun(t *testing.T) {
	st := openTestStore(t)
	seedDay(t, st)
	agg := New(st, nil, nil, DefaultConfig())

	_, err := agg.Backfill(context.Background(), "2025-06-01", "2025-06-30", ModeNormal)
	require.NoError(t, err)

	// Every run mints fresh session IDs, so a plain rerun doubles the
	// day. Reruns are meant to go through resume or force.
	res, err := agg.Backfill(context.Background(), "2025-06-01", "2025-06-30", ModeNormal)
	require.NoError(t, err)
	assert.True(t, res.Success)

	count, err := st.SessionCountForDate(context.Background(), "2025-06-15")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestBackfillCancellation(t *testing.T) {
	st := openTestStore(t)
	seedDay(t, st)
	agg := New(st, nil, nil, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := agg.Backfill(ctx, "2025-06-01", "2025-06-30", ModeNormal)
	assert.Error(t, err)
}
