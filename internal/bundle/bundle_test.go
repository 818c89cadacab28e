package bundle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

func req(offset time.Duration, provider, url string) Request {
	return Request{
		Timestamp: base.Add(offset),
		URL:       url,
		Provider:  provider,
		BotName:   provider + "-bot",
	}
}

func TestBuildTightBurst(t *testing.T) {
	requests := []Request{
		req(0, "OpenAI", "/a"),
		req(20*time.Millisecond, "OpenAI", "/b"),
		req(40*time.Millisecond, "OpenAI", "/c"),
		req(60*time.Millisecond, "OpenAI", "/d"),
	}
	bundles := Build(requests, 100*time.Millisecond)
	require.Len(t, bundles, 1)

	b := bundles[0]
	assert.Equal(t, 4, b.RequestCount)
	assert.Equal(t, []string{"/a", "/b", "/c", "/d"}, b.URLs)
	assert.Equal(t, int64(60), b.DurationMS())
	assert.Equal(t, "OpenAI", b.Provider)
	assert.NotEmpty(t, b.ID)
}

func TestBuildGapSplits(t *testing.T) {
	requests := []Request{
		req(0, "OpenAI", "/a"),
		req(50*time.Millisecond, "OpenAI", "/b"),
		req(300*time.Millisecond, "OpenAI", "/c"),
	}
	bundles := Build(requests, 100*time.Millisecond)
	require.Len(t, bundles, 2)
	assert.Equal(t, 2, bundles[0].RequestCount)
	assert.Equal(t, 1, bundles[1].RequestCount)
	assert.Equal(t, []string{"/c"}, bundles[1].URLs)
}

func TestBuildWindowFromFirstRequest(t *testing.T) {
	// Consecutive gaps stay small but the span outgrows the window:
	// the request at 120ms is within 60ms of its predecessor yet beyond
	// the window from the bundle's first request, so it opens a new one.
	requests := []Request{
		req(0, "OpenAI", "/a"),
		req(60*time.Millisecond, "OpenAI", "/b"),
		req(120*time.Millisecond, "OpenAI", "/c"),
	}
	bundles := Build(requests, 100*time.Millisecond)
	require.Len(t, bundles, 2)
	assert.Equal(t, []string{"/a", "/b"}, bundles[0].URLs)
	assert.Equal(t, []string{"/c"}, bundles[1].URLs)
}

func TestBuildBoundaryInclusive(t *testing.T) {
	atBoundary := []Request{
		req(0, "OpenAI", "/a"),
		req(100*time.Millisecond, "OpenAI", "/b"),
	}
	bundles := Build(atBoundary, 100*time.Millisecond)
	require.Len(t, bundles, 1)
	assert.Equal(t, 2, bundles[0].RequestCount)

	pastBoundary := []Request{
		req(0, "OpenAI", "/a"),
		req(101*time.Millisecond, "OpenAI", "/b"),
	}
	bundles = Build(pastBoundary, 100*time.Millisecond)
	assert.Len(t, bundles, 2)
}

func TestBuildPartitionsByProvider(t *testing.T) {
	// Interleaved providers never share a bundle, however close in time.
	requests := []Request{
		req(0, "OpenAI", "/a"),
		req(10*time.Millisecond, "Anthropic", "/b"),
		req(20*time.Millisecond, "OpenAI", "/c"),
		req(30*time.Millisecond, "Anthropic", "/d"),
	}
	bundles := Build(requests, 100*time.Millisecond)
	require.Len(t, bundles, 2)

	// Providers come back in sorted order.
	assert.Equal(t, "Anthropic", bundles[0].Provider)
	assert.Equal(t, []string{"/b", "/d"}, bundles[0].URLs)
	assert.Equal(t, "OpenAI", bundles[1].Provider)
	assert.Equal(t, []string{"/a", "/c"}, bundles[1].URLs)
}

func TestBuildUnsortedInput(t *testing.T) {
	requests := []Request{
		req(40*time.Millisecond, "OpenAI", "/c"),
		req(0, "OpenAI", "/a"),
		req(20*time.Millisecond, "OpenAI", "/b"),
	}
	bundles := Build(requests, 100*time.Millisecond)
	require.Len(t, bundles, 1)
	assert.Equal(t, []string{"/a", "/b", "/c"}, bundles[0].URLs)
}

func TestBuildNoOverlapWithinProvider(t *testing.T) {
	var requests []Request
	for i := 0; i < 50; i++ {
		requests = append(requests, req(time.Duration(i)*70*time.Millisecond, "OpenAI", "/p"))
	}
	bundles := Build(requests, 100*time.Millisecond)
	for i := 1; i < len(bundles); i++ {
		assert.True(t, bundles[i].StartTime.After(bundles[i-1].EndTime),
			"bundle %d starts before bundle %d ends", i, i-1)
	}

	total := 0
	for _, b := range bundles {
		total += b.RequestCount
	}
	assert.Equal(t, len(requests), total)
}

func TestBuildEmpty(t *testing.T) {
	assert.Nil(t, Build(nil, 100*time.Millisecond))
}

func TestUniqueURLs(t *testing.T) {
	b := Bundle{URLs: []string{"/a", "/b", "/a", "/a"}}
	assert.Equal(t, 2, b.UniqueURLs())
}

func TestStats(t *testing.T) {
	many := make([]string, 12)
	for i := range many {
		many[i] = string(rune('a' + i))
	}
	bundles := []Bundle{
		{RequestCount: 1, URLs: []string{"/only"}},
		{RequestCount: 3, URLs: []string{"/a", "/b", "/c"}},
		{RequestCount: 12, URLs: many},
		{RequestCount: 4, URLs: []string{"/same", "/same", "/same", "/same"}},
	}
	stats := Stats(bundles)
	assert.Equal(t, 4, stats.TotalBundles)
	assert.Equal(t, 20, stats.TotalRequests)
	assert.Equal(t, 5.0, stats.MeanBundleSize)
	assert.Equal(t, 3.5, stats.MedianBundleSize)
	// Two bundles collapse to a single unique URL.
	assert.Equal(t, 0.5, stats.SingletonRate)
	// One bundle exceeds ten unique URLs.
	assert.Equal(t, 0.25, stats.GiantRate)
}

func TestStatsEmpty(t *testing.T) {
	assert.Equal(t, Statistics{}, Stats(nil))
}
