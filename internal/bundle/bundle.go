// Package bundle groups time-ordered bot requests into query fan-out
// bundles. The window is measured from the FIRST request of the
// current bundle, so a bundle's span never exceeds the window no
// matter how dense the burst is.
package bundle

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Request is the slim input the bundler consumes.
type Request struct {
	Timestamp time.Time
	URL       string
	Provider  string
	BotName   string
}

// Bundle is one burst of same-provider requests.
type Bundle struct {
	ID           string
	Provider     string
	BotName      string
	StartTime    time.Time
	EndTime      time.Time
	RequestCount int
	URLs         []string
}

// DurationMS is EndTime minus StartTime in milliseconds.
func (b Bundle) DurationMS() int64 {
	return b.EndTime.Sub(b.StartTime).Milliseconds()
}

// UniqueURLs counts distinct URLs in the bundle.
func (b Bundle) UniqueURLs() int {
	seen := make(map[string]struct{}, len(b.URLs))
	for _, u := range b.URLs {
		seen[u] = struct{}{}
	}
	return len(seen)
}

func newID() string {
	return uuid.New().String()[:8]
}

// Build partitions requests by provider, sorts each partition stably
// by timestamp and bundles it with the given window. Bundles come back
// ordered by provider then start time. An empty input yields nil.
func Build(requests []Request, window time.Duration) []Bundle {
	if len(requests) == 0 {
		return nil
	}

	byProvider := make(map[string][]Request)
	var providers []string
	for _, r := range requests {
		if _, seen := byProvider[r.Provider]; !seen {
			providers = append(providers, r.Provider)
		}
		byProvider[r.Provider] = append(byProvider[r.Provider], r)
	}
	sort.Strings(providers)

	var bundles []Bundle
	for _, p := range providers {
		bundles = append(bundles, buildForProvider(byProvider[p], window)...)
	}
	return bundles
}

// buildForProvider runs the single-pass scan over one provider's
// requests. The boundary is inclusive: a gap of exactly the window
// still joins the bundle.
func buildForProvider(requests []Request, window time.Duration) []Bundle {
	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].Timestamp.Before(requests[j].Timestamp)
	})

	var bundles []Bundle
	var current *Bundle
	for _, r := range requests {
		if current == nil {
			current = open(r)
			continue
		}
		gap := r.Timestamp.Sub(current.StartTime)
		if gap <= window {
			current.EndTime = r.Timestamp
			current.RequestCount++
			current.URLs = append(current.URLs, r.URL)
			continue
		}
		bundles = append(bundles, *current)
		current = open(r)
	}
	if current != nil {
		bundles = append(bundles, *current)
	}
	return bundles
}

func open(r Request) *Bundle {
	return &Bundle{
		ID:           newID(),
		Provider:     r.Provider,
		BotName:      r.BotName,
		StartTime:    r.Timestamp,
		EndTime:      r.Timestamp,
		RequestCount: 1,
		URLs:         []string{r.URL},
	}
}

// Statistics summarizes a bundle set for the optimizer.
type Statistics struct {
	TotalBundles     int
	TotalRequests    int
	MeanBundleSize   float64
	MedianBundleSize float64
	SingletonRate    float64
	GiantRate        float64
}

// giantThreshold is the unique-URL count past which a bundle is
// considered degenerate.
const giantThreshold = 10

// Stats computes summary statistics. Singletons are bundles with one
// unique URL; giants have more than giantThreshold unique URLs.
func Stats(bundles []Bundle) Statistics {
	if len(bundles) == 0 {
		return Statistics{}
	}

	sizes := make([]int, len(bundles))
	total := 0
	singletons := 0
	giants := 0
	for i, b := range bundles {
		sizes[i] = b.RequestCount
		total += b.RequestCount
		unique := b.UniqueURLs()
		if unique == 1 {
			singletons++
		}
		if unique > giantThreshold {
			giants++
		}
	}
	sort.Ints(sizes)

	n := len(bundles)
	median := float64(sizes[n/2])
	if n%2 == 0 {
		median = (float64(sizes[n/2-1]) + float64(sizes[n/2])) / 2
	}

	return Statistics{
		TotalBundles:     n,
		TotalRequests:    total,
		MeanBundleSize:   float64(total) / float64(n),
		MedianBundleSize: median,
		SingletonRate:    float64(singletons) / float64(n),
		GiantRate:        float64(giants) / float64(n),
	}
}
