// Package optimizer sweeps candidate bundling windows over historical
// clean records and recommends the one with the best composite score.
package optimizer

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/querylens/fanout/internal/bundle"
	"github.com/querylens/fanout/internal/semantics"
)

// Weights of the composite score. MIBCS, silhouette and purity reward
// coherence; the remaining terms penalize degenerate bundle shapes.
type Weights struct {
	Alpha   float64 `yaml:"alpha" validate:"gte=0,lte=1"`
	Beta    float64 `yaml:"beta" validate:"gte=0,lte=1"`
	Gamma   float64 `yaml:"gamma" validate:"gte=0,lte=1"`
	Delta   float64 `yaml:"delta" validate:"gte=0,lte=1"`
	Epsilon float64 `yaml:"epsilon" validate:"gte=0,lte=1"`
	Zeta    float64 `yaml:"zeta" validate:"gte=0,lte=1"`
}

// DefaultWeights are the production values.
func DefaultWeights() Weights {
	return Weights{Alpha: 0.30, Beta: 0.25, Gamma: 0.25, Delta: 0.10, Epsilon: 0.05, Zeta: 0.05}
}

// Validate requires the weights to sum to 1.
func (w Weights) Validate() error {
	sum := w.Alpha + w.Beta + w.Gamma + w.Delta + w.Epsilon + w.Zeta
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("weights must sum to 1, got %.6f", sum)
	}
	return nil
}

// Metrics holds every score computed for one window.
type Metrics struct {
	WindowMS float64 `json:"window_ms"`

	MIBCS            float64 `json:"mibcs"`
	Silhouette       float64 `json:"silhouette"`
	BundlePurity     float64 `json:"bundle_purity_score"`
	SingletonRate    float64 `json:"singleton_rate"`
	GiantRate        float64 `json:"giant_rate"`
	ThematicVariance float64 `json:"thematic_variance"`

	TotalBundles     int     `json:"total_bundles"`
	TotalRequests    int     `json:"total_requests"`
	MeanBundleSize   float64 `json:"mean_bundle_size"`
	MedianBundleSize float64 `json:"median_bundle_size"`

	OptScore float64 `json:"opt_score"`
}

// Score combines the metric terms into the composite.
func Score(m Metrics, w Weights) float64 {
	return w.Alpha*m.MIBCS +
		w.Beta*m.Silhouette +
		w.Gamma*m.BundlePurity -
		w.Delta*m.SingletonRate -
		w.Epsilon*m.GiantRate -
		w.Zeta*m.ThematicVariance
}

// Evaluate bundles the records with the window and computes the full
// metric set. The embedder is fit on the window's URL corpus.
func Evaluate(records []bundle.Request, window time.Duration, purityThreshold float64, weights Weights) Metrics {
	bundles := bundle.Build(records, window)
	stats := bundle.Stats(bundles)

	m := Metrics{
		WindowMS:         float64(window.Milliseconds()),
		SingletonRate:    stats.SingletonRate,
		GiantRate:        stats.GiantRate,
		TotalBundles:     stats.TotalBundles,
		TotalRequests:    stats.TotalRequests,
		MeanBundleSize:   stats.MeanBundleSize,
		MedianBundleSize: stats.MedianBundleSize,
	}
	if len(bundles) == 0 {
		return m
	}

	embedder := semantics.NewTFIDF()
	var corpus []string
	for _, b := range bundles {
		corpus = append(corpus, b.URLs...)
	}
	embedder.Fit(corpus)

	vectors := make([][]semantics.Vector, len(bundles))
	sims := make([]semantics.Similarity, len(bundles))
	for i, b := range bundles {
		vectors[i] = embedder.Embed(b.URLs)
		sims[i] = semantics.Analyze(vectors[i])
	}

	// MIBCS and thematic variance over non-singleton bundles.
	var means []float64
	for i := range bundles {
		if !sims[i].Singleton {
			means = append(means, sims[i].Mean)
		}
	}
	if len(means) > 0 {
		m.MIBCS = mean(means)
		m.ThematicVariance = stddev(means)
	}

	// Purity: fraction of bundles whose mean similarity clears the
	// threshold. Singletons count as pure.
	pure := 0
	for i := range bundles {
		if sims[i].Mean >= purityThreshold {
			pure++
		}
	}
	m.BundlePurity = float64(pure) / float64(len(bundles))

	m.Silhouette = silhouette(bundles, vectors, sims)
	m.OptScore = Score(m, weights)
	return m
}

// silhouette is the separation term: for each bundle with a temporal
// neighbor of the same provider, mean intra-bundle similarity minus
// the mean similarity to the nearest neighboring bundle. Averaged over
// eligible bundles; no eligible bundle yields 0.
func silhouette(bundles []bundle.Bundle, vectors [][]semantics.Vector, sims []semantics.Similarity) float64 {
	byProvider := make(map[string][]int)
	for i, b := range bundles {
		byProvider[b.Provider] = append(byProvider[b.Provider], i)
	}

	var scores []float64
	for _, idx := range byProvider {
		sort.Slice(idx, func(a, b int) bool {
			return bundles[idx[a]].StartTime.Before(bundles[idx[b]].StartTime)
		})
		for pos, i := range idx {
			neighbor := nearestNeighbor(bundles, idx, pos)
			if neighbor < 0 {
				continue
			}
			cross := crossSimilarity(vectors[i], vectors[neighbor])
			scores = append(scores, sims[i].Mean-cross)
		}
	}
	if len(scores) == 0 {
		return 0
	}
	return mean(scores)
}

// nearestNeighbor picks the temporally closer of the previous and next
// bundle in the provider's ordered list, or -1 when alone.
func nearestNeighbor(bundles []bundle.Bundle, idx []int, pos int) int {
	prev, next := -1, -1
	if pos > 0 {
		prev = idx[pos-1]
	}
	if pos < len(idx)-1 {
		next = idx[pos+1]
	}
	switch {
	case prev < 0 && next < 0:
		return -1
	case prev < 0:
		return next
	case next < 0:
		return prev
	}
	current := bundles[idx[pos]]
	gapPrev := current.StartTime.Sub(bundles[prev].EndTime)
	gapNext := bundles[next].StartTime.Sub(current.EndTime)
	if gapPrev <= gapNext {
		return prev
	}
	return next
}

// crossSimilarity is the mean pairwise cosine between two vector sets.
func crossSimilarity(a, b []semantics.Vector) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var sum float64
	for _, va := range a {
		for _, vb := range b {
			sum += semantics.Cosine(va, vb)
		}
	}
	return sum / float64(len(a)*len(b))
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		sum += (x - m) * (x - m)
	}
	return math.Sqrt(sum / float64(len(xs)))
}
