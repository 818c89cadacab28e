package semantics

// Similarity holds the pairwise cosine statistics of one bundle.
// Singleton marks a one-request bundle whose pairwise similarity is
// undefined; its scores are fixed at 1.0 because a single URL is
// trivially coherent with itself. That default is constant across a
// run.
type Similarity struct {
	Mean      float64
	Min       float64
	Max       float64
	Singleton bool
}

// Confidence tier thresholds over (mean, min) similarity.
type Thresholds struct {
	HighMean   float64
	HighMin    float64
	MediumMean float64
	MediumMin  float64
}

// DefaultThresholds are the production tier boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{HighMean: 0.7, HighMin: 0.5, MediumMean: 0.5, MediumMin: 0.3}
}

// Analyze computes the pairwise similarity statistics over a bundle's
// vectors (upper triangle only). A single vector yields the singleton
// default.
func Analyze(vectors []Vector) Similarity {
	if len(vectors) <= 1 {
		return Similarity{Mean: 1, Min: 1, Max: 1, Singleton: true}
	}

	var sum float64
	min, max := 1.0, 0.0
	pairs := 0
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			sim := Cosine(vectors[i], vectors[j])
			sum += sim
			if sim < min {
				min = sim
			}
			if sim > max {
				max = sim
			}
			pairs++
		}
	}
	return Similarity{Mean: sum / float64(pairs), Min: min, Max: max}
}

// Grade assigns the confidence tier. Singletons are always high.
func Grade(sim Similarity, t Thresholds) string {
	switch {
	case sim.Singleton:
		return "high"
	case sim.Mean >= t.HighMean && sim.Min >= t.HighMin:
		return "high"
	case sim.Mean >= t.MediumMean && sim.Min >= t.MediumMin:
		return "medium"
	default:
		return "low"
	}
}
