package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/querylens/fanout/internal/bundle"
)

// Ranking is one row of the per-window comparison table.
type Ranking struct {
	Rank     int     `json:"rank"`
	WindowMS float64 `json:"window_ms"`
	Train    Metrics `json:"train"`
	HoldOut  Metrics `json:"holdout"`
}

// Recommendation is the sweep outcome.
type Recommendation struct {
	WindowMS   float64 `json:"recommended_window_ms"`
	OptScore   float64 `json:"opt_score"`
	Margin     float64 `json:"margin_over_second_best"`
	Agreement  float64 `json:"validation_agreement"`
	Confidence string  `json:"confidence"`
}

// Report is the persisted JSON artifact of one sweep.
type Report struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	RecordCount     int            `json:"record_count"`
	TrainCount      int            `json:"train_count"`
	HoldOutCount    int            `json:"holdout_count"`
	ValidationSplit float64        `json:"validation_split"`
	PurityThreshold float64        `json:"purity_threshold"`
	Weights         Weights        `json:"weights"`
	Rankings        []Ranking      `json:"rankings"`
	Recommendation  Recommendation `json:"recommendation"`
}

// Optimizer runs the sweep-and-score procedure.
type Optimizer struct {
	cfg    ExperimentConfig
	logger *zap.Logger
}

func New(cfg ExperimentConfig, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{cfg: cfg, logger: logger}
}

// Run evaluates every candidate window on a temporal train/hold-out
// split and returns the ranked report. Candidates are independent and
// evaluated concurrently over a read-only snapshot of the records.
func (o *Optimizer) Run(ctx context.Context, records []bundle.Request) (Report, error) {
	report := Report{
		GeneratedAt:     time.Now().UTC(),
		RecordCount:     len(records),
		ValidationSplit: o.cfg.ValidationSplit,
		PurityThreshold: o.cfg.PurityThreshold,
		Weights:         o.cfg.Weights,
	}
	if len(records) == 0 {
		return report, fmt.Errorf("no records to optimize over")
	}
	if len(o.cfg.CandidateWindowsMS) == 0 {
		return report, fmt.Errorf("no candidate windows")
	}

	train, holdout := temporalSplit(records, o.cfg.ValidationSplit)
	report.TrainCount = len(train)
	report.HoldOutCount = len(holdout)
	o.logger.Info("sweep starting",
		zap.Int("records", len(records)),
		zap.Int("train", len(train)),
		zap.Int("holdout", len(holdout)),
		zap.Int("candidates", len(o.cfg.CandidateWindowsMS)))

	type evaluated struct {
		train   Metrics
		holdout Metrics
	}
	results := make([]evaluated, len(o.cfg.CandidateWindowsMS))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, windowMS := range o.cfg.CandidateWindowsMS {
		i, windowMS := i, windowMS
		g.Go(func() error {
			w := time.Duration(windowMS) * time.Millisecond
			results[i] = evaluated{
				train:   Evaluate(train, w, o.cfg.PurityThreshold, o.cfg.Weights),
				holdout: Evaluate(holdout, w, o.cfg.PurityThreshold, o.cfg.Weights),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	for i := range results {
		report.Rankings = append(report.Rankings, Ranking{
			WindowMS: o.cfg.CandidateWindowsMS[i],
			Train:    results[i].train,
			HoldOut:  results[i].holdout,
		})
	}
	sort.SliceStable(report.Rankings, func(a, b int) bool {
		return report.Rankings[a].Train.OptScore > report.Rankings[b].Train.OptScore
	})
	for i := range report.Rankings {
		report.Rankings[i].Rank = i + 1
	}

	report.Recommendation = recommend(report.Rankings)
	o.logger.Info("sweep finished",
		zap.Float64("recommended_window_ms", report.Recommendation.WindowMS),
		zap.Float64("opt_score", report.Recommendation.OptScore),
		zap.Float64("agreement", report.Recommendation.Agreement),
		zap.String("confidence", report.Recommendation.Confidence))
	return report, nil
}

// temporalSplit puts the earliest (1-split) fraction in train and the
// rest in hold-out, preserving order. Records are assumed sorted by
// timestamp; they are re-sorted defensively only if needed upstream.
func temporalSplit(records []bundle.Request, split float64) (train, holdout []bundle.Request) {
	if split <= 0 || split >= 1 {
		return records, nil
	}
	cut := int(float64(len(records)) * (1 - split))
	if cut < 1 {
		cut = 1
	}
	if cut > len(records) {
		cut = len(records)
	}
	return records[:cut], records[cut:]
}

// recommend derives the argmax window, the train/hold-out rank
// agreement and the confidence tier. Agreement is half "same best
// window on both halves" and half mean rank displacement.
func recommend(rankings []Ranking) Recommendation {
	rec := Recommendation{}
	if len(rankings) == 0 {
		return rec
	}

	best := rankings[0]
	rec.WindowMS = best.WindowMS
	rec.OptScore = best.Train.OptScore
	if len(rankings) > 1 {
		rec.Margin = best.Train.OptScore - rankings[1].Train.OptScore
	}

	rec.Agreement = agreement(rankings)

	switch {
	case rec.Agreement >= 0.8 && rec.Margin >= 0.02:
		rec.Confidence = "high"
	case rec.Agreement >= 0.6:
		rec.Confidence = "medium"
	default:
		rec.Confidence = "low"
	}
	return rec
}

func agreement(rankings []Ranking) float64 {
	n := len(rankings)
	if n < 2 {
		return 0.5
	}

	// Hold-out ranks by descending hold-out score.
	holdoutOrder := make([]int, n)
	for i := range holdoutOrder {
		holdoutOrder[i] = i
	}
	sort.SliceStable(holdoutOrder, func(a, b int) bool {
		return rankings[holdoutOrder[a]].HoldOut.OptScore > rankings[holdoutOrder[b]].HoldOut.OptScore
	})
	holdoutRank := make([]int, n)
	for rank, i := range holdoutOrder {
		holdoutRank[i] = rank
	}

	sameBest := 0.0
	if holdoutRank[0] == 0 {
		sameBest = 1.0
	}

	var totalDiff float64
	for i := 0; i < n; i++ {
		diff := float64(i - holdoutRank[i])
		if diff < 0 {
			diff = -diff
		}
		totalDiff += diff
	}
	maxDiff := float64(n - 1)
	rankAgreement := 1 - (totalDiff/float64(n))/maxDiff

	return 0.5*sameBest + 0.5*rankAgreement
}

// WriteReport persists the report as timestamped JSON under dir and
// returns the path.
func WriteReport(report Report, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	name := fmt.Sprintf("window_sweep_%s.json", report.GeneratedAt.Format("20060102T150405Z"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
