// Package session turns temporal bundles into persisted query fan-out
// sessions: each bundle is scored for semantic coherence, graded into
// a confidence tier, named after its first URL, and written in
// production order.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/querylens/fanout/internal/bundle"
	"github.com/querylens/fanout/internal/semantics"
	"github.com/querylens/fanout/internal/store"
)

// Config controls one aggregation run.
type Config struct {
	Window     time.Duration
	Thresholds semantics.Thresholds
	// Category filters the clean rows fed to the bundler. Fan-out
	// reconstruction only makes sense for user-request fetches.
	Category string
	DryRun   bool
}

// DefaultConfig uses the production window of 100ms.
func DefaultConfig() Config {
	return Config{
		Window:     100 * time.Millisecond,
		Thresholds: semantics.DefaultThresholds(),
		Category:   "user_request",
	}
}

// Result reports one aggregation run.
type Result struct {
	Success              bool
	SessionsCreated      int
	TotalRequestsBundled int
	MeanSessionSize      float64
	HighConfidence       int
	MediumConfidence     int
	LowConfidence        int
	StartedAt            time.Time
	CompletedAt          time.Time
	Errors               []string
}

// Aggregator owns the store connection for the lifetime of a run.
type Aggregator struct {
	store       *store.Store
	newEmbedder func() semantics.Embedder
	logger      *zap.Logger
	cfg         Config
}

// New builds an Aggregator. newEmbedder may be nil to use TF-IDF.
func New(st *store.Store, newEmbedder func() semantics.Embedder, logger *zap.Logger, cfg Config) *Aggregator {
	if newEmbedder == nil {
		newEmbedder = func() semantics.Embedder { return semantics.NewTFIDF() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{store: st, newEmbedder: newEmbedder, logger: logger, cfg: cfg}
}

// BuildRows scores and names a bundle set without touching storage.
// The embedder is fit on the full URL corpus first; rows come back in
// bundle order.
func BuildRows(bundles []bundle.Bundle, embedder semantics.Embedder, thresholds semantics.Thresholds, window time.Duration) ([]store.SessionRow, error) {
	if len(bundles) == 0 {
		return nil, nil
	}

	var corpus []string
	for _, b := range bundles {
		corpus = append(corpus, b.URLs...)
	}
	embedder.Fit(corpus)

	rows := make([]store.SessionRow, 0, len(bundles))
	for _, b := range bundles {
		sim := semantics.Analyze(embedder.Embed(b.URLs))

		urlList, err := json.Marshal(b.URLs)
		if err != nil {
			return nil, fmt.Errorf("marshal url list for %s: %w", b.ID, err)
		}

		row := store.SessionRow{
			SessionID:       b.ID,
			SessionDate:     b.StartTime.UTC().Format("2006-01-02"),
			StartTime:       b.StartTime,
			EndTime:         b.EndTime,
			DurationMS:      b.DurationMS(),
			BotProvider:     b.Provider,
			BotName:         b.BotName,
			RequestCount:    b.RequestCount,
			UniqueURLs:      b.UniqueURLs(),
			ConfidenceLevel: semantics.Grade(sim, thresholds),
			SessionName:     DeriveName(b.URLs[0]),
			URLListJSON:     string(urlList),
			WindowMS:        float64(window.Milliseconds()),
		}
		if !sim.Singleton {
			mean, min, max := sim.Mean, sim.Min, sim.Max
			row.MeanSimilarity = &mean
			row.MinSimilarity = &min
			row.MaxSimilarity = &max
		} else {
			one := 1.0
			row.MeanSimilarity = &one
			row.MinSimilarity = &one
			row.MaxSimilarity = &one
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ProcessDate builds and persists sessions for one calendar date.
// When replace is true the date's existing sessions are deleted in the
// same transaction as the insert.
func (a *Aggregator) ProcessDate(ctx context.Context, date string, replace bool) (Result, error) {
	res := Result{StartedAt: time.Now()}

	requests, err := a.store.ReadCleanRequests(ctx, date, date, store.CleanRequestFilter{
		Category: a.cfg.Category,
	})
	if err != nil {
		res.CompletedAt = time.Now()
		res.Errors = append(res.Errors, err.Error())
		return res, fmt.Errorf("read requests for %s: %w", date, err)
	}

	input := make([]bundle.Request, len(requests))
	for i, r := range requests {
		input[i] = bundle.Request{
			Timestamp: r.Timestamp,
			URL:       r.URL,
			Provider:  r.BotProvider,
			BotName:   r.BotName,
		}
	}

	bundles := bundle.Build(input, a.cfg.Window)
	rows, err := BuildRows(bundles, a.newEmbedder(), a.cfg.Thresholds, a.cfg.Window)
	if err != nil {
		res.CompletedAt = time.Now()
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}

	if !a.cfg.DryRun {
		if replace {
			deleted, _, err := a.store.ReplaceSessionsForDate(ctx, date, rows)
			if err != nil {
				res.CompletedAt = time.Now()
				res.Errors = append(res.Errors, err.Error())
				return res, fmt.Errorf("replace sessions for %s: %w", date, err)
			}
			if deleted > 0 {
				a.logger.Info("replaced existing sessions",
					zap.String("date", date), zap.Int64("deleted", deleted))
			}
		} else {
			if _, err := a.store.InsertSessions(ctx, rows); err != nil {
				res.CompletedAt = time.Now()
				res.Errors = append(res.Errors, err.Error())
				return res, fmt.Errorf("insert sessions for %s: %w", date, err)
			}
		}
	}

	for _, row := range rows {
		res.TotalRequestsBundled += row.RequestCount
		switch row.ConfidenceLevel {
		case "high":
			res.HighConfidence++
		case "medium":
			res.MediumConfidence++
		case "low":
			res.LowConfidence++
		}
	}
	res.SessionsCreated = len(rows)
	if len(rows) > 0 {
		res.MeanSessionSize = float64(res.TotalRequestsBundled) / float64(len(rows))
	}
	res.Success = true
	res.CompletedAt = time.Now()

	a.logger.Info("sessions built",
		zap.String("date", date),
		zap.Int("sessions", res.SessionsCreated),
		zap.Int("requests", res.TotalRequestsBundled),
		zap.Int("high", res.HighConfidence),
		zap.Int("medium", res.MediumConfidence),
		zap.Int("low", res.LowConfidence),
		zap.Bool("dry_run", a.cfg.DryRun))
	return res, nil
}
