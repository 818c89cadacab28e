package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/querylens/fanout/internal/ingest"
	"github.com/querylens/fanout/internal/pathguard"
	"github.com/querylens/fanout/internal/schema"
)

// IngestConfig controls one ingestion run.
type IngestConfig struct {
	Provider string
	Format   ingest.Format
	BaseDir  string
	MaxBytes int64
	// BatchSize rows per raw insert transaction.
	BatchSize int
	// Concurrency caps parallel file reads. Writes still serialize in
	// the store.
	Concurrency int
	DryRun      bool
}

// IngestResult summarizes an ingestion run.
type IngestResult struct {
	Success        bool
	FilesProcessed int
	FilesFailed    int
	RecordsRead    int64
	RecordsWritten int64
	RecordsSkipped int64
	StartedAt      time.Time
	CompletedAt    time.Time
	Errors         []string
	// Issues holds the first issue messages encountered, capped so a
	// corrupt file cannot balloon the result.
	Issues []string
}

const maxReportedIssues = 50

// IngestFiles reads the given log sources through the provider's
// adapter and appends normalized records to the raw table. A source may
// be a file or a directory of log files. Sources are independent: one
// unreadable source is recorded and the run continues.
func (p *Pipeline) IngestFiles(ctx context.Context, paths []string, cfg IngestConfig, limiter *pathguard.RateLimiter) (IngestResult, error) {
	res := IngestResult{StartedAt: time.Now()}

	adapter, err := ingest.Default().Get(cfg.Provider)
	if err != nil {
		res.CompletedAt = time.Now()
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	var files []string
	for _, path := range paths {
		expanded, err := adapter.ExpandSource(path, cfg.BaseDir)
		if err != nil {
			res.FilesFailed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", path, err))
			p.logger.Error("source rejected", zap.String("path", path), zap.Error(err))
			continue
		}
		files = append(files, expanded...)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)

	for _, path := range files {
		path := path
		g.Go(func() error {
			read, written, skipped, issues, err := p.ingestOne(gctx, adapter, path, cfg, limiter)

			mu.Lock()
			defer mu.Unlock()
			res.RecordsRead += read
			res.RecordsWritten += written
			res.RecordsSkipped += skipped
			for _, issue := range issues {
				if len(res.Issues) < maxReportedIssues {
					res.Issues = append(res.Issues, fmt.Sprintf("%s: %s", path, issue))
				}
			}
			if err != nil {
				res.FilesFailed++
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", path, err))
				p.logger.Error("file failed", zap.String("path", path), zap.Error(err))
				return nil
			}
			res.FilesProcessed++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	res.Success = res.FilesFailed == 0 && len(res.Errors) == 0
	res.CompletedAt = time.Now()
	p.logger.Info("ingestion finished",
		zap.String("provider", cfg.Provider),
		zap.Int("files", res.FilesProcessed),
		zap.Int("failed", res.FilesFailed),
		zap.Int64("read", res.RecordsRead),
		zap.Int64("written", res.RecordsWritten),
		zap.Int64("skipped", res.RecordsSkipped),
		zap.Bool("dry_run", cfg.DryRun))
	return res, nil
}

func (p *Pipeline) ingestOne(ctx context.Context, adapter *ingest.Adapter, path string, cfg IngestConfig, limiter *pathguard.RateLimiter) (read, written, skipped int64, issues []string, err error) {
	if limiter != nil && !limiter.Allow(cfg.Provider) {
		return 0, 0, 0, nil, fmt.Errorf("rate limit exceeded for provider %s", cfg.Provider)
	}
	if err := adapter.ValidateSource(path, cfg.BaseDir, cfg.MaxBytes); err != nil {
		return 0, 0, 0, nil, err
	}

	stream, err := adapter.Open(path, cfg.Format)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	defer stream.Close()

	flush := func(batch []schema.Record) error {
		if cfg.DryRun || len(batch) == 0 {
			return nil
		}
		r := p.retrier.Do(ctx, func() error {
			_, err := p.store.InsertRaw(ctx, batch)
			return err
		})
		if !r.Success {
			return fmt.Errorf("insert raw batch: %w", r.LastErr)
		}
		return nil
	}

	records, streamIssues, err := drainInBatches(stream, cfg.BatchSize, flush)
	read = records + int64(len(streamIssues))
	written = records
	skipped = int64(len(streamIssues))
	for _, issue := range streamIssues {
		issues = append(issues, issue.String())
	}
	return read, written, skipped, issues, err
}

// drainInBatches pulls the stream and flushes every batchSize records.
func drainInBatches(stream *ingest.Stream, batchSize int, flush func([]schema.Record) error) (int64, []schema.Issue, error) {
	var total int64
	var allIssues []schema.Issue
	batch := make([]schema.Record, 0, batchSize)

	for {
		rec, issues, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, allIssues, err
		}
		if len(issues) > 0 {
			allIssues = append(allIssues, issues...)
			continue
		}
		batch = append(batch, rec)
		if len(batch) >= batchSize {
			if err := flush(batch); err != nil {
				return total, allIssues, err
			}
			total += int64(len(batch))
			batch = batch[:0]
		}
	}
	if err := flush(batch); err != nil {
		return total, allIssues, err
	}
	total += int64(len(batch))
	return total, allIssues, nil
}
