// Package pipeline runs the raw-to-clean ETL: it reads raw rows for a
// date range, classifies user agents against the bot taxonomy, derives
// the enriched clean fields and writes bot_requests_daily, full or
// incremental. Storage faults go through the retry manager.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/querylens/fanout/internal/bots"
	"github.com/querylens/fanout/internal/retry"
	"github.com/querylens/fanout/internal/schema"
	"github.com/querylens/fanout/internal/store"
)

// Mode selects the rebuild semantics.
type Mode string

const (
	// ModeFull deletes the overlapping clean date range before insert.
	ModeFull Mode = "full"
	// ModeIncremental appends rows whose natural key is not present.
	ModeIncremental Mode = "incremental"
)

// Result is the run summary.
type Result struct {
	Success           bool
	RawRows           int64
	TransformedRows   int64
	DuplicatesRemoved int64
	StartedAt         time.Time
	CompletedAt       time.Time
	Errors            []string
}

// Pipeline owns the storage connection for one run.
type Pipeline struct {
	store   *store.Store
	retrier *retry.Manager
	logger  *zap.Logger
}

// New builds a Pipeline; retrier may be nil to run without retries.
func New(st *store.Store, retrier *retry.Manager, logger *zap.Logger) *Pipeline {
	if retrier == nil {
		retrier = retry.NewManager(retry.DefaultPolicy(), nil, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{store: st, retrier: retrier, logger: logger}
}

// Run transforms [start, end] (dates, inclusive). Empty input is
// success with zero rows. Per-day batches are independent: one bad day
// is recorded and the run continues; cancellation stops between days.
func (p *Pipeline) Run(ctx context.Context, start, end string, mode Mode, dryRun bool) (Result, error) {
	res := Result{StartedAt: time.Now()}

	dates, err := datesBetween(start, end)
	if err != nil {
		res.CompletedAt = time.Now()
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}

	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			res.CompletedAt = time.Now()
			res.Errors = append(res.Errors, fmt.Sprintf("canceled at %s", date))
			return res, fmt.Errorf("run canceled at %s: %w", date, err)
		}
		if err := p.runDay(ctx, date, mode, dryRun, &res); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", date, err))
			p.logger.Error("day failed", zap.String("date", date), zap.Error(err))
		}
	}

	if !dryRun && res.TransformedRows > 0 {
		if err := p.store.RefreshAggregates(ctx, start, end); err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
	}

	res.Success = len(res.Errors) == 0
	res.CompletedAt = time.Now()
	p.logger.Info("pipeline finished",
		zap.String("mode", string(mode)),
		zap.Int64("raw", res.RawRows),
		zap.Int64("transformed", res.TransformedRows),
		zap.Int64("duplicates", res.DuplicatesRemoved),
		zap.Int("errors", len(res.Errors)),
		zap.Bool("dry_run", dryRun))
	return res, nil
}

func (p *Pipeline) runDay(ctx context.Context, date string, mode Mode, dryRun bool, res *Result) error {
	raw, err := p.store.ReadRawRange(ctx, date, date)
	if err != nil {
		return err
	}
	res.RawRows += int64(len(raw))
	if len(raw) == 0 {
		return nil
	}

	clean := Transform(raw)

	// Dedup within the batch by natural key, first occurrence wins.
	seen := make(map[string]struct{}, len(clean))
	deduped := clean[:0]
	for _, c := range clean {
		key := c.NaturalKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, c)
	}
	batchDupes := int64(len(clean) - len(deduped))

	var skippedExisting int64
	switch mode {
	case ModeFull:
		if !dryRun {
			r := p.retrier.Do(ctx, func() error {
				_, err := p.store.DeleteDateRange(ctx, "bot_requests_daily", "request_date", date, date)
				return err
			})
			if !r.Success {
				return fmt.Errorf("clear clean range: %w", r.LastErr)
			}
		}
	case ModeIncremental:
		existing, err := p.store.CleanKeys(ctx, date, date)
		if err != nil {
			return err
		}
		kept := deduped[:0]
		for _, c := range deduped {
			if _, dup := existing[c.NaturalKey()]; dup {
				skippedExisting++
				continue
			}
			kept = append(kept, c)
		}
		deduped = kept
	default:
		return fmt.Errorf("invalid mode %q", mode)
	}

	if !dryRun {
		r := p.retrier.Do(ctx, func() error {
			_, err := p.store.InsertClean(ctx, deduped)
			return err
		})
		if !r.Success {
			return fmt.Errorf("insert clean rows: %w", r.LastErr)
		}
	}

	res.TransformedRows += int64(len(deduped))
	res.DuplicatesRemoved += batchDupes + skippedExisting
	return nil
}

// Transform derives clean records from raw ones. Rows whose user agent
// matches no taxonomy entry are dropped; the clean table only carries
// classified bot traffic.
func Transform(raw []schema.Record) []store.CleanRecord {
	out := make([]store.CleanRecord, 0, len(raw))
	for _, r := range raw {
		bot, ok := bots.Classify(r.UserAgent)
		if !ok {
			continue
		}
		out = append(out, store.CleanRecord{
			RequestTimestamp:       r.Timestamp,
			RequestDate:            r.RequestDate(),
			RequestHour:            r.RequestHour(),
			DayOfWeek:              r.DayOfWeek(),
			RequestURI:             r.RequestURI(),
			RequestHost:            r.Host,
			URLPath:                r.Path,
			URLPathDepth:           schema.PathDepth(r.Path),
			QueryString:            r.QueryString,
			ClientIP:               r.ClientIP,
			UserAgentRaw:           r.UserAgent,
			BotName:                bot.Name,
			BotProvider:            bot.Provider,
			BotCategory:            string(bot.Category),
			ResponseStatus:         r.StatusCode,
			ResponseStatusCategory: schema.StatusCategory(r.StatusCode),
		})
	}
	return out
}

// datesBetween expands an inclusive ISO date range in calendar order.
func datesBetween(start, end string) ([]string, error) {
	from, err := time.Parse("2006-01-02", start)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", start, err)
	}
	to, err := time.Parse("2006-01-02", end)
	if err != nil {
		return nil, fmt.Errorf("invalid end date %q: %w", end, err)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("end date %s before start date %s", end, start)
	}
	var dates []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format("2006-01-02"))
	}
	return dates, nil
}
