package store

import (
	"context"
	"fmt"
	"time"
)

// RefreshAggregates rebuilds the derived reporting tables for
// [start, end]: the overlapping date range is deleted from each
// aggregate and recomputed from bot_requests_daily in one transaction.
func (s *Store) RefreshAggregates(ctx context.Context, start, end string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refresh aggregates: %w", err)
	}
	defer tx.Rollback()

	now := FormatTime(time.Now())

	for _, table := range []string{"daily_summary", "url_performance", "bot_provider_summary"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE request_date BETWEEN ? AND ?", table),
			start, end); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_summary (
			request_date, bot_provider, bot_name, bot_category,
			total_requests, unique_urls, unique_hosts,
			successful_requests, error_requests, redirect_requests, _aggregated_at)
		SELECT request_date, bot_provider, bot_name, bot_category,
		       COUNT(*),
		       COUNT(DISTINCT request_uri),
		       COUNT(DISTINCT request_host),
		       SUM(CASE WHEN response_status_category = '2xx_success' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN response_status_category IN ('4xx_client_error', '5xx_server_error') THEN 1 ELSE 0 END),
		       SUM(CASE WHEN response_status_category = '3xx_redirect' THEN 1 ELSE 0 END),
		       ?
		FROM bot_requests_daily
		WHERE request_date BETWEEN ? AND ?
		GROUP BY request_date, bot_provider, bot_name, bot_category`,
		now, start, end); err != nil {
		return fmt.Errorf("refresh daily_summary: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO url_performance (
			request_date, request_host, url_path, total_bot_requests,
			unique_bot_providers, unique_bot_names, training_hits,
			user_request_hits, successful_requests, error_requests,
			first_seen, last_seen, _aggregated_at)
		SELECT request_date, request_host, COALESCE(url_path, '/'),
		       COUNT(*),
		       COUNT(DISTINCT bot_provider),
		       COUNT(DISTINCT bot_name),
		       SUM(CASE WHEN bot_category = 'training' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN bot_category = 'user_request' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN response_status_category = '2xx_success' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN response_status_category IN ('4xx_client_error', '5xx_server_error') THEN 1 ELSE 0 END),
		       MIN(request_timestamp),
		       MAX(request_timestamp),
		       ?
		FROM bot_requests_daily
		WHERE request_date BETWEEN ? AND ?
		GROUP BY request_date, request_host, url_path`,
		now, start, end); err != nil {
		return fmt.Errorf("refresh url_performance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bot_provider_summary (
			request_date, bot_provider, bot_category, total_requests,
			unique_urls, unique_ips, _aggregated_at)
		SELECT request_date, bot_provider, bot_category,
		       COUNT(*),
		       COUNT(DISTINCT request_uri),
		       COUNT(DISTINCT client_ip),
		       ?
		FROM bot_requests_daily
		WHERE request_date BETWEEN ? AND ?
		GROUP BY request_date, bot_provider, bot_category`,
		now, start, end); err != nil {
		return fmt.Errorf("refresh bot_provider_summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refresh aggregates: %w", err)
	}
	return nil
}
