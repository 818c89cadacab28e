package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/querylens/fanout/internal/schema"
)

// CleanRecord is one enriched row of bot_requests_daily.
type CleanRecord struct {
	RequestTimestamp       time.Time
	RequestDate            string
	RequestHour            int
	DayOfWeek              string
	RequestURI             string
	RequestHost            string
	URLPath                string
	URLPathDepth           int
	QueryString            string
	ClientIP               string
	UserAgentRaw           string
	BotName                string
	BotProvider            string
	BotCategory            string
	ResponseStatus         int
	ResponseStatusCategory string
}

// NaturalKey identifies a clean row for deduplication.
func (c CleanRecord) NaturalKey() string {
	return strings.Join([]string{
		FormatTime(c.RequestTimestamp), c.ClientIP, c.RequestURI, c.UserAgentRaw,
	}, "\x1f")
}

// InsertRaw appends normalized records to raw_bot_requests inside one
// transaction and returns the number written.
func (s *Store) InsertRaw(ctx context.Context, records []schema.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert raw: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_bot_requests (
			request_timestamp, client_ip, method, request_host, url_path,
			query_string, response_status, user_agent_raw, response_bytes,
			request_bytes, response_time_ms, cache_status, edge_location,
			referer, protocol, ssl_protocol, source_provider, _ingestion_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert raw: %w", err)
	}
	defer stmt.Close()

	now := FormatTime(time.Now())
	var written int64
	var lastDate string
	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			FormatTime(r.Timestamp), r.ClientIP, r.Method, r.Host, r.Path,
			nullable(r.QueryString), r.StatusCode, r.UserAgent, r.ResponseBytes,
			r.RequestBytes, r.ResponseTimeMS, nullable(r.CacheStatus),
			nullable(r.EdgeLocation), nullable(r.Referer), nullable(r.Protocol),
			nullable(r.SSLProtocol), r.SourceProvider, now)
		if err != nil {
			return 0, fmt.Errorf("insert raw row: %w", err)
		}
		written++
		if d := r.RequestDate(); d > lastDate {
			lastDate = d
		}
	}

	if err := s.touchFreshness(ctx, tx, "raw_bot_requests", lastDate, written); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert raw: %w", err)
	}
	return written, nil
}

// ReadRawRange streams raw rows with timestamps inside [start, end]
// (dates, end inclusive) back as normalized records, ordered by
// timestamp.
func (s *Store) ReadRawRange(ctx context.Context, start, end string) ([]schema.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_timestamp, client_ip, method, request_host, url_path,
		       COALESCE(query_string, ''), response_status, user_agent_raw,
		       COALESCE(source_provider, '')
		FROM raw_bot_requests
		WHERE substr(request_timestamp, 1, 10) BETWEEN ? AND ?
		ORDER BY request_timestamp`, start, end)
	if err != nil {
		return nil, fmt.Errorf("read raw range: %w", err)
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		var r schema.Record
		var ts string
		if err := rows.Scan(&ts, &r.ClientIP, &r.Method, &r.Host, &r.Path,
			&r.QueryString, &r.StatusCode, &r.UserAgent, &r.SourceProvider); err != nil {
			return nil, fmt.Errorf("scan raw row: %w", err)
		}
		t, err := ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("raw row: %w", err)
		}
		r.Timestamp = t
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertClean appends clean rows in one transaction.
func (s *Store) InsertClean(ctx context.Context, records []CleanRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert clean: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bot_requests_daily (
			request_timestamp, request_date, request_hour, day_of_week,
			request_uri, request_host, url_path, url_path_depth, query_string,
			client_ip, user_agent_raw, bot_name, bot_provider, bot_category,
			response_status, response_status_category, _processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert clean: %w", err)
	}
	defer stmt.Close()

	now := FormatTime(time.Now())
	var written int64
	var lastDate string
	for _, c := range records {
		_, err := stmt.ExecContext(ctx,
			FormatTime(c.RequestTimestamp), c.RequestDate, c.RequestHour,
			c.DayOfWeek, c.RequestURI, c.RequestHost, c.URLPath,
			c.URLPathDepth, nullable(c.QueryString), c.ClientIP,
			c.UserAgentRaw, c.BotName, c.BotProvider, c.BotCategory,
			c.ResponseStatus, c.ResponseStatusCategory, now)
		if err != nil {
			return 0, fmt.Errorf("insert clean row: %w", err)
		}
		written++
		if c.RequestDate > lastDate {
			lastDate = c.RequestDate
		}
	}

	if err := s.touchFreshness(ctx, tx, "bot_requests_daily", lastDate, written); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert clean: %w", err)
	}
	return written, nil
}

// CleanKeys returns the natural keys of existing clean rows in
// [start, end]; incremental ETL uses it to drop duplicates.
func (s *Store) CleanKeys(ctx context.Context, start, end string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_timestamp, COALESCE(client_ip, ''), request_uri,
		       COALESCE(user_agent_raw, '')
		FROM bot_requests_daily
		WHERE request_date BETWEEN ? AND ?`, start, end)
	if err != nil {
		return nil, fmt.Errorf("clean keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var ts, ip, uri, ua string
		if err := rows.Scan(&ts, &ip, &uri, &ua); err != nil {
			return nil, fmt.Errorf("scan clean key: %w", err)
		}
		keys[strings.Join([]string{ts, ip, uri, ua}, "\x1f")] = struct{}{}
	}
	return keys, rows.Err()
}

// CleanRequest is the slim projection the bundler and optimizer read.
type CleanRequest struct {
	Timestamp   time.Time
	URL         string
	BotProvider string
	BotName     string
	BotCategory string
}

// CleanRequestFilter narrows ReadCleanRequests. Zero values mean no
// filtering on that axis.
type CleanRequestFilter struct {
	Category          string
	ExcludedProviders []string
}

// ReadCleanRequests reads clean rows in [start, end] ordered by
// timestamp, projected for bundling.
func (s *Store) ReadCleanRequests(ctx context.Context, start, end string, filter CleanRequestFilter) ([]CleanRequest, error) {
	query := `
		SELECT request_timestamp, request_uri, bot_provider, bot_name, bot_category
		FROM bot_requests_daily
		WHERE request_date BETWEEN ? AND ?`
	args := []any{start, end}

	if filter.Category != "" {
		query += " AND bot_category = ?"
		args = append(args, filter.Category)
	}
	for _, p := range filter.ExcludedProviders {
		query += " AND bot_provider != ?"
		args = append(args, p)
	}
	query += " ORDER BY request_timestamp, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read clean requests: %w", err)
	}
	defer rows.Close()

	var out []CleanRequest
	for rows.Next() {
		var r CleanRequest
		var ts string
		if err := rows.Scan(&ts, &r.URL, &r.BotProvider, &r.BotName, &r.BotCategory); err != nil {
			return nil, fmt.Errorf("scan clean request: %w", err)
		}
		t, err := ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("clean request: %w", err)
		}
		r.Timestamp = t
		out = append(out, r)
	}
	return out, rows.Err()
}

// nullable converts "" to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
