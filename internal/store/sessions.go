package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionRow is one persisted query fan-out session. Similarity fields
// are pointers; a singleton that skipped scoring stores NULLs.
type SessionRow struct {
	SessionID        string
	SessionDate      string
	StartTime        time.Time
	EndTime          time.Time
	DurationMS       int64
	BotProvider      string
	BotName          string
	RequestCount     int
	UniqueURLs       int
	MeanSimilarity   *float64
	MinSimilarity    *float64
	MaxSimilarity    *float64
	ConfidenceLevel  string
	SessionName      string
	URLListJSON      string
	WindowMS         float64
}

const insertSessionSQL = `
	INSERT INTO query_fanout_sessions (
		session_id, session_date, session_start_time, session_end_time,
		duration_ms, bot_provider, bot_name, request_count, unique_urls,
		mean_cosine_similarity, min_cosine_similarity, max_cosine_similarity,
		confidence_level, fanout_session_name, url_list, window_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func execInsertSession(ctx context.Context, stmt *sql.Stmt, row SessionRow) error {
	_, err := stmt.ExecContext(ctx,
		row.SessionID, row.SessionDate, FormatTime(row.StartTime),
		FormatTime(row.EndTime), row.DurationMS, row.BotProvider,
		nullable(row.BotName), row.RequestCount, row.UniqueURLs,
		row.MeanSimilarity, row.MinSimilarity, row.MaxSimilarity,
		row.ConfidenceLevel, nullable(row.SessionName), row.URLListJSON,
		row.WindowMS)
	return err
}

// InsertSessions appends session rows in production order within one
// transaction. A UNIQUE violation on session_id aborts the batch.
func (s *Store) InsertSessions(ctx context.Context, rows []SessionRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert sessions: %w", err)
	}
	defer tx.Rollback()

	n, err := insertSessionsTx(ctx, tx, rows)
	if err != nil {
		return 0, err
	}
	if err := s.touchFreshness(ctx, tx, "query_fanout_sessions", rows[len(rows)-1].SessionDate, n); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert sessions: %w", err)
	}
	return n, nil
}

func insertSessionsTx(ctx context.Context, tx *sql.Tx, rows []SessionRow) (int64, error) {
	stmt, err := tx.PrepareContext(ctx, insertSessionSQL)
	if err != nil {
		return 0, fmt.Errorf("prepare insert session: %w", err)
	}
	defer stmt.Close()

	var written int64
	for _, row := range rows {
		if err := execInsertSession(ctx, stmt, row); err != nil {
			return 0, fmt.Errorf("insert session %s: %w", row.SessionID, err)
		}
		written++
	}
	return written, nil
}

// ReplaceSessionsForDate atomically swaps one date's sessions: the
// date range is deleted and the new rows inserted inside a single
// transaction, which is what makes backfill per-day atomic.
func (s *Store) ReplaceSessionsForDate(ctx context.Context, date string, rows []SessionRow) (deleted, inserted int64, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin replace sessions: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM query_fanout_sessions WHERE session_date = ?", date)
	if err != nil {
		return 0, 0, fmt.Errorf("delete sessions for %s: %w", date, err)
	}
	deleted, _ = res.RowsAffected()

	inserted, err = insertSessionsTx(ctx, tx, rows)
	if err != nil {
		return 0, 0, err
	}
	if err := s.touchFreshness(ctx, tx, "query_fanout_sessions", date, inserted); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit replace sessions: %w", err)
	}
	return deleted, inserted, nil
}

// SessionCountForDate counts sessions on one date.
func (s *Store) SessionCountForDate(ctx context.Context, date string) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM query_fanout_sessions WHERE session_date = ?", date)
	if err != nil {
		return 0, fmt.Errorf("session count for %s: %w", date, err)
	}
	return count, nil
}

// ReadSessions returns sessions in [start, end] ordered by start time.
func (s *Store) ReadSessions(ctx context.Context, start, end string) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, session_date, session_start_time, session_end_time,
		       duration_ms, bot_provider, COALESCE(bot_name, ''), request_count,
		       unique_urls, mean_cosine_similarity, min_cosine_similarity,
		       max_cosine_similarity, confidence_level,
		       COALESCE(fanout_session_name, ''), url_list, window_ms
		FROM query_fanout_sessions
		WHERE session_date BETWEEN ? AND ?
		ORDER BY session_start_time, id`, start, end)
	if err != nil {
		return nil, fmt.Errorf("read sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		var startTS, endTS string
		var mean, min, max sql.NullFloat64
		if err := rows.Scan(&row.SessionID, &row.SessionDate, &startTS, &endTS,
			&row.DurationMS, &row.BotProvider, &row.BotName, &row.RequestCount,
			&row.UniqueURLs, &mean, &min, &max, &row.ConfidenceLevel,
			&row.SessionName, &row.URLListJSON, &row.WindowMS); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if row.StartTime, err = ParseTime(startTS); err != nil {
			return nil, fmt.Errorf("session %s: %w", row.SessionID, err)
		}
		if row.EndTime, err = ParseTime(endTS); err != nil {
			return nil, fmt.Errorf("session %s: %w", row.SessionID, err)
		}
		if mean.Valid {
			row.MeanSimilarity = &mean.Float64
		}
		if min.Valid {
			row.MinSimilarity = &min.Float64
		}
		if max.Valid {
			row.MaxSimilarity = &max.Float64
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
