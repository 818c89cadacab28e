// Package store is the SQLite persistence layer: raw and clean request
// tables, fan-out sessions, derived aggregates and freshness
// bookkeeping. Identifiers are whitelisted, values parameterized;
// writes serialize on a single mutex because SQLite allows one writer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// sqlTime is the fixed-width UTC layout used for every stored
// timestamp. Fixed width keeps lexicographic order chronological, which
// the range queries rely on.
const sqlTime = "2006-01-02T15:04:05.000Z"

// FormatTime renders a timestamp in the storage layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(sqlTime)
}

// ParseTime reads timestamps written by this package, falling back to
// layouts older exports used.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{
		sqlTime,
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// Store wraps one SQLite database.
type Store struct {
	db      *sqlx.DB
	writeMu sync.Mutex
	logger  *zap.Logger
}

// Open connects to the database file (":memory:" works for tests) and
// applies the session pragmas.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// One writer at a time; pooling extra connections only causes
	// SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the connection.
func (s *Store) Close() error { return s.db.Close() }

// Initialize creates every table and index if absent.
func (s *Store) Initialize(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, ddl := range tableDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, ddl := range indexDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func checkTable(name string) error {
	if _, ok := validTables[name]; !ok {
		return fmt.Errorf("table %q is not whitelisted", name)
	}
	return nil
}

func checkDateColumn(name string) error {
	if _, ok := validDateColumns[name]; !ok {
		return fmt.Errorf("date column %q is not whitelisted", name)
	}
	return nil
}

// Query runs a parameterized read.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return rows, nil
}

// Execute runs a parameterized write or DDL and returns affected rows.
func (s *Store) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("execute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// TableExists reports whether the named table exists.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	if err := checkTable(name); err != nil {
		return false, err
	}
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name)
	if err != nil {
		return false, fmt.Errorf("table exists: %w", err)
	}
	return count > 0, nil
}

// RowCount returns the total rows in a whitelisted table.
func (s *Store) RowCount(ctx context.Context, table string) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	var count int64
	err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM "+table)
	if err != nil {
		return 0, fmt.Errorf("row count %s: %w", table, err)
	}
	return count, nil
}

// DateRangeCount counts rows whose date column falls inside
// [start, end] (dates as "2006-01-02", inclusive).
func (s *Store) DateRangeCount(ctx context.Context, table, dateColumn, start, end string) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	if err := checkDateColumn(dateColumn); err != nil {
		return 0, err
	}
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE substr(%s, 1, 10) BETWEEN ? AND ?", table, dateColumn)
	if err := s.db.GetContext(ctx, &count, query, start, end); err != nil {
		return 0, fmt.Errorf("date range count %s: %w", table, err)
	}
	return count, nil
}

// DeleteDateRange removes rows whose date column falls inside
// [start, end] and returns the number deleted.
func (s *Store) DeleteDateRange(ctx context.Context, table, dateColumn, start, end string) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	if err := checkDateColumn(dateColumn); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE substr(%s, 1, 10) BETWEEN ? AND ?", table, dateColumn)
	return s.Execute(ctx, query, start, end)
}

// Vacuum reclaims space after large deletes.
func (s *Store) Vacuum(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// touchFreshness upserts the data_freshness row for a table after a
// successful write batch.
func (s *Store) touchFreshness(ctx context.Context, tx *sql.Tx, table, processedDate string, rows int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO data_freshness (table_name, last_processed_date, last_updated_at, rows_processed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET
			last_processed_date = excluded.last_processed_date,
			last_updated_at = excluded.last_updated_at,
			rows_processed = excluded.rows_processed`,
		table, processedDate, FormatTime(time.Now()), rows)
	if err != nil {
		return fmt.Errorf("touch freshness %s: %w", table, err)
	}
	return nil
}

// Freshness returns last_processed_date and rows_processed for a
// table, or ok=false when never written.
func (s *Store) Freshness(ctx context.Context, table string) (string, int64, bool, error) {
	if err := checkTable(table); err != nil {
		return "", 0, false, err
	}
	var row struct {
		Date string `db:"last_processed_date"`
		Rows int64  `db:"rows_processed"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT last_processed_date, rows_processed FROM data_freshness WHERE table_name = ?", table)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("freshness %s: %w", table, err)
	}
	return row.Date, row.Rows, true, nil
}

// datesIn returns the distinct dates (ascending) a query produces.
func (s *Store) datesIn(ctx context.Context, query string, args ...any) ([]string, error) {
	var dates []string
	if err := s.db.SelectContext(ctx, &dates, query, args...); err != nil {
		return nil, err
	}
	return dates, nil
}

// DatesWithData lists dates in [start, end] that have clean rows.
func (s *Store) DatesWithData(ctx context.Context, start, end string) ([]string, error) {
	dates, err := s.datesIn(ctx, `
		SELECT DISTINCT request_date FROM bot_requests_daily
		WHERE request_date BETWEEN ? AND ? ORDER BY request_date`, start, end)
	if err != nil {
		return nil, fmt.Errorf("dates with data: %w", err)
	}
	return dates, nil
}

// DatesWithSessions lists dates in [start, end] that already have
// sessions.
func (s *Store) DatesWithSessions(ctx context.Context, start, end string) ([]string, error) {
	dates, err := s.datesIn(ctx, `
		SELECT DISTINCT session_date FROM query_fanout_sessions
		WHERE session_date BETWEEN ? AND ? ORDER BY session_date`, start, end)
	if err != nil {
		return nil, fmt.Errorf("dates with sessions: %w", err)
	}
	return dates, nil
}

// IsUniqueViolation reports whether an error is a UNIQUE constraint
// failure. These are integrity bugs and must never be retried.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
