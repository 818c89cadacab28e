package store

// Table definitions. All DDL is idempotent; Initialize runs every
// statement on each start.

const rawTableDDL = `
CREATE TABLE IF NOT EXISTS raw_bot_requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_timestamp TEXT NOT NULL,
    client_ip TEXT,
    method TEXT,
    request_host TEXT,
    url_path TEXT,
    query_string TEXT,
    response_status INTEGER,
    user_agent_raw TEXT,
    response_bytes INTEGER,
    request_bytes INTEGER,
    response_time_ms INTEGER,
    cache_status TEXT,
    edge_location TEXT,
    referer TEXT,
    protocol TEXT,
    ssl_protocol TEXT,
    source_provider TEXT,
    _ingestion_time TEXT NOT NULL
)`

const cleanTableDDL = `
CREATE TABLE IF NOT EXISTS bot_requests_daily (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_timestamp TEXT NOT NULL,
    request_date TEXT NOT NULL,
    request_hour INTEGER NOT NULL,
    day_of_week TEXT NOT NULL,
    request_uri TEXT NOT NULL,
    request_host TEXT NOT NULL,
    url_path TEXT,
    url_path_depth INTEGER,
    query_string TEXT,
    client_ip TEXT,
    user_agent_raw TEXT,
    bot_name TEXT NOT NULL,
    bot_provider TEXT NOT NULL,
    bot_category TEXT NOT NULL,
    response_status INTEGER NOT NULL,
    response_status_category TEXT NOT NULL,
    _processed_at TEXT NOT NULL
)`

const sessionsTableDDL = `
CREATE TABLE IF NOT EXISTS query_fanout_sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL UNIQUE,
    session_date TEXT NOT NULL,
    session_start_time TEXT NOT NULL,
    session_end_time TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    bot_provider TEXT NOT NULL,
    bot_name TEXT,
    request_count INTEGER NOT NULL,
    unique_urls INTEGER NOT NULL,
    mean_cosine_similarity REAL,
    min_cosine_similarity REAL,
    max_cosine_similarity REAL,
    confidence_level TEXT NOT NULL,
    fanout_session_name TEXT,
    url_list TEXT NOT NULL,
    window_ms REAL NOT NULL,
    _created_at TEXT NOT NULL DEFAULT (datetime('now')),
    CONSTRAINT valid_confidence CHECK (confidence_level IN ('high', 'medium', 'low'))
)`

const dailySummaryDDL = `
CREATE TABLE IF NOT EXISTS daily_summary (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_date TEXT NOT NULL,
    bot_provider TEXT NOT NULL,
    bot_name TEXT NOT NULL,
    bot_category TEXT NOT NULL,
    total_requests INTEGER NOT NULL,
    unique_urls INTEGER NOT NULL,
    unique_hosts INTEGER NOT NULL,
    successful_requests INTEGER NOT NULL,
    error_requests INTEGER NOT NULL,
    redirect_requests INTEGER NOT NULL,
    _aggregated_at TEXT NOT NULL
)`

const urlPerformanceDDL = `
CREATE TABLE IF NOT EXISTS url_performance (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_date TEXT NOT NULL,
    request_host TEXT NOT NULL,
    url_path TEXT NOT NULL,
    total_bot_requests INTEGER NOT NULL,
    unique_bot_providers INTEGER NOT NULL,
    unique_bot_names INTEGER NOT NULL,
    training_hits INTEGER NOT NULL,
    user_request_hits INTEGER NOT NULL,
    successful_requests INTEGER NOT NULL,
    error_requests INTEGER NOT NULL,
    first_seen TEXT NOT NULL,
    last_seen TEXT NOT NULL,
    _aggregated_at TEXT NOT NULL
)`

const providerSummaryDDL = `
CREATE TABLE IF NOT EXISTS bot_provider_summary (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_date TEXT NOT NULL,
    bot_provider TEXT NOT NULL,
    bot_category TEXT NOT NULL,
    total_requests INTEGER NOT NULL,
    unique_urls INTEGER NOT NULL,
    unique_ips INTEGER NOT NULL,
    _aggregated_at TEXT NOT NULL
)`

const dataFreshnessDDL = `
CREATE TABLE IF NOT EXISTS data_freshness (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    table_name TEXT NOT NULL UNIQUE,
    last_processed_date TEXT NOT NULL,
    last_updated_at TEXT NOT NULL,
    rows_processed INTEGER NOT NULL
)`

var tableDDL = []string{
	rawTableDDL,
	cleanTableDDL,
	sessionsTableDDL,
	dailySummaryDDL,
	urlPerformanceDDL,
	providerSummaryDDL,
	dataFreshnessDDL,
}

var indexDDL = []string{
	"CREATE INDEX IF NOT EXISTS idx_raw_timestamp ON raw_bot_requests(request_timestamp)",
	"CREATE INDEX IF NOT EXISTS idx_raw_host ON raw_bot_requests(request_host)",
	"CREATE INDEX IF NOT EXISTS idx_clean_date ON bot_requests_daily(request_date)",
	"CREATE INDEX IF NOT EXISTS idx_clean_provider ON bot_requests_daily(bot_provider)",
	"CREATE INDEX IF NOT EXISTS idx_clean_category ON bot_requests_daily(bot_category)",
	"CREATE INDEX IF NOT EXISTS idx_clean_host ON bot_requests_daily(request_host)",
	"CREATE INDEX IF NOT EXISTS idx_summary_date ON daily_summary(request_date)",
	"CREATE INDEX IF NOT EXISTS idx_summary_provider ON daily_summary(bot_provider)",
	"CREATE INDEX IF NOT EXISTS idx_url_date ON url_performance(request_date)",
	"CREATE INDEX IF NOT EXISTS idx_url_host ON url_performance(request_host)",
	"CREATE INDEX IF NOT EXISTS idx_sessions_date ON query_fanout_sessions(session_date)",
	"CREATE INDEX IF NOT EXISTS idx_sessions_provider ON query_fanout_sessions(bot_provider)",
	"CREATE INDEX IF NOT EXISTS idx_sessions_confidence ON query_fanout_sessions(confidence_level)",
	"CREATE INDEX IF NOT EXISTS idx_sessions_request_count ON query_fanout_sessions(request_count)",
}

// Identifier whitelists. Any table or date column that reaches SQL
// text must appear here first; values always go through placeholders.
var validTables = map[string]struct{}{
	"raw_bot_requests":      {},
	"bot_requests_daily":    {},
	"query_fanout_sessions": {},
	"daily_summary":         {},
	"url_performance":       {},
	"bot_provider_summary":  {},
	"data_freshness":        {},
}

var validDateColumns = map[string]struct{}{
	"request_timestamp": {},
	"request_date":      {},
	"session_date":      {},
	"_ingestion_time":   {},
	"_processed_at":     {},
}
