// Package schema defines the normalized request record that every
// provider adapter maps into, together with the declarative field
// catalog and the per-field validators.
package schema

import (
	"strings"
	"time"
)

// Record is the normalized request produced by ingestion.
// Optional numeric fields are pointers so "absent" survives the trip
// through validation and storage.
type Record struct {
	Timestamp      time.Time `db:"request_timestamp"`
	ClientIP       string    `db:"client_ip"`
	Method         string    `db:"method"`
	Host           string    `db:"request_host"`
	Path           string    `db:"url_path"`
	StatusCode     int       `db:"response_status"`
	UserAgent      string    `db:"user_agent_raw"`
	QueryString    string    `db:"query_string"`
	ResponseBytes  *int64    `db:"response_bytes"`
	RequestBytes   *int64    `db:"request_bytes"`
	ResponseTimeMS *int64    `db:"response_time_ms"`
	CacheStatus    string    `db:"cache_status"`
	EdgeLocation   string    `db:"edge_location"`
	Referer        string    `db:"referer"`
	Protocol       string    `db:"protocol"`
	SSLProtocol    string    `db:"ssl_protocol"`
	SourceProvider string    `db:"source_provider"`
}

// RequestURI joins path and query string the way the clean table stores it.
func (r Record) RequestURI() string {
	if r.QueryString == "" {
		return r.Path
	}
	return r.Path + "?" + r.QueryString
}

// StatusCategory buckets an HTTP status code.
// Codes outside 200..599 fall into "other"; upstream validation keeps
// those out of the clean table except for the 1xx range.
func StatusCategory(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx_success"
	case code >= 300 && code < 400:
		return "3xx_redirect"
	case code >= 400 && code < 500:
		return "4xx_client_error"
	case code >= 500 && code < 600:
		return "5xx_server_error"
	default:
		return "other"
	}
}

// RequestDate formats the timestamp as the partition date (UTC).
func (r Record) RequestDate() string {
	return r.Timestamp.UTC().Format("2006-01-02")
}

// RequestHour returns the UTC hour 0..23.
func (r Record) RequestHour() int {
	return r.Timestamp.UTC().Hour()
}

// DayOfWeek returns the English weekday name ("Monday", ...).
func (r Record) DayOfWeek() string {
	return r.Timestamp.UTC().Weekday().String()
}

// PathDepth counts non-empty path segments. "/" and "" are depth 0.
func PathDepth(path string) int {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return 0
	}
	return len(strings.Split(trimmed, "/"))
}
