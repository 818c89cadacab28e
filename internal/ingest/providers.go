package ingest

import (
	"net/url"
	"strconv"
	"strings"
)

// Built-in provider adapters. Field maps mirror each CDN's documented
// log shape; fixups handle the parts a flat mapping cannot express.

func init() {
	for _, a := range []*Adapter{
		universalAdapter(),
		cloudflareAdapter(),
		cloudfrontAdapter(),
		albAdapter(),
		fastlyAdapter(),
		azureAdapter(),
		gcpAdapter(),
		akamaiAdapter(),
	} {
		// Every built-in adapter reads single files and whole log
		// directories; none speaks a push stream.
		a.SourceTypes = []SourceType{SourceFile, SourceDirectory}
		a.DefaultSourceType = SourceFile
		defaultRegistry.Register(a)
	}
}

// commonAliases covers the field name variations seen across generic
// CSV/JSON exports. Shared by the universal and fastly adapters.
var commonAliases = map[string][]string{
	"timestamp":        {"timestamp", "time", "date", "request_time", "start_time"},
	"client_ip":        {"client_ip", "clientip", "client", "ip", "remote_addr"},
	"method":           {"method", "http_method", "request_method", "verb"},
	"host":             {"host", "hostname", "server_name", "domain"},
	"path":             {"path", "uri", "url", "request_uri", "request_path"},
	"status_code":      {"status_code", "status", "http_status", "response_code"},
	"user_agent":       {"user_agent", "useragent", "user-agent", "ua"},
	"query_string":     {"query_string", "query", "qs", "querystring"},
	"request_bytes":    {"request_bytes", "request_size", "bytes_received"},
	"response_bytes":   {"response_bytes", "bytes", "body_bytes", "size", "bytes_sent"},
	"response_time_ms": {"response_time_ms", "response_time", "duration", "latency", "time_taken"},
	"referer":          {"referer", "referrer", "http_referer"},
	"protocol":         {"protocol", "http_protocol", "http_version"},
	"ssl_protocol":     {"ssl_protocol", "tls_version", "ssl_version", "tls_protocol"},
	"cache_status":     {"cache_status", "cache", "cache_hit", "hit"},
	"edge_location":    {"edge_location", "pop", "datacenter", "location"},
}

func universalAdapter() *Adapter {
	return &Adapter{
		Name:          "universal",
		Formats:       []Format{FormatCSV, FormatTSV, FormatJSON, FormatNDJSON},
		DefaultFormat: FormatCSV,
		Aliases:       commonAliases,
		Fixup:         splitPathQuery,
	}
}

func fastlyAdapter() *Adapter {
	return &Adapter{
		Name:          "fastly",
		Formats:       []Format{FormatJSON, FormatNDJSON, FormatCSV},
		DefaultFormat: FormatNDJSON,
		Aliases:       commonAliases,
		Fixup:         splitPathQuery,
	}
}

func cloudflareAdapter() *Adapter {
	return &Adapter{
		Name:          "cloudflare",
		Formats:       []Format{FormatCSV, FormatJSON, FormatNDJSON},
		DefaultFormat: FormatNDJSON,
		FieldMap: []FieldMapping{
			{"EdgeStartTimestamp", "timestamp"},
			{"ClientIP", "client_ip"},
			{"ClientRequestMethod", "method"},
			{"ClientRequestHost", "host"},
			{"ClientRequestURI", "request_uri"},
			{"EdgeResponseStatus", "status_code"},
			{"ClientRequestUserAgent", "user_agent"},
			{"EdgeResponseBytes", "response_bytes"},
			{"ClientRequestBytes", "request_bytes"},
			{"OriginResponseTime", "response_time_ms"},
			{"CacheCacheStatus", "cache_status"},
			{"EdgeColoCode", "edge_location"},
			{"ClientRequestReferer", "referer"},
			{"ClientRequestProtocol", "protocol"},
		},
		Fixup: func(raw RawRow, fields map[string]string) {
			// ClientRequestURI carries path and query together.
			if uri := fields["request_uri"]; uri != "" {
				path, query, _ := strings.Cut(uri, "?")
				fields["path"] = path
				fields["query_string"] = query
				delete(fields, "request_uri")
			}
		},
	}
}

func cloudfrontAdapter() *Adapter {
	return &Adapter{
		Name:          "aws_cloudfront",
		Formats:       []Format{FormatW3C},
		DefaultFormat: FormatW3C,
		FieldMap: []FieldMapping{
			{"c-ip", "client_ip"},
			{"cs-method", "method"},
			{"cs(Host)", "host"},
			{"cs-uri-stem", "path"},
			{"cs-uri-query", "query_string"},
			{"sc-status", "status_code"},
			{"cs(User-Agent)", "user_agent"},
			{"sc-bytes", "response_bytes"},
			{"cs-bytes", "request_bytes"},
			{"x-edge-result-type", "cache_status"},
			{"x-edge-location", "edge_location"},
			{"cs(Referer)", "referer"},
			{"cs-protocol", "protocol"},
			{"ssl-protocol", "ssl_protocol"},
		},
		Fixup: func(raw RawRow, fields map[string]string) {
			// W3C splits the timestamp over two columns and marks
			// absent values with "-".
			d, _ := lookup(raw, "date")
			t, _ := lookup(raw, "time")
			if ds, ts := stringify(d), stringify(t); ds != "" && ts != "" {
				fields["timestamp"] = ds + " " + ts
			}
			if tt, ok := lookup(raw, "time-taken"); ok {
				fields["response_time_ms"] = secondsToMillis(stringify(tt))
			}
			for k, v := range fields {
				if v == "-" {
					fields[k] = ""
				}
			}
			if ua := fields["user_agent"]; ua != "" {
				// CloudFront URL-encodes the user agent.
				if decoded, err := url.QueryUnescape(ua); err == nil {
					fields["user_agent"] = decoded
				}
			}
		},
	}
}

func albAdapter() *Adapter {
	return &Adapter{
		Name:          "aws_alb",
		Formats:       []Format{FormatALB},
		DefaultFormat: FormatALB,
		FieldMap: []FieldMapping{
			{"f1", "timestamp"},
			{"f8", "status_code"},
			{"f10", "request_bytes"},
			{"f11", "response_bytes"},
			{"f13", "user_agent"},
			{"f15", "ssl_protocol"},
		},
		Fixup: func(raw RawRow, fields map[string]string) {
			// f3 is client:port; f12 is the quoted request line
			// "METHOD scheme://host:port/path?query HTTP/x".
			if cp, ok := lookup(raw, "f3"); ok {
				host := stringify(cp)
				if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host, "]") {
					host = host[:i]
				}
				fields["client_ip"] = strings.Trim(host, "[]")
			}
			if rl, ok := lookup(raw, "f12"); ok {
				parts := strings.Fields(stringify(rl))
				if len(parts) >= 2 {
					fields["method"] = parts[0]
					if u, err := url.Parse(parts[1]); err == nil {
						fields["host"] = u.Hostname()
						fields["path"] = u.Path
						fields["query_string"] = u.RawQuery
					}
				}
				if len(parts) >= 3 {
					fields["protocol"] = parts[2]
				}
			}
		},
	}
}

func azureAdapter() *Adapter {
	return &Adapter{
		Name:          "azure_cdn",
		Formats:       []Format{FormatJSON, FormatNDJSON, FormatCSV},
		DefaultFormat: FormatNDJSON,
		FieldMap: []FieldMapping{
			// Native diagnostic log shape.
			{"Time", "timestamp"},
			{"ClientIp", "client_ip"},
			{"HttpMethod", "method"},
			{"HostName", "host"},
			{"RequestUri", "path"},
			{"HttpStatusCode", "status_code"},
			{"UserAgent", "user_agent"},
			{"ResponseBytes", "response_bytes"},
			{"RequestBytes", "request_bytes"},
			{"CacheStatus", "cache_status"},
			{"Pop", "edge_location"},
			{"Referrer", "referer"},
			{"RequestProtocol", "protocol"},
			{"SecurityProtocol", "ssl_protocol"},
			// Log Analytics export shape (_s / _d suffixes).
			{"TimeGenerated", "timestamp"},
			{"clientIp_s", "client_ip"},
			{"requestMethod_s", "method"},
			{"httpMethod_s", "method"},
			{"hostName_s", "host"},
			{"requestUri_s", "path"},
			{"httpStatusCode_d", "status_code"},
			{"userAgent_s", "user_agent"},
			{"responseBytes_d", "response_bytes"},
			{"requestBytes_d", "request_bytes"},
			{"cacheStatus_s", "cache_status"},
			{"pop_s", "edge_location"},
			{"referrer_s", "referer"},
			{"requestProtocol_s", "protocol"},
			{"securityProtocol_s", "ssl_protocol"},
		},
		Fixup: func(raw RawRow, fields map[string]string) {
			// Azure reports TimeTaken in seconds.
			for _, key := range []string{"TimeTaken", "timeTaken_d"} {
				if v, ok := lookup(raw, key); ok {
					fields["response_time_ms"] = secondsToMillis(stringify(v))
					break
				}
			}
			splitPathQuery(raw, fields)
		},
	}
}

func gcpAdapter() *Adapter {
	return &Adapter{
		Name:          "gcp_cdn",
		Formats:       []Format{FormatJSON, FormatNDJSON},
		DefaultFormat: FormatNDJSON,
		FieldMap: []FieldMapping{
			{"timestamp", "timestamp"},
			{"httpRequest.remoteIp", "client_ip"},
			{"httpRequest.requestMethod", "method"},
			{"httpRequest.requestUrl", "request_url"},
			{"httpRequest.status", "status_code"},
			{"httpRequest.userAgent", "user_agent"},
			{"httpRequest.requestSize", "request_bytes"},
			{"httpRequest.responseSize", "response_bytes"},
			{"httpRequest.referer", "referer"},
			{"httpRequest.protocol", "protocol"},
			{"httpRequest.serverIp", "edge_location"},
		},
		Fixup: func(raw RawRow, fields map[string]string) {
			if full := fields["request_url"]; full != "" {
				if u, err := url.Parse(full); err == nil {
					fields["host"] = u.Hostname()
					fields["path"] = u.Path
					fields["query_string"] = u.RawQuery
				}
				delete(fields, "request_url")
			}
			// latency is a duration string like "0.123s".
			if v, ok := lookup(raw, "httpRequest.latency"); ok {
				s := strings.TrimSuffix(stringify(v), "s")
				fields["response_time_ms"] = secondsToMillis(s)
			}
			if v, ok := lookup(raw, "httpRequest.cacheHit"); ok {
				if stringify(v) == "true" {
					fields["cache_status"] = "HIT"
				} else {
					fields["cache_status"] = "MISS"
				}
			}
		},
	}
}

func akamaiAdapter() *Adapter {
	return &Adapter{
		Name:          "akamai",
		Formats:       []Format{FormatJSON, FormatNDJSON},
		DefaultFormat: FormatNDJSON,
		FieldMap: []FieldMapping{
			{"reqTimeSec", "timestamp"},
			{"cliIP", "client_ip"},
			{"reqMethod", "method"},
			{"reqHost", "host"},
			{"reqPath", "path"},
			{"queryStr", "query_string"},
			{"statusCode", "status_code"},
			{"UA", "user_agent"},
			{"bytes", "response_bytes"},
			{"turnAroundTimeMSec", "response_time_ms"},
			{"cacheStatus", "cache_status"},
			{"edgeIP", "edge_location"},
			{"referer", "referer"},
			{"proto", "protocol"},
			{"tlsVersion", "ssl_protocol"},
		},
	}
}

// splitPathQuery peels a query string off the path when the source
// delivered them joined.
func splitPathQuery(_ RawRow, fields map[string]string) {
	if p := fields["path"]; strings.Contains(p, "?") {
		path, query, _ := strings.Cut(p, "?")
		fields["path"] = path
		if fields["query_string"] == "" {
			fields["query_string"] = query
		}
	}
}

func secondsToMillis(s string) string {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return ""
	}
	return strconv.FormatInt(int64(f*1000), 10)
}
