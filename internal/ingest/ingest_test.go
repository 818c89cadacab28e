package ingest

import (
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querylens/fanout/internal/pathguard"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeGzip(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

const universalCSV = `timestamp,client_ip,method,host,path,status_code,user_agent
2025-06-15T10:30:00Z,192.0.2.1,GET,example.com,/docs?page=2,200,GPTBot/1.0
2025-06-15T10:30:01Z,192.0.2.2,GET,example.com,/pricing,404,ClaudeBot/1.0
`

func TestUniversalCSV(t *testing.T) {
	adapter, err := Default().Get("universal")
	require.NoError(t, err)

	stream, err := adapter.Open(writeFile(t, "access.csv", universalCSV), FormatCSV)
	require.NoError(t, err)
	defer stream.Close()

	records, issues, err := stream.Drain()
	require.NoError(t, err)
	assert.Empty(t, issues)
	require.Len(t, records, 2)

	assert.Equal(t, "/docs", records[0].Path)
	assert.Equal(t, "page=2", records[0].QueryString)
	assert.Equal(t, "universal", records[0].SourceProvider)
	assert.Equal(t, 404, records[1].StatusCode)
}

func TestUniversalCSVGzipped(t *testing.T) {
	adapter, err := Default().Get("universal")
	require.NoError(t, err)

	// Magic bytes, not the extension, trigger decompression.
	stream, err := adapter.Open(writeGzip(t, "access.csv", universalCSV), FormatCSV)
	require.NoError(t, err)
	defer stream.Close()

	records, _, err := stream.Drain()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestUniversalCSVSkipsBadRows(t *testing.T) {
	content := `timestamp,client_ip,method,host,path,status_code,user_agent
2025-06-15T10:30:00Z,192.0.2.1,GET,example.com,/a,200,GPTBot/1.0
not-a-time,192.0.2.1,GET,example.com,/b,200,GPTBot/1.0
2025-06-15T10:30:02Z,192.0.2.1,GET,example.com,/c,200,GPTBot/1.0
`
	adapter, err := Default().Get("universal")
	require.NoError(t, err)
	stream, err := adapter.Open(writeFile(t, "bad.csv", content), FormatCSV)
	require.NoError(t, err)
	defer stream.Close()

	records, issues, err := stream.Drain()
	require.NoError(t, err)
	assert.Len(t, records, 2)
	require.Len(t, issues, 1)
	assert.Equal(t, "timestamp", issues[0].Field)
}

func TestCSVMissingHeader(t *testing.T) {
	adapter, err := Default().Get("universal")
	require.NoError(t, err)
	_, err = adapter.Open(writeFile(t, "empty.csv", ""), FormatCSV)
	assert.Error(t, err)
}

func TestCloudflareNDJSON(t *testing.T) {
	content := `{"EdgeStartTimestamp":"2025-06-15T10:30:00Z","ClientIP":"192.0.2.1","ClientRequestMethod":"GET","ClientRequestHost":"example.com","ClientRequestURI":"/docs/api?v=2","EdgeResponseStatus":200,"ClientRequestUserAgent":"Claude-User/1.0","EdgeResponseBytes":5120,"CacheCacheStatus":"hit","EdgeColoCode":"AMS"}
`
	adapter, err := Default().Get("cloudflare")
	require.NoError(t, err)
	stream, err := adapter.Open(writeFile(t, "cf.ndjson", content), "")
	require.NoError(t, err)
	defer stream.Close()

	records, issues, err := stream.Drain()
	require.NoError(t, err)
	require.Empty(t, issues)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, "/docs/api", r.Path)
	assert.Equal(t, "v=2", r.QueryString)
	assert.Equal(t, 200, r.StatusCode)
	require.NotNil(t, r.ResponseBytes)
	assert.Equal(t, int64(5120), *r.ResponseBytes)
	assert.Equal(t, "AMS", r.EdgeLocation)
	assert.Equal(t, "cloudflare", r.SourceProvider)
}

func TestCloudFrontW3C(t *testing.T) {
	content := "#Version: 1.0\n" +
		"#Fields: date time x-edge-location sc-bytes c-ip cs-method cs(Host) cs-uri-stem sc-status cs(Referer) cs(User-Agent) cs-uri-query time-taken ssl-protocol\n" +
		"2025-06-15\t10:30:00\tIAD89-C1\t2048\t192.0.2.1\tGET\texample.com\t/products\t200\t-\tMozilla%2F5.0%20(compatible%3B%20PerplexityBot%2F1.0)\t-\t0.125\tTLSv1.3\n"

	adapter, err := Default().Get("aws_cloudfront")
	require.NoError(t, err)
	stream, err := adapter.Open(writeFile(t, "cf.log", content), "")
	require.NoError(t, err)
	defer stream.Close()

	records, issues, err := stream.Drain()
	require.NoError(t, err)
	require.Empty(t, issues)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, "2025-06-15", r.RequestDate())
	assert.Equal(t, 10, r.RequestHour())
	assert.Contains(t, r.UserAgent, "PerplexityBot/1.0")
	assert.Equal(t, "", r.QueryString)
	require.NotNil(t, r.ResponseTimeMS)
	assert.Equal(t, int64(125), *r.ResponseTimeMS)
	assert.Equal(t, "TLSv1.3", r.SSLProtocol)
}

func TestALBLog(t *testing.T) {
	content := `http 2025-06-15T10:30:00.123456Z app/my-lb/50dc6c495c0c9188 192.0.2.1:54321 10.0.0.1:80 0.000 0.001 0.000 200 200 34 366 "GET https://example.com:443/search?q=laptops HTTP/1.1" "Mozilla/5.0 (compatible; ChatGPT-User/1.0)" ECDHE-RSA-AES128-GCM-SHA256 TLSv1.2 arn:aws:elasticloadbalancing:us-east-1:1:targetgroup/g/1
`
	adapter, err := Default().Get("aws_alb")
	require.NoError(t, err)
	stream, err := adapter.Open(writeFile(t, "alb.log", content), "")
	require.NoError(t, err)
	defer stream.Close()

	records, issues, err := stream.Drain()
	require.NoError(t, err)
	require.Empty(t, issues)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, "192.0.2.1", r.ClientIP)
	assert.Equal(t, "GET", r.Method)
	assert.Equal(t, "example.com", r.Host)
	assert.Equal(t, "/search", r.Path)
	assert.Equal(t, "q=laptops", r.QueryString)
	assert.Equal(t, 200, r.StatusCode)
	assert.Equal(t, "TLSv1.2", r.SSLProtocol)
	assert.Contains(t, r.UserAgent, "ChatGPT-User")
}

func TestALBShortLineSkipped(t *testing.T) {
	adapter, err := Default().Get("aws_alb")
	require.NoError(t, err)
	stream, err := adapter.Open(writeFile(t, "short.log", "http only three fields\n"), "")
	require.NoError(t, err)
	defer stream.Close()

	records, issues, err := stream.Drain()
	require.NoError(t, err)
	assert.Empty(t, records)
	require.Len(t, issues, 1)
	assert.Equal(t, "_row", issues[0].Field)
}

func TestGCPNestedFields(t *testing.T) {
	content := `{"timestamp":"2025-06-15T10:30:00Z","httpRequest":{"remoteIp":"192.0.2.1","requestMethod":"GET","requestUrl":"https://example.com/blog/post?ref=x","status":200,"userAgent":"OAI-SearchBot/1.0","latency":"0.25s","cacheHit":true}}
`
	adapter, err := Default().Get("gcp_cdn")
	require.NoError(t, err)
	stream, err := adapter.Open(writeFile(t, "gcp.ndjson", content), "")
	require.NoError(t, err)
	defer stream.Close()

	records, issues, err := stream.Drain()
	require.NoError(t, err)
	require.Empty(t, issues)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, "example.com", r.Host)
	assert.Equal(t, "/blog/post", r.Path)
	assert.Equal(t, "ref=x", r.QueryString)
	require.NotNil(t, r.ResponseTimeMS)
	assert.Equal(t, int64(250), *r.ResponseTimeMS)
	assert.Equal(t, "HIT", r.CacheStatus)
}

func TestAzureLogAnalyticsSuffixes(t *testing.T) {
	content := `{"TimeGenerated":"2025-06-15T10:30:00Z","clientIp_s":"192.0.2.1","httpMethod_s":"GET","hostName_s":"example.com","requestUri_s":"/docs?lang=en","httpStatusCode_d":200,"userAgent_s":"GPTBot/1.0","timeTaken_d":0.5}
`
	adapter, err := Default().Get("azure_cdn")
	require.NoError(t, err)
	stream, err := adapter.Open(writeFile(t, "azure.ndjson", content), "")
	require.NoError(t, err)
	defer stream.Close()

	records, issues, err := stream.Drain()
	require.NoError(t, err)
	require.Empty(t, issues)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, "/docs", r.Path)
	assert.Equal(t, "lang=en", r.QueryString)
	require.NotNil(t, r.ResponseTimeMS)
	assert.Equal(t, int64(500), *r.ResponseTimeMS)
}

func TestAkamaiEpochTimestamp(t *testing.T) {
	content := `{"reqTimeSec":"1749983400","cliIP":"192.0.2.1","reqMethod":"GET","reqHost":"example.com","reqPath":"/a/b","queryStr":"x=1","statusCode":"200","UA":"ClaudeBot/1.0","bytes":"1000","turnAroundTimeMSec":"42","tlsVersion":"TLSv1.3"}
`
	adapter, err := Default().Get("akamai")
	require.NoError(t, err)
	stream, err := adapter.Open(writeFile(t, "akamai.ndjson", content), "")
	require.NoError(t, err)
	defer stream.Close()

	records, issues, err := stream.Drain()
	require.NoError(t, err)
	require.Empty(t, issues)
	require.Len(t, records, 1)
	assert.Equal(t, "2025-06-15", records[0].RequestDate())
	require.NotNil(t, records[0].ResponseTimeMS)
	assert.Equal(t, int64(42), *records[0].ResponseTimeMS)
}

func TestJSONArrayFormat(t *testing.T) {
	content := `[
  {"timestamp":"2025-06-15T10:30:00Z","client_ip":"192.0.2.1","method":"GET","host":"example.com","path":"/x","status_code":200,"user_agent":"GPTBot/1.0"},
  {"timestamp":"2025-06-15T10:30:01Z","client_ip":"192.0.2.2","method":"GET","host":"example.com","path":"/y","status_code":301,"user_agent":"GPTBot/1.0"}
]`
	adapter, err := Default().Get("universal")
	require.NoError(t, err)
	stream, err := adapter.Open(writeFile(t, "arr.json", content), FormatJSON)
	require.NoError(t, err)
	defer stream.Close()

	records, issues, err := stream.Drain()
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Len(t, records, 2)
}

func TestNDJSONMalformedLineSkipped(t *testing.T) {
	content := `{"timestamp":"2025-06-15T10:30:00Z","client_ip":"192.0.2.1","method":"GET","host":"example.com","path":"/x","status_code":200,"user_agent":"GPTBot/1.0"}
{not json}
`
	adapter, err := Default().Get("universal")
	require.NoError(t, err)
	stream, err := adapter.Open(writeFile(t, "bad.ndjson", content), FormatNDJSON)
	require.NoError(t, err)
	defer stream.Close()

	records, issues, err := stream.Drain()
	require.NoError(t, err)
	assert.Len(t, records, 1)
	require.Len(t, issues, 1)
	assert.Equal(t, "_row", issues[0].Field)
}

func TestAdapterRejectsWrongFormat(t *testing.T) {
	adapter, err := Default().Get("aws_cloudfront")
	require.NoError(t, err)
	_, err = adapter.Open(writeFile(t, "x.csv", universalCSV), FormatCSV)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	for _, name := range []string{
		"universal", "cloudflare", "aws_cloudfront", "aws_alb",
		"fastly", "azure_cdn", "gcp_cdn", "akamai",
	} {
		_, err := Default().Get(name)
		assert.NoError(t, err, "provider %s", name)
	}

	_, err := Default().Get("netlify")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	assert.Len(t, Default().Providers(), 8)
}

func TestValidateSource(t *testing.T) {
	adapter, err := Default().Get("universal")
	require.NoError(t, err)

	base := t.TempDir()
	path := filepath.Join(base, "logs.csv")
	require.NoError(t, os.WriteFile(path, []byte(universalCSV), 0o644))

	assert.NoError(t, adapter.ValidateSource(path, base, 0))
	assert.ErrorIs(t, adapter.ValidateSource("../escape.csv", base, 0), pathguard.ErrInvalidPath)
	assert.ErrorIs(t, adapter.ValidateSource(path, base, 10), pathguard.ErrInvalidPath)
}

func TestAcceptsSource(t *testing.T) {
	adapter, err := Default().Get("universal")
	require.NoError(t, err)

	assert.True(t, adapter.AcceptsSource(SourceFile))
	assert.True(t, adapter.AcceptsSource(SourceDirectory))
	assert.False(t, adapter.AcceptsSource(SourceStream))
	assert.Equal(t, SourceFile, adapter.DefaultSourceType)

	// An adapter that declares nothing reads plain files only.
	bare := &Adapter{Name: "bare"}
	assert.True(t, bare.AcceptsSource(SourceFile))
	assert.False(t, bare.AcceptsSource(SourceDirectory))
}

func TestExpandSourceFile(t *testing.T) {
	adapter, err := Default().Get("universal")
	require.NoError(t, err)

	path := writeFile(t, "access.csv", universalCSV)
	files, err := adapter.ExpandSource(path, "")
	require.NoError(t, err)
	assert.Equal(t, []string{path}, files)
}

func TestExpandSourceDirectory(t *testing.T) {
	adapter, err := Default().Get("universal")
	require.NoError(t, err)

	dir := t.TempDir()
	for _, name := range []string{"b.csv", "a.csv", "notes.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(universalCSV), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0o755))

	files, err := adapter.ExpandSource(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.csv"),
		filepath.Join(dir, "b.csv"),
	}, files)
}

func TestExpandSourceRejections(t *testing.T) {
	adapter, err := Default().Get("universal")
	require.NoError(t, err)

	_, err = adapter.ExpandSource(filepath.Join(t.TempDir(), "missing.csv"), "")
	assert.ErrorIs(t, err, pathguard.ErrInvalidPath)

	_, err = adapter.ExpandSource(t.TempDir(), "")
	assert.ErrorIs(t, err, pathguard.ErrInvalidPath) // no log files inside

	fileOnly := &Adapter{Name: "fileonly", SourceTypes: []SourceType{SourceFile}}
	_, err = fileOnly.ExpandSource(t.TempDir(), "")
	assert.ErrorIs(t, err, pathguard.ErrInvalidPath)
}
