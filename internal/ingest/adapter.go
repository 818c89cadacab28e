package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/querylens/fanout/internal/pathguard"
	"github.com/querylens/fanout/internal/schema"
)

// ErrUnknownProvider is returned on a registry miss.
var ErrUnknownProvider = errors.New("unknown provider")

// Format selects the parser an adapter reads with.
type Format string

const (
	FormatCSV    Format = "csv"
	FormatTSV    Format = "tsv"
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatW3C    Format = "w3c"
	FormatALB    Format = "alb"
)

// SourceType names a kind of input an adapter can read from.
type SourceType string

const (
	SourceFile      SourceType = "file"
	SourceDirectory SourceType = "directory"
	// SourceStream is declared for adapters fed by log push; no stream
	// reader exists yet, so no adapter lists it.
	SourceStream SourceType = "streaming"
)

// FieldMapping maps one source column to a canonical field. Mappings
// are ordered; the first one that produces a value for a canonical
// field wins.
type FieldMapping struct {
	Source    string
	Canonical string
}

// Adapter declares how one provider's logs become normalized records:
// the formats and source types it accepts, its field map, alias
// fallbacks, and an optional fixup for provider-specific reshaping
// (URI splitting, unit conversion, composite timestamps).
type Adapter struct {
	Name              string
	Formats           []Format
	DefaultFormat     Format
	SourceTypes       []SourceType
	DefaultSourceType SourceType
	FieldMap          []FieldMapping
	// Aliases are tried for a canonical field the FieldMap left empty.
	Aliases map[string][]string
	// Fixup runs after mapping, before validation.
	Fixup func(raw RawRow, fields map[string]string)
}

// ValidateSource checks the source path through the path guard before
// any file is opened.
func (a *Adapter) ValidateSource(path, baseDir string, maxBytes int64) error {
	return pathguard.Validate(path, pathguard.Options{
		BaseDir:     baseDir,
		CheckExists: true,
		MaxBytes:    maxBytes,
	})
}

// AcceptsSource reports whether the adapter reads the given source
// type. An adapter that declares nothing reads plain files.
func (a *Adapter) AcceptsSource(t SourceType) bool {
	if len(a.SourceTypes) == 0 {
		return t == SourceFile
	}
	for _, have := range a.SourceTypes {
		if have == t {
			return true
		}
	}
	return false
}

// Extensions a directory expansion treats as log data. Anything else
// in the directory (readmes, checksums, subdirectories) is ignored.
var dataExtensions = map[string]bool{
	".csv": true, ".tsv": true, ".json": true, ".ndjson": true,
	".jsonl": true, ".log": true, ".txt": true, ".gz": true,
}

// ExpandSource resolves one source argument into concrete file paths.
// A regular file maps to itself; a directory, when the adapter accepts
// directory sources, expands to its data files in name order.
func (a *Adapter) ExpandSource(path, baseDir string) ([]string, error) {
	if err := pathguard.Validate(path, pathguard.Options{BaseDir: baseDir}); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %q does not exist", pathguard.ErrInvalidPath, path)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	if !a.AcceptsSource(SourceDirectory) {
		return nil, fmt.Errorf("%w: %q is a directory, adapter %s reads %v sources",
			pathguard.ErrInvalidPath, path, a.Name, a.SourceTypes)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", path, err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if !dataExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		files = append(files, filepath.Join(path, entry.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: directory %q contains no log files", pathguard.ErrInvalidPath, path)
	}
	return files, nil
}

// Open returns a lazy stream of normalized records from the file.
// format may be empty to use the adapter's default.
func (a *Adapter) Open(path string, format Format) (*Stream, error) {
	if format == "" {
		format = a.DefaultFormat
	}
	if !a.accepts(format) {
		return nil, fmt.Errorf("adapter %s does not accept format %q", a.Name, format)
	}

	rc, err := openAuto(path)
	if err != nil {
		return nil, err
	}

	var rows rowStream
	switch format {
	case FormatCSV:
		rows, err = newCSVStream(rc, ',')
	case FormatTSV:
		rows, err = newCSVStream(rc, '\t')
	case FormatJSON:
		rows = newJSONArrayStream(rc)
	case FormatNDJSON:
		rows = newNDJSONStream(rc)
	case FormatW3C:
		rows = newW3CStream(rc)
	case FormatALB:
		rows = newALBStream(rc)
	default:
		rc.Close()
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s as %s: %w", path, format, err)
	}

	return &Stream{rows: rows, adapter: a}, nil
}

func (a *Adapter) accepts(f Format) bool {
	for _, have := range a.Formats {
		if have == f {
			return true
		}
	}
	return false
}

// normalize maps a raw row onto the canonical field set.
func (a *Adapter) normalize(raw RawRow) map[string]string {
	fields := make(map[string]string, len(a.FieldMap))
	for _, m := range a.FieldMap {
		if fields[m.Canonical] != "" {
			continue
		}
		if v, ok := lookup(raw, m.Source); ok {
			fields[m.Canonical] = stringify(v)
		}
	}
	for canonical, alts := range a.Aliases {
		if fields[canonical] != "" {
			continue
		}
		for _, alt := range alts {
			if v, ok := lookup(raw, alt); ok && stringify(v) != "" {
				fields[canonical] = stringify(v)
				break
			}
		}
	}
	if a.Fixup != nil {
		a.Fixup(raw, fields)
	}
	return fields
}

// lookup resolves a source key, following dotted paths into nested
// objects (GCP log entries nest under httpRequest).
func lookup(raw RawRow, key string) (any, bool) {
	if v, ok := raw[key]; ok {
		return v, true
	}
	if !strings.Contains(key, ".") {
		return nil, false
	}
	parts := strings.Split(key, ".")
	var current any = map[string]any(raw)
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Stream yields normalized, validated records one at a time. Records
// that fail validation come back with a non-empty issue list and a zero
// record; the stream itself stays usable.
type Stream struct {
	rows    rowStream
	adapter *Adapter
}

// Next returns the next record. io.EOF signals exhaustion. A returned
// issue list means the row was skipped, not that the stream failed.
func (s *Stream) Next() (schema.Record, []schema.Issue, error) {
	raw, rowIssue, err := s.rows.Next()
	if err != nil {
		return schema.Record{}, nil, err
	}
	if rowIssue != nil {
		issue := schema.Issue{
			Field:  "_row",
			Reason: fmt.Sprintf("line %d: %s", rowIssue.Line, rowIssue.Reason),
		}
		return schema.Record{}, []schema.Issue{issue}, nil
	}

	fields := s.adapter.normalize(raw)
	if issues := schema.ValidateMap(fields, false); len(issues) > 0 {
		return schema.Record{}, issues, nil
	}
	rec, issues := schema.FromMap(fields, s.adapter.Name)
	if len(issues) > 0 {
		return schema.Record{}, issues, nil
	}
	return rec, nil, nil
}

// Drain reads the stream to exhaustion, returning the valid records
// and all accumulated issues.
func (s *Stream) Drain() ([]schema.Record, []schema.Issue, error) {
	var records []schema.Record
	var issues []schema.Issue
	for {
		rec, recIssues, err := s.Next()
		if err == io.EOF {
			return records, issues, nil
		}
		if err != nil {
			return records, issues, err
		}
		if len(recIssues) > 0 {
			issues = append(issues, recIssues...)
			continue
		}
		records = append(records, rec)
	}
}

// Close releases the underlying file.
func (s *Stream) Close() error { return s.rows.Close() }

// Registry is the process-wide adapter lookup, keyed by provider name.
// It is populated at init and effectively read-only afterwards; the
// lock exists for the rare test that registers its own adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*Adapter)}
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a *Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name] = a
}

// Get resolves a provider name; a miss is ErrUnknownProvider.
func (r *Registry) Get(name string) (*Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return a, nil
}

// Providers lists registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry with all built-in
// adapters registered.
func Default() *Registry { return defaultRegistry }
