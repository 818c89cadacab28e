package ingest

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// RawRow is one parsed but not yet normalized record. JSON sources keep
// nested values; tabular sources hold flat strings.
type RawRow map[string]any

// RowIssue reports a malformed row that was skipped. The stream
// continues past it.
type RowIssue struct {
	Line   int
	Reason string
}

// rowStream is the lazy, forward-only contract every parser satisfies.
// Next returns io.EOF when the source is exhausted. A non-nil RowIssue
// with a nil row means the row was skipped.
type rowStream interface {
	Next() (RawRow, *RowIssue, error)
	Close() error
}

// --- CSV / TSV ---

type csvStream struct {
	rc     io.ReadCloser
	reader *csv.Reader
	header []string
	line   int
}

// newCSVStream requires a header row; delimiter is parametric so the
// same reader serves CSV and TSV.
func newCSVStream(rc io.ReadCloser, delimiter rune) (*csvStream, error) {
	r := csv.NewReader(rc)
	r.Comma = delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		rc.Close()
		if err == io.EOF {
			return nil, fmt.Errorf("missing header row")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	return &csvStream{rc: rc, reader: r, header: header, line: 1}, nil
}

func (s *csvStream) Next() (RawRow, *RowIssue, error) {
	record, err := s.reader.Read()
	s.line++
	if err == io.EOF {
		return nil, nil, io.EOF
	}
	if err != nil {
		return nil, &RowIssue{Line: s.line, Reason: err.Error()}, nil
	}
	if len(record) != len(s.header) {
		return nil, &RowIssue{
			Line:   s.line,
			Reason: fmt.Sprintf("field count %d does not match header %d", len(record), len(s.header)),
		}, nil
	}
	row := make(RawRow, len(s.header))
	for i, name := range s.header {
		row[name] = record[i]
	}
	return row, nil, nil
}

func (s *csvStream) Close() error { return s.rc.Close() }

// --- NDJSON ---

type ndjsonStream struct {
	rc      io.ReadCloser
	scanner *bufio.Scanner
	line    int
}

func newNDJSONStream(rc io.ReadCloser) *ndjsonStream {
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &ndjsonStream{rc: rc, scanner: sc}
}

func (s *ndjsonStream) Next() (RawRow, *RowIssue, error) {
	for s.scanner.Scan() {
		s.line++
		text := strings.TrimSpace(s.scanner.Text())
		if text == "" {
			continue
		}
		var row RawRow
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, &RowIssue{Line: s.line, Reason: fmt.Sprintf("malformed json: %v", err)}, nil
		}
		return row, nil, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan line %d: %w", s.line, err)
	}
	return nil, nil, io.EOF
}

func (s *ndjsonStream) Close() error { return s.rc.Close() }

// --- JSON array ---

// jsonArrayStream walks the top-level array with a token decoder so the
// whole document is never resident at once.
type jsonArrayStream struct {
	rc      io.ReadCloser
	decoder *json.Decoder
	started bool
	index   int
}

func newJSONArrayStream(rc io.ReadCloser) *jsonArrayStream {
	return &jsonArrayStream{rc: rc, decoder: json.NewDecoder(rc)}
}

func (s *jsonArrayStream) Next() (RawRow, *RowIssue, error) {
	if !s.started {
		tok, err := s.decoder.Token()
		if err != nil {
			if err == io.EOF {
				return nil, nil, io.EOF
			}
			return nil, nil, fmt.Errorf("read json: %w", err)
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return nil, nil, fmt.Errorf("expected top-level array, got %v", tok)
		}
		s.started = true
	}

	if !s.decoder.More() {
		// Consume the closing bracket so trailing garbage surfaces.
		if _, err := s.decoder.Token(); err != nil && err != io.EOF {
			return nil, nil, fmt.Errorf("read json: %w", err)
		}
		return nil, nil, io.EOF
	}

	s.index++
	var row RawRow
	if err := s.decoder.Decode(&row); err != nil {
		return nil, nil, fmt.Errorf("decode element %d: %w", s.index, err)
	}
	return row, nil, nil
}

func (s *jsonArrayStream) Close() error { return s.rc.Close() }

// --- W3C extended (CloudFront) ---

// w3cStream parses #Fields: directives for column order and emits each
// tab-separated data line keyed by those columns.
type w3cStream struct {
	rc      io.ReadCloser
	scanner *bufio.Scanner
	fields  []string
	line    int
}

func newW3CStream(rc io.ReadCloser) *w3cStream {
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &w3cStream{rc: rc, scanner: sc}
}

func (s *w3cStream) Next() (RawRow, *RowIssue, error) {
	for s.scanner.Scan() {
		s.line++
		text := strings.TrimRight(s.scanner.Text(), "\r\n")
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			if strings.HasPrefix(text, "#Fields:") {
				s.fields = strings.Fields(strings.TrimPrefix(text, "#Fields:"))
			}
			continue
		}
		if len(s.fields) == 0 {
			return nil, &RowIssue{Line: s.line, Reason: "data before #Fields: directive"}, nil
		}
		values := strings.Split(text, "\t")
		if len(values) != len(s.fields) {
			return nil, &RowIssue{
				Line:   s.line,
				Reason: fmt.Sprintf("field count %d does not match directive %d", len(values), len(s.fields)),
			}, nil
		}
		row := make(RawRow, len(s.fields))
		for i, name := range s.fields {
			row[name] = values[i]
		}
		return row, nil, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan line %d: %w", s.line, err)
	}
	return nil, nil, io.EOF
}

func (s *w3cStream) Close() error { return s.rc.Close() }

// --- AWS ALB (positional, space-delimited with quoted segments) ---

type albStream struct {
	rc      io.ReadCloser
	scanner *bufio.Scanner
	line    int
}

func newALBStream(rc io.ReadCloser) *albStream {
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &albStream{rc: rc, scanner: sc}
}

func (s *albStream) Next() (RawRow, *RowIssue, error) {
	for s.scanner.Scan() {
		s.line++
		text := strings.TrimSpace(s.scanner.Text())
		if text == "" {
			continue
		}
		tokens := splitQuoted(text)
		if len(tokens) < 17 {
			return nil, &RowIssue{
				Line:   s.line,
				Reason: fmt.Sprintf("expected at least 17 fields, got %d", len(tokens)),
			}, nil
		}
		row := make(RawRow, len(tokens))
		for i, tok := range tokens {
			row[fmt.Sprintf("f%d", i)] = tok
		}
		return row, nil, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan line %d: %w", s.line, err)
	}
	return nil, nil, io.EOF
}

func (s *albStream) Close() error { return s.rc.Close() }

// splitQuoted splits on spaces while keeping double-quoted segments
// (the request line and user agent) intact, quotes stripped.
func splitQuoted(line string) []string {
	var tokens []string
	var b strings.Builder
	inQuotes := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' && !inQuotes:
			if b.Len() > 0 {
				tokens = append(tokens, b.String())
				b.Reset()
			}
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}
