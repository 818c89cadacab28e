package schema

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// FieldType tags the expected shape of a canonical field.
type FieldType string

const (
	FieldTimestamp FieldType = "timestamp"
	FieldString    FieldType = "string"
	FieldInteger   FieldType = "integer"
)

// FieldDef describes one canonical field: its type, whether an adapter
// must supply it, an optional length bound and an optional validator
// over the raw string value.
type FieldDef struct {
	Name      string
	Type      FieldType
	Required  bool
	MaxLength int
	Validate  func(string) bool
}

// Issue is a single per-record validation finding. Issues are values,
// not errors: a record with issues is skipped, the stream continues.
type Issue struct {
	Field  string
	Reason string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Field, i.Reason)
}

var httpMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "DELETE": {}, "PATCH": {},
	"HEAD": {}, "OPTIONS": {}, "TRACE": {}, "CONNECT": {},
}

func validTimestamp(v string) bool {
	_, err := ParseTimestamp(v)
	return err == nil
}

func validIP(v string) bool {
	_, err := netip.ParseAddr(v)
	return err == nil
}

func validMethod(v string) bool {
	_, ok := httpMethods[strings.ToUpper(v)]
	return ok
}

func validStatus(v string) bool {
	code, err := strconv.Atoi(v)
	return err == nil && code >= 100 && code <= 599
}

func validNonEmpty(v string) bool {
	return strings.TrimSpace(v) != ""
}

func validNonNegativeInt(v string) bool {
	if v == "" {
		return true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return err == nil && n >= 0
}

// RequiredFields is the part of the catalog every adapter must fill.
var RequiredFields = []FieldDef{
	{Name: "timestamp", Type: FieldTimestamp, Required: true, Validate: validTimestamp},
	{Name: "client_ip", Type: FieldString, Required: true, MaxLength: 45, Validate: validIP},
	{Name: "method", Type: FieldString, Required: true, MaxLength: 10, Validate: validMethod},
	{Name: "host", Type: FieldString, Required: true, MaxLength: 253, Validate: validNonEmpty},
	{Name: "path", Type: FieldString, Required: true, MaxLength: 8192, Validate: validNonEmpty},
	{Name: "status_code", Type: FieldInteger, Required: true, Validate: validStatus},
	{Name: "user_agent", Type: FieldString, Required: true, MaxLength: 4096, Validate: validNonEmpty},
}

// OptionalFields may or may not be present depending on the provider.
var OptionalFields = []FieldDef{
	{Name: "query_string", Type: FieldString, MaxLength: 8192},
	{Name: "response_bytes", Type: FieldInteger, Validate: validNonNegativeInt},
	{Name: "request_bytes", Type: FieldInteger, Validate: validNonNegativeInt},
	{Name: "response_time_ms", Type: FieldInteger, Validate: validNonNegativeInt},
	{Name: "cache_status", Type: FieldString, MaxLength: 50},
	{Name: "edge_location", Type: FieldString, MaxLength: 50},
	{Name: "referer", Type: FieldString, MaxLength: 4096},
	{Name: "protocol", Type: FieldString, MaxLength: 20},
	{Name: "ssl_protocol", Type: FieldString, MaxLength: 20},
}

// Catalog maps field name to definition for both tiers.
var Catalog = func() map[string]FieldDef {
	m := make(map[string]FieldDef, len(RequiredFields)+len(OptionalFields))
	for _, f := range RequiredFields {
		m[f.Name] = f
	}
	for _, f := range OptionalFields {
		m[f.Name] = f
	}
	return m
}()

// ValidateField checks one raw value against the catalog. Unknown
// fields are allowed; adapters drop them before mapping.
func ValidateField(name, value string) (bool, Issue) {
	def, ok := Catalog[name]
	if !ok {
		return true, Issue{}
	}
	if def.Required && strings.TrimSpace(value) == "" {
		return false, Issue{Field: name, Reason: "required field is missing"}
	}
	if value == "" {
		return true, Issue{}
	}
	if def.MaxLength > 0 && len(value) > def.MaxLength {
		return false, Issue{
			Field:  name,
			Reason: fmt.Sprintf("exceeds maximum length: %d > %d", len(value), def.MaxLength),
		}
	}
	if def.Validate != nil && !def.Validate(value) {
		return false, Issue{
			Field:  name,
			Reason: fmt.Sprintf("invalid value %q (expected %s)", value, def.Type),
		}
	}
	return true, Issue{}
}

// ValidateMap validates a raw field map in catalog order: required
// fields first, then (in strict mode) every optional field present.
func ValidateMap(fields map[string]string, strict bool) []Issue {
	var issues []Issue
	for _, def := range RequiredFields {
		v, present := fields[def.Name]
		if !present || strings.TrimSpace(v) == "" {
			issues = append(issues, Issue{Field: def.Name, Reason: "required field is missing"})
			continue
		}
		if ok, issue := ValidateField(def.Name, v); !ok {
			issues = append(issues, issue)
		}
	}
	if strict {
		for _, def := range OptionalFields {
			if v, present := fields[def.Name]; present && v != "" {
				if ok, issue := ValidateField(def.Name, v); !ok {
					issues = append(issues, issue)
				}
			}
		}
	}
	return issues
}

// FromMap builds a Record from a validated raw field map. Callers run
// ValidateMap first; FromMap only reports conversion failures.
func FromMap(fields map[string]string, sourceProvider string) (Record, []Issue) {
	var issues []Issue

	ts, err := ParseTimestamp(fields["timestamp"])
	if err != nil {
		issues = append(issues, Issue{Field: "timestamp", Reason: err.Error()})
	}
	code, err := strconv.Atoi(strings.TrimSpace(fields["status_code"]))
	if err != nil {
		issues = append(issues, Issue{Field: "status_code", Reason: "not an integer"})
	}

	r := Record{
		Timestamp:      ts,
		ClientIP:       fields["client_ip"],
		Method:         strings.ToUpper(fields["method"]),
		Host:           fields["host"],
		Path:           fields["path"],
		StatusCode:     code,
		UserAgent:      fields["user_agent"],
		QueryString:    fields["query_string"],
		CacheStatus:    fields["cache_status"],
		EdgeLocation:   fields["edge_location"],
		Referer:        fields["referer"],
		Protocol:       fields["protocol"],
		SSLProtocol:    fields["ssl_protocol"],
		SourceProvider: sourceProvider,
	}
	r.ResponseBytes = optInt64(fields, "response_bytes", &issues)
	r.RequestBytes = optInt64(fields, "request_bytes", &issues)
	r.ResponseTimeMS = optInt64(fields, "response_time_ms", &issues)

	return r, issues
}

func optInt64(fields map[string]string, name string, issues *[]Issue) *int64 {
	v, ok := fields[name]
	if !ok || v == "" || v == "-" {
		return nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		// Some providers emit floats for byte counts.
		f, ferr := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if ferr != nil {
			*issues = append(*issues, Issue{Field: name, Reason: "not an integer"})
			return nil
		}
		n = int64(f)
	}
	if n < 0 {
		return nil
	}
	return &n
}
