package session

import (
	"net/url"
	"strings"
)

// Extension words dropped from the end of a derived name when at
// least one other word remains.
var commonExtensions = map[string]struct{}{
	"html": {}, "htm": {}, "pdf": {}, "txt": {}, "doc": {}, "docx": {},
	"xls": {}, "xlsx": {}, "ppt": {}, "pptx": {}, "xml": {}, "json": {},
	"csv": {}, "jpg": {}, "jpeg": {}, "png": {}, "gif": {}, "svg": {},
	"css": {}, "js": {},
}

// DeriveName builds the human-readable session name from a URL's last
// path segment: separators become spaces, a trailing file-extension
// word is dropped, whitespace collapses. A root path is "homepage";
// a segment that reduces to nothing is "unknown".
func DeriveName(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	path := strings.TrimRight(parsed.Path, "/")
	if path == "" {
		return "homepage"
	}

	segment := path[strings.LastIndex(path, "/")+1:]
	if segment == "" {
		return "homepage"
	}

	replacer := strings.NewReplacer("-", " ", "_", " ", ".", " ")
	words := strings.Fields(replacer.Replace(segment))
	if len(words) > 1 {
		if _, ok := commonExtensions[strings.ToLower(words[len(words)-1])]; ok {
			words = words[:len(words)-1]
		}
	}

	name := strings.Join(words, " ")
	if name == "" {
		return "unknown"
	}
	return name
}
