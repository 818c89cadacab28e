// Package pathguard validates filesystem paths handed to the ingestion
// layer and provides a keyed token-bucket rate limiter for callers that
// read from shared sources.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidPath marks any rejection by Validate. The wrapped message
// carries the structured reason.
var ErrInvalidPath = errors.New("invalid path")

// Characters and sequences that never belong in a log path. Variable
// expansion and shell metacharacters are rejected outright rather than
// escaped.
var forbiddenSubstrings = []string{
	"..", "\x00", "~", "${", "$(", "`", "|", ";", "&", ">", "<",
}

// Options controls path validation.
type Options struct {
	// BaseDir, when set, requires the resolved path to live under it.
	BaseDir string
	// AllowSymlinks permits symbolic-link components.
	AllowSymlinks bool
	// CheckExists requires the path to exist and be a regular file.
	CheckExists bool
	// MaxBytes caps the file size when >0 and the file exists.
	MaxBytes int64
}

// Validate checks a path against traversal, metacharacter, symlink,
// containment and size rules. The returned error wraps ErrInvalidPath
// with the specific reason; callers decide whether to abort or skip.
func Validate(path string, opts Options) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, bad := range forbiddenSubstrings {
		if strings.Contains(path, bad) {
			return fmt.Errorf("%w: forbidden sequence %q in %q", ErrInvalidPath, bad, path)
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %q: %v", ErrInvalidPath, path, err)
	}

	if !opts.AllowSymlinks {
		if err := rejectSymlinks(abs); err != nil {
			return err
		}
	}

	if opts.BaseDir != "" {
		base, err := filepath.Abs(opts.BaseDir)
		if err != nil {
			return fmt.Errorf("%w: cannot resolve base dir: %v", ErrInvalidPath, err)
		}
		rel, err := filepath.Rel(base, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: %q escapes base directory %q", ErrInvalidPath, path, opts.BaseDir)
		}
	}

	if opts.CheckExists || opts.MaxBytes > 0 {
		info, err := os.Stat(abs)
		if err != nil {
			if opts.CheckExists {
				return fmt.Errorf("%w: %q does not exist", ErrInvalidPath, path)
			}
			return nil
		}
		if opts.CheckExists && info.IsDir() {
			return fmt.Errorf("%w: %q is a directory", ErrInvalidPath, path)
		}
		if opts.MaxBytes > 0 && info.Size() > opts.MaxBytes {
			return fmt.Errorf("%w: %q is %s, limit %s",
				ErrInvalidPath, path, FormatSize(info.Size()), FormatSize(opts.MaxBytes))
		}
	}

	return nil
}

// rejectSymlinks walks each existing component of the path and fails on
// the first symbolic link. Missing components are fine; they cannot be
// links yet.
func rejectSymlinks(abs string) error {
	parts := strings.Split(abs, string(filepath.Separator))
	current := string(filepath.Separator)
	for _, part := range parts {
		if part == "" {
			continue
		}
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("%w: cannot inspect %q: %v", ErrInvalidPath, current, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: symlink component %q", ErrInvalidPath, current)
		}
	}
	return nil
}

// FormatSize renders a byte count as a human-readable string.
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
