// Package stoppattern compiles a user-supplied regular expression and
// matches it against assistant output. A malformed pattern must never be
// able to crash the engine, so compile failures disable matching instead of
// propagating.
package stoppattern

import (
	"log/slog"
	"regexp"
)

// Default is the stop pattern used when a loop's config omits one.
const Default = `<promise>COMPLETE</promise>$`

// Detector safely matches assistant output against a compiled pattern.
type Detector struct {
	re      *regexp.Regexp
	pattern string
}

// New compiles pattern. On failure the Detector is still returned, but
// Matches always returns false and a warning is logged through logger (or
// the default logger if nil) — the caller never sees the compile error.
func New(pattern string, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if pattern == "" {
		pattern = Default
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logger.Warn("stop pattern failed to compile; detector disabled", "pattern", pattern, "error", err)
		return &Detector{pattern: pattern}
	}
	return &Detector{re: re, pattern: pattern}
}

// Matches reports whether text matches the compiled pattern. A disabled
// detector (failed compile) always returns false.
func (d *Detector) Matches(text string) bool {
	if d == nil || d.re == nil {
		return false
	}
	return d.re.MatchString(text)
}

// Enabled reports whether the pattern compiled successfully.
func (d *Detector) Enabled() bool {
	return d != nil && d.re != nil
}

// Pattern returns the original pattern string, compiled or not.
func (d *Detector) Pattern() string {
	if d == nil {
		return ""
	}
	return d.pattern
}
