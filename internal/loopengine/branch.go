package loopengine

import (
	"regexp"
	"strings"
	"time"
)

var nonBranchChar = regexp.MustCompile(`[^a-z0-9-]`)
var repeatedHyphen = regexp.MustCompile(`-+`)

const maxSanitizedNameLen = 40

// sanitizeBranchName lower-cases name, maps non-[a-z0-9-] runs to a single
// "-", trims leading/trailing hyphens, and truncates to 40 chars (trimming
// a hyphen left at the truncation boundary). An empty result becomes
// "unnamed". Idempotent: sanitizeBranchName(sanitizeBranchName(x)) ==
// sanitizeBranchName(x).
func sanitizeBranchName(name string) string {
	s := strings.ToLower(name)
	s = nonBranchChar.ReplaceAllString(s, "-")
	s = repeatedHyphen.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSanitizedNameLen {
		s = s[:maxSanitizedNameLen]
		s = strings.TrimRight(s, "-")
	}
	if s == "" {
		return "unnamed"
	}
	return s
}

// generateBranchName builds a loop's working-branch name:
// <prefix><sanitize(name)>-<YYYY-MM-DD-HH-MM-SS>.
func generateBranchName(prefix, name string, ts time.Time) string {
	return prefix + sanitizeBranchName(name) + "-" + ts.UTC().Format("2006-01-02-15-04-05")
}
