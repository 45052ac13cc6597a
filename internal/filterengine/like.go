package filterengine

import (
	"regexp"
	"strings"
)

// matchLike reports whether s matches a SQL LIKE pattern where % matches
// any run of characters and _ matches exactly one character. Every other
// character, including regex metacharacters, is matched literally — the
// pattern is escaped before translation so that a pattern containing `.`
// matches a literal `.` rather than "any character" (spec §8, "LIKE is
// literal-safe").
func matchLike(s, pattern string) bool {
	re, err := LikeToRegexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// LikeToRegexp translates a LIKE pattern into an anchored, case-insensitive
// regexp, escaping every regex metacharacter in the pattern before
// substituting the two LIKE wildcards. Exported so that virtual tables
// needing the same literal-safe matching outside of filterengine.Eval
// (e.g. the `source` table's file= / file LIKE lookup) can reuse it
// instead of hand-rolling pattern translation.
func LikeToRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}
