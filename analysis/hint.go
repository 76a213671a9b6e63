package analysis

import (
	"regexp"
	"strings"
)

// Identity travels inside the SQL text itself as a structured comment, so any
// layer downstream of the capture point can recover it without a call-context
// channel. The comment format is shared with existing deployments and must
// not change.
var hintPattern = regexp.MustCompile(`/\* user_id:(.*?) \*/`)

// InjectHint prepends the identity hint comment to a statement. Statements
// that already carry a hint are returned unchanged.
func InjectHint(sql, identity string) string {
	if identity == "" || hintPattern.MatchString(sql) {
		return sql
	}
	return "/* user_id:" + identity + " */ " + sql
}

// ExtractHint reads the identity from a hinted statement. Returns the empty
// string when no hint is present.
func ExtractHint(sql string) string {
	m := hintPattern.FindStringSubmatch(sql)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// StripHint removes the identity hint comment before structural analysis.
func StripHint(sql string) string {
	return hintPattern.ReplaceAllString(sql, "")
}
