package intent

import (
	"regexp"
	"strings"
	"time"
)

// DateLayout is the wire format for all deadline dates.
const DateLayout = "2006-01-02"

var isoDatePattern = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)

// ResolveDeadline picks a deadline date from free text. Precedence is
// fixed: an explicit YYYY-MM-DD token wins over a "mañana" marker,
// which wins over the rule default. Explicit tokens are passed through
// uninterpreted beyond the regex shape.
func ResolveDeadline(text string, defaultOffsetDays int, today time.Time) string {
	if m := isoDatePattern.FindString(text); m != "" {
		return m
	}
	if strings.Contains(strings.ToLower(text), "mañana") {
		return today.AddDate(0, 0, 1).Format(DateLayout)
	}
	return today.AddDate(0, 0, defaultOffsetDays).Format(DateLayout)
}
