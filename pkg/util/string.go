package util

import (
	"fmt"
	"strings"
	"time"
)

// Truncate cuts s down to max runes, appending an ellipsis when something
// was dropped. Remote platforms enforce hard field-length limits.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}

// FormatHashtags renders hashtag values with a leading # where missing.
func FormatHashtags(tags []string) string {
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, "#") {
			t = "#" + t
		}
		out = append(out, t)
	}
	return strings.Join(out, " ")
}

// FormatMentions renders mention values with a leading @ where missing.
func FormatMentions(mentions []string) string {
	var out []string
	for _, m := range mentions {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if !strings.HasPrefix(m, "@") {
			m = "@" + m
		}
		out = append(out, m)
	}
	return strings.Join(out, " ")
}

// FormatDateList renders occurrence dates as an enumerated block for a
// remote event description.
func FormatDateList(dates []time.Time) string {
	var b strings.Builder
	for i, d := range dates {
		fmt.Fprintf(&b, "%d. %s\n", i+1, d.Format("2006-01-02 15:04 MST"))
	}
	return strings.TrimRight(b.String(), "\n")
}
