package elapsed

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Day is the largest unit the label uses. Calendar days are not
// consulted; a day is always 24 hours of elapsed time.
const Day = 24 * time.Hour

// Style selects how an elapsed duration is rendered.
type Style int

const (
	// StyleWords renders a single unit: "3 hours ago".
	StyleWords Style = iota
	// StyleClock renders total hours and minutes: "3:30".
	StyleClock
)

// ParseStyle maps a config value to a [Style].
func ParseStyle(s string) (Style, error) {
	switch s {
	case "", "words":
		return StyleWords, nil
	case "clock":
		return StyleClock, nil
	default:
		return StyleWords, fmt.Errorf("unknown display style %q", s)
	}
}

// Between returns now - past, clamped to zero when now precedes past.
func Between(past, now time.Time) time.Duration {
	d := now.Sub(past)
	if d < 0 {
		return 0
	}
	return d
}

// Format renders d using the largest whole unit it reaches. Thresholds
// are inclusive, so exactly one hour is "1 hour ago". Zero renders as
// "0 minutes ago".
func Format(d time.Duration, style Style) string {
	if d < 0 {
		d = 0
	}
	if style == StyleClock {
		return fmt.Sprintf("%d:%02d", int64(d/time.Hour), int64(d%time.Hour/time.Minute))
	}

	switch {
	case d >= Day:
		return ago(int64(d/Day), "day")
	case d >= time.Hour:
		return ago(int64(d/time.Hour), "hour")
	default:
		return ago(int64(d/time.Minute), "minute")
	}
}

func ago(n int64, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}

// Compact renders d as a number and a one-letter unit ("12d", "5h",
// "7m") for panels too narrow for the worded form.
func Compact(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d >= Day:
		return fmt.Sprintf("%dd", int64(d/Day))
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int64(d/time.Hour))
	default:
		return fmt.Sprintf("%dm", int64(d/time.Minute))
	}
}

// Fit returns label if it fits in maxChars runes, otherwise the compact
// form of d, hard-truncated as a last resort. maxChars <= 0 disables
// the budget.
func Fit(label string, d time.Duration, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(label) <= maxChars {
		return label
	}
	short := Compact(d)
	if utf8.RuneCountInString(short) <= maxChars {
		return short
	}
	return truncate(short, maxChars)
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
