package elapsed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Resolver maps an IANA zone name to the location used for a wall-clock
// time that carries no UTC offset. Implementations may block on the
// network; wall is the naive time being localized, so tz-database
// resolvers can pick the right side of a DST transition.
type Resolver interface {
	Location(ctx context.Context, zone string, wall time.Time) (*time.Location, error)
}

// Fixed is a [Resolver] that ignores the zone and always answers with a
// constant offset. It backs the timezone_offset fallback and tests.
type Fixed struct {
	Name   string
	Offset int // seconds east of UTC
}

// Location implements [Resolver].
func (f Fixed) Location(context.Context, string, time.Time) (*time.Location, error) {
	name := f.Name
	if name == "" {
		sign := '+'
		if f.Offset < 0 {
			sign = '-'
		}
		off := abs(f.Offset)
		name = fmt.Sprintf("UTC%c%02d:%02d", sign, off/3600, off%3600/60)
	}
	return time.FixedZone(name, f.Offset), nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Layouts carrying an explicit offset. Fractional seconds are accepted
// by time.Parse after the seconds field without appearing here.
var offsetLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05Z07",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04Z0700",
}

// Layouts for naive wall-clock times, localized through a Resolver.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

var errNotISO8601 = errors.New("not an ISO-8601 date-time")

// normalize strips the decoration brokers and Home Assistant commonly
// wrap around a timestamp: whitespace, JSON quotes, lower-case
// designators and a space instead of the T separator.
func normalize(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.ToUpper(s)
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	return s
}

// ParseTimestamp parses an ISO-8601 date-time. A string with an offset
// is absolute on its own; one without is interpreted in zone, using
// resolver to find the zone's offset at that wall time. A nil resolver
// falls back to the Go tz database.
func ParseTimestamp(ctx context.Context, s, zone string, resolver Resolver) (time.Time, error) {
	norm := normalize(s)
	if norm == "" {
		return time.Time{}, errNotISO8601
	}

	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, norm); err == nil {
			return t, nil
		}
	}

	var wall time.Time
	var parseErr error
	for _, layout := range naiveLayouts {
		wall, parseErr = time.Parse(layout, norm)
		if parseErr == nil {
			break
		}
	}
	if parseErr != nil {
		return time.Time{}, fmt.Errorf("%w: %v", errNotISO8601, parseErr)
	}

	loc, err := locate(ctx, zone, wall, resolver)
	if err != nil {
		return time.Time{}, fmt.Errorf("resolve timezone %q: %w", zone, err)
	}

	return time.Date(wall.Year(), wall.Month(), wall.Day(),
		wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), loc), nil
}

func locate(ctx context.Context, zone string, wall time.Time, resolver Resolver) (*time.Location, error) {
	if resolver != nil {
		return resolver.Location(ctx, zone, wall)
	}
	return time.LoadLocation(zone)
}
