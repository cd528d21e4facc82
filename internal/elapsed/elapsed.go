// Package elapsed turns a pair of ISO-8601 timestamps into a short
// "time ago" label for a small display.
//
// The engine has no clock of its own: both instants come from the
// payloads. Offset-less payloads are localized in the configured zone
// through an injected [Resolver], so tests can substitute a [Fixed]
// offset for a network lookup. A "now" that precedes "past" (clock skew,
// a stale retained message) is clamped to zero rather than rendered as
// a negative duration.
package elapsed

import (
	"context"
	"errors"
	"time"
)

// Result is one evaluation of the engine.
type Result struct {
	Label   string
	Elapsed time.Duration // never negative
	Past    time.Time
	Now     time.Time
	Clamped bool // now preceded past
}

// Engine evaluates past/now payload pairs. The zero value formats in
// words, localizes in UTC via the Go tz database and has no character
// budget.
type Engine struct {
	Zone     string
	Resolver Resolver
	Style    Style
	MaxChars int
}

// Evaluate parses both payloads and computes the clamped duration and
// its label. Empty payloads yield *MissingDataError; malformed ones
// *ParseError. Timezone lookup failures are returned as-is.
func (e *Engine) Evaluate(ctx context.Context, past, now string) (Result, error) {
	if past == "" {
		return Result{}, &MissingDataError{Field: "past"}
	}
	if now == "" {
		return Result{}, &MissingDataError{Field: "now"}
	}

	pastT, err := e.parse(ctx, "past", past)
	if err != nil {
		return Result{}, err
	}
	nowT, err := e.parse(ctx, "now", now)
	if err != nil {
		return Result{}, err
	}

	d := Between(pastT, nowT)
	return Result{
		Label:   Fit(Format(d, e.Style), d, e.MaxChars),
		Elapsed: d,
		Past:    pastT,
		Now:     nowT,
		Clamped: nowT.Before(pastT),
	}, nil
}

// Compute returns only the label for past and now.
func (e *Engine) Compute(ctx context.Context, past, now string) (string, error) {
	r, err := e.Evaluate(ctx, past, now)
	if err != nil {
		return "", err
	}
	return r.Label, nil
}

func (e *Engine) parse(ctx context.Context, field, s string) (time.Time, error) {
	zone := e.Zone
	if zone == "" {
		zone = "UTC"
	}
	t, err := ParseTimestamp(ctx, s, zone, e.Resolver)
	if err != nil {
		if errors.Is(err, errNotISO8601) {
			return time.Time{}, &ParseError{Field: field, Input: s, Err: err}
		}
		return time.Time{}, err
	}
	return t, nil
}
