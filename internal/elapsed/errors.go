package elapsed

import "fmt"

// ParseError reports a timestamp payload that is not valid ISO-8601.
type ParseError struct {
	Field string // "past" or "now"
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s timestamp %q: %v", e.Field, e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// MissingDataError reports that no payload has been received yet for
// one of the two inputs.
type MissingDataError struct {
	Field string // "past" or "now"
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("no %s timestamp received yet", e.Field)
}
