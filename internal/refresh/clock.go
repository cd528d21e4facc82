package refresh

import "time"

// Clock supplies the local wall time. The elapsed label never uses it;
// it stamps received payloads and rendered frames.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now implements [Clock].
func (SystemClock) Now() time.Time { return time.Now() }
