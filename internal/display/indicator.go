package display

import "time"

// NoCurfew disables the morning curfew in [Indicator].
const NoCurfew = 24

// Indicator reports whether the front LED should be lit. It lights once
// the elapsed time reaches thresholdMins, except while the hour of the
// "now" timestamp is below offBeforeHour. A negative threshold disables
// the LED entirely; offBeforeHour of [NoCurfew] or more disables the
// curfew.
func Indicator(elapsed time.Duration, nowHour, thresholdMins, offBeforeHour int) bool {
	if thresholdMins < 0 {
		return false
	}
	if offBeforeHour < NoCurfew && nowHour < offBeforeHour {
		return false
	}
	return elapsed >= time.Duration(thresholdMins)*time.Minute
}
