package elapsed

import (
	"testing"
	"time"
)

func TestFormat_Pluralization(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0 minutes ago"},
		{time.Minute, "1 minute ago"},
		{2 * time.Minute, "2 minutes ago"},
		{time.Hour, "1 hour ago"},
		{2 * time.Hour, "2 hours ago"},
		{Day, "1 day ago"},
		{2 * Day, "2 days ago"},
		{Day + 23*time.Hour, "1 day ago"},
		{-time.Hour, "0 minutes ago"},
	}
	for _, tt := range tests {
		if got := Format(tt.d, StyleWords); got != tt.want {
			t.Errorf("Format(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormat_Thresholds(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{3599 * time.Second, "59 minutes ago"},
		{3600 * time.Second, "1 hour ago"},
		{Day - time.Second, "23 hours ago"},
		{Day, "1 day ago"},
	}
	for _, tt := range tests {
		if got := Format(tt.d, StyleWords); got != tt.want {
			t.Errorf("Format(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormat_Clock(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00"},
		{3*time.Hour + 30*time.Minute, "3:30"},
		{59 * time.Second, "0:00"},
		{26*time.Hour + 5*time.Minute, "26:05"},
	}
	for _, tt := range tests {
		if got := Format(tt.d, StyleClock); got != tt.want {
			t.Errorf("Format(%v, clock) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestCompact(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "0m"},
		{7 * time.Minute, "7m"},
		{5 * time.Hour, "5h"},
		{12 * Day, "12d"},
	}
	for _, tt := range tests {
		if got := Compact(tt.d); got != tt.want {
			t.Errorf("Compact(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFit(t *testing.T) {
	tests := []struct {
		name  string
		label string
		d     time.Duration
		max   int
		want  string
	}{
		{"fits", "3 hours ago", 3 * time.Hour, 16, "3 hours ago"},
		{"no budget", "3 hours ago", 3 * time.Hour, 0, "3 hours ago"},
		{"compact", "3 hours ago", 3 * time.Hour, 5, "3h"},
		{"truncate", "12345 days ago", 12345 * Day, 3, "123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fit(tt.label, tt.d, tt.max); got != tt.want {
				t.Errorf("Fit(%q, %v, %d) = %q, want %q", tt.label, tt.d, tt.max, got, tt.want)
			}
		})
	}
}

func TestParseStyle(t *testing.T) {
	if s, err := ParseStyle("clock"); err != nil || s != StyleClock {
		t.Errorf("ParseStyle(clock) = %v, %v", s, err)
	}
	if s, err := ParseStyle(""); err != nil || s != StyleWords {
		t.Errorf("ParseStyle(\"\") = %v, %v", s, err)
	}
	if _, err := ParseStyle("roman"); err == nil {
		t.Error("ParseStyle(roman) should error")
	}
}

func TestBetween(t *testing.T) {
	a := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	b := a.Add(90 * time.Minute)
	if got := Between(a, b); got != 90*time.Minute {
		t.Errorf("Between(a, b) = %v, want 90m", got)
	}
	if got := Between(b, a); got != 0 {
		t.Errorf("Between(b, a) = %v, want 0", got)
	}
}
