package cron

import (
	"testing"
	"time"
)

func TestParser_Parse(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		tz      string
		wantErr bool
	}{
		{"every hour", "0 * * * *", "UTC", false},
		{"every 5 minutes", "*/5 * * * *", "UTC", false},
		{"weekday business hours", "0 9-17 * * 1-5", "UTC", false},
		{"nightly check", "30 2 * * *", "Europe/Paris", false},
		{"first of month", "0 0 1 * *", "America/New_York", false},
		{"every minute", "* * * * *", "Asia/Tokyo", false},
		{"four fields", "* * * *", "UTC", true},
		{"six fields", "* * * * * *", "UTC", true},
		{"minute out of range", "60 * * * *", "UTC", true},
		{"hour out of range", "0 25 * * *", "UTC", true},
		{"non-numeric field", "abc * * * *", "UTC", true},
		{"empty expression", "", "UTC", true},
		{"unknown timezone", "0 * * * *", "Invalid/Zone", true},
		{"timezone abbreviation", "0 * * * *", "NOPE", true},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := p.Parse(tt.expr, tt.tz)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Parse(%q, %q) should return error", tt.expr, tt.tz)
				}
				return
			}
			if err != nil {
				t.Errorf("Parse(%q, %q) returned error: %v", tt.expr, tt.tz, err)
			}
			if sched == nil {
				t.Errorf("Parse(%q, %q) returned nil schedule", tt.expr, tt.tz)
			}
		})
	}
}

func TestParser_NextOccurrence(t *testing.T) {
	p := NewParser()

	sched, err := p.Parse("0 10 * * *", "UTC")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	tests := []struct {
		name  string
		after time.Time
		want  time.Time
	}{
		{
			"before today's fire time",
			time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC),
			time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		},
		{
			"past today's fire time rolls to tomorrow",
			time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC),
			time.Date(2025, 1, 16, 10, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sched.Next(tt.after); !got.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", tt.after, got, tt.want)
			}
		})
	}
}

func TestParser_NextOccurrence_TimezoneOffset(t *testing.T) {
	p := NewParser()

	// 10:00 local resolves to different UTC instants per zone.
	schedNY, err := p.Parse("0 10 * * *", "America/New_York")
	if err != nil {
		t.Fatalf("Parse NY failed: %v", err)
	}
	schedTokyo, err := p.Parse("0 10 * * *", "Asia/Tokyo")
	if err != nil {
		t.Fatalf("Parse Tokyo failed: %v", err)
	}

	ref := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	nextNY := schedNY.Next(ref)
	nextTokyo := schedTokyo.Next(ref)

	if nextNY.Equal(nextTokyo) {
		t.Error("different timezones should yield different UTC fire times")
	}
	// Tokyo 10:00 JST is 01:00 UTC; NY 10:00 EDT is 14:00 UTC.
	if !nextTokyo.Before(nextNY) {
		t.Errorf("Tokyo fire (%v) should precede NY fire (%v)", nextTokyo.UTC(), nextNY.UTC())
	}
}

func TestParser_DSTSpringForward(t *testing.T) {
	p := NewParser()
	loc := mustLoadLocation("America/New_York")

	// March 9 2025: US clocks jump from 2:00 to 3:00, so 2:30 never
	// happens that day.
	sched, err := p.Parse("30 2 * * *", "America/New_York")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	before := time.Date(2025, 3, 9, 1, 0, 0, 0, loc)
	next := sched.Next(before)

	skipped := time.Date(2025, 3, 9, 2, 30, 0, 0, loc)
	if next.Equal(skipped) {
		t.Error("must not fire at a wall-clock time erased by spring forward")
	}
	if !next.After(before) {
		t.Errorf("Next() must advance past the reference time, got %v", next)
	}
}

func TestParser_DSTFallBack(t *testing.T) {
	p := NewParser()
	loc := mustLoadLocation("America/New_York")

	// Nov 2 2025: clocks fall back from 2:00 to 1:00, so 1:30 occurs
	// twice. The schedule fires on the first (EDT) occurrence only.
	sched, err := p.Parse("30 1 * * *", "America/New_York")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	before := time.Date(2025, 11, 2, 0, 0, 0, 0, loc)
	next := sched.Next(before)
	if next.Hour() != 1 || next.Minute() != 30 {
		t.Errorf("expected 1:30 AM, got %d:%02d", next.Hour(), next.Minute())
	}
	if next.Day() != 2 {
		t.Errorf("expected Nov 2, got Nov %d", next.Day())
	}

	// Well past the ambiguous window the next fire is the following day.
	afterFallback := time.Date(2025, 11, 2, 3, 0, 0, 0, loc)
	if next2 := sched.Next(afterFallback); next2.Day() != 3 {
		t.Errorf("Next() after fall back should be Nov 3, got Nov %d", next2.Day())
	}
}

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic("mustLoadLocation: " + err.Error())
	}
	return loc
}
