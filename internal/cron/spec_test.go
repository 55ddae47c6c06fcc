package cron

import (
	"errors"
	"testing"
	"time"
)

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr error
	}{
		{"frequency only", EverySpec(5), nil},
		{"expression only", ExpressionSpec("0 * * * *", "UTC"), nil},
		{"expression with timezone", ExpressionSpec("30 9 * * 1-5", "Europe/Paris"), nil},
		{"empty", Spec{}, ErrEmptySpec},
		{"both set", Spec{EveryMinutes: 5, Expression: "* * * * *"}, ErrAmbiguousSpec},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSpec_Validate_BadExpression(t *testing.T) {
	if err := ExpressionSpec("not a cron", "UTC").Validate(); err == nil {
		t.Error("expected error for malformed expression")
	}
	if err := ExpressionSpec("0 * * * *", "Invalid/Zone").Validate(); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestSpec_NextAfter_Frequency(t *testing.T) {
	after := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	next, err := EverySpec(5).NextAfter(after)
	if err != nil {
		t.Fatalf("NextAfter failed: %v", err)
	}

	want := after.Add(5 * time.Minute)
	if !next.Equal(want) {
		t.Errorf("NextAfter(%v) = %v, want %v", after, next, want)
	}
}

func TestSpec_NextAfter_Expression(t *testing.T) {
	after := time.Date(2025, 3, 10, 9, 15, 0, 0, time.UTC)

	next, err := ExpressionSpec("0 10 * * *", "UTC").NextAfter(after)
	if err != nil {
		t.Fatalf("NextAfter failed: %v", err)
	}

	want := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextAfter(%v) = %v, want %v", after, next, want)
	}
}

func TestEvery_SuccessiveFireTimes(t *testing.T) {
	sched := Every(15)
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	first := sched.Next(start)
	second := sched.Next(first)

	if got := second.Sub(first); got != 15*time.Minute {
		t.Errorf("interval between fires = %v, want 15m", got)
	}
}

func TestSpec_String(t *testing.T) {
	if got := EverySpec(30).String(); got != "every 30m" {
		t.Errorf("String() = %q", got)
	}
	if got := ExpressionSpec("0 * * * *", "").String(); got != "cron(0 * * * *)" {
		t.Errorf("String() = %q", got)
	}
}
