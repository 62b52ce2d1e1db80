package analytics

import (
	"fmt"
	"math"
)

// Accepted ranges for the optional validation guard.
const (
	MinScore      = 1
	MaxScore      = 10
	MaxSleepHours = 24.0
)

// ValidationError describes the first out-of-range field found in a log.
type ValidationError struct {
	Day    int
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("day %d: invalid %s %v: %s", e.Day, e.Field, e.Value, e.Reason)
}

// Validate checks a single log against the documented domains. Compute does
// not call it; callers that want strict input run it first.
func Validate(l DailyLog) error {
	if l.Day < 1 {
		return &ValidationError{Day: l.Day, Field: "day", Value: l.Day, Reason: "must be 1 or greater"}
	}
	for _, f := range []struct {
		name  string
		value int
	}{
		{"mood", l.Mood},
		{"stress", l.Stress},
		{"energy", l.Energy},
	} {
		if f.value < MinScore || f.value > MaxScore {
			return &ValidationError{
				Day:    l.Day,
				Field:  f.name,
				Value:  f.value,
				Reason: fmt.Sprintf("must be between %d and %d", MinScore, MaxScore),
			}
		}
	}
	if math.IsNaN(l.Sleep) || math.IsInf(l.Sleep, 0) {
		return &ValidationError{Day: l.Day, Field: "sleep", Value: l.Sleep, Reason: "must be a finite number"}
	}
	if l.Sleep < 0 || l.Sleep > MaxSleepHours {
		return &ValidationError{Day: l.Day, Field: "sleep", Value: l.Sleep, Reason: "must be between 0 and 24 hours"}
	}
	return nil
}

// ValidateBatch validates every log and requires strictly ascending days.
func ValidateBatch(logs []DailyLog) error {
	prev := 0
	for i, l := range logs {
		if err := Validate(l); err != nil {
			return err
		}
		if i > 0 && l.Day <= prev {
			return &ValidationError{Day: l.Day, Field: "day", Value: l.Day, Reason: "days must be unique and ascending"}
		}
		prev = l.Day
	}
	return nil
}
