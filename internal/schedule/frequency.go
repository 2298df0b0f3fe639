package schedule

import (
	"fmt"
	"strings"
	"time"
)

type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Monthly:
		return true
	default:
		return false
	}
}

func ParseFrequency(raw string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(raw)))
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q (use daily, weekly or monthly)", ErrInvalidFrequency, raw)
	}
	return f, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekday accepts full or short English weekday names, any case.
func ParseWeekday(raw string) (time.Weekday, error) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWeekday, raw)
	}
	return d, nil
}

// WeekdayName is the lowercase name used in config and storage.
func WeekdayName(d time.Weekday) string { return strings.ToLower(d.String()) }
