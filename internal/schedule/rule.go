package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidFrequency = errors.New("invalid frequency")
	ErrInvalidWeekday   = errors.New("invalid weekday")
	ErrInvalidMonthDay  = errors.New("invalid day of month")
	ErrAnchorMonthly    = errors.New("weekday anchor is not supported for monthly schedules")
)

// Rule is a recurrence rule. The zero value is not valid; build rules with
// NewRule or validate hand-built ones with Validate.
type Rule struct {
	Frequency Frequency
	// Weekday anchors weekly rules when Anchored is set.
	Weekday  time.Weekday
	Anchored bool
	// MonthDay is the original day of month (1..31) for monthly rules.
	// It is kept separately from the due instant so clamping (31 -> 28) is not sticky.
	MonthDay int
}

// NewRule builds a rule. anchorDay is a weekday name for weekly rules; it is
// ignored for daily rules. Monthly rules take their day of month from first.
func NewRule(freq Frequency, anchorDay string, first time.Time) (Rule, error) {
	r := Rule{Frequency: freq}
	anchorDay = strings.TrimSpace(anchorDay)
	switch freq {
	case Daily:
	case Weekly:
		if anchorDay != "" {
			d, err := ParseWeekday(anchorDay)
			if err != nil {
				return Rule{}, err
			}
			r.Weekday, r.Anchored = d, true
		}
	case Monthly:
		if anchorDay != "" {
			return Rule{}, ErrAnchorMonthly
		}
		r.MonthDay = first.UTC().Day()
	default:
		return Rule{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, string(freq))
	}
	return r, r.Validate()
}

func (r Rule) Validate() error {
	if !r.Frequency.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidFrequency, string(r.Frequency))
	}
	if r.Anchored && (r.Weekday < time.Sunday || r.Weekday > time.Saturday) {
		return fmt.Errorf("%w: %d", ErrInvalidWeekday, int(r.Weekday))
	}
	if r.Anchored && r.Frequency == Monthly {
		return ErrAnchorMonthly
	}
	if r.MonthDay < 0 || r.MonthDay > 31 {
		return fmt.Errorf("%w: %d", ErrInvalidMonthDay, r.MonthDay)
	}
	return nil
}

// AnchorDay is the persisted form of the anchor ("" when unanchored).
func (r Rule) AnchorDay() string {
	if r.Frequency == Weekly && r.Anchored {
		return WeekdayName(r.Weekday)
	}
	return ""
}

func (r Rule) String() string {
	switch {
	case r.Frequency == Weekly && r.Anchored:
		return "weekly on " + WeekdayName(r.Weekday)
	case r.Frequency == Monthly && r.MonthDay > 0:
		return fmt.Sprintf("monthly on day %d", r.MonthDay)
	default:
		return string(r.Frequency)
	}
}

// Next returns the due instant that follows a firing, strictly after now.
// The time of day comes from prev; the date is derived from now.
func (r Rule) Next(prev, now time.Time) time.Time {
	prev = prev.UTC()
	now = now.UTC()
	y, m, d := now.Date()

	var next time.Time
	switch r.Frequency {
	case Weekly:
		if r.Anchored {
			ahead := (int(r.Weekday) - int(now.Weekday()) + 7) % 7
			next = at(y, m, d+ahead, prev)
		} else {
			next = at(y, m, d+7, prev)
		}
	case Monthly:
		next = monthAt(y, m+1, r.monthDay(prev), prev)
	default:
		next = at(y, m, d+1, prev)
	}
	for !next.After(now) {
		next = r.advance(next)
	}
	return next
}

// First returns the earliest instant matching the rule strictly after after,
// starting from ref (whose time of day is kept). Used when a schedule is
// created rather than rescheduled.
func (r Rule) First(ref, after time.Time) time.Time {
	ref = ref.UTC()
	after = after.UTC()
	y, m, d := ref.Date()

	next := at(y, m, d, ref)
	switch {
	case r.Frequency == Weekly && r.Anchored:
		ahead := (int(r.Weekday) - int(ref.Weekday()) + 7) % 7
		next = at(y, m, d+ahead, ref)
	case r.Frequency == Monthly:
		next = monthAt(y, m, r.monthDay(ref), ref)
	}
	for !next.After(after) {
		next = r.advance(next)
	}
	return next
}

// Schedule adapts the rule to robfig/cron, using ref for the time of day.
func (r Rule) Schedule(ref time.Time) cron.Schedule {
	return cronSchedule{rule: r, ref: ref.UTC()}
}

type cronSchedule struct {
	rule Rule
	ref  time.Time
}

func (c cronSchedule) Next(t time.Time) time.Time {
	return c.rule.First(c.ref, t).In(t.Location())
}

func (r Rule) advance(t time.Time) time.Time {
	y, m, d := t.Date()
	switch r.Frequency {
	case Weekly:
		return at(y, m, d+7, t)
	case Monthly:
		return monthAt(y, m+1, r.monthDay(t), t)
	default:
		return at(y, m, d+1, t)
	}
}

func (r Rule) monthDay(fallback time.Time) int {
	if r.MonthDay > 0 {
		return r.MonthDay
	}
	return fallback.Day()
}

// at builds a UTC instant on the given (possibly denormalized) date using the
// time of day of tod. Sub-second precision is dropped.
func at(y int, m time.Month, d int, tod time.Time) time.Time {
	h, mi, s := tod.Clock()
	return time.Date(y, m, d, h, mi, s, 0, time.UTC)
}

// monthAt is at() for "day of month" semantics: the day is clamped to the last
// day of the (normalized) target month.
func monthAt(y int, m time.Month, day int, tod time.Time) time.Time {
	first := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return at(first.Year(), first.Month(), day, tod)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
