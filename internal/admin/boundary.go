package admin

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pewsched/internal/schedule"
)

var ErrInvalidClock = errors.New("invalid time of day")

// ParseClock parses "HH:MM" or "HH:MM:SS". Empty means midnight.
func ParseClock(raw string) (h, m, s int, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, 0, 0, nil
	}
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, fmt.Errorf("%w: %q (use HH:MM)", ErrInvalidClock, raw)
	}
	vals := [3]int{}
	limits := [3]int{23, 59, 59}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidClock, raw)
		}
		vals[i] = n
	}
	return vals[0], vals[1], vals[2], nil
}

// FirstDue converts a wall-clock definition (time of day, optional weekday or
// day of month, IANA location) into the first UTC due instant strictly after
// now and the UTC rule that continues from it.
//
// Recurrence runs in UTC after this point, so the weekday or day of month
// stored in the rule is the UTC one of the first instant.
func FirstDue(freq schedule.Frequency, day, at string, loc *time.Location, now time.Time) (time.Time, schedule.Rule, error) {
	if loc == nil {
		loc = time.UTC
	}
	h, m, s, err := ParseClock(at)
	if err != nil {
		return time.Time{}, schedule.Rule{}, err
	}
	day = strings.TrimSpace(day)
	local := now.In(loc)
	y, mo, d := local.Date()
	rule := schedule.Rule{Frequency: freq}

	var first time.Time
	switch freq {
	case schedule.Daily:
		// A weekday on a daily job has no meaning and is ignored.
		first = time.Date(y, mo, d, h, m, s, 0, loc)
		if !first.After(now) {
			first = time.Date(y, mo, d+1, h, m, s, 0, loc)
		}
	case schedule.Weekly:
		ahead := 0
		if day != "" {
			wd, err := schedule.ParseWeekday(day)
			if err != nil {
				return time.Time{}, schedule.Rule{}, err
			}
			ahead = (int(wd) - int(local.Weekday()) + 7) % 7
			rule.Anchored = true
		}
		first = time.Date(y, mo, d+ahead, h, m, s, 0, loc)
		if !first.After(now) {
			first = time.Date(y, mo, d+ahead+7, h, m, s, 0, loc)
		}
		if rule.Anchored {
			rule.Weekday = first.UTC().Weekday()
		}
	case schedule.Monthly:
		md := d
		if day != "" {
			n, err := strconv.Atoi(day)
			if err != nil {
				if _, werr := schedule.ParseWeekday(day); werr == nil {
					return time.Time{}, schedule.Rule{}, schedule.ErrAnchorMonthly
				}
				return time.Time{}, schedule.Rule{}, fmt.Errorf("%w: %q", schedule.ErrInvalidMonthDay, day)
			}
			if n < 1 || n > 31 {
				return time.Time{}, schedule.Rule{}, fmt.Errorf("%w: %d", schedule.ErrInvalidMonthDay, n)
			}
			md = n
		}
		first = localMonthDay(y, mo, md, h, m, s, loc)
		if !first.After(now) {
			first = localMonthDay(y, mo+1, md, h, m, s, loc)
		}
		rule.MonthDay = utcMonthDay(md, utcDayShift(first))
	default:
		return time.Time{}, schedule.Rule{}, fmt.Errorf("%w: %q", schedule.ErrInvalidFrequency, string(freq))
	}
	if err := rule.Validate(); err != nil {
		return time.Time{}, schedule.Rule{}, err
	}
	return first.UTC(), rule, nil
}

func localMonthDay(y int, mo time.Month, day, h, m, s int, loc *time.Location) time.Time {
	firstOfMonth := time.Date(y, mo, 1, 0, 0, 0, 0, loc)
	last := time.Date(firstOfMonth.Year(), firstOfMonth.Month()+1, 0, 0, 0, 0, 0, loc).Day()
	if day > last {
		day = last
	}
	return time.Date(firstOfMonth.Year(), firstOfMonth.Month(), day, h, m, s, 0, loc)
}

// utcMonthDay maps a local day of month to the UTC one. A shift that leaves
// the month wraps: local day 1 east of UTC becomes the last UTC day of the
// previous month (31, clamped per month) and local day 31 west of UTC becomes
// UTC day 1 of the next month.
func utcMonthDay(md, shift int) int {
	switch d := md + shift; {
	case d < 1:
		return 31
	case d > 31:
		return 1
	default:
		return d
	}
}

// utcDayShift is the calendar-day difference between t in UTC and t in its own location.
func utcDayShift(t time.Time) int {
	ly, lm, ld := t.Date()
	uy, um, ud := t.UTC().Date()
	l := time.Date(ly, lm, ld, 0, 0, 0, 0, time.UTC)
	u := time.Date(uy, um, ud, 0, 0, 0, 0, time.UTC)
	return int(u.Sub(l).Hours() / 24)
}
