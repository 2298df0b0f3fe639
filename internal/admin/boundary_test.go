package admin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewsched/internal/schedule"
)

func manila(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Manila")
	require.NoError(t, err)
	return loc
}

func TestFirstDueConvertsLocalWallClock(t *testing.T) {
	loc := manila(t)
	// Wednesday 2024-03-20 08:00 in Manila.
	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		freq     schedule.Frequency
		day, at  string
		want     time.Time
		wantRule schedule.Rule
	}{
		{
			name: "weekly monday morning",
			freq: schedule.Weekly, day: "monday", at: "08:00",
			want:     time.Date(2024, 3, 25, 0, 0, 0, 0, time.UTC),
			wantRule: schedule.Rule{Frequency: schedule.Weekly, Weekday: time.Monday, Anchored: true},
		},
		{
			name: "weekly monday early shifts utc weekday",
			freq: schedule.Weekly, day: "mon", at: "05:00",
			want:     time.Date(2024, 3, 24, 21, 0, 0, 0, time.UTC),
			wantRule: schedule.Rule{Frequency: schedule.Weekly, Weekday: time.Sunday, Anchored: true},
		},
		{
			name: "daily later today",
			freq: schedule.Daily, at: "21:30",
			want:     time.Date(2024, 3, 20, 13, 30, 0, 0, time.UTC),
			wantRule: schedule.Rule{Frequency: schedule.Daily},
		},
		{
			name: "daily already passed today",
			freq: schedule.Daily, day: "friday", at: "07:59",
			want:     time.Date(2024, 3, 20, 23, 59, 0, 0, time.UTC),
			wantRule: schedule.Rule{Frequency: schedule.Daily},
		},
		{
			name: "weekly unanchored passed",
			freq: schedule.Weekly, at: "06:00",
			want:     time.Date(2024, 3, 26, 22, 0, 0, 0, time.UTC),
			wantRule: schedule.Rule{Frequency: schedule.Weekly},
		},
		{
			name: "monthly end of this month",
			freq: schedule.Monthly, day: "31", at: "12:00",
			want:     time.Date(2024, 3, 31, 4, 0, 0, 0, time.UTC),
			wantRule: schedule.Rule{Frequency: schedule.Monthly, MonthDay: 31},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, rule, err := FirstDue(tc.freq, tc.day, tc.at, loc, now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, time.UTC, got.Location())
			assert.Equal(t, tc.wantRule, rule)
			assert.True(t, got.After(now))
		})
	}
}

func TestFirstDueMonthlyDayShift(t *testing.T) {
	loc := manila(t)
	now := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)

	got, rule, err := FirstDue(schedule.Monthly, "31", "06:00", loc, now)
	require.NoError(t, err)
	// Feb 29 06:00 in Manila is Feb 28 22:00 UTC.
	assert.Equal(t, time.Date(2024, 2, 28, 22, 0, 0, 0, time.UTC), got)
	assert.Equal(t, 30, rule.MonthDay)

	// Without a day the local date of now is used.
	got, rule, err = FirstDue(schedule.Monthly, "", "12:00", loc, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 10, 4, 0, 0, 0, time.UTC), got)
	assert.Equal(t, 10, rule.MonthDay)
}

func TestFirstDueMonthlyKeepsLocalDayAcrossMonthEdge(t *testing.T) {
	loc := manila(t)
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	// Day 1 at 02:00 in Manila is 18:00 UTC on the last day of the previous month.
	first, rule, err := FirstDue(schedule.Monthly, "1", "02:00", loc, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 31, 18, 0, 0, 0, time.UTC), first)
	assert.Equal(t, 31, rule.MonthDay)

	due := first
	for i := 0; i < 12; i++ {
		local := due.In(loc)
		assert.Equal(t, 1, local.Day(), "firing %d at %s", i, local)
		assert.Equal(t, 2, local.Hour())
		due = rule.Next(due, due)
	}

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now = time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)

	// Day 31 at 22:00 in New York is UTC day 1 of the next month.
	first, rule, err = FirstDue(schedule.Monthly, "31", "22:00", ny, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC), first)
	assert.Equal(t, 1, rule.MonthDay)

	due = first
	for i := 0; i < 12; i++ {
		local := due.In(ny)
		lastDay := time.Date(local.Year(), local.Month()+1, 0, 0, 0, 0, 0, ny).Day()
		assert.Equal(t, lastDay, local.Day(), "firing %d at %s", i, local)
		due = rule.Next(due, due)
	}
}

func TestFirstDueRejectsBadInput(t *testing.T) {
	now := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)

	_, _, err := FirstDue(schedule.Monthly, "monday", "08:00", nil, now)
	assert.ErrorIs(t, err, schedule.ErrAnchorMonthly)

	_, _, err = FirstDue(schedule.Monthly, "32", "08:00", nil, now)
	assert.ErrorIs(t, err, schedule.ErrInvalidMonthDay)

	_, _, err = FirstDue(schedule.Weekly, "someday", "08:00", nil, now)
	assert.ErrorIs(t, err, schedule.ErrInvalidWeekday)

	_, _, err = FirstDue(schedule.Daily, "", "24:00", nil, now)
	assert.ErrorIs(t, err, ErrInvalidClock)

	_, _, err = FirstDue("yearly", "", "08:00", nil, now)
	assert.ErrorIs(t, err, schedule.ErrInvalidFrequency)
}

func TestParseClock(t *testing.T) {
	h, m, s, err := ParseClock("7:05")
	require.NoError(t, err)
	assert.Equal(t, [3]int{7, 5, 0}, [3]int{h, m, s})

	h, m, s, err = ParseClock("23:59:30")
	require.NoError(t, err)
	assert.Equal(t, [3]int{23, 59, 30}, [3]int{h, m, s})

	_, _, _, err = ParseClock("")
	assert.NoError(t, err)

	for _, bad := range []string{"8", "08:60", "aa:bb", "1:2:3:4"} {
		_, _, _, err = ParseClock(bad)
		assert.ErrorIs(t, err, ErrInvalidClock, bad)
	}
}
