package schedule

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utc(y int, m time.Month, d, h, mi, s int) time.Time {
	return time.Date(y, m, d, h, mi, s, 0, time.UTC)
}

func TestNextDaily(t *testing.T) {
	r := Rule{Frequency: Daily}

	got := r.Next(utc(2024, 3, 10, 9, 30, 0), utc(2024, 3, 10, 9, 30, 1))
	assert.Equal(t, utc(2024, 3, 11, 9, 30, 0), got)

	// Missed cycles: the date comes from now, the time of day from prev.
	got = r.Next(utc(2024, 3, 1, 9, 30, 0), utc(2024, 3, 10, 12, 0, 0))
	assert.Equal(t, utc(2024, 3, 11, 9, 30, 0), got)

	// Sub-second precision is dropped.
	prev := utc(2024, 3, 10, 9, 30, 0).Add(750 * time.Millisecond)
	got = r.Next(prev, utc(2024, 3, 10, 10, 0, 0))
	assert.Equal(t, utc(2024, 3, 11, 9, 30, 0), got)
}

func TestNextWeeklyAnchored(t *testing.T) {
	r := Rule{Frequency: Weekly, Weekday: time.Monday, Anchored: true}

	// Wednesday 2024-03-20, several weeks after the last Monday firing.
	got := r.Next(utc(2024, 3, 4, 8, 0, 0), utc(2024, 3, 20, 10, 0, 0))
	assert.Equal(t, utc(2024, 3, 25, 8, 0, 0), got)
	assert.Equal(t, time.Monday, got.Weekday())

	// Now is the anchor weekday but past the time of day.
	got = r.Next(utc(2024, 3, 25, 8, 0, 0), utc(2024, 3, 25, 8, 0, 1))
	assert.Equal(t, utc(2024, 4, 1, 8, 0, 0), got)

	// Now is the anchor weekday before the time of day.
	got = r.Next(utc(2024, 3, 18, 8, 0, 0), utc(2024, 3, 25, 7, 0, 0))
	assert.Equal(t, utc(2024, 3, 25, 8, 0, 0), got)
}

func TestNextWeeklyUnanchored(t *testing.T) {
	r := Rule{Frequency: Weekly}
	got := r.Next(utc(2024, 3, 13, 8, 0, 0), utc(2024, 3, 20, 10, 0, 0))
	assert.Equal(t, utc(2024, 3, 27, 8, 0, 0), got)
}

func TestNextMonthlyClampsWithoutDrift(t *testing.T) {
	r := Rule{Frequency: Monthly, MonthDay: 31}

	cases := []struct {
		prev, now, want time.Time
	}{
		{utc(2024, 1, 31, 12, 0, 0), utc(2024, 1, 31, 12, 0, 1), utc(2024, 2, 29, 12, 0, 0)},
		{utc(2023, 1, 31, 12, 0, 0), utc(2023, 1, 31, 12, 0, 1), utc(2023, 2, 28, 12, 0, 0)},
		{utc(2024, 2, 29, 12, 0, 0), utc(2024, 2, 29, 12, 0, 1), utc(2024, 3, 31, 12, 0, 0)},
		{utc(2024, 3, 31, 12, 0, 0), utc(2024, 3, 31, 12, 0, 1), utc(2024, 4, 30, 12, 0, 0)},
		{utc(2024, 12, 31, 12, 0, 0), utc(2024, 12, 31, 12, 0, 1), utc(2025, 1, 31, 12, 0, 0)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, r.Next(tc.prev, tc.now), "prev=%s", tc.prev)
	}
}

func TestNextMonthlyWithoutStoredDayUsesPrev(t *testing.T) {
	r := Rule{Frequency: Monthly}
	got := r.Next(utc(2024, 5, 15, 6, 0, 0), utc(2024, 5, 15, 6, 0, 1))
	assert.Equal(t, utc(2024, 6, 15, 6, 0, 0), got)
}

func TestNextIsStrictlyAfterNow(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := utc(2020, 1, 1, 0, 0, 0)
	rules := []Rule{
		{Frequency: Daily},
		{Frequency: Weekly},
		{Frequency: Weekly, Weekday: time.Friday, Anchored: true},
		{Frequency: Monthly, MonthDay: 31},
		{Frequency: Monthly, MonthDay: 1},
	}
	for i := 0; i < 2000; i++ {
		r := rules[rng.Intn(len(rules))]
		prev := base.Add(time.Duration(rng.Int63n(int64(4 * 365 * 24 * time.Hour))))
		now := prev.Add(time.Duration(rng.Int63n(int64(90 * 24 * time.Hour))))

		next := r.Next(prev, now)
		require.True(t, next.After(now), "rule=%s prev=%s now=%s next=%s", r, prev, now, next)

		ph, pm, ps := prev.Clock()
		nh, nm, ns := next.Clock()
		require.Equal(t, [3]int{ph, pm, ps}, [3]int{nh, nm, ns}, "time of day must be preserved")
		if r.Anchored {
			require.Equal(t, r.Weekday, next.Weekday())
		}
	}
}

func TestFirst(t *testing.T) {
	daily := Rule{Frequency: Daily}
	assert.Equal(t, utc(2024, 3, 20, 10, 0, 0), daily.First(utc(2024, 3, 20, 10, 0, 0), utc(2024, 3, 20, 9, 0, 0)))
	assert.Equal(t, utc(2024, 3, 21, 10, 0, 0), daily.First(utc(2024, 3, 20, 10, 0, 0), utc(2024, 3, 20, 11, 0, 0)))

	monday := Rule{Frequency: Weekly, Weekday: time.Monday, Anchored: true}
	assert.Equal(t, utc(2024, 3, 25, 8, 0, 0), monday.First(utc(2024, 3, 20, 8, 0, 0), utc(2024, 3, 20, 7, 0, 0)))

	monthly := Rule{Frequency: Monthly, MonthDay: 31}
	assert.Equal(t, utc(2024, 2, 29, 9, 0, 0), monthly.First(utc(2024, 2, 10, 9, 0, 0), utc(2024, 2, 10, 0, 0, 0)))
}

func TestCronScheduleAdapter(t *testing.T) {
	sched := Rule{Frequency: Daily}.Schedule(utc(2000, 1, 1, 8, 0, 0))
	assert.Equal(t, utc(2024, 3, 11, 8, 0, 0), sched.Next(utc(2024, 3, 10, 9, 0, 0)))
	assert.Equal(t, utc(2024, 3, 10, 8, 0, 0), sched.Next(utc(2024, 3, 10, 7, 59, 59)))
}

func TestNewRule(t *testing.T) {
	first := utc(2024, 1, 31, 12, 0, 0)

	r, err := NewRule(Monthly, "", first)
	require.NoError(t, err)
	assert.Equal(t, 31, r.MonthDay)

	_, err = NewRule(Monthly, "monday", first)
	assert.ErrorIs(t, err, ErrAnchorMonthly)

	r, err = NewRule(Weekly, "Tue", first)
	require.NoError(t, err)
	assert.True(t, r.Anchored)
	assert.Equal(t, "tuesday", r.AnchorDay())
	assert.Equal(t, "weekly on tuesday", r.String())

	_, err = NewRule(Weekly, "someday", first)
	assert.ErrorIs(t, err, ErrInvalidWeekday)

	r, err = NewRule(Daily, "friday", first)
	require.NoError(t, err)
	assert.False(t, r.Anchored)
	assert.Equal(t, "", r.AnchorDay())

	_, err = NewRule(Frequency("hourly"), "", first)
	assert.ErrorIs(t, err, ErrInvalidFrequency)
}

func TestParseFrequencyAndWeekday(t *testing.T) {
	f, err := ParseFrequency(" Weekly ")
	require.NoError(t, err)
	assert.Equal(t, Weekly, f)

	_, err = ParseFrequency("yearly")
	assert.ErrorIs(t, err, ErrInvalidFrequency)

	d, err := ParseWeekday("SAT")
	require.NoError(t, err)
	assert.Equal(t, time.Saturday, d)
	assert.Equal(t, "saturday", WeekdayName(d))
}
