package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pewsched/internal/admin"
	"pewsched/internal/schedule"
)

var (
	previewFrequency string
	previewDay       string
	previewAt        string
	previewTZ        string
	previewCount     int
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Print the next firings of a schedule definition",
	Long: `Print the next firings of a schedule definition without running anything.

The first firing is computed from the local time of day in --tz; later
firings keep the UTC cadence, so daylight saving changes shift local times.

Examples:
  pewsched preview --frequency weekly --day monday --at 08:00 --tz Asia/Manila -n 5
  pewsched preview --frequency monthly --day 31 --at 23:30`,
	RunE: runPreview,
}

func init() {
	f := previewCmd.Flags()
	f.StringVar(&previewFrequency, "frequency", "daily", "daily, weekly or monthly")
	f.StringVar(&previewDay, "day", "", "weekday (weekly) or day of month (monthly)")
	f.StringVar(&previewAt, "at", "", "local time of day, HH:MM or HH:MM:SS (default midnight)")
	f.StringVar(&previewTZ, "tz", "UTC", "IANA timezone of --at")
	f.IntVarP(&previewCount, "count", "n", 5, "number of firings to print")
}

func runPreview(cmd *cobra.Command, args []string) error {
	freq, err := schedule.ParseFrequency(previewFrequency)
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(strings.TrimSpace(previewTZ))
	if err != nil {
		return fmt.Errorf("--tz: %w", err)
	}
	if previewCount <= 0 {
		return fmt.Errorf("--count must be > 0")
	}

	first, rule, err := admin.FirstDue(freq, previewDay, previewAt, loc, time.Now())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "rule: %s at %s UTC\n", rule, first.Format("15:04:05"))

	sched := rule.Schedule(first)
	t := first
	for i := 0; i < previewCount; i++ {
		fmt.Fprintf(out, "%2d  %s  %s\n", i+1, t.Format(time.RFC3339), t.In(loc).Format("Mon 2006-01-02 15:04:05 MST"))
		t = sched.Next(t)
	}
	return nil
}
