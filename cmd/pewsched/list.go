package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pewsched/internal/app"
	"pewsched/internal/config"
	logx "pewsched/pkg/logx"
)

var (
	listConfig string
	listJSON   bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored schedules",
	Long: `List the schedule rows in the configured store.

This reads storage directly and works while the daemon is stopped. With the
file driver, stop the daemon first: the journal is only compacted on close.`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVarP(&listConfig, "config", "c", "./config.yaml", "path to config file (json or yaml)")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON instead of a table")
}

func runList(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.NewConfigManager(listConfig).Parse()
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	if st == nil {
		return errors.New("storage is disabled in this config")
	}
	defer st.Close()

	recs, err := st.ListSchedules(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if listJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tFREQUENCY\tDAY\tNEXT DUE (UTC)\tACTION\tACTIVE\tSOURCE")
	for _, r := range recs {
		day := r.AnchorDay
		if r.MonthDay > 0 {
			day = fmt.Sprint(r.MonthDay)
		}
		if day == "" {
			day = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			r.Key, r.Frequency, day, r.NextDue.Format(time.RFC3339), r.Action, r.Active, r.Source)
	}
	return tw.Flush()
}
