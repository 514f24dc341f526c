package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/chansync/internal/cronexpr"
)

var nextCmd = &cobra.Command{
	Use:   "next <cron expression>",
	Short: "Print the upcoming fire times of a cron expression",
	Example: `  chansync next "*/5 * * * *"
  chansync next "0 9 * * 1-5" --count 3 --timezone Europe/Berlin`,
	Args: cobra.ExactArgs(1),
	RunE: runNext,
}

func init() {
	nextCmd.Flags().Int("count", 5, "Number of fire times to print")
	nextCmd.Flags().String("timezone", "UTC", "Time zone the expression is evaluated in")
}

func runNext(cmd *cobra.Command, args []string) error {
	count, err := cmd.Flags().GetInt("count")
	if err != nil {
		return err
	}
	tz, err := cmd.Flags().GetString("timezone")
	if err != nil {
		return err
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}

	expr, err := cronexpr.Parse(args[0])
	if err != nil {
		return err
	}

	for _, t := range expr.Upcoming(time.Now().In(loc), count) {
		fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
	}
	return nil
}
