package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/givewatch/service/config"
	"github.com/brojonat/givewatch/service/engine"
	"github.com/brojonat/givewatch/service/matcher"
	"github.com/brojonat/givewatch/service/temporal"
	"github.com/urfave/cli/v2"
)

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-schedules",
		Usage:   "List reconciliation pass schedules",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			schedules, err := tc.ListSchedules(c.Context)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(schedules)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCHEDULE ID\tPASS\tCRON\tPAUSED\tNEXT RUN")
			for _, s := range schedules {
				next := "-"
				if s.NextRun != nil {
					next = s.NextRun.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
					s.ID, s.Pass, strings.Join(s.CronExpressions, ","), s.Paused, next)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d schedules\n", len(schedules))
			return nil
		},
	}
}

func upsertSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:  "upsert-schedules",
		Usage: "Create or update a Temporal schedule for every configured pass",
		Description: `Reads the *_SCHEDULE variables from the environment and makes the
Temporal schedules match them. Passes with an empty schedule are left alone.`,
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			schedules := engine.Schedules(cfg)
			synced, err := temporal.SyncPassSchedules(c.Context, tc, schedules, quietLogger())
			if err != nil {
				return err
			}
			for _, kind := range synced {
				fmt.Printf("✓ %s: %s\n", kind, schedules[kind])
			}
			fmt.Fprintf(os.Stderr, "\nUpserted %d of %d pass schedules\n", len(synced), len(schedules))
			return nil
		},
	}
}

func triggerScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "trigger",
		Usage:     "Trigger a pass schedule immediately",
		ArgsUsage: "<pass>",
		Action: func(c *cli.Context) error {
			kind, err := passArg(c)
			if err != nil {
				return err
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.TriggerSchedule(c.Context, kind); err != nil {
				return err
			}
			fmt.Printf("✓ Triggered %s\n", kind)
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete-schedule",
		Usage:     "Delete a pass schedule",
		Aliases:   []string{"rm"},
		ArgsUsage: "<pass>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Skip confirmation",
			},
		},
		Action: func(c *cli.Context) error {
			kind, err := passArg(c)
			if err != nil {
				return err
			}
			if !c.Bool("yes") {
				return fmt.Errorf("refusing to delete the %s schedule without --yes", kind)
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeletePassSchedule(c.Context, kind); err != nil {
				return err
			}
			fmt.Printf("✓ Deleted schedule for %s\n", kind)
			return nil
		},
	}
}

// passArg returns the single pass kind argument, rejecting unknown kinds
// before any connection is made.
func passArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("requires exactly one argument: pass kind")
	}
	kind := c.Args().First()
	for _, k := range matcher.Passes {
		if k == kind {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown pass %q (expected one of %s)", kind, strings.Join(matcher.Passes, ", "))
}
