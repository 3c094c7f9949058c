package main

import (
	"context"
	"fmt"
	"github.com/RezaEskandarii/fibfire/app"
	"github.com/RezaEskandarii/fibfire/internal/backoff"
	"github.com/RezaEskandarii/fibfire/internal/db"
	"github.com/RezaEskandarii/fibfire/internal/state"
	"github.com/RezaEskandarii/fibfire/jobmanager"
	"github.com/RezaEskandarii/fibfire/types/config"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func RunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler and block until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RegisterHandlers(builtinHandlers(cmd)); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := jobmanager.New(ctx, cfg)
			if err != nil {
				return err
			}
			return s.Wait()
		},
	}
}

// builtinHandlers are the handlers the standalone binary can run.
func builtinHandlers(cmd *cobra.Command) []config.MethodHandler {
	return []config.MethodHandler{
		{
			JobName: "echo",
			Func: func(args ...any) error {
				fmt.Fprintln(cmd.OutOrStdout(), args...)
				return nil
			},
		},
	}
}

func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema and tables, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
				if err := db.Init(ctx, c.DB, c.Config.StorageDriver, c.LockManager); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrated %s storage\n", c.Config.StorageDriver)
				return nil
			})
		},
	}
}

func ScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule <name> <cron-expression> [args...]",
		Short: "Register or update a setting",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
				payload := make([]any, 0, len(args)-2)
				for _, a := range args[2:] {
					payload = append(payload, a)
				}

				id, err := c.SettingJobManager.Schedule(ctx, args[0], args[1], payload...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "setting %d scheduled\n", id)
				return nil
			})
		},
	}
}

func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show how many settings are in each status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
				counts, err := c.SettingJobManager.StatusCounts(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				for _, status := range state.AllStatuses {
					fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
				}
				return w.Flush()
			})
		},
	}
}

func OffsetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offset <setting-id>",
		Short: "Show the failure seed, backoff offset and next run of a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settingID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid setting id %q", args[0])
			}
			inDB, _ := cmd.Flags().GetBool("in-db")

			return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
				out := cmd.OutOrStdout()

				if inDB {
					if c.PostgresOutcomes == nil {
						return fmt.Errorf("--in-db needs the postgres driver, got %s", c.Config.StorageDriver)
					}
					hours, err := c.PostgresOutcomes.OffsetHours(ctx, settingID)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "offset: %dh (computed in postgres)\n", hours)
					return nil
				}

				history, err := c.OutcomeStore.RecentOutcomes(ctx, settingID, backoff.MaxFailureSeed)
				if err != nil {
					return err
				}
				next, offset, err := c.SettingJobManager.NextRun(ctx, settingID)
				if err != nil {
					return err
				}

				fmt.Fprintf(out, "failure seed: %d\n", backoff.FailureSeed(history))
				fmt.Fprintf(out, "offset: %dh\n", offset)
				fmt.Fprintf(out, "next run: %s\n", next.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().Bool("in-db", false, "compute the offset with the postgres recursive query")
	return cmd
}

func SequenceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sequence",
		Short: "Print the failure seed to offset hours table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "failures\thours")
			for i, hours := range backoff.Sequence() {
				label := strconv.Itoa(i)
				if i == backoff.MaxFailureSeed {
					label += "+"
				}
				fmt.Fprintf(w, "%s\t%d\n", label, hours)
			}
			return w.Flush()
		},
	}
}
