package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/fibfire/app"
	"github.com/RezaEskandarii/fibfire/types/config"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "scheduler",
		Short:         "Runs settings on their cron cadence, backing off after consecutive failures",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to the YAML config file")

	root.AddCommand(RunCmd())
	root.AddCommand(MigrateCmd())
	root.AddCommand(ScheduleCmd())
	root.AddCommand(StatusCmd())
	root.AddCommand(OffsetCmd())
	root.AddCommand(SequenceCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.SchedulerConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil, errors.New("the --config flag is required")
	}
	return config.LoadFile(path)
}

// withContainer builds the container from --config and closes it once fn returns.
func withContainer(cmd *cobra.Command, fn func(ctx context.Context, c *app.Container) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c, err := app.NewContainer(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := fn(ctx, c); err != nil {
		return fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	return nil
}
