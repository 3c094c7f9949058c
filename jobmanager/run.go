package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/fibfire/app"
	"github.com/RezaEskandarii/fibfire/internal/db"
	"github.com/RezaEskandarii/fibfire/types/config"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Scheduler is a booted container together with its background workers.
type Scheduler struct {
	*app.Container
	group *errgroup.Group
}

// New initializes the whole scheduling system from cfg and starts it in the background.
//
// The function performs the following steps:
//  1. Wires stores, locks and the optional broker through app.NewContainer.
//  2. Runs schema and migration setup (protected by a distributed lock).
//  3. Registers all handlers defined in cfg.Handlers.
//  4. Starts the setting scheduler and, when enabled, the outcome queue writer.
//
// The workers stop when ctx is cancelled; Wait blocks until they have drained.
func New(ctx context.Context, cfg *config.SchedulerConfig, opts ...app.ContainerOption) (*Scheduler, error) {
	c, err := app.NewContainer(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	c.Log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Str("driver", cfg.StorageDriver.String()).Msg("booting scheduler")

	if err := db.Init(ctx, c.DB, cfg.StorageDriver, c.LockManager); err != nil {
		c.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	for _, h := range cfg.Handlers {
		if err := c.JobHandler.Register(h.JobName, h.Func); err != nil {
			c.Close()
			return nil, err
		}
	}

	c.Log.Info().Strs("handlers", c.JobHandler.List()).Msg("handlers registered")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.SettingJobManager.Start(groupCtx, cfg.ScheduleInterval, cfg.WorkerCount, cfg.BatchSize)
	})
	if c.OutcomeWriter != nil {
		group.Go(func() error {
			return c.OutcomeWriter.Start(groupCtx)
		})
	}

	return &Scheduler{Container: c, group: group}, nil
}

// Wait blocks until every worker has stopped, then closes the connections.
// Cancellation of the boot context is a clean shutdown and returns nil.
func (s *Scheduler) Wait() error {
	err := s.group.Wait()
	closeErr := s.Close()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, closeErr)
}
