package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/fibfire/internal/backoff"
	"github.com/RezaEskandarii/fibfire/internal/constants"
	"github.com/RezaEskandarii/fibfire/internal/lock"
	"github.com/RezaEskandarii/fibfire/internal/message_broaker"
	"github.com/RezaEskandarii/fibfire/internal/state"
	"github.com/RezaEskandarii/fibfire/internal/store"
	"github.com/RezaEskandarii/fibfire/types"
	"github.com/RezaEskandarii/fibfire/types/config"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const resultBuffer = 1000

var (
	ErrHandlerNotFound = errors.New("handler not found")
	ErrInvalidPayload  = errors.New("invalid payload")
)

// SettingJobManager runs due settings and reschedules them from their outcome history.
type SettingJobManager struct {
	settingStore store.SettingStore
	outcomeStore store.OutcomeStore
	lock         lock.DistributedLockManager
	jobHandler   *config.JobHandler
	instance     string

	broker  message_broaker.MessageBroker
	queue   string
	limiter *rate.Limiter
	log     zerolog.Logger
	now     func() time.Time
}

type ManagerOption func(*SettingJobManager)

// WithQueueWriter publishes outcomes to the broker instead of writing them to the outcome store.
func WithQueueWriter(broker message_broaker.MessageBroker, queue string) ManagerOption {
	return func(m *SettingJobManager) {
		m.broker = broker
		m.queue = queue
	}
}

// WithDispatchRate limits how many settings are started per second. Zero disables the limit.
func WithDispatchRate(perSecond float64) ManagerOption {
	return func(m *SettingJobManager) {
		if perSecond > 0 {
			m.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *SettingJobManager) {
		m.log = log
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *SettingJobManager) {
		m.now = now
	}
}

func NewSettingJobManager(settingStore store.SettingStore, outcomeStore store.OutcomeStore, lock lock.DistributedLockManager, jobHandler *config.JobHandler, instance string, opts ...ManagerOption) *SettingJobManager {
	m := &SettingJobManager{
		settingStore: settingStore,
		outcomeStore: outcomeStore,
		lock:         lock,
		jobHandler:   jobHandler,
		instance:     instance,
		log:          zerolog.Nop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().Str("component", "scheduler").Str("instance", instance).Logger()
	return m
}

// Start polls for due settings every intervalSeconds until ctx is cancelled.
// It returns ctx.Err() once the running settings and their results are written back.
func (m *SettingJobManager) Start(ctx context.Context, intervalSeconds, workerCount, batchSize int) error {
	sem := semaphore.NewWeighted(int64(workerCount))
	var wg sync.WaitGroup

	results := make(chan types.JobResult, resultBuffer)
	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		m.processResults(context.WithoutCancel(ctx), results)
	}()

	ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
	defer ticker.Stop()

	m.log.Info().Int("workers", workerCount).Int("interval_seconds", intervalSeconds).Msg("scheduler started")
	for {
		m.processSettings(ctx, sem, &wg, batchSize, results)

		select {
		case <-ctx.Done():
			wg.Wait()
			close(results)
			<-processorDone
			m.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *SettingJobManager) processSettings(ctx context.Context, sem *semaphore.Weighted, wg *sync.WaitGroup, batchSize int, results chan<- types.JobResult) {
	if err := m.lock.Acquire(constants.SettingScheduleLock); err != nil {
		m.log.Warn().Err(err).Msg("schedule lock not acquired, skipping tick")
		return
	}
	defer func() {
		if err := m.lock.Release(constants.SettingScheduleLock); err != nil {
			m.log.Error().Err(err).Msg("failed to release schedule lock")
		}
	}()

	page := 1
	for {
		result, err := m.settingStore.FetchDueSettings(ctx, page, batchSize)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Error().Err(err).Msg("failed to fetch due settings")
			}
			return
		}

		for _, setting := range result.Items {
			if m.limiter != nil {
				if err := m.limiter.Wait(ctx); err != nil {
					return
				}
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}

			ok, err := m.settingStore.LockSetting(ctx, setting.ID, m.instance)
			if err != nil || !ok {
				sem.Release(1)
				if err != nil {
					m.log.Error().Err(err).Int64("setting_id", setting.ID).Msg("failed to lock setting")
				}
				continue
			}

			wg.Add(1)
			go func(setting types.Setting) {
				defer sem.Release(1)
				defer wg.Done()
				results <- m.executeSetting(context.WithoutCancel(ctx), setting)
			}(setting)
		}

		if !result.HasNextPage {
			return
		}
		page++
	}
}

func (m *SettingJobManager) executeSetting(ctx context.Context, setting types.Setting) types.JobResult {
	ranAt := m.now()
	log := m.log.With().Int64("setting_id", setting.ID).Str("name", setting.Name).Logger()

	policy, err := backoff.NewPolicy(setting.Expression)
	if err != nil {
		log.Warn().Err(err).Msg("falling back to an hourly cadence")
	}

	runErr := m.run(setting)
	outcome := types.JobOutcome{
		SettingID: setting.ID,
		Success:   runErr == nil,
		CreatedAt: ranAt,
	}
	if runErr != nil {
		outcome.Error = runErr.Error()
	}

	history, err := m.outcomeStore.RecentOutcomes(ctx, setting.ID, constants.RecentOutcomeWindow)
	if err != nil {
		log.Error().Err(err).Msg("failed to load outcome history")
		if runErr != nil {
			log.Warn().Msg("failure streak unknown, backing off at the cap")
			history = assumedFailureStreak(outcome)
		}
	}
	outcomes := append([]types.JobOutcome{outcome}, history...)

	if err := m.recordOutcome(ctx, outcome); err != nil {
		log.Error().Err(err).Msg("failed to record outcome")
	}

	return types.JobResult{
		SettingID:   setting.ID,
		Err:         runErr,
		Status:      state.StatusFromSuccess(runErr == nil),
		RanAt:       ranAt,
		NextRun:     policy.Next(ranAt, outcomes),
		OffsetHours: backoff.ComputeOffsetHours(outcomes),
	}
}

// assumedFailureStreak stands in for a history that could not be loaded after a
// failed run, so the setting waits the longest backoff rather than retrying early.
// A success needs no history since it resets the offset to zero.
func assumedFailureStreak(failed types.JobOutcome) []types.JobOutcome {
	streak := make([]types.JobOutcome, backoff.MaxFailureSeed-1)
	for i := range streak {
		streak[i] = types.JobOutcome{SettingID: failed.SettingID, Success: false, CreatedAt: failed.CreatedAt}
	}
	return streak
}

func (m *SettingJobManager) run(setting types.Setting) error {
	if !m.jobHandler.Exists(setting.Name) {
		return ErrHandlerNotFound
	}

	var args []any
	if len(setting.Payload) > 0 {
		if err := json.Unmarshal(setting.Payload, &args); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	return m.jobHandler.Execute(setting.Name, args...)
}

func (m *SettingJobManager) recordOutcome(ctx context.Context, outcome types.JobOutcome) error {
	if m.broker == nil {
		_, err := m.outcomeStore.RecordOutcome(ctx, outcome)
		return err
	}

	data, err := message_broaker.EncodeOutcome(outcome)
	if err != nil {
		return err
	}
	return m.broker.Publish(ctx, m.queue, data)
}

func (m *SettingJobManager) processResults(ctx context.Context, results <-chan types.JobResult) {
	for res := range results {
		log := m.log.With().Int64("setting_id", res.SettingID).Logger()

		if !state.IsValidTransition(state.StatusProcessing, res.Status) {
			log.Warn().Str("status", res.Status.String()).Msg("unknown result status")
			continue
		}

		var errMsg string
		if res.Err != nil {
			errMsg = res.Err.Error()
		}

		ok, err := m.settingStore.Complete(ctx, res.SettingID, m.instance, res.Status, errMsg, res.RanAt, res.NextRun)
		if err != nil {
			log.Error().Err(err).Msg("failed to complete setting")
			continue
		}
		if !ok {
			log.Warn().Msg("setting lock was reclaimed before the run completed")
			continue
		}

		if res.Err != nil {
			log.Warn().Err(res.Err).Time("next_run", res.NextRun).Int("offset_hours", res.OffsetHours).Msg("setting failed, rescheduled")
		} else {
			log.Info().Time("next_run", res.NextRun).Msg("setting rescheduled")
		}
	}
}

// Schedule registers or updates a setting. Its first run is the expression's next fire time.
func (m *SettingJobManager) Schedule(ctx context.Context, name string, expression string, args ...any) (int64, error) {
	if name == "" {
		return 0, errors.New("setting name is required")
	}
	policy, err := backoff.NewPolicy(expression)
	if err != nil {
		return 0, err
	}

	id, err := m.settingStore.AddOrUpdate(ctx, name, expression, policy.Schedule.Next(m.now()), args...)
	if err != nil {
		return 0, err
	}
	m.log.Info().Int64("setting_id", id).Str("name", name).Str("expression", expression).Msg("setting scheduled")
	return id, nil
}

// NextRun previews when a setting would run next and its current backoff offset in hours.
func (m *SettingJobManager) NextRun(ctx context.Context, settingID int64) (time.Time, int, error) {
	setting, err := m.settingStore.GetByID(ctx, settingID)
	if err != nil {
		return time.Time{}, 0, err
	}

	history, err := m.outcomeStore.RecentOutcomes(ctx, settingID, backoff.MaxFailureSeed)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("load outcome history: %w", err)
	}

	policy, _ := backoff.NewPolicy(setting.Expression)
	ranAt := m.now()
	if len(history) > 0 {
		ranAt = history[0].CreatedAt
	}
	return policy.Next(ranAt, history), backoff.ComputeOffsetHours(history), nil
}

// ScheduleEveryMinute runs a setting once every minute.
func (m *SettingJobManager) ScheduleEveryMinute(ctx context.Context, name string, args ...any) (int64, error) {
	return m.Schedule(ctx, name, "* * * * *", args...)
}

// ScheduleEveryHour runs a setting once every hour.
func (m *SettingJobManager) ScheduleEveryHour(ctx context.Context, name string, args ...any) (int64, error) {
	return m.Schedule(ctx, name, "0 * * * *", args...)
}

// ScheduleEveryDay runs a setting once every day.
func (m *SettingJobManager) ScheduleEveryDay(ctx context.Context, name string, args ...any) (int64, error) {
	return m.Schedule(ctx, name, "0 0 * * *", args...)
}

// ScheduleEveryWeek runs a setting once a week.
func (m *SettingJobManager) ScheduleEveryWeek(ctx context.Context, name string, args ...any) (int64, error) {
	return m.Schedule(ctx, name, "0 0 * * 0", args...)
}

// ScheduleEveryMonth runs a setting once a month.
func (m *SettingJobManager) ScheduleEveryMonth(ctx context.Context, name string, args ...any) (int64, error) {
	return m.Schedule(ctx, name, "0 0 1 * *", args...)
}

func (m *SettingJobManager) Activate(ctx context.Context, settingID int64) error {
	return m.settingStore.Activate(ctx, settingID)
}

// DeActivate stops a setting from running without dropping its outcome history.
func (m *SettingJobManager) DeActivate(ctx context.Context, settingID int64) error {
	return m.settingStore.DeActivate(ctx, settingID)
}

// StatusCounts reports how many settings are in each status.
func (m *SettingJobManager) StatusCounts(ctx context.Context) (map[state.JobStatus]int, error) {
	return m.settingStore.CountAllGroupedByStatus(ctx)
}
