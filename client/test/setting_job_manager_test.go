package test

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/RezaEskandarii/fibfire/client"
	"github.com/RezaEskandarii/fibfire/client/test/mocks"
	"github.com/RezaEskandarii/fibfire/internal/constants"
	"github.com/RezaEskandarii/fibfire/internal/message_broaker"
	"github.com/RezaEskandarii/fibfire/internal/state"
	"github.com/RezaEskandarii/fibfire/internal/store"
	"github.com/RezaEskandarii/fibfire/types"
	"github.com/RezaEskandarii/fibfire/types/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var fixedNow = time.Date(2025, 5, 1, 10, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func dueSetting(id int64, name, expression string, args ...any) types.Setting {
	payload, _ := json.Marshal(args)
	return types.Setting{
		ID:         id,
		Name:       name,
		Payload:    payload,
		Expression: expression,
		NextRunAt:  fixedNow.Add(-time.Minute),
		IsActive:   true,
	}
}

func fetchOnce(settings ...types.Setting) func(ctx context.Context, page int, pageSize int) (*types.PaginationResult[types.Setting], error) {
	var served atomic.Bool
	return func(ctx context.Context, page int, pageSize int) (*types.PaginationResult[types.Setting], error) {
		if served.Swap(true) {
			return &types.PaginationResult[types.Setting]{Items: []types.Setting{}}, nil
		}
		return &types.PaginationResult[types.Setting]{Items: settings, HasNextPage: false}, nil
	}
}

// runOnce starts the manager, lets the first tick run, then cancels and waits for the drain.
func runOnce(t *testing.T, m *client.SettingJobManager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx, 1, 2, 10) }()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type reschedule struct {
	lastRunAt time.Time
	nextRunAt time.Time
}

// recordingStore captures what the result processor writes back.
// calls["Complete"] holds the lock owner of each completion, calls[status] the error messages.
func recordingStore(settings ...types.Setting) (*mocks.MockSettingStore, *sync.Mutex, map[string][]string, map[int64]reschedule) {
	var mu sync.Mutex
	calls := make(map[string][]string)
	runs := make(map[int64]reschedule)

	s := &mocks.MockSettingStore{}
	s.FetchDueSettingsFunc = fetchOnce(settings...)
	s.CompleteFunc = func(ctx context.Context, settingID int64, lockedBy string, status state.JobStatus, errMsg string, lastRunAt, nextRunAt time.Time) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		calls["Complete"] = append(calls["Complete"], lockedBy)
		calls[status.String()] = append(calls[status.String()], errMsg)
		runs[settingID] = reschedule{lastRunAt: lastRunAt, nextRunAt: nextRunAt}
		return true, nil
	}
	return s, &mu, calls, runs
}

func TestSettingJobManager_Start_StopsOnContextCancel(t *testing.T) {
	m := client.NewSettingJobManager(&mocks.MockSettingStore{}, &mocks.MockOutcomeStore{}, &mocks.MockDistributedLockManager{}, config.NewJobHandler(), "node-a")
	runOnce(t, m)
}

func TestSettingJobManager_RunsSuccessfulSetting(t *testing.T) {
	settingStore, mu, calls, runs := recordingStore(dueSetting(1, "SyncInventory", "* * * * *", "warehouse-1"))
	outcomeStore := &mocks.MockOutcomeStore{}
	lockMgr := &mocks.MockDistributedLockManager{}
	jobHandler := config.NewJobHandler()

	var gotArgs []any
	require.NoError(t, jobHandler.Register("SyncInventory", func(args ...any) error {
		gotArgs = args
		return nil
	}))

	var lockedBy atomic.Value
	settingStore.LockSettingFunc = func(ctx context.Context, settingID int64, owner string) (bool, error) {
		lockedBy.Store(owner)
		return true, nil
	}

	var recorded atomic.Value
	outcomeStore.RecordOutcomeFunc = func(ctx context.Context, outcome types.JobOutcome) (int64, error) {
		recorded.Store(outcome)
		return 10, nil
	}

	m := client.NewSettingJobManager(settingStore, outcomeStore, lockMgr, jobHandler, "node-a", client.WithClock(fixedClock))
	runOnce(t, m)

	assert.Equal(t, "node-a", lockedBy.Load())
	assert.Equal(t, []any{"warehouse-1"}, gotArgs)

	outcome := recorded.Load().(types.JobOutcome)
	assert.True(t, outcome.Success)
	assert.Equal(t, int64(1), outcome.SettingID)
	assert.Equal(t, fixedNow, outcome.CreatedAt)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{""}, calls["succeeded"])
	assert.Empty(t, calls["failed"])
	assert.Equal(t, []string{"node-a"}, calls["Complete"])
	assert.Equal(t, fixedNow, runs[1].lastRunAt)
	assert.Equal(t, fixedNow.Add(time.Minute), runs[1].nextRunAt)

	assert.Contains(t, lockMgr.Acquired(), constants.SettingScheduleLock)
	assert.Contains(t, lockMgr.Released(), constants.SettingScheduleLock)
}

func TestSettingJobManager_FailureBacksOffFromHistory(t *testing.T) {
	settingStore, mu, calls, runs := recordingStore(dueSetting(2, "Report", "* * * * *"))
	outcomeStore := &mocks.MockOutcomeStore{}
	jobHandler := config.NewJobHandler()
	require.NoError(t, jobHandler.Register("Report", func(args ...any) error {
		return errors.New("upstream unavailable")
	}))

	var requestedLimit atomic.Int64
	outcomeStore.RecentOutcomesFunc = func(ctx context.Context, settingID int64, limit int) ([]types.JobOutcome, error) {
		requestedLimit.Store(int64(limit))
		return []types.JobOutcome{
			{SettingID: 2, Success: false, CreatedAt: fixedNow.Add(-time.Hour)},
			{SettingID: 2, Success: false, CreatedAt: fixedNow.Add(-2 * time.Hour)},
			{SettingID: 2, Success: false, CreatedAt: fixedNow.Add(-3 * time.Hour)},
			{SettingID: 2, Success: true, CreatedAt: fixedNow.Add(-4 * time.Hour)},
		}, nil
	}

	m := client.NewSettingJobManager(settingStore, outcomeStore, &mocks.MockDistributedLockManager{}, jobHandler, "node-a", client.WithClock(fixedClock))
	runOnce(t, m)

	assert.Equal(t, int64(constants.RecentOutcomeWindow), requestedLimit.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls["failed"], 1)
	assert.Equal(t, "upstream unavailable", calls["failed"][0])
	// Four consecutive failures, the new one included, delay the run by 3 hours.
	assert.Equal(t, fixedNow.Add(3*time.Hour), runs[2].nextRunAt)
}

func TestSettingJobManager_HistoryErrorStillReschedules(t *testing.T) {
	settingStore, mu, _, runs := recordingStore(dueSetting(3, "Report", "0 * * * *"))
	outcomeStore := &mocks.MockOutcomeStore{
		RecentOutcomesFunc: func(ctx context.Context, settingID int64, limit int) ([]types.JobOutcome, error) {
			return nil, errors.New("db down")
		},
	}
	jobHandler := config.NewJobHandler()
	require.NoError(t, jobHandler.Register("Report", func(args ...any) error { return errors.New("boom") }))

	m := client.NewSettingJobManager(settingStore, outcomeStore, &mocks.MockDistributedLockManager{}, jobHandler, "node-a", client.WithClock(fixedClock))
	runOnce(t, m)

	mu.Lock()
	defer mu.Unlock()
	// Without history the failure streak is unknown, so the run backs off at the 13 hour cap.
	assert.Equal(t, fixedNow.Add(13*time.Hour), runs[3].nextRunAt)
}

func TestSettingJobManager_HistoryErrorAfterSuccessKeepsCadence(t *testing.T) {
	settingStore, mu, _, runs := recordingStore(dueSetting(3, "Report", "0 * * * *"))
	outcomeStore := &mocks.MockOutcomeStore{
		RecentOutcomesFunc: func(ctx context.Context, settingID int64, limit int) ([]types.JobOutcome, error) {
			return nil, errors.New("db down")
		},
	}
	jobHandler := config.NewJobHandler()
	require.NoError(t, jobHandler.Register("Report", func(args ...any) error { return nil }))

	m := client.NewSettingJobManager(settingStore, outcomeStore, &mocks.MockDistributedLockManager{}, jobHandler, "node-a", client.WithClock(fixedClock))
	runOnce(t, m)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, time.Date(2025, 5, 1, 11, 0, 0, 0, time.UTC), runs[3].nextRunAt)
}

func TestSettingJobManager_FailureKinds(t *testing.T) {
	cases := []struct {
		name    string
		setting types.Setting
		handler func(args ...any) error
		wantMsg string
	}{
		{
			name:    "handler not found",
			setting: dueSetting(4, "NonExistentHandler", "* * * * *"),
			wantMsg: "handler not found",
		},
		{
			name: "invalid payload",
			setting: types.Setting{
				ID:         5,
				Name:       "ValidJob",
				Payload:    json.RawMessage(`invalid json`),
				Expression: "* * * * *",
			},
			handler: func(args ...any) error { return nil },
			wantMsg: "invalid payload",
		},
		{
			name:    "panicking handler",
			setting: dueSetting(6, "ValidJob", "* * * * *"),
			handler: func(args ...any) error { panic("nil map") },
			wantMsg: "panicked",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			settingStore, mu, calls, _ := recordingStore(tc.setting)
			jobHandler := config.NewJobHandler()
			if tc.handler != nil {
				require.NoError(t, jobHandler.Register("ValidJob", tc.handler))
			}

			var outcome atomic.Value
			outcomeStore := &mocks.MockOutcomeStore{
				RecordOutcomeFunc: func(ctx context.Context, o types.JobOutcome) (int64, error) {
					outcome.Store(o)
					return 1, nil
				},
			}

			m := client.NewSettingJobManager(settingStore, outcomeStore, &mocks.MockDistributedLockManager{}, jobHandler, "node-a")
			runOnce(t, m)

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, calls["failed"], 1)
			assert.Contains(t, calls["failed"][0], tc.wantMsg)
			assert.Len(t, calls["Complete"], 1)

			o := outcome.Load().(types.JobOutcome)
			assert.False(t, o.Success)
			assert.Contains(t, o.Error, tc.wantMsg)
		})
	}
}

func TestSettingJobManager_SkipsSettingLockedElsewhere(t *testing.T) {
	settingStore, mu, calls, _ := recordingStore(dueSetting(7, "Report", "* * * * *"))
	settingStore.LockSettingFunc = func(ctx context.Context, settingID int64, lockedBy string) (bool, error) {
		return false, nil
	}

	var executed atomic.Bool
	jobHandler := config.NewJobHandler()
	require.NoError(t, jobHandler.Register("Report", func(args ...any) error {
		executed.Store(true)
		return nil
	}))

	m := client.NewSettingJobManager(settingStore, &mocks.MockOutcomeStore{}, &mocks.MockDistributedLockManager{}, jobHandler, "node-b")
	runOnce(t, m)

	assert.False(t, executed.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, calls["Complete"])
}

func TestSettingJobManager_SkipsTickWithoutScheduleLock(t *testing.T) {
	var fetched atomic.Bool
	settingStore := &mocks.MockSettingStore{
		FetchDueSettingsFunc: func(ctx context.Context, page int, pageSize int) (*types.PaginationResult[types.Setting], error) {
			fetched.Store(true)
			return &types.PaginationResult[types.Setting]{}, nil
		},
	}
	lockMgr := &mocks.MockDistributedLockManager{
		AcquireFunc: func(lockID int) error { return errors.New("lock busy") },
	}

	m := client.NewSettingJobManager(settingStore, &mocks.MockOutcomeStore{}, lockMgr, config.NewJobHandler(), "node-a")
	runOnce(t, m)

	assert.False(t, fetched.Load())
}

func TestSettingJobManager_FetchErrorKeepsRunning(t *testing.T) {
	settingStore := &mocks.MockSettingStore{
		FetchDueSettingsFunc: func(ctx context.Context, page int, pageSize int) (*types.PaginationResult[types.Setting], error) {
			return nil, errors.New("fetch failed")
		},
	}

	m := client.NewSettingJobManager(settingStore, &mocks.MockOutcomeStore{}, &mocks.MockDistributedLockManager{}, config.NewJobHandler(), "node-a")
	runOnce(t, m)
}

func TestSettingJobManager_PagesThroughDueSettings(t *testing.T) {
	var pages []int
	var mu sync.Mutex
	settingStore := &mocks.MockSettingStore{
		FetchDueSettingsFunc: func(ctx context.Context, page int, pageSize int) (*types.PaginationResult[types.Setting], error) {
			mu.Lock()
			defer mu.Unlock()
			pages = append(pages, page)
			if len(pages) > 2 {
				return &types.PaginationResult[types.Setting]{}, nil
			}
			return &types.PaginationResult[types.Setting]{
				Items:       []types.Setting{dueSetting(int64(page), "Report", "* * * * *")},
				HasNextPage: page == 1,
			}, nil
		},
	}

	var runs atomic.Int32
	jobHandler := config.NewJobHandler()
	require.NoError(t, jobHandler.Register("Report", func(args ...any) error {
		runs.Add(1)
		return nil
	}))

	m := client.NewSettingJobManager(settingStore, &mocks.MockOutcomeStore{}, &mocks.MockDistributedLockManager{}, jobHandler, "node-a", client.WithDispatchRate(100))
	runOnce(t, m)

	assert.Equal(t, int32(2), runs.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, pages)
}

func TestSettingJobManager_PublishesOutcomesWithQueueWriter(t *testing.T) {
	settingStore, _, _, _ := recordingStore(dueSetting(8, "Report", "* * * * *"))
	jobHandler := config.NewJobHandler()
	require.NoError(t, jobHandler.Register("Report", func(args ...any) error { return nil }))

	var directWrites atomic.Int32
	outcomeStore := &mocks.MockOutcomeStore{
		RecordOutcomeFunc: func(ctx context.Context, outcome types.JobOutcome) (int64, error) {
			directWrites.Add(1)
			return 1, nil
		},
	}

	published := make(chan []byte, 1)
	var queueName atomic.Value
	broker := &mocks.MockMessageBroker{
		PublishFunc: func(ctx context.Context, queue string, message []byte) error {
			queueName.Store(queue)
			published <- message
			return nil
		},
	}

	m := client.NewSettingJobManager(settingStore, outcomeStore, &mocks.MockDistributedLockManager{}, jobHandler, "node-a",
		client.WithQueueWriter(broker, "job_outcomes"), client.WithClock(fixedClock))
	runOnce(t, m)

	require.Len(t, published, 1)
	outcome, err := message_broaker.DecodeOutcome(<-published)
	require.NoError(t, err)
	assert.Equal(t, int64(8), outcome.SettingID)
	assert.True(t, outcome.Success)
	assert.Equal(t, "job_outcomes", queueName.Load())
	assert.Zero(t, directWrites.Load())
}

func TestSettingJobManager_Schedule(t *testing.T) {
	var gotName, gotExpr string
	var gotNext time.Time
	var gotArgs []any
	settingStore := &mocks.MockSettingStore{
		AddOrUpdateFunc: func(ctx context.Context, name string, expression string, nextRunAt time.Time, args ...any) (int64, error) {
			gotName, gotExpr, gotNext, gotArgs = name, expression, nextRunAt, args
			return 42, nil
		},
	}

	m := client.NewSettingJobManager(settingStore, &mocks.MockOutcomeStore{}, &mocks.MockDistributedLockManager{}, config.NewJobHandler(), "node-a", client.WithClock(fixedClock))

	id, err := m.Schedule(context.Background(), "Report", "0 * * * *", "daily", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, "Report", gotName)
	assert.Equal(t, "0 * * * *", gotExpr)
	assert.Equal(t, time.Date(2025, 5, 1, 11, 0, 0, 0, time.UTC), gotNext)
	assert.Equal(t, []any{"daily", 3}, gotArgs)
}

func TestSettingJobManager_Schedule_RejectsInvalidInput(t *testing.T) {
	var called atomic.Bool
	settingStore := &mocks.MockSettingStore{
		AddOrUpdateFunc: func(ctx context.Context, name string, expression string, nextRunAt time.Time, args ...any) (int64, error) {
			called.Store(true)
			return 1, nil
		},
	}
	m := client.NewSettingJobManager(settingStore, &mocks.MockOutcomeStore{}, &mocks.MockDistributedLockManager{}, config.NewJobHandler(), "node-a")

	_, err := m.Schedule(context.Background(), "Report", "every hour")
	assert.ErrorContains(t, err, "invalid cron expression")

	_, err = m.Schedule(context.Background(), "", "0 * * * *")
	assert.Error(t, err)
	assert.False(t, called.Load())
}

func TestSettingJobManager_NextRun(t *testing.T) {
	lastRun := time.Date(2025, 5, 1, 10, 30, 0, 0, time.UTC)
	settingStore := &mocks.MockSettingStore{
		GetByIDFunc: func(ctx context.Context, settingID int64) (*types.Setting, error) {
			return &types.Setting{ID: settingID, Name: "Report", Expression: "0 * * * *"}, nil
		},
	}
	outcomeStore := &mocks.MockOutcomeStore{
		RecentOutcomesFunc: func(ctx context.Context, settingID int64, limit int) ([]types.JobOutcome, error) {
			assert.Equal(t, 7, limit)
			return []types.JobOutcome{
				{SettingID: settingID, Success: false, CreatedAt: lastRun},
				{SettingID: settingID, Success: false, CreatedAt: lastRun.Add(-time.Hour)},
				{SettingID: settingID, Success: true, CreatedAt: lastRun.Add(-2 * time.Hour)},
			}, nil
		},
	}

	m := client.NewSettingJobManager(settingStore, outcomeStore, &mocks.MockDistributedLockManager{}, config.NewJobHandler(), "node-a")

	next, offset, err := m.NextRun(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, 1, offset)
	// The hourly fire time 11:00 is earlier than the backed off 11:30.
	assert.Equal(t, lastRun.Add(time.Hour), next)
}

func TestSettingJobManager_NextRun_WithoutHistory(t *testing.T) {
	m := client.NewSettingJobManager(&mocks.MockSettingStore{
		GetByIDFunc: func(ctx context.Context, settingID int64) (*types.Setting, error) {
			return &types.Setting{ID: settingID, Expression: "*/15 * * * *"}, nil
		},
	}, &mocks.MockOutcomeStore{}, &mocks.MockDistributedLockManager{}, config.NewJobHandler(), "node-a", client.WithClock(fixedClock))

	next, offset, err := m.NextRun(context.Background(), 9)
	require.NoError(t, err)
	assert.Zero(t, offset)
	assert.Equal(t, time.Date(2025, 5, 1, 10, 45, 0, 0, time.UTC), next)
}

func TestSettingJobManager_NextRun_NotFound(t *testing.T) {
	m := client.NewSettingJobManager(&mocks.MockSettingStore{
		GetByIDFunc: func(ctx context.Context, settingID int64) (*types.Setting, error) {
			return nil, store.ErrSettingNotFound
		},
	}, &mocks.MockOutcomeStore{}, &mocks.MockDistributedLockManager{}, config.NewJobHandler(), "node-a")

	_, _, err := m.NextRun(context.Background(), 404)
	assert.ErrorIs(t, err, store.ErrSettingNotFound)
}

func TestSettingJobManager_ScheduleEvery(t *testing.T) {
	var expressions []string
	settingStore := &mocks.MockSettingStore{
		AddOrUpdateFunc: func(ctx context.Context, name string, expression string, nextRunAt time.Time, args ...any) (int64, error) {
			expressions = append(expressions, expression)
			return 1, nil
		},
	}
	m := client.NewSettingJobManager(settingStore, &mocks.MockOutcomeStore{}, &mocks.MockDistributedLockManager{}, config.NewJobHandler(), "node-a")
	ctx := context.Background()

	for _, schedule := range []func(context.Context, string, ...any) (int64, error){
		m.ScheduleEveryMinute, m.ScheduleEveryHour, m.ScheduleEveryDay, m.ScheduleEveryWeek, m.ScheduleEveryMonth,
	} {
		_, err := schedule(ctx, "Report")
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"* * * * *", "0 * * * *", "0 0 * * *", "0 0 * * 0", "0 0 1 * *"}, expressions)
}

func TestSettingJobManager_ActivateDeActivate(t *testing.T) {
	active := map[int64]bool{}
	settingStore := &mocks.MockSettingStore{
		ActivateFunc:   func(ctx context.Context, settingID int64) error { active[settingID] = true; return nil },
		DeActivateFunc: func(ctx context.Context, settingID int64) error { active[settingID] = false; return nil },
	}
	m := client.NewSettingJobManager(settingStore, &mocks.MockOutcomeStore{}, &mocks.MockDistributedLockManager{}, config.NewJobHandler(), "node-a")

	require.NoError(t, m.DeActivate(context.Background(), 3))
	assert.False(t, active[3])
	require.NoError(t, m.Activate(context.Background(), 3))
	assert.True(t, active[3])
}
