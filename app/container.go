package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/fibfire/client"
	"github.com/RezaEskandarii/fibfire/internal/lock"
	"github.com/RezaEskandarii/fibfire/internal/logging"
	"github.com/RezaEskandarii/fibfire/internal/message_broaker"
	"github.com/RezaEskandarii/fibfire/internal/store"
	"github.com/RezaEskandarii/fibfire/internal/store/postgres"
	rediscache "github.com/RezaEskandarii/fibfire/internal/store/redis"
	"github.com/RezaEskandarii/fibfire/internal/store/sqlite"
	"github.com/RezaEskandarii/fibfire/types/config"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Container holds all application dependencies. It is the single source of truth
// for dependency injection and ensures connections and services are created once.
type Container struct {
	Config *config.SchedulerConfig
	Log    zerolog.Logger

	// Storage connections (created once, shared by all stores)
	DB    *sql.DB
	Redis redis.UniversalClient

	// Stores (implement interfaces for testability)
	SettingStore store.SettingStore
	OutcomeStore store.OutcomeStore
	// PostgresOutcomes computes offsets in the database; nil for other drivers.
	PostgresOutcomes *postgres.PostgresOutcomeStore

	// Infrastructure
	LockManager   lock.DistributedLockManager
	MessageBroker message_broaker.MessageBroker

	// Handlers and managers
	JobHandler        *config.JobHandler
	SettingJobManager *client.SettingJobManager
	// OutcomeWriter is nil unless the queue writer is enabled.
	OutcomeWriter *client.OutcomeWriter
}

// NewContainer creates and wires all dependencies. Single entry point for DI.
// Call this once per application lifecycle.
// Pass optional WithDB, WithRedis or WithMessageBroker to inject connections for testing.
func NewContainer(ctx context.Context, cfg *config.SchedulerConfig, opts ...ContainerOption) (*Container, error) {
	opt := &containerConfig{}
	for _, o := range opts {
		o(opt)
	}

	c := &Container{
		Config:     cfg,
		JobHandler: config.NewJobHandler(),
	}
	if opt.log != nil {
		c.Log = *opt.log
	} else {
		c.Log = logging.New(cfg.LogLevel, cfg.LogConsole)
	}

	var err error
	if c.DB, err = openStorage(cfg, opt.db); err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if c.Redis, err = openRedis(ctx, cfg, opt.redis); err != nil {
		c.Close()
		return nil, fmt.Errorf("init redis: %w", err)
	}

	c.SettingStore, c.OutcomeStore, c.PostgresOutcomes = createStores(cfg.StorageDriver, c.DB)
	if c.Redis != nil {
		c.OutcomeStore = rediscache.NewCachedOutcomeStore(c.OutcomeStore, c.Redis, rediscache.DefaultTTL)
	}
	c.LockManager = createDistributedLockManager(cfg.StorageDriver, c.DB, c.Redis)

	managerOpts := []client.ManagerOption{
		client.WithLogger(c.Log),
		client.WithDispatchRate(cfg.DispatchRate),
	}

	if cfg.UseQueueWriter {
		if opt.broker != nil {
			c.MessageBroker = opt.broker
		} else {
			mBroker, err := message_broaker.NewRabbitMQ(
				cfg.RabbitMQConfig.URL,
				cfg.RabbitMQConfig.Exchange,
				cfg.RabbitMQConfig.Queue,
				cfg.RabbitMQConfig.RoutingKey,
			)
			if err != nil {
				c.Close()
				return nil, fmt.Errorf("init rabbitmq: %w", err)
			}
			c.MessageBroker = mBroker
		}

		queue := cfg.RabbitMQConfig.Queue
		managerOpts = append(managerOpts, client.WithQueueWriter(c.MessageBroker, queue))
		c.OutcomeWriter = client.NewOutcomeWriter(
			c.MessageBroker,
			c.OutcomeStore,
			queue,
			cfg.BatchSize,
			time.Duration(cfg.FlushInterval)*time.Second,
			c.Log,
		)
	}

	c.SettingJobManager = client.NewSettingJobManager(
		c.SettingStore,
		c.OutcomeStore,
		c.LockManager,
		c.JobHandler,
		cfg.Instance,
		managerOpts...,
	)

	return c, nil
}

// Close releases the broker, Redis and database connections.
func (c *Container) Close() error {
	var errs []error
	if c.MessageBroker != nil {
		errs = append(errs, c.MessageBroker.Close())
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}

// openStorage creates the database connection based on config.
func openStorage(cfg *config.SchedulerConfig, injected *sql.DB) (*sql.DB, error) {
	if injected != nil {
		return injected, nil
	}
	switch cfg.StorageDriver {
	case config.Postgres:
		db, err := sql.Open("postgres", cfg.PostgresConfig.ConnectionUrl)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.WorkerCount + 5)
		return db, nil
	case config.SQLite:
		return sqlite.Open(cfg.SQLiteConfig.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %v", cfg.StorageDriver)
	}
}

func openRedis(ctx context.Context, cfg *config.SchedulerConfig, injected redis.UniversalClient) (redis.UniversalClient, error) {
	if injected != nil {
		return injected, nil
	}
	if cfg.RedisConfig == nil {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisConfig.Address,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func createStores(driver config.StorageDriver, db *sql.DB) (store.SettingStore, store.OutcomeStore, *postgres.PostgresOutcomeStore) {
	switch driver {
	case config.SQLite:
		return sqlite.NewSQLiteSettingStore(db), sqlite.NewSQLiteOutcomeStore(db), nil
	default:
		outcomes := postgres.NewPostgresOutcomeStore(db)
		return postgres.NewPostgresSettingStore(db), outcomes, outcomes
	}
}

// createDistributedLockManager picks Redis locks whenever Redis is configured.
func createDistributedLockManager(driver config.StorageDriver, db *sql.DB, redisClient redis.UniversalClient) lock.DistributedLockManager {
	switch {
	case redisClient != nil:
		return lock.NewRedisDistributedLockManager(redisClient)
	case driver == config.SQLite:
		return lock.NewLocalLockManager()
	default:
		return lock.NewPostgresDistributedLockManager(db)
	}
}
