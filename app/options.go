package app

import (
	"database/sql"
	"github.com/RezaEskandarii/fibfire/internal/message_broaker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ContainerOption configures Container creation. Used for testing and customization.
type ContainerOption func(*containerConfig)

type containerConfig struct {
	// Optional: inject connections instead of creating them from config
	db     *sql.DB
	redis  redis.UniversalClient
	broker message_broaker.MessageBroker
	log    *zerolog.Logger
}

// WithDB injects a database connection for the configured storage driver. Useful for testing.
func WithDB(db *sql.DB) ContainerOption {
	return func(c *containerConfig) {
		c.db = db
	}
}

// WithRedis injects a Redis client. It enables the outcome cache and Redis locks.
func WithRedis(rdb redis.UniversalClient) ContainerOption {
	return func(c *containerConfig) {
		c.redis = rdb
	}
}

// WithMessageBroker injects the broker used by the queue writer instead of dialing RabbitMQ.
func WithMessageBroker(broker message_broaker.MessageBroker) ContainerOption {
	return func(c *containerConfig) {
		c.broker = broker
	}
}

func WithLogger(log zerolog.Logger) ContainerOption {
	return func(c *containerConfig) {
		c.log = &log
	}
}
