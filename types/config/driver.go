package config

type StorageDriver int

const (
	Postgres StorageDriver = iota + 1
	SQLite
)

type MessageQueueDriver int

const (
	RabbitMQ MessageQueueDriver = iota + 1
)

func (d MessageQueueDriver) String() string {
	switch d {
	case RabbitMQ:
		return "rabbitmq"
	default:
		return "unknown"
	}

}

// String converts the StorageDriver enum to a human-readable string.
func (d StorageDriver) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case SQLite:
		return "sqlite"
	}
	return "unknown"
}

// ParseStorageDriver is the inverse of StorageDriver.String.
func ParseStorageDriver(name string) (StorageDriver, bool) {
	switch name {
	case "postgres", "postgresql":
		return Postgres, true
	case "sqlite", "sqlite3":
		return SQLite, true
	}
	return 0, false
}
