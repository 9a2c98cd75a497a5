// Package bootstrap connects the shared infrastructure both services run on
// and picks the queue and lock drivers named in the configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/editqueue/internal/config"
	"github.com/cuongbtq/editqueue/internal/lock"
	"github.com/cuongbtq/editqueue/internal/migrate"
	"github.com/cuongbtq/editqueue/internal/queue"
	"github.com/cuongbtq/editqueue/shared/logger"
	"github.com/cuongbtq/editqueue/shared/postgresql"
	"github.com/cuongbtq/editqueue/shared/rabbitmq"
	"github.com/cuongbtq/editqueue/shared/redis"
)

// Infra holds the open connections and the selected drivers
type Infra struct {
	DB     *postgresql.Client
	Redis  *redis.Client
	Rabbit *rabbitmq.Client
	Queue  queue.Queue
	Lock   lock.Lock

	logger *slog.Logger
}

// Open connects to every store the configuration needs. Redis is connected
// whenever a url is set, since the result cache uses it even when the queue
// and lock do not.
func Open(cfg *config.Config, runMigrations bool, log *slog.Logger) (*Infra, error) {
	infra := &Infra{logger: log}

	db, err := InitPostgreSQL(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	infra.DB = db
	log.Info("Database connection established")

	if runMigrations {
		if err := migrate.Up(db.GetDB().DB, log); err != nil {
			infra.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	if cfg.Redis.URL != "" {
		rc, err := InitRedis(&cfg.Redis, log)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		infra.Redis = rc
		log.Info("Redis connection established")
	}

	if cfg.Queue.Driver == config.DriverRabbitMQ {
		rb, err := InitRabbitMQ(cfg, log)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		infra.Rabbit = rb
		log.Info("RabbitMQ connection established")
	}

	var rdb *goredis.Client
	if infra.Redis != nil {
		rdb = infra.Redis.GetClient()
	}

	if infra.Queue, err = NewQueue(cfg, rdb, infra.Rabbit, log); err != nil {
		infra.Close()
		return nil, err
	}
	if infra.Lock, err = NewLock(cfg, rdb, log); err != nil {
		infra.Close()
		return nil, err
	}

	log.Info("Drivers selected",
		slog.String("queue", cfg.Queue.Driver),
		slog.String("lock", cfg.Lock.Driver),
	)
	return infra, nil
}

// RedisClient returns the raw go-redis client, or nil when Redis is not configured
func (i *Infra) RedisClient() *goredis.Client {
	if i.Redis == nil {
		return nil
	}
	return i.Redis.GetClient()
}

// HealthChecks returns a probe per open connection
func (i *Infra) HealthChecks() map[string]func(ctx context.Context) error {
	checks := map[string]func(ctx context.Context) error{}
	if i.DB != nil {
		checks["database"] = i.DB.HealthCheck
	}
	if i.Redis != nil {
		checks["redis"] = i.Redis.HealthCheck
	}
	if i.Rabbit != nil {
		rb := i.Rabbit
		checks["rabbitmq"] = func(context.Context) error {
			if !rb.IsConnected() {
				return errors.New("rabbitmq connection closed")
			}
			return nil
		}
	}
	return checks
}

// Close releases every open connection
func (i *Infra) Close() {
	if i.Rabbit != nil {
		if err := i.Rabbit.Close(); err != nil {
			i.logger.Warn("Failed to close RabbitMQ", slog.String("error", err.Error()))
		}
	}
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			i.logger.Warn("Failed to close Redis", slog.String("error", err.Error()))
		}
	}
	if i.DB != nil {
		if err := i.DB.Close(); err != nil {
			i.logger.Warn("Failed to close database", slog.String("error", err.Error()))
		}
	}
}

// NewQueue builds the configured work queue driver
func NewQueue(cfg *config.Config, rdb *goredis.Client, rabbit *rabbitmq.Client, log *slog.Logger) (queue.Queue, error) {
	opts := queue.Options{
		Channel:           cfg.Queue.Channel,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	}

	switch cfg.Queue.Driver {
	case config.DriverRedis:
		if rdb == nil {
			return nil, errors.New("redis queue driver needs a redis connection")
		}
		return queue.NewRedisQueue(rdb, opts, log), nil
	case config.DriverRabbitMQ:
		if rabbit == nil {
			return nil, errors.New("rabbitmq queue driver needs a rabbitmq connection")
		}
		return queue.NewRabbitMQQueue(rabbit, log), nil
	case config.DriverMemory:
		return queue.NewMemoryQueue(opts), nil
	default:
		return nil, fmt.Errorf("unknown queue driver: %q", cfg.Queue.Driver)
	}
}

// NewLock builds the configured execution lock driver
func NewLock(cfg *config.Config, rdb *goredis.Client, log *slog.Logger) (lock.Lock, error) {
	opts := lock.Options{
		Key:           cfg.Lock.Key,
		TTL:           cfg.Lock.TTL,
		RetryInterval: cfg.Lock.RetryInterval,
	}

	switch cfg.Lock.Driver {
	case config.DriverRedis:
		if rdb == nil {
			return nil, errors.New("redis lock driver needs a redis connection")
		}
		return lock.NewRedisLock(rdb, opts, log), nil
	case config.DriverMemory:
		return lock.NewMemoryLock(opts), nil
	default:
		return nil, fmt.Errorf("unknown lock driver: %q", cfg.Lock.Driver)
	}
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(cfg *config.DatabaseConfig, log *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, log)
}

// InitRedis initializes the Redis client
func InitRedis(cfg *config.RedisConfig, log *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		URL:          cfg.URL,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}, log)
}

// InitRabbitMQ initializes the RabbitMQ client bound to the queue channel
func InitRabbitMQ(cfg *config.Config, log *slog.Logger) (*rabbitmq.Client, error) {
	rc := cfg.RabbitMQ
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               rc.Host,
		Port:               rc.Port,
		User:               rc.User,
		Password:           rc.Password,
		VHost:              rc.VHost,
		QueueName:          cfg.Queue.Channel,
		QueueDurable:       rc.Durable,
		RetryAttempts:      rc.Connection.RetryAttempts,
		RetryInterval:      rc.Connection.RetryInterval,
		Heartbeat:          rc.Connection.Heartbeat,
		ConnectionTimeout:  rc.Connection.ConnectionTimeout,
		PublishRetries:     rc.Publish.RetryAttempts,
		PublishRetryDelay:  rc.Publish.RetryInterval,
		PublishBackoffMult: rc.Publish.BackoffMultiplier,
	}, log)
}
