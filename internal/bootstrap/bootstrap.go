// Package bootstrap builds the runtime dependencies shared by the API and
// worker services from a loaded configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/image-batch/internal/config"
	"github.com/cuongbtq/image-batch/internal/metrics"
	"github.com/cuongbtq/image-batch/internal/notifier"
	"github.com/cuongbtq/image-batch/internal/queue"
	"github.com/cuongbtq/image-batch/internal/store"
	"github.com/cuongbtq/image-batch/internal/transformer"
	"github.com/cuongbtq/image-batch/internal/worker"
	"github.com/cuongbtq/image-batch/shared/logger"
	"github.com/cuongbtq/image-batch/shared/postgresql"
	"github.com/cuongbtq/image-batch/shared/rabbitmq"
	sharedredis "github.com/cuongbtq/image-batch/shared/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// Resources holds the connections and components built from configuration
type Resources struct {
	Logger   *slog.Logger
	DB       *postgresql.Client
	Rabbit   *rabbitmq.Client
	Redis    *redis.Client
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Store    *store.Store
	Queue    queue.Queue
	History  *queue.History

	cfg *config.Config
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

// Open connects to every backing service named in cfg.
// Redis is optional; a connection failure only disables the queue history.
func Open(cfg *config.Config, log *slog.Logger) (*Resources, error) {
	res := &Resources{
		Logger:   log,
		Registry: NewRegistry(),
		cfg:      cfg,
	}
	res.Metrics = metrics.New(res.Registry)

	db, err := InitPostgreSQL(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	res.DB = db
	log.Info("Database connection established", slog.String("pool", db.Stats()))

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(cfg.Database.MigrationsPath); err != nil {
			res.Close()
			return nil, err
		}
	}
	res.Store = store.New(db.GetDB(), log)

	if cfg.Redis.Address != "" {
		client, err := sharedredis.NewClient(&sharedredis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			log.Warn("Redis unavailable, queue history disabled", slog.Any("error", err))
		} else {
			res.Redis = client
			res.History = queue.NewHistory(client, "", cfg.Queue.HistorySize)
		}
	}

	events := queue.NewMonitor(log, res.Metrics, res.History, cfg.Queue.Driver)

	var broker queue.Broker
	if cfg.Queue.Driver == config.QueueDriverRabbitMQ {
		rabbitClient, err := InitRabbitMQ(&cfg.RabbitMQ, log)
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		res.Rabbit = rabbitClient
		broker = rabbitClient
		log.Info("RabbitMQ connection established")
	}

	q, err := newQueue(cfg.Queue.Driver, broker, events, log)
	if err != nil {
		res.Close()
		return nil, err
	}
	res.Queue = q

	return res, nil
}

// NewRegistry returns a Prometheus registry with the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newQueue(driver string, broker queue.Broker, events queue.Events, log *slog.Logger) (queue.Queue, error) {
	switch driver {
	case config.QueueDriverRabbitMQ:
		if broker == nil {
			return nil, errors.New("rabbitmq queue driver requires a broker")
		}
		return queue.NewRabbitQueue(broker, events, log), nil
	case config.QueueDriverMemory:
		return queue.NewMemoryQueue(0, events), nil
	default:
		return nil, fmt.Errorf("unknown queue driver: %q", driver)
	}
}

// QueueOptions maps the configured delivery policy onto queue options
func QueueOptions(cfg *config.QueueConfig) queue.Options {
	return queue.Options{
		MaxAttempts: cfg.MaxAttempts,
		Backoff: queue.Backoff{
			Type:  queue.BackoffType(cfg.BackoffType),
			Delay: cfg.BackoffDelay,
		},
	}
}

// NewWorker assembles the transformer, notifier and worker pool
func (r *Resources) NewWorker() (*worker.Worker, error) {
	cfg := r.cfg

	contentStore, err := transformer.NewLocalStore(cfg.Storage.OutputDir, cfg.Storage.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize output storage: %w", err)
	}

	t, err := transformer.New(transformer.Config{
		Quality:      cfg.Transformer.Quality,
		FetchTimeout: cfg.Transformer.FetchTimeout,
		MaxBytes:     cfg.Transformer.MaxBytes,
		RateLimit:    cfg.Transformer.RateLimit,
		RateBurst:    cfg.Transformer.RateBurst,
		UploadDir:    cfg.Storage.UploadDir,
	}, contentStore, r.Metrics, r.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize transformer: %w", err)
	}

	n := notifier.New(notifier.Config{
		Enabled: cfg.Notifier.Enabled,
		URL:     cfg.Notifier.URL,
		Timeout: cfg.Notifier.Timeout,
	}, r.Store, r.Metrics, r.Logger)

	return worker.NewWorker(&worker.Config{
		Logger:            r.Logger,
		Store:             r.Store,
		Queue:             r.Queue,
		Transformer:       t,
		Notifier:          n,
		Metrics:           r.Metrics,
		Concurrency:       cfg.Worker.Concurrency,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	}), nil
}

// HealthCheck reports whether the database and broker are reachable
func (r *Resources) HealthCheck(ctx context.Context) error {
	if err := r.DB.HealthCheck(ctx); err != nil {
		return err
	}
	if r.Rabbit != nil && !r.Rabbit.IsConnected() {
		return errors.New("rabbitmq connection lost")
	}
	return nil
}

// BrokerClosed fires when the RabbitMQ channel closes. It is nil for the
// memory driver and so never fires.
func (r *Resources) BrokerClosed() <-chan *amqp.Error {
	if r.Rabbit == nil {
		return nil
	}
	return r.Rabbit.NotifyClose()
}

// Close releases every open connection
func (r *Resources) Close() {
	if mq, ok := r.Queue.(*queue.MemoryQueue); ok {
		mq.Close()
	}
	if r.Rabbit != nil {
		r.Rabbit.Close()
	}
	if r.Redis != nil {
		r.Redis.Close()
	}
	if r.DB != nil {
		r.DB.Close()
	}
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

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}, log)
}
