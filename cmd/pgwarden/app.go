package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/FairForge/pgwarden/internal/audit"
	"github.com/FairForge/pgwarden/internal/config"
	"github.com/FairForge/pgwarden/internal/database"
	"github.com/FairForge/pgwarden/internal/ha"
	"github.com/FairForge/pgwarden/internal/lock"
	"github.com/FairForge/pgwarden/internal/logging"
	"github.com/FairForge/pgwarden/internal/metrics"
	"github.com/FairForge/pgwarden/internal/nodectl"
	"github.com/FairForge/pgwarden/internal/notify"
)

// app holds what every command shares. Parts are built lazily so that
// read-only commands never open the audit log or start notifier workers.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	argv   []string

	pool       *database.Pool
	metrics    *metrics.Collector
	locker     lock.Locker
	auditLog   *audit.Log
	dispatcher *notify.Dispatcher
	closers    []func() error
}

func newApp(configPath string, stdin io.Reader, stdout, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: stderr,
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		pool:    database.NewPool(cfg.DatabaseConfig()),
		metrics: metrics.NewCollector(),
	}
	a.closers = append(a.closers, a.pool.Close)
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *app) cluster(name string) (ha.Cluster, error) {
	return a.cfg.Cluster(name)
}

func (a *app) prober() ha.Prober {
	return ha.NewSQLProber(a.pool, a.cfg.Detection.ProbeTimeout, a.logger)
}

func (a *app) auditPath() string {
	return filepath.Join(a.cfg.StateDir, audit.FileName)
}

func owner() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("pgwarden@%s", host)
}

func (a *app) lockerFor() (lock.Locker, error) {
	if a.locker != nil {
		return a.locker, nil
	}
	lc := a.cfg.Lock
	switch lc.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     lc.Redis.Addr,
			Password: lc.Redis.Password,
			DB:       lc.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		a.locker = lock.NewRedisLocker(client, lock.RedisConfig{
			Prefix: lc.Redis.Prefix,
			Owner:  owner(),
			TTL:    lc.Redis.TTL,
		})
	case "consul":
		l, err := lock.NewConsulLocker(lc.Consul.Address, lc.Consul.Prefix, owner())
		if err != nil {
			return nil, err
		}
		a.locker = l
	default:
		l, err := lock.NewFileLocker(filepath.Join(a.cfg.StateDir, "locks"), owner())
		if err != nil {
			return nil, err
		}
		a.locker = l
	}
	return a.locker, nil
}

func (a *app) notifier() *notify.Dispatcher {
	if a.dispatcher != nil {
		return a.dispatcher
	}
	nc := a.cfg.Notify
	var sinks []notify.Sink
	if nc.Webhook.URL != "" {
		s, err := notify.NewWebhookSink(notify.WebhookConfig{
			URL:     nc.Webhook.URL,
			Secret:  nc.Webhook.Secret,
			Timeout: nc.Webhook.Timeout,
		}, a.logger)
		if err != nil {
			a.logger.Error("webhook sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, s)
		}
	}
	if len(nc.Kafka.Brokers) > 0 {
		s, err := notify.NewKafkaSink(notify.KafkaConfig{Brokers: nc.Kafka.Brokers, Topic: nc.Kafka.Topic})
		if err != nil {
			a.logger.Error("kafka sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, s)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, notify.LogSink{Logger: a.logger})
	}

	a.dispatcher = notify.NewDispatcher(notify.Config{
		QueueSize:     nc.QueueSize,
		MaxAttempts:   nc.MaxAttempts,
		RetryInterval: nc.RetryInterval,
		RatePerSecond: nc.RatePerSecond,
	}, sinks, a.metrics, a.logger)
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.dispatcher.Close(ctx)
	})
	return a.dispatcher
}

// deps wires everything a procedure needs.
func (a *app) deps() (ha.Deps, error) {
	locker, err := a.lockerFor()
	if err != nil {
		return ha.Deps{}, err
	}
	if a.auditLog == nil {
		l, err := audit.Open(a.cfg.StateDir, a.logger)
		if err != nil {
			return ha.Deps{}, err
		}
		a.auditLog = l
		a.closers = append(a.closers, l.Close)
	}
	admin, err := nodectl.New(a.pool, a.cfg.NodeAdminConfig(), a.logger)
	if err != nil {
		return ha.Deps{}, err
	}
	return ha.Deps{
		Prober:   a.prober(),
		Admin:    admin,
		Locker:   locker,
		Audit:    a.auditLog,
		Notifier: a.notifier(),
		Metrics:  a.metrics,
		Logger:   a.logger,
	}, nil
}
