// Package notify delivers failover, switchover, rebuild and split-brain
// notifications to external sinks without blocking the procedures that
// raise them.
package notify

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/pgwarden/internal/ha"
	"github.com/FairForge/pgwarden/internal/metrics"
)

// Sink delivers one encoded notification. attempt starts at 1.
type Sink interface {
	Name() string
	Send(ctx context.Context, body []byte, n ha.Notification, attempt int) error
}

// Config tunes the dispatcher.
type Config struct {
	QueueSize     int
	Workers       int
	MaxAttempts   int
	RetryInterval time.Duration
	// RatePerSecond bounds deliveries across all sinks.
	RatePerSecond float64
	Burst         int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		QueueSize:     100,
		Workers:       2,
		MaxAttempts:   3,
		RetryInterval: time.Second,
		RatePerSecond: 10,
		Burst:         20,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = d.RatePerSecond
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
}

// Dispatcher queues notifications and delivers them to every sink from a
// small worker pool.
type Dispatcher struct {
	cfg     Config
	sinks   []Sink
	queue   chan ha.Notification
	limiter *rate.Limiter
	metrics *metrics.Collector
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ ha.Notifier = (*Dispatcher)(nil)

// NewDispatcher starts the workers.
func NewDispatcher(cfg Config, sinks []Sink, m *metrics.Collector, logger *zap.Logger) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:     cfg,
		sinks:   sinks,
		queue:   make(chan ha.Notification, cfg.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		metrics: m,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Notify enqueues n and returns immediately. When the queue is full or the
// dispatcher is closed the notification is dropped with a warning.
func (d *Dispatcher) Notify(_ context.Context, n ha.Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("notification dropped, dispatcher closed",
			zap.String("cluster", n.Cluster), zap.String("event_kind", string(n.EventKind)))
		return
	}
	select {
	case d.queue <- n:
	default:
		d.logger.Warn("notification dropped, queue full",
			zap.String("cluster", n.Cluster),
			zap.String("event_kind", string(n.EventKind)),
			zap.String("id", n.ID))
	}
}

// Close stops accepting notifications and waits for the queue to drain. If
// ctx ends first, in-flight deliveries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
		err = ctx.Err()
	}
	d.cancel()
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return err
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for n := range d.queue {
		d.dispatch(n)
	}
}

func (d *Dispatcher) dispatch(n ha.Notification) {
	body, err := json.Marshal(n)
	if err != nil {
		d.logger.Error("encode notification", zap.Error(err))
		return
	}
	for _, s := range d.sinks {
		err := d.deliver(s, body, n)
		d.metrics.ObserveNotification(s.Name(), err == nil)
		if err != nil {
			d.logger.Error("notification delivery failed",
				zap.String("sink", s.Name()),
				zap.String("cluster", n.Cluster),
				zap.String("event_kind", string(n.EventKind)),
				zap.Error(err))
		}
	}
}

// deliver sends with retries
func (d *Dispatcher) deliver(s Sink, body []byte, n ha.Notification) error {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := d.limiter.Wait(d.ctx); err != nil {
			return err
		}
		if lastErr = s.Send(d.ctx, body, n, attempt); lastErr == nil {
			return nil
		}
		if attempt < d.cfg.MaxAttempts {
			select {
			case <-d.ctx.Done():
				return d.ctx.Err()
			case <-time.After(d.cfg.RetryInterval):
			}
		}
	}
	return lastErr
}

// LogSink writes notifications to the logger. It is used when no external
// sink is configured.
type LogSink struct {
	Logger *zap.Logger
}

// Name implements Sink.
func (LogSink) Name() string { return "log" }

// Send implements Sink.
func (s LogSink) Send(_ context.Context, _ []byte, n ha.Notification, _ int) error {
	s.Logger.Info("notification",
		zap.String("cluster", n.Cluster),
		zap.String("event_kind", string(n.EventKind)),
		zap.String("outcome", n.Outcome),
		zap.Uint64("lag_bytes", n.LagBytesAtDecision),
		zap.String("summary", n.Summary))
	return nil
}
