package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/CZERTAINLY/Keeper/internal/logqueue"
	"github.com/CZERTAINLY/Keeper/internal/metrics"
)

// ReadinessMarker is printed by redis-server once it accepts clients.
const ReadinessMarker = "Ready to accept connections"

// Listener receives the client once the supervised server is ready. The
// client belongs to the listener afterwards. OnClientAvailable runs on the
// log consumer goroutine: while it runs, no further output is logged.
type Listener interface {
	OnClientAvailable(client *redis.Client)
}

type ListenerFunc func(client *redis.Client)

func (f ListenerFunc) OnClientAvailable(client *redis.Client) {
	f(client)
}

// ClientFactory builds the client handle for addr.
type ClientFactory func(addr string) *redis.Client

func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// LogSink receives every line of the supervised process output.
type LogSink interface {
	Line(ctx context.Context, line string)
}

type LogSinkFunc func(ctx context.Context, line string)

func (f LogSinkFunc) Line(ctx context.Context, line string) {
	f(ctx, line)
}

// SlogSink logs lines at debug level through the default slog logger.
type SlogSink struct{}

func (SlogSink) Line(ctx context.Context, line string) {
	slog.DebugContext(ctx, "REDIS", "line", line)
}

// Consumer drains the queue, forwards lines to the sink and hands out a client
// on the first line containing ReadinessMarker.
type Consumer struct {
	ctx    context.Context
	cancel context.CancelFunc

	queue     *logqueue.Queue[string]
	sink      LogSink
	newClient func() *redis.Client
	listener  func() Listener
	metrics   *metrics.Metrics

	fired bool
	announced atomic.Bool
}

// NewConsumer returns a consumer. listener is looked up on every readiness
// event, so it always returns the currently registered listener (or nil).
func NewConsumer(ctx context.Context, queue *logqueue.Queue[string], newClient func() *redis.Client, listener func() Listener) *Consumer {
	ctx, cancel := context.WithCancel(ctx)
	return &Consumer{
		ctx:       ctx,
		cancel:    cancel,
		queue:     queue,
		sink:      SlogSink{},
		newClient: newClient,
		listener:  listener,
	}
}

func (c *Consumer) WithSink(sink LogSink) *Consumer {
	if sink != nil {
		c.sink = sink
	}
	return c
}

func (c *Consumer) WithMetrics(m *metrics.Metrics) *Consumer {
	c.metrics = m
	return c
}

// Run consumes lines until the consumer is closed or the queue is closed.
func (c *Consumer) Run() error {
	for {
		line, err := c.queue.Take(c.ctx)
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
				slog.DebugContext(c.ctx, "log consumer interrupted")
				return nil
			case errors.Is(err, logqueue.ErrClosed):
				return nil
			default:
				return fmt.Errorf("taking log line: %w", err)
			}
		}
		if c.ctx.Err() != nil {
			// closed while taking, the line belongs to a torn down pipeline
			return nil
		}
		c.metrics.LineConsumed(c.queue.Len())
		c.sink.Line(c.ctx, line)

		if !c.fired && strings.Contains(line, ReadinessMarker) {
			c.fired = true
			c.ready()
		}
	}
}

// Ready reports whether the readiness marker has been seen.
func (c *Consumer) Ready() bool {
	return c.announced.Load()
}

func (c *Consumer) ready() {
	c.announced.Store(true)
	slog.InfoContext(c.ctx, "redis server ready")
	c.metrics.Ready()
	client := c.newClient()

	var l Listener
	if c.listener != nil {
		l = c.listener()
	}
	if l == nil {
		slog.DebugContext(c.ctx, "no listener registered: client not handed out")
		_ = client.Close()
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(c.ctx, "listener panicked", "error", fmt.Sprint(r))
		}
	}()
	l.OnClientAvailable(client)
}

// Close stops the consumer, interrupting a blocked Take, and discards every
// line still queued.
func (c *Consumer) Close() {
	c.cancel()
	c.queue.Clear()
}
