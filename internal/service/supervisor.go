package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Keeper/internal/actor"
	"github.com/CZERTAINLY/Keeper/internal/artifact"
	"github.com/CZERTAINLY/Keeper/internal/log"
	"github.com/CZERTAINLY/Keeper/internal/logqueue"
	"github.com/CZERTAINLY/Keeper/internal/metrics"
	"github.com/CZERTAINLY/Keeper/internal/model"
)

// ErrAlreadyRunning is logged when Start finds a live process. It is never
// returned, Start has no result.
var ErrAlreadyRunning = errors.New("redis already running")

// ErrNotReady is returned by Client before redis-server accepts connections.
var ErrNotReady = errors.New("redis not ready")

// Preparer makes sure the artifact directory is populated.
type Preparer interface {
	Exists() bool
	Prepare(ctx context.Context) error
}

type Option func(*Supervisor)

func WithPreparer(p Preparer) Option {
	return func(s *Supervisor) {
		s.preparer = p
	}
}

func WithClientFactory(f ClientFactory) Option {
	return func(s *Supervisor) {
		s.clientFactory = f
	}
}

func WithLogSink(sink LogSink) Option {
	return func(s *Supervisor) {
		s.sink = sink
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

type listenerRef struct {
	l Listener
}

// Supervisor owns a single redis-server process and its log pipeline.
// Every operation is a command executed on the supervisor's actor, so
// lifecycle transitions never race with each other. All operations return
// without waiting for the command to run.
type Supervisor struct {
	actor *actor.Actor

	cfg           model.Config
	preparer      Preparer
	clientFactory ClientFactory
	sink          LogSink
	metrics       *metrics.Metrics

	listener atomic.Pointer[listenerRef]

	// owned by the actor goroutine
	proc     *Process
	queue    *logqueue.Queue[string]
	reader   *Reader
	consumer *Consumer
	pipeline *errgroup.Group
}

// NewSupervisor returns a supervisor whose commands log with the attributes
// stored in ctx. Cancelling ctx does not stop anything: the supervisor lives
// until Close, which always terminates redis-server.
func NewSupervisor(ctx context.Context, cfg model.Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:           cfg,
		preparer:      artifact.New(cfg.Artifacts.Source, cfg.Artifacts.Dir),
		clientFactory: NewRedisClient,
		sink:          SlogSink{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.actor = actor.New(context.WithoutCancel(ctx), "supervisor")
	return s
}

// Start spawns redis-server unless one is already running.
func (s *Supervisor) Start() {
	s.actor.Submit(s.start)
}

// Stop terminates redis-server and tears the log pipeline down. Stopping a
// supervisor with nothing running is a no-op.
func (s *Supervisor) Stop() {
	s.actor.Submit(s.stop)
}

func (s *Supervisor) Restart() {
	s.actor.Submit(func(ctx context.Context) {
		s.stop(ctx)
		s.start(ctx)
	})
}

// SetListener replaces the listener. It only affects readiness events that
// happen after the command has run; a past event is not replayed.
func (s *Supervisor) SetListener(l Listener) {
	s.actor.Submit(func(context.Context) {
		s.listener.Store(&listenerRef{l: l})
	})
}

// Prepare populates the artifact directory if it does not exist yet.
func (s *Supervisor) Prepare() {
	s.actor.Submit(func(ctx context.Context) {
		if s.preparer.Exists() {
			slog.DebugContext(ctx, "artifacts already present", "dir", s.cfg.Artifacts.Dir)
			return
		}
		if err := s.preparer.Prepare(ctx); err != nil {
			slog.ErrorContext(ctx, "preparing artifacts failed", "error", err)
		}
	})
}

// Running waits for all previously submitted commands and reports whether
// a live process is recorded.
func (s *Supervisor) Running(ctx context.Context) (bool, error) {
	var running bool
	err := s.actor.SubmitWait(ctx, func(context.Context) {
		running = s.proc != nil && s.proc.Alive()
	})
	return running, err
}

// Client returns a new client for the running redis-server once it has
// announced readiness. The caller owns the client. ErrNotRunning and
// ErrNotReady are returned otherwise.
func (s *Supervisor) Client(ctx context.Context) (*redis.Client, error) {
	var ready bool
	var running bool
	err := s.actor.SubmitWait(ctx, func(context.Context) {
		running = s.proc != nil && s.proc.Alive()
		ready = running && s.consumer != nil && s.consumer.Ready()
	})
	switch {
	case err != nil:
		return nil, err
	case !running:
		return nil, ErrNotRunning
	case !ready:
		return nil, ErrNotReady
	}
	return s.clientFactory(s.cfg.Client.Addr), nil
}

// Close stops everything and shuts the supervisor down. The supervisor
// cannot be used afterwards.
func (s *Supervisor) Close() {
	err := s.actor.SubmitWait(context.Background(), s.stop)
	if err != nil {
		slog.Warn("stopping supervisor on close", "error", err)
	}
	s.actor.Shutdown()
}

func (s *Supervisor) start(ctx context.Context) {
	if s.proc != nil {
		if s.proc.Alive() {
			slog.WarnContext(ctx, "start ignored", "pid", s.proc.Pid(), "error", ErrAlreadyRunning)
			return
		}
		slog.InfoContext(ctx, "recorded redis process has exited: cleaning up", "pid", s.proc.Pid(), "error", s.proc.Err())
		s.stop(ctx)
	}
	// leftovers from a pipeline that outlived its process
	s.closePipeline(ctx)

	slog.DebugContext(ctx, "starting redis")
	if !s.preparer.Exists() {
		if err := s.preparer.Prepare(ctx); err != nil {
			slog.ErrorContext(ctx, "preparing artifacts failed: redis not started", "error", err)
			s.metrics.ProcessStartFailed()
			return
		}
	}

	cmd := CommandFromConfig(s.cfg)
	runID := uuid.New()
	runCtx := log.ContextAttrs(ctx, slog.Group("redis", slog.String("run_id", runID.String())))
	proc, err := StartProcess(runCtx, cmd, func(*os.ProcessState, error) {
		s.metrics.ProcessExited()
	})
	if err != nil {
		slog.ErrorContext(runCtx, "starting redis failed", "path", cmd.Path, "error", err)
		s.metrics.ProcessStartFailed()
		return
	}
	s.proc = proc
	s.metrics.ProcessStarted()
	slog.InfoContext(runCtx, "redis started", "pid", proc.Pid(), "path", cmd.Path)

	s.startPipeline(runCtx, proc)
}

func (s *Supervisor) startPipeline(ctx context.Context, proc *Process) {
	s.queue = logqueue.New[string](
		logqueue.WithName("redis"),
		logqueue.WithWarnThreshold(s.cfg.Queue.WarnThreshold),
	)
	s.reader = NewReader(ctx, proc.Output(), proc.Alive, s.queue).
		WithEOFDelay(s.cfg.Redis.EOFDelay).
		WithMetrics(s.metrics)

	addr := s.cfg.Client.Addr
	s.consumer = NewConsumer(ctx, s.queue, func() *redis.Client { return s.clientFactory(addr) }, s.currentListener).
		WithSink(s.sink).
		WithMetrics(s.metrics)

	var g errgroup.Group
	g.Go(s.reader.Run)
	g.Go(s.consumer.Run)
	s.pipeline = &g
}

func (s *Supervisor) stop(ctx context.Context) {
	if s.proc != nil {
		slog.DebugContext(ctx, "stopping redis", "pid", s.proc.Pid())
		err := s.proc.Terminate(s.stopTimeout())
		if err != nil && !errors.Is(err, ErrNotRunning) {
			slog.ErrorContext(ctx, "terminating redis failed", "pid", s.proc.Pid(), "error", err)
		}
		s.proc = nil
	}
	s.closePipeline(ctx)
}

// closePipeline returns once the reader and the consumer goroutines have
// exited and the queue is empty.
func (s *Supervisor) closePipeline(ctx context.Context) {
	if s.reader != nil {
		_ = s.reader.Close()
	}
	if s.consumer != nil {
		s.consumer.Close()
	}
	if s.pipeline != nil {
		if err := s.pipeline.Wait(); err != nil {
			slog.WarnContext(ctx, "log pipeline ended with error", "error", err)
		}
	}
	if s.queue != nil {
		// the reader may have queued a last line while closing
		s.queue.Clear()
		s.queue.Close()
	}
	s.reader = nil
	s.consumer = nil
	s.pipeline = nil
	s.queue = nil
}

func (s *Supervisor) currentListener() Listener {
	ref := s.listener.Load()
	if ref == nil {
		return nil
	}
	return ref.l
}

func (s *Supervisor) stopTimeout() time.Duration {
	if s.cfg.Redis.StopTimeout > 0 {
		return s.cfg.Redis.StopTimeout
	}
	return model.DefaultStopTimeout
}
