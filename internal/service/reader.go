package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/Keeper/internal/logqueue"
	"github.com/CZERTAINLY/Keeper/internal/metrics"
)

// DefaultEOFDelay is how long the Reader waits after hitting end of stream
// while the process is still alive. A pipe gives no signal that more output
// is coming, so the reader polls.
const DefaultEOFDelay = 100 * time.Millisecond

// Reader tails the merged output of a process line by line and appends every
// line to a queue. It stops once the process is no longer alive, when it is
// closed, or on the first read error. It never resumes observation after an
// error, even if the process is still running.
type Reader struct {
	ctx    context.Context
	cancel context.CancelFunc

	src      io.ReadCloser
	alive    func() bool
	queue    *logqueue.Queue[string]
	eofDelay time.Duration
	metrics  *metrics.Metrics

	closeOnce sync.Once
	closeErr  error
}

func NewReader(ctx context.Context, src io.ReadCloser, alive func() bool, queue *logqueue.Queue[string]) *Reader {
	ctx, cancel := context.WithCancel(ctx)
	return &Reader{
		ctx:      ctx,
		cancel:   cancel,
		src:      src,
		alive:    alive,
		queue:    queue,
		eofDelay: DefaultEOFDelay,
	}
}

// WithEOFDelay changes the delay between reads at end of stream.
func (r *Reader) WithEOFDelay(d time.Duration) *Reader {
	if d > 0 {
		r.eofDelay = d
	}
	return r
}

func (r *Reader) WithMetrics(m *metrics.Metrics) *Reader {
	r.metrics = m
	return r
}

// Run reads until the reader stops and closes the stream before returning.
// It returns an error only for a failed read.
func (r *Reader) Run() error {
	defer func() {
		_ = r.closeStream()
	}()

	br := bufio.NewReader(r.src)
	timer := time.NewTimer(r.eofDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		if r.ctx.Err() != nil {
			return nil
		}
		if !r.alive() {
			slog.DebugContext(r.ctx, "process is not alive: closing output reader")
			return nil
		}

		line, err := br.ReadString('\n')
		if line != "" && (err == nil || errors.Is(err, io.EOF)) {
			if qerr := r.queue.Put(strings.TrimRight(line, "\r\n")); qerr != nil {
				return nil
			}
			r.metrics.LineQueued(r.queue.Len())
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			timer.Reset(r.eofDelay)
			select {
			case <-r.ctx.Done():
				return nil
			case <-timer.C:
			}
		case r.ctx.Err() != nil:
			// stream closed by Close
			return nil
		default:
			r.metrics.ReaderFailed()
			slog.ErrorContext(r.ctx, "reading process output failed: log pipeline stopped, process may still be running",
				"error", err,
			)
			return fmt.Errorf("reading process output: %w", err)
		}
	}
}

// Close stops the reader and closes the underlying stream, which unblocks a
// pending read. Run returns shortly after.
func (r *Reader) Close() error {
	r.cancel()
	return r.closeStream()
}

func (r *Reader) closeStream() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.src.Close()
	})
	return r.closeErr
}
