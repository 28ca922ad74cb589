// Package smoke exercises a freshly started redis-server through the client
// handed out by the supervisor. It appends to two streams and reads them back,
// measuring the round trip of both commands.
package smoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StreamTest  = "STREAMTEST"
	StreamTest2 = "STREAMTEST2"

	DefaultIterations = 100
)

type Report struct {
	Iterations int
	AddAvg     time.Duration
	ReadAvg    time.Duration
	Read       int // total number of stream entries read back
}

func (r Report) Attr(name string) slog.Attr {
	return slog.Group(name,
		slog.Int("iterations", r.Iterations),
		slog.Duration("xadd_avg", r.AddAvg),
		slog.Duration("xread_avg", r.ReadAvg),
		slog.Int("read", r.Read),
	)
}

// Run performs iterations rounds of XADD to both test streams followed by an
// XREAD of both streams from the previous offsets.
func Run(ctx context.Context, client redis.Cmdable, iterations int) (Report, error) {
	if client == nil {
		return Report{}, errors.New("nil redis client")
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	offset, offset2 := "0", "0"
	var addTotal, readTotal time.Duration
	var read int
	for i := range iterations {
		start := time.Now()
		id, err := client.XAdd(ctx, &redis.XAddArgs{
			Stream: StreamTest,
			Values: map[string]any{"Key": "Value"},
		}).Result()
		if err != nil {
			return Report{}, fmt.Errorf("xadd %s (iteration %d): %w", StreamTest, i, err)
		}
		id2, err := client.XAdd(ctx, &redis.XAddArgs{
			Stream: StreamTest2,
			Values: map[string]any{"Key2": "Value2"},
		}).Result()
		if err != nil {
			return Report{}, fmt.Errorf("xadd %s (iteration %d): %w", StreamTest2, i, err)
		}
		addTotal += time.Since(start)

		start = time.Now()
		streams, err := client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{StreamTest, StreamTest2, offset, offset2},
			Block:   -1,
		}).Result()
		if err != nil {
			return Report{}, fmt.Errorf("xread (iteration %d): %w", i, err)
		}
		readTotal += time.Since(start)
		for _, s := range streams {
			read += len(s.Messages)
		}
		slog.DebugContext(ctx, "smoke iteration", "iteration", i, "xadd", id, "streams", len(streams))

		offset, offset2 = id, id2
	}

	report := Report{
		Iterations: iterations,
		AddAvg:     addTotal / time.Duration(iterations),
		ReadAvg:    readTotal / time.Duration(iterations),
		Read:       read,
	}
	slog.InfoContext(ctx, "smoke test finished", report.Attr("report"))
	return report, nil
}
