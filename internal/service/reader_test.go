package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/Keeper/internal/logqueue"
	"github.com/CZERTAINLY/Keeper/internal/service"

	"github.com/stretchr/testify/require"
)

func take(t *testing.T, q *logqueue.Queue[string]) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	line, err := q.Take(ctx)
	require.NoError(t, err)
	return line
}

func runReader(r *service.Reader) <-chan error {
	errs := make(chan error, 1)
	go func() {
		errs <- r.Run()
	}()
	return errs
}

func TestReader(t *testing.T) {
	t.Parallel()
	src := newStream("Starting\r\n", "Load", "ing\n", "Ready to accept connections\n")
	q := logqueue.New[string]()
	r := service.NewReader(t.Context(), src, func() bool { return true }, q).
		WithEOFDelay(5 * time.Millisecond)
	errs := runReader(r)

	require.Equal(t, "Starting", take(t, q))
	require.Equal(t, "Loading", take(t, q))
	require.Equal(t, "Ready to accept connections", take(t, q))

	require.NoError(t, r.Close())
	require.NoError(t, <-errs)
	require.True(t, src.Closed())
}

func TestReader_EOFRetry(t *testing.T) {
	t.Parallel()
	src := newStream("first\n")
	q := logqueue.New[string]()
	r := service.NewReader(t.Context(), src, func() bool { return true }, q).
		WithEOFDelay(5 * time.Millisecond)
	errs := runReader(r)
	t.Cleanup(func() {
		_ = r.Close()
		<-errs
	})

	require.Equal(t, "first", take(t, q))
	require.Eventually(t, func() bool { return src.EOFs() >= 3 }, 2*time.Second, time.Millisecond)

	src.push("second\n")
	require.Equal(t, "second", take(t, q))

	select {
	case err := <-errs:
		t.Fatalf("reader stopped at end of stream of a live process: %v", err)
	default:
	}
}

func TestReader_NotAlive(t *testing.T) {
	t.Parallel()
	src := newStream("never read\n")
	q := logqueue.New[string]()
	r := service.NewReader(t.Context(), src, func() bool { return false }, q)

	require.NoError(t, r.Run())
	require.Zero(t, q.Len())
	require.Zero(t, src.EOFs())
	require.True(t, src.Closed())
}

func TestReader_ProcessDiesDuringEOFWait(t *testing.T) {
	t.Parallel()
	var alive atomic.Bool
	alive.Store(true)
	src := newStream("last words\n")
	q := logqueue.New[string]()
	r := service.NewReader(t.Context(), src, alive.Load, q).
		WithEOFDelay(5 * time.Millisecond)
	errs := runReader(r)

	require.Equal(t, "last words", take(t, q))
	require.Eventually(t, func() bool { return src.EOFs() >= 1 }, 2*time.Second, time.Millisecond)
	alive.Store(false)

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop after the process died")
	}
	eofs := src.EOFs()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, eofs, src.EOFs())
	require.True(t, src.Closed())
}

func TestReader_ReadError(t *testing.T) {
	t.Parallel()
	src := newStream("before\n")
	src.fail(errBroken)
	q := logqueue.New[string]()
	r := service.NewReader(t.Context(), src, func() bool { return true }, q)

	err := r.Run()
	require.ErrorIs(t, err, errBroken)
	require.Equal(t, "before", take(t, q))
	require.True(t, src.Closed())
}

func TestReader_CloseDuringEOFWait(t *testing.T) {
	t.Parallel()
	src := newStream()
	q := logqueue.New[string]()
	r := service.NewReader(t.Context(), src, func() bool { return true }, q).
		WithEOFDelay(time.Hour)
	errs := runReader(r)
	require.Eventually(t, func() bool { return src.EOFs() == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, r.Close())
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not interrupt the end of stream delay")
	}
}
