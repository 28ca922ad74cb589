package service_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/CZERTAINLY/Keeper/internal/actor"
	"github.com/CZERTAINLY/Keeper/internal/logqueue"
	"github.com/CZERTAINLY/Keeper/internal/metrics"
	"github.com/CZERTAINLY/Keeper/internal/model"
	"github.com/CZERTAINLY/Keeper/internal/service"

	"github.com/stretchr/testify/require"
)

// fakeServer behaves like redis-server as far as the supervisor can tell:
// it logs a few lines, announces readiness on stderr and keeps running.
const fakeServer = `#!/bin/sh
echo $$ >> pids
echo "conf=$1"
echo "lib=$LD_LIBRARY_PATH"
echo Starting
echo Loading
echo "Ready to accept connections" 1>&2
exec sleep 30
`

// silentServer announces readiness and then closes its output while staying
// alive, which leaves the reader polling at end of stream.
const silentServer = `#!/bin/sh
echo "Ready to accept connections"
exec sleep 30 >/dev/null 2>&1
`

func requireShell(t *testing.T) {
	t.Helper()
	for _, bin := range []string{"sh", "sleep"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("skipped, binary %s not available: %v", bin, err)
		}
	}
}

// testConfig returns a configuration whose artifact source holds script as
// redis-server. The artifact directory does not exist yet.
func testConfig(t *testing.T, script string) model.Config {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "redis-server"), []byte(script), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "redis.conf"), []byte("port 6379\n"), 0o600))

	cfg := model.DefaultConfig()
	cfg.Artifacts.Source = src
	cfg.Artifacts.Dir = filepath.Join(t.TempDir(), "redis")
	cfg.Redis.StopTimeout = 2 * time.Second
	cfg.Redis.EOFDelay = 10 * time.Millisecond
	return cfg
}

func newSupervisor(t *testing.T, cfg model.Config, opts ...service.Option) (*service.Supervisor, chan *redis.Client) {
	t.Helper()
	s := service.NewSupervisor(t.Context(), cfg, opts...)
	t.Cleanup(s.Close)

	clients := make(chan *redis.Client, 4)
	s.SetListener(service.ListenerFunc(func(c *redis.Client) {
		clients <- c
	}))
	t.Cleanup(func() {
		for {
			select {
			case c := <-clients:
				_ = c.Close()
			default:
				return
			}
		}
	})
	return s, clients
}

func awaitClient(t *testing.T, clients <-chan *redis.Client) *redis.Client {
	t.Helper()
	select {
	case c := <-clients:
		require.NotNil(t, c)
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("listener not called")
		return nil
	}
}

func running(t *testing.T, s *service.Supervisor) bool {
	t.Helper()
	ok, err := s.Running(t.Context())
	require.NoError(t, err)
	return ok
}

// pids lists the process ids recorded by the fake server scripts.
func pids(cfg model.Config) []string {
	b, err := os.ReadFile(filepath.Join(cfg.Artifacts.Dir, "pids"))
	if err != nil {
		return nil
	}
	return strings.Fields(string(b))
}

func TestSupervisor(t *testing.T) {
	requireShell(t)
	cfg := testConfig(t, fakeServer)
	sink := &recorder{}
	m := metrics.New()
	s, clients := newSupervisor(t, cfg, service.WithLogSink(sink), service.WithMetrics(m))

	s.Start()
	client := awaitClient(t, clients)
	require.Equal(t, "localhost:6379", client.Options().Addr)
	require.True(t, running(t, s))

	require.Equal(t, []string{
		"conf=" + filepath.Join(cfg.Artifacts.Dir, "redis.conf"),
		"lib=" + cfg.Artifacts.Dir,
		"Starting",
		"Loading",
		"Ready to accept connections",
	}, sink.Lines())

	s.Stop()
	require.False(t, running(t, s))
	require.Len(t, pids(cfg), 1)
}

func TestSupervisor_StopBeforeStart(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, fakeServer)
	s, _ := newSupervisor(t, cfg)

	s.Stop()
	s.Stop()
	require.False(t, running(t, s))
	_, err := os.Stat(cfg.Artifacts.Dir)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSupervisor_DoubleStart(t *testing.T) {
	requireShell(t)
	cfg := testConfig(t, fakeServer)
	s, clients := newSupervisor(t, cfg)

	s.Start()
	s.Start()
	awaitClient(t, clients)
	require.True(t, running(t, s))
	require.Len(t, pids(cfg), 1)

	select {
	case <-clients:
		t.Fatal("second start handed out another client")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSupervisor_ReadyAgainAfterRestart(t *testing.T) {
	requireShell(t)
	cfg := testConfig(t, fakeServer)
	s, clients := newSupervisor(t, cfg)

	s.Start()
	awaitClient(t, clients)

	s.Stop()
	s.Start()
	awaitClient(t, clients)

	s.Restart()
	awaitClient(t, clients)

	require.True(t, running(t, s))
	require.Len(t, pids(cfg), 3)
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, fakeServer)
	// artifacts exist, so nothing is copied and redis-server is missing
	require.NoError(t, os.MkdirAll(cfg.Artifacts.Dir, 0o755))
	s, clients := newSupervisor(t, cfg)

	s.Start()
	require.False(t, running(t, s))
	require.Empty(t, clients)

	s.Stop()
	require.False(t, running(t, s))
}

func TestSupervisor_PrepareFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, fakeServer)
	cfg.Artifacts.Source = filepath.Join(t.TempDir(), "missing")
	s, _ := newSupervisor(t, cfg)

	s.Start()
	require.False(t, running(t, s))
}

func TestSupervisor_Prepare(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, fakeServer)
	s, _ := newSupervisor(t, cfg)

	s.Prepare()
	// Running waits for the prepare command
	require.False(t, running(t, s))
	info, err := os.Stat(filepath.Join(cfg.Artifacts.Dir, "redis-server"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	require.NoError(t, os.Remove(filepath.Join(cfg.Artifacts.Dir, "redis.conf")))
	s.Prepare()
	require.False(t, running(t, s))
	_, err = os.Stat(filepath.Join(cfg.Artifacts.Dir, "redis.conf"))
	require.ErrorIs(t, err, os.ErrNotExist, "prepare must not touch existing artifacts")
}

func TestSupervisor_StopDuringEOFWait(t *testing.T) {
	requireShell(t)
	before := goleak.IgnoreCurrent()
	cfg := testConfig(t, silentServer)
	cfg.Redis.EOFDelay = time.Hour
	s, clients := newSupervisor(t, cfg)

	s.Start()
	awaitClient(t, clients)
	// let the reader reach the end of stream
	time.Sleep(100 * time.Millisecond)
	q, err := s.LogQueue(t.Context())
	require.NoError(t, err)
	require.NotNil(t, q)

	start := time.Now()
	s.Stop()
	require.False(t, running(t, s))
	require.Less(t, time.Since(start), cfg.Redis.StopTimeout)

	require.Zero(t, q.Len())
	require.ErrorIs(t, q.Put("late"), logqueue.ErrClosed)
	current, err := s.LogQueue(t.Context())
	require.NoError(t, err)
	require.Nil(t, current)
	// only the supervisor itself is left: reader, consumer and the process
	// wait goroutine are gone
	goleak.VerifyNone(t, before, goleak.IgnoreTopFunction("github.com/CZERTAINLY/Keeper/internal/actor.(*Actor).loop"))
}

func TestSupervisor_ContextCancelled(t *testing.T) {
	requireShell(t)
	cfg := testConfig(t, fakeServer)
	ctx, cancel := context.WithCancel(t.Context())
	s := service.NewSupervisor(ctx, cfg)
	t.Cleanup(s.Close)

	s.Start()
	require.Eventually(t, func() bool { return len(pids(cfg)) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.True(t, running(t, s))
	pid, err := strconv.Atoi(pids(cfg)[0])
	require.NoError(t, err)

	cancel()
	// commands still run after the owner's context is gone
	require.True(t, running(t, s))
	s.Close()

	require.ErrorIs(t, unix.Kill(pid, 0), unix.ESRCH, "redis-server outlived Close")
	_, err = s.Running(t.Context())
	require.ErrorIs(t, err, actor.ErrShutdown)
}

func TestSupervisor_Client(t *testing.T) {
	requireShell(t)
	cfg := testConfig(t, fakeServer)
	s, clients := newSupervisor(t, cfg)

	_, err := s.Client(t.Context())
	require.ErrorIs(t, err, service.ErrNotRunning)

	s.Start()
	awaitClient(t, clients)
	client, err := s.Client(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.Equal(t, cfg.Client.Addr, client.Options().Addr)

	s.Stop()
	_, err = s.Client(t.Context())
	require.ErrorIs(t, err, service.ErrNotRunning)
}

func TestSupervisor_ClientNotReady(t *testing.T) {
	requireShell(t)
	cfg := testConfig(t, `#!/bin/sh
echo $$ >> pids
echo Loading
exec sleep 30
`)
	s, _ := newSupervisor(t, cfg)

	s.Start()
	require.Eventually(t, func() bool { return len(pids(cfg)) == 1 }, 5*time.Second, 10*time.Millisecond)
	_, err := s.Client(t.Context())
	require.ErrorIs(t, err, service.ErrNotReady)
}

func TestSupervisor_ProcessExited(t *testing.T) {
	requireShell(t)
	cfg := testConfig(t, "#!/bin/sh\necho $$ >> pids\necho bye\n")
	s, _ := newSupervisor(t, cfg)

	s.Start()
	require.Eventually(t, func() bool {
		ok, err := s.Running(context.Background())
		return err == nil && !ok
	}, 5*time.Second, 10*time.Millisecond)

	// a dead recorded process does not block the next start
	s.Start()
	require.Eventually(t, func() bool { return len(pids(cfg)) == 2 }, 5*time.Second, 10*time.Millisecond)
}
