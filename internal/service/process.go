package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var ErrNotRunning = errors.New("process not running")

// Command describes a process to spawn.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Process is a spawned child whose stderr is merged into stdout. The merged
// stream is returned by Output and owned by the caller, who must close it.
type Process struct {
	cmd     *exec.Cmd
	output  *os.File
	started time.Time
	exited  chan struct{}
	waitErr error
}

// StartProcess spawns cmd in its own process group. Both stdout and stderr
// of the child write to the same pipe, so lines keep the order in which the
// child wrote them. onExit, if not nil, is called from the wait goroutine
// once the process is gone, before Exited is closed.
func StartProcess(ctx context.Context, proto Command, onExit func(state *os.ProcessState, err error)) (*Process, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	cmd.Env = proto.Env
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, err
	}
	// the child holds its own copy of the write end
	_ = w.Close()

	p := &Process{
		cmd:     cmd,
		output:  r,
		started: started,
		exited:  make(chan struct{}),
	}
	go p.wait(ctx, onExit)
	return p, nil
}

func (p *Process) wait(ctx context.Context, onExit func(*os.ProcessState, error)) {
	err := p.cmd.Wait()
	p.waitErr = err
	defer close(p.exited)

	attrs := []any{
		"pid", p.cmd.Process.Pid,
		"uptime", time.Since(p.started).Round(time.Millisecond).String(),
	}
	if state := p.cmd.ProcessState; state != nil {
		attrs = append(attrs, "exit_code", state.ExitCode())
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	slog.DebugContext(ctx, "process exited", attrs...)

	if onExit != nil {
		onExit(p.cmd.ProcessState, err)
	}
}

// Output returns the read end of the merged stdout/stderr pipe.
func (p *Process) Output() *os.File {
	return p.output
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Alive reports whether the process has not been reaped yet.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Exited is closed once the process is gone.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Err returns the error of exec.Cmd.Wait. It is only meaningful once Exited
// is closed.
func (p *Process) Err() error {
	select {
	case <-p.exited:
		return p.waitErr
	default:
		return nil
	}
}

// Terminate sends SIGTERM to the process group and waits for the process to
// exit. After timeout the group is killed with SIGKILL. Terminate returns once
// the process is reaped.
func (p *Process) Terminate(timeout time.Duration) error {
	if !p.Alive() {
		return ErrNotRunning
	}

	pgid := -p.cmd.Process.Pid
	if err := unix.Kill(pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	}

	if err := unix.Kill(pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("sending SIGKILL: %w", err)
	}
	<-p.exited
	return nil
}
