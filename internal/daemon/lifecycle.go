package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/lydakis/copilot-mcp/internal/config"
	"github.com/lydakis/copilot-mcp/internal/dispatch"
	"github.com/lydakis/copilot-mcp/internal/lockfile"
	"github.com/lydakis/copilot-mcp/internal/paths"
	"golang.org/x/sys/unix"
)

// StopOutcome describes what Stop found and did.
type StopOutcome int

const (
	// StopNotRunning means there was no descriptor; nothing was done.
	StopNotRunning StopOutcome = iota
	// StopStale means the descriptor named a dead process and was removed.
	StopStale
	// StopStopped means the server exited after SIGTERM.
	StopStopped
	// StopKilled means the server ignored SIGTERM and was sent SIGKILL.
	StopKilled
)

func (o StopOutcome) String() string {
	switch o {
	case StopNotRunning:
		return "not running"
	case StopStale:
		return "stale"
	case StopStopped:
		return "stopped"
	case StopKilled:
		return "killed"
	default:
		return fmt.Sprintf("StopOutcome(%d)", int(o))
	}
}

// child is a spawned server process.
type child struct {
	pid int
	// exited receives the process exit status once.
	exited <-chan error
}

var (
	aliveFn       = lockfile.Alive
	signalFn      = unix.Kill
	spawnFn       = spawnServer
	executableFn  = os.Executable
	execCommandFn = exec.Command
	pollInterval  = 50 * time.Millisecond
	killWait      = 2 * time.Second
)

// Status reports the live instance, if any. A stale descriptor counts as not
// running.
func Status(cfg *config.Config) (lockfile.Descriptor, bool, error) {
	d, err := lockfile.New(cfg.ResolvedLockPath()).Live()
	switch {
	case err == nil:
		return d, true, nil
	case errors.Is(err, lockfile.ErrNotFound), errors.Is(err, lockfile.ErrStale):
		return lockfile.Descriptor{}, false, nil
	default:
		return lockfile.Descriptor{}, false, err
	}
}

// Start launches a detached server running "<exe> serve" and waits until it
// publishes its descriptor. configPath is passed to the child when set.
func Start(ctx context.Context, cfg *config.Config, configPath string) (lockfile.Descriptor, error) {
	store := lockfile.New(cfg.ResolvedLockPath())

	d, err := store.Live()
	switch {
	case err == nil:
		return d, alreadyRunning(d)
	case errors.Is(err, lockfile.ErrStale):
		if err := store.ReleaseOwned(d.PID); err != nil {
			return lockfile.Descriptor{}, fmt.Errorf("clearing stale descriptor: %w", err)
		}
	case errors.Is(err, lockfile.ErrNotFound):
	default:
		return lockfile.Descriptor{}, err
	}

	args := []string{"serve"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	c, err := spawnFn(args)
	if err != nil {
		return lockfile.Descriptor{}, err
	}

	return waitReady(ctx, store, c, cfg.StartTimeout.Std())
}

func waitReady(ctx context.Context, store *lockfile.Store, c child, timeout time.Duration) (lockfile.Descriptor, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		if d, err := store.Read(); err == nil && d.PID == c.pid {
			return d, nil
		}

		select {
		case exitErr := <-c.exited:
			// Lost a race with another start: the winner's descriptor is live.
			if d, err := store.Live(); err == nil && d.PID != c.pid {
				return d, alreadyRunning(d)
			}
			if exitErr == nil {
				exitErr = errors.New("exit status 0")
			}
			return lockfile.Descriptor{}, fmt.Errorf("server exited before becoming ready (%v); see %s", exitErr, paths.StderrLogPath())
		case <-deadline.C:
			return lockfile.Descriptor{}, fmt.Errorf("server (PID: %d) did not become ready within %s; see %s", c.pid, timeout, paths.StderrLogPath())
		case <-ctx.Done():
			return lockfile.Descriptor{}, ctx.Err()
		case <-tick.C:
		}
	}
}

func spawnServer(args []string) (child, error) {
	exe, err := executableFn()
	if err != nil {
		return child{}, fmt.Errorf("finding executable: %w", err)
	}

	cmd, cleanup, err := newServerCommand(exe, args)
	if err != nil {
		return child{}, err
	}
	defer cleanup()

	if err := cmd.Start(); err != nil {
		return child{}, fmt.Errorf("spawning server: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	return child{pid: cmd.Process.Pid, exited: exited}, nil
}

func newServerCommand(exe string, args []string) (*exec.Cmd, func(), error) {
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	stdout, err := openLog(paths.StdoutLogPath())
	if err != nil {
		devNull.Close()
		return nil, nil, err
	}
	stderr, err := openLog(paths.StderrLogPath())
	if err != nil {
		devNull.Close()
		stdout.Close()
		return nil, nil, err
	}

	cmd := execCommandFn(exe, args...)
	cmd.Stdin = devNull
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// New session: the server outlives the terminal that started it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	return cmd, func() {
		_ = devNull.Close()
		_ = stdout.Close()
		_ = stderr.Close()
	}, nil
}

func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}
	return f, nil
}

// Stop terminates the live instance. It sends SIGTERM, waits up to
// cfg.StopTimeout, then sends SIGKILL and removes the descriptor itself.
func Stop(ctx context.Context, cfg *config.Config) (StopOutcome, lockfile.Descriptor, error) {
	store := lockfile.New(cfg.ResolvedLockPath())

	d, err := store.Live()
	switch {
	case err == nil:
	case errors.Is(err, lockfile.ErrNotFound):
		return StopNotRunning, lockfile.Descriptor{}, nil
	case errors.Is(err, lockfile.ErrStale):
		if err := store.ReleaseOwned(d.PID); err != nil {
			return StopStale, d, fmt.Errorf("clearing stale descriptor: %w", err)
		}
		return StopStale, d, nil
	default:
		return StopNotRunning, lockfile.Descriptor{}, err
	}

	if err := signalFn(d.PID, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return StopStale, d, store.ReleaseOwned(d.PID)
		}
		return StopNotRunning, d, dispatch.Errorf(dispatch.KindConnectionFailed, "signalling PID %d: %v", d.PID, err)
	}

	outcome := StopStopped
	if !waitExit(ctx, d.PID, cfg.StopTimeout.Std()) {
		if ctx.Err() != nil {
			return StopNotRunning, d, ctx.Err()
		}
		outcome = StopKilled
		if err := signalFn(d.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return StopNotRunning, d, fmt.Errorf("killing PID %d: %w", d.PID, err)
		}
		if !waitExit(ctx, d.PID, killWait) {
			return StopNotRunning, d, fmt.Errorf("PID %d survived SIGKILL", d.PID)
		}
	}

	if err := store.ReleaseOwned(d.PID); err != nil {
		return outcome, d, fmt.Errorf("removing descriptor: %w", err)
	}
	return outcome, d, nil
}

// waitExit polls until pid is gone. It reports false on timeout or
// cancellation.
func waitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for aliveFn(pid) {
		select {
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
	return true
}
