package process

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// PollInterval is how often exit confirmation is polled.
var PollInterval = 100 * time.Millisecond

// Alive reports whether pid names a running process. Zombies and dead
// processes are not alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && err != unix.EPERM {
		return false
	}
	p, err := procfs.NewProc(pid)
	if err != nil {
		// /proc unavailable or raced with exit; kill(0) already succeeded
		return !isNotExist(err)
	}
	stat, err := p.Stat()
	if err != nil {
		return !isNotExist(err)
	}
	return stat.State != "Z" && stat.State != "X"
}

// Outcome is how a Terminate call ended.
type Outcome int

const (
	// AlreadyGone means no process was running under the pid.
	AlreadyGone Outcome = iota
	// Graceful means the process exited after SIGTERM.
	Graceful
	// Killed means SIGKILL was needed.
	Killed
	// Stuck means the process survived SIGKILL for the whole kill timeout.
	Stuck
)

func (o Outcome) String() string {
	switch o {
	case AlreadyGone:
		return "already-gone"
	case Graceful:
		return "graceful"
	case Killed:
		return "killed"
	default:
		return "stuck"
	}
}

// Terminate stops pid: SIGTERM, wait up to stopTimeout, SIGKILL, wait up to
// killTimeout. A process that vanishes at any point counts as stopped.
func Terminate(ctx context.Context, pid int, stopTimeout, killTimeout time.Duration) (Outcome, error) {
	if !Alive(pid) {
		return AlreadyGone, nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return AlreadyGone, nil
		}
		return Stuck, errors.Wrapf(err, "signal %d", pid)
	}
	if WaitExit(ctx, pid, stopTimeout) {
		return Graceful, nil
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		if err == unix.ESRCH {
			return Graceful, nil
		}
		return Stuck, errors.Wrapf(err, "kill %d", pid)
	}
	if WaitExit(ctx, pid, killTimeout) {
		return Killed, nil
	}
	return Stuck, errors.Errorf("process %d still alive %s after SIGKILL", pid, killTimeout)
}

// WaitExit polls until pid is gone or timeout elapses. It returns true once
// the process is gone.
func WaitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(PollInterval)
	defer tick.Stop()
	for {
		if !Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !Alive(pid)
		case <-deadline.C:
			return !Alive(pid)
		case <-tick.C:
		}
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ESRCH)
}
