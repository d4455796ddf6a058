package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/xyths/qtrd/process"
	"go.uber.org/zap"
)

// outputTail is how much captured output a LaunchError carries.
const outputTail = 1000

type launchSpec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// workerController owns the worker process through its pid file only, so a
// supervisor can stop a worker started by another supervisor process.
type workerController interface {
	// Running returns the worker pid from the pid file if it is alive.
	Running() (int, bool)
	// Launch starts the worker and waits out the settle period.
	Launch(ctx context.Context, spec launchSpec) (int, error)
	// Terminate stops whatever worker the pid file names.
	Terminate(ctx context.Context, stop, kill time.Duration) (process.Outcome, error)
	// OutputFiles lists the log files the live worker holds open.
	OutputFiles() []string
}

type procWorker struct {
	Sugar *zap.SugaredLogger

	pidFile string
	paths   Paths
	settle  time.Duration
	now     func() time.Time

	mu      sync.Mutex
	outPID  int
	outputs []string
}

func (w *procWorker) Running() (int, bool) {
	return process.LivePID(w.pidFile)
}

// OutputFiles returns the stdout and stderr files of the running worker.
// A worker launched by an earlier supervisor is located by its start day.
func (w *procWorker) OutputFiles() []string {
	pid, ok := w.Running()
	if !ok {
		return nil
	}
	w.mu.Lock()
	if w.outPID == pid {
		files := append([]string(nil), w.outputs...)
		w.mu.Unlock()
		return files
	}
	w.mu.Unlock()
	u, err := process.Sample(pid, 0)
	if err != nil || u.StartedAt.IsZero() {
		return nil
	}
	return outputFiles(w.paths.DayDir(u.StartedAt))
}

func outputFiles(dayDir string) []string {
	return []string{
		filepath.Join(dayDir, "bot_stdout.log"),
		filepath.Join(dayDir, "bot_stderr.log"),
	}
}

func (w *procWorker) Terminate(ctx context.Context, stop, kill time.Duration) (process.Outcome, error) {
	pid, err := process.ReadPIDFile(w.pidFile)
	if err != nil {
		w.Sugar.Warnf("worker pid file: %s", err)
		return process.AlreadyGone, process.RemovePIDFile(w.pidFile)
	}
	if pid == 0 {
		return process.AlreadyGone, nil
	}
	outcome, err := process.Terminate(ctx, pid, stop, kill)
	if err != nil {
		return outcome, err
	}
	if outcome != process.AlreadyGone {
		w.Sugar.Infof("worker %d stopped (%s)", pid, outcome)
	}
	return outcome, process.RemovePIDFile(w.pidFile)
}

type capture struct {
	path   string
	offset int64
}

// open appends to path and remembers where this run's output begins.
func (c *capture) open() (*os.File, error) {
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", c.path)
	}
	if info, err := f.Stat(); err == nil {
		c.offset = info.Size()
	}
	return f, nil
}

// tail returns at most outputTail bytes written since open.
func (c *capture) tail() string {
	f, err := os.Open(c.path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	start := c.offset
	if info.Size()-start > outputTail {
		start = info.Size() - outputTail
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return ""
	}
	data, _ := io.ReadAll(f)
	return string(data)
}

// Launch starts the worker in its own session with output appended to the
// day's log files. It returns once the worker has survived the settle period.
func (w *procWorker) Launch(ctx context.Context, spec launchSpec) (int, error) {
	dayDir := w.paths.DayDir(w.now())
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return 0, errors.Wrapf(err, "create %s", dayDir)
	}
	files := outputFiles(dayDir)
	stdout := &capture{path: files[0]}
	stderr := &capture{path: files[1]}
	outFile, err := stdout.open()
	if err != nil {
		return 0, err
	}
	defer outFile.Close()
	errFile, err := stderr.open()
	if err != nil {
		return 0, err
	}
	defer errFile.Close()

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = outFile
	cmd.Stderr = errFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, &LaunchError{ExitCode: -1, Err: errors.Wrapf(err, "start %s", spec.Path)}
	}
	pid := cmd.Process.Pid

	// reap the child whenever it exits
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if err := process.WritePIDFile(w.pidFile, pid); err != nil {
		w.Sugar.Warnf("save worker pid: %s", err)
	}
	w.mu.Lock()
	w.outPID, w.outputs = pid, files
	w.mu.Unlock()
	w.Sugar.Infow("worker started",
		"pid", pid,
		"cmd", cmd.String(),
		"stdout", stdout.path,
		"stderr", stderr.path,
	)

	timer := time.NewTimer(w.settle)
	defer timer.Stop()
	select {
	case err := <-done:
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		_ = process.RemovePIDFile(w.pidFile)
		lerr := &LaunchError{
			ExitCode: code,
			Stdout:   stdout.tail(),
			Stderr:   stderr.tail(),
		}
		if code == -1 && err != nil {
			lerr.Err = err
		}
		return pid, lerr
	case <-timer.C:
		return pid, nil
	case <-ctx.Done():
		return pid, nil
	}
}
