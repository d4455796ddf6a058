package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DetachedEnv marks a process that was re-executed by Detach.
const DetachedEnv = "QTRD_DETACHED"

// IsDetached reports whether this process is the detached copy.
func IsDetached() bool {
	return os.Getenv(DetachedEnv) == "1"
}

// Detach re-executes the running binary with the same arguments in a new
// session. The copy reads /dev/null and appends its output to outPath. The
// caller is expected to return once Detach succeeds; the copy carries on.
func Detach(outPath string) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 0, errors.Wrap(err, "locate executable")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, errors.Wrapf(err, "create %s", filepath.Dir(outPath))
	}
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", outPath)
	}
	defer out.Close()
	null, err := os.Open(os.DevNull)
	if err != nil {
		return 0, errors.Wrap(err, "open /dev/null")
	}
	defer null.Close()

	cwd, _ := os.Getwd()
	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), DetachedEnv+"=1")
	cmd.Stdin = null
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, errors.Wrap(err, "re-exec detached")
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, errors.Wrap(err, "release detached process")
	}
	return pid, nil
}

// Settle finishes detachment inside the copy: clears the file-creation mask
// and drops the marker so children do not inherit it.
func Settle() {
	unix.Umask(0)
	_ = os.Unsetenv(DetachedEnv)
}
