package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ReadPIDFile returns the pid stored at path. A missing file yields 0 and no
// error.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "read pid file %s", path)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(text)
	if err != nil || pid <= 0 {
		return 0, errors.Errorf("pid file %s holds %q, not a pid", path, text)
	}
	return pid, nil
}

// WritePIDFile stores pid at path. The content is flushed to storage before
// the file is renamed into place, so readers see either the old pid or the
// new one.
func WritePIDFile(path string, pid int) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create pid dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "create temp pid file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strconv.Itoa(pid)); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write pid")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync pid file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close pid file")
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return errors.Wrap(err, "chmod pid file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "install pid file %s", path)
	}
	return nil
}

// RemovePIDFile deletes path; a missing file is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove pid file %s", path)
	}
	return nil
}

// LivePID reads path and returns the pid only if that process is alive.
func LivePID(path string) (int, bool) {
	pid, err := ReadPIDFile(path)
	if err != nil || pid == 0 {
		return 0, false
	}
	if !Alive(pid) {
		return pid, false
	}
	return pid, true
}
