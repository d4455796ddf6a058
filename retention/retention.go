package retention

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// Report tells what one Cleanup pass did.
type Report struct {
	RemovedDirs  []string `json:"removed_dirs"`
	RemovedFiles []string `json:"removed_files"`
	Compressed   []string `json:"compressed"`
	Skipped      []string `json:"skipped"`
	Failures     []string `json:"failures"`
}

// Cleaned counts removed directories and files.
func (r Report) Cleaned() int { return len(r.RemovedDirs) + len(r.RemovedFiles) }

// Cleaner prunes a log tree made of YYYY-MM-DD directories plus loose files.
type Cleaner struct {
	Sugar *zap.SugaredLogger
	Now   func() time.Time
}

// NewCleaner uses the wall clock.
func NewCleaner(sugar *zap.SugaredLogger) *Cleaner {
	if sugar == nil {
		sugar = zap.NewNop().Sugar()
	}
	return &Cleaner{Sugar: sugar, Now: time.Now}
}

// Cleanup removes date directories under dir older than retentionDays,
// gzips .log files in the remaining past-date directories and removes loose
// .log and .gz files in dir whose modification time is past the cutoff.
// Today's directory, directories holding a protected file, and protected
// files themselves are never touched. Per-file failures are collected in
// the report rather than aborting the pass.
func (c *Cleaner) Cleanup(dir string, retentionDays int, protected []string) (Report, error) {
	var rep Report
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return rep, nil
		}
		return rep, errors.Wrapf(err, "read log dir %s", dir)
	}

	now := c.Now()
	today := now.Format(dateLayout)
	cutoff := now.AddDate(0, 0, -retentionDays)

	keepFiles := make(map[string]bool, len(protected))
	keepDirs := map[string]bool{today: true}
	for _, p := range protected {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		keepFiles[abs] = true
		if parent := filepath.Base(filepath.Dir(abs)); isDate(parent) {
			keepDirs[parent] = true
		}
	}
	isProtected := func(path string) bool {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		return keepFiles[abs]
	}

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if !isDate(e.Name()) {
				continue
			}
			if keepDirs[e.Name()] {
				rep.Skipped = append(rep.Skipped, path)
				continue
			}
			day, _ := time.ParseInLocation(dateLayout, e.Name(), now.Location())
			if day.Before(cutoff) {
				if err := os.RemoveAll(path); err != nil {
					rep.Failures = append(rep.Failures, path+": "+err.Error())
					continue
				}
				c.Sugar.Infow("removed old log directory", "directory", path)
				rep.RemovedDirs = append(rep.RemovedDirs, path)
				continue
			}
			c.compressDir(path, isProtected, &rep)
			continue
		}

		name := e.Name()
		if !strings.HasSuffix(name, ".log") && !strings.HasSuffix(name, ".gz") && !strings.Contains(name, ".log.") {
			continue
		}
		if isProtected(path) {
			rep.Skipped = append(rep.Skipped, path)
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			rep.Failures = append(rep.Failures, path+": "+err.Error())
			continue
		}
		c.Sugar.Infow("removed old log file", "file", path)
		rep.RemovedFiles = append(rep.RemovedFiles, path)
	}

	if n := rep.Cleaned(); n > 0 || len(rep.Compressed) > 0 {
		c.Sugar.Infow("log cleanup finished", "dir", dir, "removed", n, "compressed", len(rep.Compressed))
	}
	return rep, nil
}

func (c *Cleaner) compressDir(dir string, isProtected func(string) bool, rep *Report) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		rep.Failures = append(rep.Failures, dir+": "+err.Error())
		return
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		if isProtected(path) {
			rep.Skipped = append(rep.Skipped, path)
			continue
		}
		if _, err := os.Stat(path + ".gz"); err == nil {
			continue
		}
		if err := gzipFile(path); err != nil {
			rep.Failures = append(rep.Failures, path+": "+err.Error())
			c.Sugar.Errorw("compress log file", "file", path, "error", err)
			continue
		}
		rep.Compressed = append(rep.Compressed, path)
	}
}

func gzipFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(path)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(out.Name())
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(out.Name())
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return err
	}
	return os.Remove(path)
}

func isDate(name string) bool {
	_, err := time.Parse(dateLayout, name)
	return err == nil
}
