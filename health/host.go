package health

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Thresholds above which a host check warns.
type Thresholds struct {
	DiskPercent   float64
	MemoryPercent float64
	// LoadPerCPU is compared with the 1-minute load divided by CPU count.
	LoadPerCPU float64
}

// DefaultThresholds warn at 90% disk, 90% memory and a load of twice the
// CPU count.
func DefaultThresholds() Thresholds {
	return Thresholds{DiskPercent: 90, MemoryPercent: 90, LoadPerCPU: 2}
}

// Check names.
const (
	CheckDisk   = "disk"
	CheckMemory = "memory"
	CheckLoad   = "load"
)

// Check is the result of one host check.
type Check struct {
	Name    string  `json:"name"`
	OK      bool    `json:"ok"`
	Value   float64 `json:"value"`
	Limit   float64 `json:"limit"`
	Message string  `json:"message,omitempty"`
	Err     string  `json:"error,omitempty"`
}

// Report collects the host checks of one pass.
type Report struct {
	Checks []Check `json:"checks"`
}

// Warnings returns the checks that did not pass.
func (r Report) Warnings() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.OK {
			out = append(out, c)
		}
	}
	return out
}

// Host inspects disk, memory and load of the machine.
type Host struct {
	// Path selects the filesystem for the disk check.
	Path       string
	Thresholds Thresholds

	fs   procfs.FS
	cpus int
}

// NewHost checks the filesystem holding path.
func NewHost(path string) (*Host, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, errors.Wrap(err, "open procfs")
	}
	return &Host{Path: path, Thresholds: DefaultThresholds(), fs: fs, cpus: runtime.NumCPU()}, nil
}

// Check runs every host check.
func (h *Host) Check() Report {
	return Report{Checks: []Check{h.disk(), h.memory(), h.load()}}
}

func (h *Host) disk() Check {
	c := Check{Name: CheckDisk, Limit: h.Thresholds.DiskPercent}
	var st unix.Statfs_t
	if err := unix.Statfs(h.Path, &st); err != nil {
		c.Err = err.Error()
		return c
	}
	total := st.Blocks * uint64(st.Bsize)
	if total == 0 {
		c.OK = true
		return c
	}
	free := st.Bavail * uint64(st.Bsize)
	c.Value = float64(total-free) / float64(total) * 100
	c.OK = c.Value <= c.Limit
	if !c.OK {
		c.Message = fmt.Sprintf("disk usage %.1f%% above %.0f%%", c.Value, c.Limit)
	}
	return c
}

func (h *Host) memory() Check {
	c := Check{Name: CheckMemory, Limit: h.Thresholds.MemoryPercent}
	mi, err := h.fs.Meminfo()
	if err != nil {
		c.Err = err.Error()
		return c
	}
	if mi.MemTotal == nil || *mi.MemTotal == 0 {
		c.Err = "MemTotal missing from meminfo"
		return c
	}
	total := *mi.MemTotal
	var available uint64
	switch {
	case mi.MemAvailable != nil:
		available = *mi.MemAvailable
	case mi.MemFree != nil:
		available = *mi.MemFree
	}
	c.Value = float64(total-available) / float64(total) * 100
	c.OK = c.Value <= c.Limit
	if !c.OK {
		c.Message = fmt.Sprintf("memory usage %.1f%% above %.0f%%", c.Value, c.Limit)
	}
	return c
}

func (h *Host) load() Check {
	limit := h.Thresholds.LoadPerCPU * float64(h.cpus)
	c := Check{Name: CheckLoad, Limit: limit}
	avg, err := h.fs.LoadAvg()
	if err != nil {
		c.Err = err.Error()
		return c
	}
	c.Value = avg.Load1
	c.OK = c.Value <= limit
	if !c.OK {
		c.Message = fmt.Sprintf("load %.2f above %.0f (%d cpus)", c.Value, limit, h.cpus)
	}
	return c
}
