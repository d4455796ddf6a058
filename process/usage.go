package process

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// Usage is a point-in-time view of one process.
type Usage struct {
	PID        int       `json:"pid"`
	Name       string    `json:"name"`
	State      string    `json:"state"`
	CmdLine    string    `json:"cmdline,omitempty"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSMB      float64   `json:"rss_mb"`
	VMSMB      float64   `json:"vms_mb"`
	Threads    int       `json:"num_threads"`
	StartedAt  time.Time `json:"create_time"`
}

// Sample reads pid twice, window apart, and derives CPU percent from the
// difference in consumed CPU time.
func Sample(pid int, window time.Duration) (Usage, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return Usage{}, errors.Wrapf(err, "open process %d", pid)
	}
	first, err := p.Stat()
	if err != nil {
		return Usage{}, errors.Wrapf(err, "stat process %d", pid)
	}
	began := time.Now()
	if window > 0 {
		time.Sleep(window)
	}
	second, err := p.Stat()
	if err != nil {
		return Usage{}, errors.Wrapf(err, "stat process %d", pid)
	}
	elapsed := time.Since(began).Seconds()

	u := Usage{
		PID:     pid,
		Name:    second.Comm,
		State:   second.State,
		RSSMB:   float64(second.ResidentMemory()) / 1024 / 1024,
		VMSMB:   float64(second.VirtualMemory()) / 1024 / 1024,
		Threads: second.NumThreads,
	}
	if elapsed > 0 {
		u.CPUPercent = (second.CPUTime() - first.CPUTime()) / elapsed * 100
	}
	if started, err := second.StartTime(); err == nil {
		u.StartedAt = time.Unix(0, int64(started*float64(time.Second)))
	}
	if args, err := p.CmdLine(); err == nil {
		u.CmdLine = strings.Join(args, " ")
	}
	return u, nil
}
