package supervisor

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xyths/qtrd/process"
)

// StatusReport is what Status observed. It never starts or stops anything.
type StatusReport struct {
	InstanceID    string         `json:"instance_id"`
	Running       bool           `json:"running"`
	PID           int            `json:"pid,omitempty"`
	Phase         Phase          `json:"phase,omitempty"`
	RunID         string         `json:"run_id,omitempty"`
	StartedAt     string         `json:"started_at,omitempty"`
	WorkerRunning bool           `json:"worker_running"`
	WorkerPID     int            `json:"worker_pid,omitempty"`
	ConfigFile    string         `json:"config_file"`
	ConfigError   string         `json:"config_error,omitempty"`
	Process       *process.Usage `json:"process_info,omitempty"`
	Worker        *process.Usage `json:"worker_info,omitempty"`
	// ResourceWarning is advisory; nothing is enforced.
	ResourceWarning string `json:"resource_warning,omitempty"`
	Timestamp       string `json:"timestamp"`
}

// Summary words the report for an operator. Invalid configuration, launch
// failure, running and exhausted restarts read differently.
func (r StatusReport) Summary() string {
	switch {
	case !r.Running && r.ConfigError != "":
		return fmt.Sprintf("%s: configuration validation failed, will not start: %s", r.InstanceID, r.ConfigError)
	case !r.Running:
		return fmt.Sprintf("%s: not running", r.InstanceID)
	case r.Phase == PhaseFailed:
		return fmt.Sprintf("%s: restart attempts exhausted, no longer restarting the worker (supervisor pid %d)", r.InstanceID, r.PID)
	case r.Phase == PhaseLaunchFailed:
		return fmt.Sprintf("%s: worker failed to launch (supervisor pid %d)", r.InstanceID, r.PID)
	case r.Phase == PhaseWorkerExited:
		return fmt.Sprintf("%s: worker exited and auto restart is off (supervisor pid %d)", r.InstanceID, r.PID)
	case r.Phase == PhaseStopping:
		return fmt.Sprintf("%s: stopping (supervisor pid %d)", r.InstanceID, r.PID)
	case r.WorkerRunning:
		return fmt.Sprintf("%s: running (supervisor pid %d, worker pid %d)", r.InstanceID, r.PID, r.WorkerPID)
	default:
		return fmt.Sprintf("%s: starting (supervisor pid %d)", r.InstanceID, r.PID)
	}
}

// Status inspects the pid files, the registry record and the config file.
func (s *Supervisor) Status() StatusReport {
	r := StatusReport{
		InstanceID: s.id,
		ConfigFile: s.configPath,
		Timestamp:  s.now().Format(time.RFC3339),
	}
	if res, err := s.store.ValidateFile(s.configPath); err != nil {
		r.ConfigError = err.Error()
	} else if !res.IsValid {
		r.ConfigError = strings.Join(res.Errors, "; ")
	}

	r.PID, r.Running = process.LivePID(s.paths.PIDFile)
	if !r.Running {
		r.PID = 0
	}
	if pid, ok := s.worker.Running(); ok {
		r.WorkerRunning = true
		r.WorkerPID = pid
	}
	if rec := s.reg.Get(s.id); rec != nil && r.Running {
		r.Phase = Phase(rec.Status)
		r.RunID = rec.RunID
		r.StartedAt = rec.StartedAt
	}
	if !r.Running {
		return r
	}

	if u, err := process.Sample(r.PID, sampleWindow); err == nil {
		r.Process = &u
	} else {
		s.Sugar.Debugf("sample supervisor: %s", err)
	}
	if r.WorkerRunning {
		if u, err := process.Sample(r.WorkerPID, sampleWindow); err == nil {
			r.Worker = &u
		}
	}
	usage := r.Worker
	if usage == nil {
		usage = r.Process
	}
	if usage != nil {
		r.ResourceWarning = resourceWarning(*usage, s.profile.Daemon)
	}
	return r
}

// Running reports whether this instance's supervisor process is alive.
func (s *Supervisor) Running() bool {
	pid, ok := process.LivePID(s.paths.PIDFile)
	return ok && (pid != os.Getpid() || s.running.Load())
}
