package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/xyths/qtrd/config"
	"github.com/xyths/qtrd/health"
	"github.com/xyths/qtrd/journal"
	"github.com/xyths/qtrd/process"
	"github.com/xyths/qtrd/registry"
)

// action is what one monitoring pass decided to do about the worker.
type action int

const (
	actNone action = iota
	actFirstStart
	actRestart
	actWait
	actGiveUp
	actIdle
)

// restartPolicy tracks restart attempts between monitoring passes.
type restartPolicy struct {
	auto        bool
	maxAttempts int
	delay       time.Duration

	launched   bool
	attempts   int
	lastLaunch time.Time
	idleLogged bool
}

func newRestartPolicy(d config.DaemonSettings) *restartPolicy {
	return &restartPolicy{
		auto:        d.AutoRestart,
		maxAttempts: d.MaxRestartAttempts,
		delay:       d.RestartWait(),
	}
}

// decide is called once per pass. The first launch ignores every limit; a
// worker seen alive again resets the attempt counter.
func (p *restartPolicy) decide(alive bool, now time.Time) action {
	if alive {
		p.idleLogged = false
		p.attempts = 0
		p.launched = true
		return actNone
	}
	switch {
	case !p.launched:
		p.launched = true
		p.lastLaunch = now
		return actFirstStart
	case !p.auto:
		return actIdle
	case p.attempts >= p.maxAttempts:
		return actGiveUp
	case now.Sub(p.lastLaunch) < p.delay:
		return actWait
	}
	p.attempts++
	p.lastLaunch = now
	return actRestart
}

// workerAlive trusts the pid file first and falls back to the health
// endpoint, where 200 and 503 both mean the process is up.
func (s *Supervisor) workerAlive(ctx context.Context, p *config.Profile) (int, bool) {
	if pid, ok := s.worker.Running(); ok {
		return pid, true
	}
	res := s.probe(ctx, health.URL(p.Daemon.WebPort), s.opts.ProbeTimeout)
	if res.Alive() {
		s.Sugar.Debugf("worker pid unknown but health endpoint answered %d", res.StatusCode)
		return 0, true
	}
	return 0, false
}

// monitor runs until ctx is done or restart attempts are exhausted.
func (s *Supervisor) monitor(ctx context.Context, p *config.Profile) {
	policy := newRestartPolicy(p.Daemon)
	spec := s.launchSpec(p)
	lastHealth := time.Time{}
	lastCleanup := s.now()

	for {
		if ctx.Err() != nil {
			return
		}
		pid, alive := s.workerAlive(ctx, p)
		if alive {
			s.metrics.WorkerUp.Set(1)
		} else {
			s.metrics.WorkerUp.Set(0)
		}
		wasAttempts := policy.attempts

		if !alive && s.stopRequested() {
			s.Sugar.Info("stop requested, not relaunching worker")
			if !sleep(ctx, s.opts.RetryInterval) {
				return
			}
			continue
		}

		switch policy.decide(alive, s.now()) {
		case actNone:
			if wasAttempts > 0 {
				s.Sugar.Infof("worker is back, resetting restart counter (was %d)", wasAttempts)
			}
			if s.Phase() != PhaseRunning {
				s.publish(ctx, PhaseRunning, registry.Fields{"worker_pid": pid})
			}
		case actFirstStart:
			s.Sugar.Info("starting worker")
			s.launch(ctx, spec, p)
		case actRestart:
			s.Sugar.Warnf("worker not running, restarting (attempt %d/%d)", policy.attempts, policy.maxAttempts)
			s.metrics.Restarts.Inc()
			s.launch(ctx, spec, p)
		case actWait:
			s.metrics.RestartAttempts.Set(float64(policy.attempts))
			if !sleep(ctx, s.opts.RetryInterval) {
				return
			}
			continue
		case actGiveUp:
			s.Sugar.Errorf("worker restarted %d times without recovering, giving up", policy.attempts)
			s.publish(ctx, PhaseFailed, registry.Fields{"worker_pid": 0})
			s.record(ctx, journal.KindExhausted, "restart attempts exhausted",
				map[string]any{"attempts": policy.attempts})
			return
		case actIdle:
			if !policy.idleLogged {
				policy.idleLogged = true
				s.Sugar.Warn("worker exited and auto_restart is off")
				s.publish(ctx, PhaseWorkerExited, registry.Fields{"worker_pid": 0})
				s.record(ctx, journal.KindWorkerExited, "auto restart disabled", nil)
			}
		}
		s.metrics.RestartAttempts.Set(float64(policy.attempts))

		now := s.now()
		if now.Sub(lastHealth) >= p.Daemon.HealthEvery() {
			lastHealth = now
			s.checkHealth(ctx, p)
		}
		if now.Sub(lastCleanup) >= p.Daemon.CleanupEvery() {
			lastCleanup = now
			s.cleanupLogs(ctx, p)
		}

		if !sleep(ctx, p.Daemon.HealthEvery()) {
			return
		}
	}
}

// launch stops any stale worker from the pid file, then starts a new one.
func (s *Supervisor) launch(ctx context.Context, spec launchSpec, p *config.Profile) bool {
	if outcome, err := s.worker.Terminate(ctx, p.Daemon.StopTimeout(), p.Daemon.KillTimeout()); err != nil {
		s.Sugar.Errorf("stop stale worker: %s", err)
	} else if outcome != process.AlreadyGone {
		s.Sugar.Warnf("stopped stale worker (%s)", outcome)
	}

	pid, err := s.worker.Launch(ctx, spec)
	if err != nil {
		s.metrics.LaunchFailures.Inc()
		fields := map[string]any{"error": err.Error()}
		var lerr *LaunchError
		if errors.As(err, &lerr) {
			fields["exit_code"] = lerr.ExitCode
			fields["stdout"] = lerr.Stdout
			fields["stderr"] = lerr.Stderr
			s.Sugar.Errorw("worker failed to launch",
				"exit_code", lerr.ExitCode,
				"stdout", lerr.Stdout,
				"stderr", lerr.Stderr,
			)
		} else {
			s.Sugar.Errorf("worker failed to launch: %s", err)
		}
		s.publish(ctx, PhaseLaunchFailed, registry.Fields{"worker_pid": 0})
		s.record(ctx, journal.KindLaunchFailed, err.Error(), fields)
		return false
	}
	s.metrics.WorkerUp.Set(1)
	s.publish(ctx, PhaseRunning, registry.Fields{"worker_pid": pid})
	s.record(ctx, journal.KindWorkerStarted, "", map[string]any{"pid": pid})
	return true
}

func (s *Supervisor) checkHealth(ctx context.Context, p *config.Profile) {
	if s.host != nil {
		for _, c := range s.host.Check().Warnings() {
			s.metrics.HealthWarnings.WithLabelValues(c.Name).Inc()
			if c.Err != "" {
				s.Sugar.Errorf("host %s check: %s", c.Name, c.Err)
				continue
			}
			s.Sugar.Warnf("host %s: %s", c.Name, c.Message)
			s.record(ctx, journal.KindHealthWarning, c.Message, map[string]any{"check": c.Name, "value": c.Value})
		}
	}
	if pid, ok := s.worker.Running(); ok {
		if u, err := process.Sample(pid, sampleWindow); err == nil {
			if w := resourceWarning(u, p.Daemon); w != "" {
				s.Sugar.Warnf("worker %d: %s", pid, w)
			}
		}
	}
}

func (s *Supervisor) cleanupLogs(ctx context.Context, p *config.Profile) {
	s.metrics.CleanupRuns.Inc()
	days := p.Daemon.LogRetentionDays
	s.Sugar.Infof("cleaning logs older than %d days", days)
	protected := append(s.loggers.ActiveFiles(), s.worker.OutputFiles()...)
	rep, err := s.cleaner.Cleanup(s.paths.LogDir, days, protected)
	if err != nil {
		s.Sugar.Errorf("log cleanup: %s", err)
		return
	}
	s.record(ctx, journal.KindLogCleanup, "", map[string]any{
		"removed":    rep.Cleaned(),
		"compressed": len(rep.Compressed),
	})
}

var sampleWindow = 200 * time.Millisecond

// resourceWarning compares usage against the configured limits. It is
// advisory only.
func resourceWarning(u process.Usage, d config.DaemonSettings) string {
	var warnings []string
	if d.MemoryLimitMB > 0 && u.RSSMB > float64(d.MemoryLimitMB) {
		warnings = append(warnings, fmt.Sprintf("memory %.1fMB over limit %dMB", u.RSSMB, d.MemoryLimitMB))
	}
	if d.CPULimitPercent > 0 && u.CPUPercent > float64(d.CPULimitPercent) {
		warnings = append(warnings, fmt.Sprintf("cpu %.1f%% over limit %d%%", u.CPUPercent, d.CPULimitPercent))
	}
	return strings.Join(warnings, "; ")
}

// sleep waits d or until ctx is done. It reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
