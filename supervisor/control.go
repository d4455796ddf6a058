package supervisor

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xyths/qtrd/health"
	"github.com/xyths/qtrd/journal"
	"github.com/xyths/qtrd/metrics"
	"github.com/xyths/qtrd/process"
	"github.com/xyths/qtrd/registry"
	"golang.org/x/sync/errgroup"
)

// Start validates the configuration and runs the supervisor until ctx is
// done. With detach set, the calling process re-executes itself in a new
// session and returns at once; the detached copy does the supervising.
// Start returns false with ErrAlreadyRunning when this instance's pid file
// names a live process.
func (s *Supervisor) Start(ctx context.Context, detach bool) (bool, error) {
	detached := process.IsDetached()
	if pid, ok := process.LivePID(s.paths.PIDFile); ok && pid != os.Getpid() {
		s.Sugar.Warnf("instance already running with pid %d", pid)
		return false, ErrAlreadyRunning
	}
	p, err := s.prepare()
	if err != nil {
		s.Sugar.Errorf("refusing to start: %s", err)
		return false, err
	}
	s.profile = p

	if detach && !detached {
		pid, err := process.Detach(s.paths.DaemonOut)
		if err != nil {
			return false, errors.Wrap(err, "detach supervisor")
		}
		s.Sugar.Infof("supervisor running in background with pid %d, output in %s", pid, s.paths.DaemonOut)
		return true, nil
	}
	if detached {
		process.Settle()
	}
	// descriptors inherited across detachment are not reused
	if err := s.loggers.Relocate(s.paths.LogDir); err != nil {
		s.Sugar.Warnf("open logs in %s: %s", s.paths.LogDir, err)
	}
	if err := os.Remove(s.paths.StopMarker); err != nil && !os.IsNotExist(err) {
		s.Sugar.Warnf("remove stop marker: %s", err)
	}
	if err := s.Run(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Run publishes the instance, supervises the worker until ctx is done, then
// stops the worker before returning. Once restart attempts are exhausted the
// supervisor stays up with status failed until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.runID = uuid.NewString()
	s.startedAt = s.now().Format(time.RFC3339)
	if err := process.WritePIDFile(s.paths.PIDFile, os.Getpid()); err != nil {
		return errors.Wrap(err, "write supervisor pid")
	}
	if s.host == nil {
		dir := s.profile.Daemon.WorkingDir
		if dir == "" {
			dir = "."
		}
		if h, err := health.NewHost(dir); err != nil {
			s.Sugar.Warnf("host checks disabled: %s", err)
		} else {
			s.host = h
		}
	}

	s.setPhase(PhaseStarting)
	if err := s.reg.Register(s.id, s.baseRecord(PhaseStarting)); err != nil {
		s.Sugar.Warnf("register instance: %s", err)
	}
	s.mirror(ctx)
	s.Sugar.Infow("supervisor started",
		"pid", os.Getpid(),
		"config", s.configPath,
		"run_id", s.runID,
		"log_dir", s.paths.LogDir,
	)
	s.record(ctx, journal.KindStarted, "supervisor started", map[string]any{
		"pid":    os.Getpid(),
		"config": s.absConfig(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.monitor(gctx, s.profile)
		<-gctx.Done()
		return nil
	})
	g.Go(func() error { return s.watchConfig(gctx) })
	if s.opts.MetricsAddr != "" {
		g.Go(func() error { return s.serveMetrics(gctx) })
	}
	err := g.Wait()
	s.shutdown()
	return err
}

// shutdown runs after a stop signal: the worker goes first, then this
// process leaves the registry.
func (s *Supervisor) shutdown() {
	ctx := context.Background()
	d := s.profile.Daemon
	s.Sugar.Info("stop signal received, stopping worker")
	s.publish(ctx, PhaseStopping, nil)
	if outcome, err := s.worker.Terminate(ctx, d.StopTimeout(), d.KillTimeout()); err != nil {
		s.Sugar.Errorf("stop worker: %s", err)
	} else {
		s.Sugar.Infof("worker %s", outcome)
	}
	s.metrics.WorkerUp.Set(0)
	if pid, _ := process.ReadPIDFile(s.paths.PIDFile); pid == os.Getpid() {
		if err := process.RemovePIDFile(s.paths.PIDFile); err != nil {
			s.Sugar.Warn(err)
		}
	}
	if _, err := s.reg.Unregister(s.id); err != nil {
		s.Sugar.Warnf("unregister instance: %s", err)
	}
	s.record(ctx, journal.KindStopped, "supervisor stopped", nil)
	s.closeJournal(ctx)
	s.Sugar.Info("supervisor stopped")
	s.loggers.Sync()
}

// Stop stops the worker named by the worker pid file, then the supervisor
// named by the supervisor pid file, then unregisters the instance. It is
// safe to call repeatedly and from any process. A supervisor that was not
// running still counts as stopped once the worker is gone.
func (s *Supervisor) Stop(ctx context.Context) (bool, error) {
	d := s.profile.Daemon
	if err := os.MkdirAll(s.paths.LogDir, 0o755); err != nil {
		return false, errors.Wrapf(err, "create %s", s.paths.LogDir)
	}
	if err := os.WriteFile(s.paths.StopMarker, []byte(s.now().Format(time.RFC3339)), 0o644); err != nil {
		s.Sugar.Warnf("write stop marker: %s", err)
	}
	if _, err := s.reg.Update(s.id, registry.Fields{"status": string(PhaseStopping)}); err != nil {
		s.Sugar.Warnf("update registry: %s", err)
	}

	outcome, err := s.worker.Terminate(ctx, d.StopTimeout(), d.KillTimeout())
	if err != nil {
		s.Sugar.Errorf("stop worker: %s", err)
		return false, errors.Wrap(err, "stop worker")
	}
	s.Sugar.Infof("worker %s", outcome)

	pid, alive := process.LivePID(s.paths.PIDFile)
	switch {
	case !alive:
		s.Sugar.Warn("supervisor is not running")
	case pid == os.Getpid():
	default:
		s.Sugar.Infof("stopping supervisor %d", pid)
		// it stops the worker again on its way out, so allow for that
		o, err := process.Terminate(ctx, pid, d.StopTimeout()+d.KillTimeout(), d.KillTimeout())
		if err != nil {
			s.Sugar.Errorf("stop supervisor %d: %s", pid, err)
			return false, errors.Wrapf(err, "stop supervisor %d", pid)
		}
		s.Sugar.Infof("supervisor %d %s", pid, o)
	}
	if err := process.RemovePIDFile(s.paths.PIDFile); err != nil {
		s.Sugar.Warn(err)
	}
	if _, err := s.reg.Unregister(s.id); err != nil {
		s.Sugar.Warnf("unregister instance: %s", err)
	}

	// a supervisor killed mid-launch may have left a new worker behind
	if o, err := s.worker.Terminate(ctx, d.StopTimeout(), d.KillTimeout()); err != nil {
		s.Sugar.Warnf("sweep worker: %s", err)
	} else if o != process.AlreadyGone {
		s.Sugar.Warnf("stopped leftover worker (%s)", o)
	}
	s.record(ctx, journal.KindStopped, "stop requested", map[string]any{"worker": outcome.String()})
	s.closeJournal(ctx)
	return true, nil
}

// Restart stops the instance, pauses briefly, and starts it again.
func (s *Supervisor) Restart(ctx context.Context, detach bool) (bool, error) {
	if ok, err := s.Stop(ctx); !ok {
		return false, err
	}
	if !sleep(ctx, s.opts.RestartPause) {
		return false, ctx.Err()
	}
	return s.Start(ctx, detach)
}

func (s *Supervisor) baseRecord(phase Phase) registry.Record {
	return registry.Record{
		PID:        os.Getpid(),
		WebPort:    s.profile.Daemon.WebPort,
		ConfigFile: s.absConfig(),
		LogDir:     s.paths.LogDir,
		StartedAt:  s.startedAt,
		Status:     string(phase),
		RunID:      s.runID,
	}
}

// publish records phase in the registry, re-registering if the record
// went missing.
func (s *Supervisor) publish(ctx context.Context, phase Phase, fields registry.Fields) {
	s.setPhase(phase)
	update := registry.Fields{"status": string(phase)}
	for k, v := range fields {
		update[k] = v
	}
	found, err := s.reg.Update(s.id, update)
	if err != nil {
		s.Sugar.Warnf("update registry: %s", err)
		return
	}
	if !found && s.running.Load() {
		rec := s.baseRecord(phase)
		if pid, ok := fields["worker_pid"].(int); ok {
			rec.WorkerPID = pid
		}
		if err := s.reg.Register(s.id, rec); err != nil {
			s.Sugar.Warnf("register instance: %s", err)
			return
		}
	}
	s.mirror(ctx)
}

// openJournal returns the instance's events.jsonl journal, fanned out to
// Options.Journal when one is configured.
func (s *Supervisor) openJournal() journal.Journal {
	s.jmu.Lock()
	defer s.jmu.Unlock()
	if s.journal == nil {
		var file journal.Journal
		if j, err := journal.NewFile(s.paths.LogDir); err != nil {
			s.Sugar.Warnf("open journal: %s", err)
			file = journal.Nop{}
		} else {
			file = j
		}
		s.file = file
		s.journal = file
		if s.opts.Journal != nil {
			s.journal = journal.Multi{file, s.opts.Journal}
		}
	}
	return s.journal
}

// closeJournal closes the file journal. Options.Journal belongs to the caller.
func (s *Supervisor) closeJournal(ctx context.Context) {
	s.jmu.Lock()
	defer s.jmu.Unlock()
	if s.file == nil {
		return
	}
	if err := s.file.Close(ctx); err != nil {
		s.Sugar.Warnf("close journal: %s", err)
	}
	s.file = nil
	s.journal = nil
}

// record appends an event to the journal. Journal errors are logged only.
func (s *Supervisor) record(ctx context.Context, kind, message string, fields map[string]any) {
	e := journal.NewEvent(s.id, s.runID, kind, message)
	e.Fields = fields
	if err := s.openJournal().Record(ctx, e); err != nil {
		s.Sugar.Warnf("journal %s event: %s", kind, err)
	}
}

func (s *Supervisor) mirror(ctx context.Context) {
	rec := s.reg.Get(s.id)
	if rec == nil {
		return
	}
	if err := s.openJournal().Mirror(ctx, *rec); err != nil {
		s.Sugar.Warnf("journal state: %s", err)
	}
}

// watchConfig warns when the config file changes under a running
// supervisor. The running configuration is left as it is.
func (s *Supervisor) watchConfig(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.Sugar.Warnf("config watcher disabled: %s", err)
		return nil
	}
	defer w.Close()
	dir, base := filepath.Split(s.configPath)
	if dir == "" {
		dir = "."
	}
	target := filepath.Join(dir, base)
	// editors replace files, so watch the directory
	if err := w.Add(dir); err != nil {
		s.Sugar.Warnf("config watcher disabled: %s", err)
		return nil
	}
	var last time.Time
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(target) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if now := s.now(); now.Sub(last) > time.Second {
				last = now
				s.Sugar.Warnf("config %s changed, restart the instance to apply it", s.configPath)
				s.record(ctx, journal.KindConfigChanged, strings.ToLower(ev.Op.String()), nil)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.Sugar.Warnf("config watcher: %s", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Supervisor) serveMetrics(ctx context.Context) error {
	srv := metrics.NewServer(s.opts.MetricsAddr, s.metrics.Registry)
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.Sugar.Infof("metrics on %s", s.opts.MetricsAddr)
	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Sugar.Errorf("metrics server: %s", err)
		}
		<-ctx.Done()
		return nil
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
