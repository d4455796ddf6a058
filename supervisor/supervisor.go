package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/xyths/qtrd/config"
	"github.com/xyths/qtrd/health"
	"github.com/xyths/qtrd/journal"
	"github.com/xyths/qtrd/logger"
	"github.com/xyths/qtrd/metrics"
	"github.com/xyths/qtrd/registry"
	"github.com/xyths/qtrd/retention"
	"go.uber.org/zap"
)

// Phase is the supervisor state published in the registry record.
type Phase string

const (
	PhaseStarting     Phase = "starting"
	PhaseRunning      Phase = "running"
	PhaseLaunchFailed Phase = "launch_failed"
	PhaseWorkerExited Phase = "worker_exited"
	PhaseFailed       Phase = "failed"
	PhaseStopping     Phase = "stopping"
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrAlreadyRunning = errors.New("instance already running")
	ErrLaunchFailed   = errors.New("worker launch failed")
)

// LaunchError describes a worker that exited during its settle period.
type LaunchError struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("worker exited with code %d", e.ExitCode)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if tail := strings.TrimSpace(e.Stderr); tail != "" {
		msg += ": " + tail
	} else if tail := strings.TrimSpace(e.Stdout); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == ErrLaunchFailed }

// ConfigError refuses a start. It matches ErrInvalidConfig and unwraps to
// the config package error.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string       { return "invalid configuration: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error       { return e.Err }
func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

// Paths are the instance-scoped files of one supervisor.
type Paths struct {
	LogDir        string
	PIDFile       string
	WorkerPIDFile string
	StopMarker    string
	DaemonOut     string
}

func newPaths(logRoot, id string) Paths {
	dir := filepath.Join(logRoot, id)
	return Paths{
		LogDir:        dir,
		PIDFile:       filepath.Join(dir, "process.pid"),
		WorkerPIDFile: filepath.Join(dir, "bot.pid"),
		StopMarker:    filepath.Join(dir, "stop.requested"),
		DaemonOut:     filepath.Join(dir, "daemon.out"),
	}
}

// DayDir is the directory worker output for t is appended to.
func (p Paths) DayDir(t time.Time) string {
	return filepath.Join(p.LogDir, t.Format("2006-01-02"))
}

// Options tune a Supervisor. Zero values pick the defaults.
type Options struct {
	// InstanceID overrides the id taken from the config.
	InstanceID string
	// LogRoot holds one directory per instance. Defaults to daemon_config.log_dir.
	LogRoot string

	Registry    *registry.Registry
	Loggers     *logger.Registry
	Journal     journal.Journal
	Metrics     *metrics.Supervisor
	MetricsAddr string

	// Settle is how long a fresh worker must survive to count as launched.
	Settle time.Duration
	// ProbeTimeout bounds the worker health request.
	ProbeTimeout time.Duration
	// RetryInterval is the re-check period while a restart waits out restart_delay.
	RetryInterval time.Duration
	// RestartPause separates stop and start in Restart.
	RestartPause time.Duration
}

func (o *Options) defaults() {
	if o.Settle == 0 {
		o.Settle = 5 * time.Second
	}
	if o.ProbeTimeout == 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = 10 * time.Second
	}
	if o.RestartPause == 0 {
		o.RestartPause = 2 * time.Second
	}
}

type hostChecker interface {
	Check() health.Report
}

type logCleaner interface {
	Cleanup(dir string, retentionDays int, protected []string) (retention.Report, error)
}

// Supervisor keeps one worker process alive for one config file.
type Supervisor struct {
	Sugar *zap.SugaredLogger

	id         string
	configPath string
	store      *config.Store
	profile    *config.Profile
	paths      Paths
	opts       Options

	reg     *registry.Registry
	loggers *logger.Registry
	metrics *metrics.Supervisor
	worker  workerController
	host    hostChecker
	cleaner logCleaner
	probe   func(ctx context.Context, url string, timeout time.Duration) health.ProbeResult
	now     func() time.Time

	jmu     sync.Mutex
	file    journal.Journal
	journal journal.Journal

	runID     string
	startedAt string
	phase     atomic.Value
	running   atomic.Bool
}

// New binds a supervisor to configPath. The document is read without
// variable expansion so stop and status work without the worker's secrets;
// Start reloads and validates it.
func New(store *config.Store, configPath string, opts Options) (*Supervisor, error) {
	if store == nil {
		return nil, errors.New("nil config store")
	}
	opts.defaults()
	if opts.Loggers == nil {
		opts.Loggers = logger.Nop()
	}
	s := &Supervisor{
		configPath: configPath,
		store:      store,
		opts:       opts,
		loggers:    opts.Loggers,
		probe:      health.Probe,
		now:        time.Now,
	}
	s.Sugar = s.loggers.Get("supervisor")

	doc, err := store.Load(configPath, false)
	if err != nil {
		s.Sugar.Warnf("read config %s: %s", configPath, err)
	}
	s.profile = &config.Profile{Daemon: config.DefaultDaemonSettings()}
	if doc != nil {
		if p, err := config.ParseProfile(doc); err != nil {
			s.Sugar.Warnf("parse config %s: %s, using daemon defaults", configPath, err)
		} else {
			s.profile = p
		}
	}
	s.id = ResolveInstanceID(opts.InstanceID, doc, configPath)
	if s.id == "" {
		return nil, errors.Errorf("cannot derive an instance id from %q", configPath)
	}

	logRoot := opts.LogRoot
	if logRoot == "" {
		logRoot = s.profile.Daemon.LogDir
	}
	if logRoot == "" {
		logRoot = "logs"
	}
	s.paths = newPaths(logRoot, s.id)
	s.Sugar = s.Sugar.With("instance", s.id)

	s.reg = opts.Registry
	if s.reg == nil {
		s.reg = registry.New(filepath.Join(logRoot, filepath.Base(registry.DefaultPath)), s.loggers.Get("registry"))
	}
	s.metrics = opts.Metrics
	if s.metrics == nil {
		s.metrics = metrics.NewSupervisor(s.id)
	}
	s.worker = &procWorker{
		Sugar:   s.Sugar,
		pidFile: s.paths.WorkerPIDFile,
		paths:   s.paths,
		settle:  opts.Settle,
		now:     s.now,
	}
	s.cleaner = retention.NewCleaner(s.loggers.Get("retention"))
	s.setPhase("")
	return s, nil
}

// ResolveInstanceID picks explicit, then metadata.instance_id, then the
// config file name without extension.
func ResolveInstanceID(explicit string, doc config.Document, configPath string) string {
	if id := strings.TrimSpace(explicit); id != "" {
		return id
	}
	if doc != nil {
		if v, ok := doc.Get(config.SectionMetadata + ".instance_id"); ok {
			if id, ok := v.(string); ok && strings.TrimSpace(id) != "" {
				return strings.TrimSpace(id)
			}
		}
	}
	base := filepath.Base(configPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (s *Supervisor) InstanceID() string { return s.id }
func (s *Supervisor) Paths() Paths       { return s.paths }
func (s *Supervisor) ConfigPath() string { return s.configPath }

// Profile is the configuration the supervisor currently acts on.
func (s *Supervisor) Profile() *config.Profile { return s.profile }

// Metrics are the supervisor's collectors.
func (s *Supervisor) Metrics() *metrics.Supervisor { return s.metrics }

func (s *Supervisor) setPhase(p Phase) { s.phase.Store(p) }

// Phase is the last phase this process published.
func (s *Supervisor) Phase() Phase { return s.phase.Load().(Phase) }

// prepare loads the document, validates it as written, then expands
// environment references. Any failure here refuses the start.
func (s *Supervisor) prepare() (*config.Profile, error) {
	raw, err := s.store.Load(s.configPath, false)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	res := s.store.Validate(raw)
	for _, w := range res.Warnings {
		s.Sugar.Warnf("config warning: %s", w)
	}
	if !res.IsValid {
		for _, e := range res.Errors {
			s.Sugar.Errorf("config error: %s", e)
		}
		return nil, &ConfigError{Err: &config.ValidationError{Path: s.configPath, Result: res}}
	}
	doc, err := s.store.Load(s.configPath, true)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	p, err := config.ParseProfile(doc)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return p, nil
}

// dbPath is the worker database, isolated per instance unless configured.
func (s *Supervisor) dbPath(p *config.Profile) string {
	if p.Daemon.DBPath != "" {
		return p.Daemon.DBPath
	}
	return filepath.Join("data", s.id, "trading.db")
}

func (s *Supervisor) launchSpec(p *config.Profile) launchSpec {
	args := append([]string{p.Daemon.ScriptPath}, p.WorkerArgs()...)
	env := p.WorkerEnv(s.dbPath(p))
	if p.Format == config.FormatMulti {
		keys := make([]string, 0, len(p.Daemon.Environment))
		for k := range p.Daemon.Environment {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+p.Daemon.Environment[k])
		}
	}
	return launchSpec{
		Path: p.Daemon.PythonPath,
		Args: args,
		Dir:  p.Daemon.WorkingDir,
		Env:  env,
	}
}

func (s *Supervisor) absConfig() string {
	if abs, err := filepath.Abs(s.configPath); err == nil {
		return abs
	}
	return s.configPath
}

func (s *Supervisor) stopRequested() bool {
	_, err := os.Stat(s.paths.StopMarker)
	return err == nil
}
