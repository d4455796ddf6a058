package logger

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the "log" section shared by every qtrd config file.
type Config struct {
	Level   string `json:"level" yaml:"level" env:"QTRD_LOG_LEVEL" envDefault:"info"`
	Dir     string `json:"dir" yaml:"dir"`
	Console bool   `json:"console" yaml:"console"`
}

// Registry owns one logger per name. Loggers handed out stay valid across
// Reopen and Relocate: their sinks are swapped underneath them.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	level   zap.AtomicLevel
	entries map[string]*entry
	nop     bool
}

type entry struct {
	name  string
	core  *swapCore
	sugar *zap.SugaredLogger
	file  *os.File
}

// NewRegistry creates an empty registry. No files are opened until the
// first Get.
func NewRegistry(cfg Config) (*Registry, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		l, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, errors.Wrapf(err, "parse log level %q", cfg.Level)
		}
		level = l
	}
	return &Registry{
		cfg:     cfg,
		level:   level,
		entries: make(map[string]*entry),
	}, nil
}

// Nop returns a registry whose loggers discard everything.
func Nop() *Registry {
	return &Registry{
		level:   zap.NewAtomicLevel(),
		entries: make(map[string]*entry),
		nop:     true,
	}
}

// Get returns the logger for name, creating it on first use.
func (r *Registry) Get(name string) *zap.SugaredLogger {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		return e.sugar
	}
	e := &entry{name: name, core: newSwapCore(zapcore.NewNopCore())}
	if err := r.open(e); err != nil {
		// fall back to stderr so the failure itself is visible
		e.core.swap(r.consoleCore())
		zap.New(e.core).Sugar().Warnf("open log file for %s: %s", name, err)
	}
	e.sugar = zap.New(e.core, zap.AddCaller()).Named(name).Sugar()
	r.entries[name] = e
	return e.sugar
}

// Reopen closes and reopens every file sink. It must be called after the
// process detached from its session, since inherited descriptors are not
// trusted past that point.
func (r *Registry) Reopen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reopenLocked()
}

// Relocate moves every file sink to dir.
func (r *Registry) Relocate(dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Dir = dir
	return r.reopenLocked()
}

// Dir is the directory file sinks are written to.
func (r *Registry) Dir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Dir
}

// ActiveFiles lists the log files currently held open.
func (r *Registry) ActiveFiles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var files []string
	for _, e := range r.entries {
		if e.file != nil {
			files = append(files, e.file.Name())
		}
	}
	sort.Strings(files)
	return files
}

// Sync flushes every logger.
func (r *Registry) Sync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		_ = e.core.Sync()
	}
}

// Close flushes and closes every file sink.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, e := range r.entries {
		_ = e.core.Sync()
		e.core.swap(zapcore.NewNopCore())
		if e.file != nil {
			if err := e.file.Close(); err != nil && first == nil {
				first = err
			}
			e.file = nil
		}
	}
	return first
}

func (r *Registry) reopenLocked() error {
	var first error
	for _, e := range r.entries {
		old := e.file
		if err := r.open(e); err != nil && first == nil {
			first = err
		}
		if old != nil && old != e.file {
			_ = old.Close()
		}
	}
	return first
}

func (r *Registry) open(e *entry) error {
	if r.nop {
		e.core.swap(zapcore.NewNopCore())
		return nil
	}
	var cores []zapcore.Core
	if r.cfg.Console || r.cfg.Dir == "" {
		cores = append(cores, r.consoleCore())
	}
	e.file = nil
	if r.cfg.Dir != "" {
		if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
			return errors.Wrapf(err, "create log dir %s", r.cfg.Dir)
		}
		path := filepath.Join(r.cfg.Dir, e.name+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return errors.Wrapf(err, "open %s", path)
		}
		e.file = f
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(fileEncoderConfig()),
			zapcore.AddSync(f),
			r.level,
		))
	}
	e.core.swap(zapcore.NewTee(cores...))
	return nil
}

func (r *Registry) consoleCore() zapcore.Core {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(os.Stderr),
		r.level,
	)
}

func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}
