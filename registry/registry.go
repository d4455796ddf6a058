package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xyths/qtrd/process"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultPath is where supervisors publish themselves unless configured
// otherwise.
const DefaultPath = "logs/instances.json"

// Record is one instance as stored in the registry file.
type Record struct {
	InstanceID   string `json:"-"`
	PID          int    `json:"pid"`
	WorkerPID    int    `json:"worker_pid,omitempty"`
	WebPort      int    `json:"web_port"`
	ConfigFile   string `json:"config_file"`
	LogDir       string `json:"log_dir"`
	StartedAt    string `json:"started_at"`
	Status       string `json:"status"`
	RunID        string `json:"run_id,omitempty"`
	RegisteredAt string `json:"registered_at"`
	LastUpdated  string `json:"last_updated"`

	// IsAlive is computed when the record is read, never stored.
	IsAlive bool `json:"-"`
}

// Fields is a partial record keyed by JSON field name.
type Fields map[string]any

// Option configures a Registry.
type Option func(*Registry)

// WithLivenessCheck replaces the pid liveness check.
func WithLivenessCheck(alive func(pid int) bool) Option {
	return func(r *Registry) { r.alive = alive }
}

// WithClock replaces the time source used for stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is a host-wide directory of instances kept in one JSON file.
// Every mutation re-reads and rewrites the whole file under an advisory
// lock on <path>.lock. The lock serialises cooperating writers on one host;
// it is not a guarantee on network filesystems.
type Registry struct {
	Sugar *zap.SugaredLogger

	path  string
	mu    sync.Mutex
	alive func(pid int) bool
	now   func() time.Time
}

// New returns a registry stored at path.
func New(path string, sugar *zap.SugaredLogger, opts ...Option) *Registry {
	if sugar == nil {
		sugar = zap.NewNop().Sugar()
	}
	r := &Registry{
		Sugar: sugar,
		path:  path,
		alive: process.Alive,
		now:   time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Path is the registry file.
func (r *Registry) Path() string { return r.path }

type table map[string]map[string]any

// Register stores info under id, replacing any previous record, and stamps
// registered_at and last_updated.
func (r *Registry) Register(id string, info Record) error {
	fields, err := toFields(info)
	if err != nil {
		return err
	}
	return r.mutate(func(t table) bool {
		now := r.stamp()
		fields["registered_at"] = now
		fields["last_updated"] = now
		t[id] = fields
		return true
	})
}

// Unregister removes id. It reports whether a record was removed.
func (r *Registry) Unregister(id string) (bool, error) {
	var removed bool
	err := r.mutate(func(t table) bool {
		if _, ok := t[id]; ok {
			delete(t, id)
			removed = true
		}
		return removed
	})
	return removed, err
}

// Update merges fields into the record for id and stamps last_updated. It
// reports false, and writes nothing, when id is not registered.
func (r *Registry) Update(id string, fields Fields) (bool, error) {
	var found bool
	err := r.mutate(func(t table) bool {
		rec, ok := t[id]
		if !ok {
			return false
		}
		found = true
		for k, v := range fields {
			rec[k] = v
		}
		rec["last_updated"] = r.stamp()
		return true
	})
	return found, err
}

// Get returns the record for id, or nil.
func (r *Registry) Get(id string) *Record {
	t := r.read()
	raw, ok := t[id]
	if !ok {
		return nil
	}
	rec := r.decode(id, raw)
	return &rec
}

// Exists reports whether id is registered, alive or not.
func (r *Registry) Exists(id string) bool {
	_, ok := r.read()[id]
	return ok
}

// List returns records sorted by instance id. Dead instances are left out
// unless includeDead is set.
func (r *Registry) List(includeDead bool) []Record {
	t := r.read()
	recs := make([]Record, 0, len(t))
	for id, raw := range t {
		rec := r.decode(id, raw)
		if rec.IsAlive || includeDead {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].InstanceID < recs[j].InstanceID })
	return recs
}

// Count counts registered instances, only live ones when aliveOnly is set.
func (r *Registry) Count(aliveOnly bool) int {
	return len(r.List(!aliveOnly))
}

// GetByPort returns the first record, by instance id, using port.
func (r *Registry) GetByPort(port int) *Record {
	for _, rec := range r.List(true) {
		if rec.WebPort == port {
			rec := rec
			return &rec
		}
	}
	return nil
}

// CleanupDeadInstances removes every record whose process is gone and
// returns how many were removed.
func (r *Registry) CleanupDeadInstances() (int, error) {
	var removed int
	err := r.mutate(func(t table) bool {
		for id, raw := range t {
			if !r.decode(id, raw).IsAlive {
				delete(t, id)
				removed++
			}
		}
		return removed > 0
	})
	if removed > 0 {
		r.Sugar.Infof("removed %d dead instance(s) from %s", removed, r.path)
	}
	return removed, err
}

func (r *Registry) stamp() string {
	return r.now().Format(time.RFC3339)
}

func (r *Registry) decode(id string, raw map[string]any) Record {
	var rec Record
	if data, err := json.Marshal(raw); err == nil {
		if err := json.Unmarshal(data, &rec); err != nil {
			r.Sugar.Warnf("registry record %s is malformed: %s", id, err)
		}
	}
	rec.InstanceID = id
	rec.IsAlive = rec.PID > 0 && r.alive(rec.PID)
	return rec
}

func toFields(rec Record) (map[string]any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	return fields, nil
}

// read loads the table under a shared lock. Any failure yields an empty
// table and a warning.
func (r *Registry) read() table {
	r.mu.Lock()
	defer r.mu.Unlock()
	unlock, err := r.lock(unix.LOCK_SH)
	if err != nil {
		r.Sugar.Warnf("lock registry %s: %s", r.path, err)
	} else {
		defer unlock()
	}
	return r.load()
}

// mutate runs fn on the current table under an exclusive lock and writes
// the table back when fn reports a change.
func (r *Registry) mutate(fn func(table) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	unlock, err := r.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	t := r.load()
	if !fn(t) {
		return nil
	}
	return r.save(t)
}

func (r *Registry) load() table {
	t := make(table)
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.Sugar.Warnf("registry %s unreadable, treating as empty: %s", r.path, err)
		}
		return t
	}
	if len(data) == 0 {
		return t
	}
	if err := json.Unmarshal(data, &t); err != nil {
		r.Sugar.Warnf("registry %s is corrupt, treating as empty: %s", r.path, err)
		return make(table)
	}
	for id, rec := range t {
		if rec == nil {
			delete(t, id)
		}
	}
	return t
}

func (r *Registry) save(t table) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode registry")
	}
	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "create registry temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write registry")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync registry")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close registry")
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return errors.Wrap(err, "chmod registry")
	}
	return errors.Wrapf(os.Rename(tmp.Name(), r.path), "replace %s", r.path)
}

func (r *Registry) lock(how int) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create registry dir")
	}
	f, err := os.OpenFile(r.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open registry lock")
	}
	for {
		err = unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "flock registry")
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
