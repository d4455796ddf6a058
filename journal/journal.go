package journal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xyths/qtrd/registry"
)

// Event kinds written by a supervisor.
const (
	KindStarted       = "started"
	KindWorkerStarted = "worker_started"
	KindWorkerExited  = "worker_exited"
	KindLaunchFailed  = "launch_failed"
	KindExhausted     = "restarts_exhausted"
	KindHealthWarning = "health_warning"
	KindLogCleanup    = "log_cleanup"
	KindConfigChanged = "config_changed"
	KindStopped       = "stopped"
)

// Event is one entry in an instance's history.
type Event struct {
	ID         string         `json:"id" bson:"_id"`
	InstanceID string         `json:"instance_id" bson:"instanceId"`
	RunID      string         `json:"run_id,omitempty" bson:"runId,omitempty"`
	Kind       string         `json:"kind" bson:"kind"`
	Message    string         `json:"message,omitempty" bson:"message,omitempty"`
	Fields     map[string]any `json:"fields,omitempty" bson:"fields,omitempty"`
	Time       time.Time      `json:"time" bson:"time"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(instanceID, runID, kind, message string) Event {
	return Event{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		RunID:      runID,
		Kind:       kind,
		Message:    message,
		Time:       time.Now().UTC(),
	}
}

// Journal keeps an instance's event history and a copy of its registry
// record outside the registry file.
type Journal interface {
	Record(ctx context.Context, e Event) error
	Mirror(ctx context.Context, rec registry.Record) error
	Close(ctx context.Context) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, Event) error           { return nil }
func (Nop) Mirror(context.Context, registry.Record) error { return nil }
func (Nop) Close(context.Context) error                   { return nil }

// File appends events as JSON lines and keeps the latest record in a
// sibling state file.
type File struct {
	mu    sync.Mutex
	path  string
	state string
	f     *os.File
}

// NewFile opens <dir>/events.jsonl for appending.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create journal dir %s", dir)
	}
	path := filepath.Join(dir, "events.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %s", path)
	}
	return &File{path: path, state: filepath.Join(dir, "state.json"), f: f}, nil
}

// Path is the events file.
func (j *File) Path() string { return j.path }

func (j *File) Record(_ context.Context, e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return errors.New("journal closed")
	}
	_, err = j.f.Write(append(line, '\n'))
	return errors.Wrap(err, "append event")
}

func (j *File) Mirror(_ context.Context, rec registry.Record) error {
	data, err := json.MarshalIndent(struct {
		InstanceID string `json:"instance_id"`
		registry.Record
	}{rec.InstanceID, rec}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode state")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	tmp := j.state + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write state")
	}
	return errors.Wrap(os.Rename(tmp, j.state), "replace state")
}

func (j *File) Close(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// Multi fans out to several journals and returns the first error.
type Multi []Journal

func (m Multi) Record(ctx context.Context, e Event) error {
	var first error
	for _, j := range m {
		if err := j.Record(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Mirror(ctx context.Context, rec registry.Record) error {
	var first error
	for _, j := range m {
		if err := j.Mirror(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close(ctx context.Context) error {
	var first error
	for _, j := range m {
		if err := j.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
