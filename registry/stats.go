package registry

import (
	"fmt"
	"os"
	"time"

	"github.com/xyths/qtrd/process"
)

// SampleWindow is how long Stats samples CPU usage for.
var SampleWindow = 100 * time.Millisecond

// Stats is a record together with live process details.
type Stats struct {
	Record
	Alive   bool           `json:"is_alive"`
	Process *process.Usage `json:"process_info,omitempty"`
	Worker  *process.Usage `json:"worker_info,omitempty"`
}

// Stats returns the record for id with supervisor and worker usage, or nil
// when id is not registered.
func (r *Registry) Stats(id string) *Stats {
	rec := r.Get(id)
	if rec == nil {
		return nil
	}
	st := &Stats{Record: *rec, Alive: rec.IsAlive}
	if rec.IsAlive {
		if u, err := process.Sample(rec.PID, SampleWindow); err == nil {
			st.Process = &u
		}
	}
	if rec.WorkerPID > 0 && r.alive(rec.WorkerPID) {
		if u, err := process.Sample(rec.WorkerPID, SampleWindow); err == nil {
			st.Worker = &u
		}
	}
	return st
}

// AllStats returns Stats for every registered instance.
func (r *Registry) AllStats() []Stats {
	var all []Stats
	for _, rec := range r.List(true) {
		if st := r.Stats(rec.InstanceID); st != nil {
			all = append(all, *st)
		}
	}
	return all
}

// Check is the outcome of ValidateRecord.
type Check struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

var requiredRecordFields = []string{"config_file", "pid", "log_dir", "web_port"}

// ValidateRecord checks that the record for id is complete and that the
// paths it names still exist.
func (r *Registry) ValidateRecord(id string) Check {
	raw, ok := r.read()[id]
	if !ok {
		return Check{Errors: []string{fmt.Sprintf("instance %s is not registered", id)}}
	}
	var c Check
	for _, field := range requiredRecordFields {
		if _, ok := raw[field]; !ok {
			c.Errors = append(c.Errors, "missing required field: "+field)
		}
	}
	rec := r.decode(id, raw)
	if rec.ConfigFile != "" {
		if _, err := os.Stat(rec.ConfigFile); err != nil {
			c.Warnings = append(c.Warnings, "config file does not exist: "+rec.ConfigFile)
		}
	}
	if rec.LogDir != "" {
		if _, err := os.Stat(rec.LogDir); err != nil {
			c.Warnings = append(c.Warnings, "log directory does not exist: "+rec.LogDir)
		}
	}
	if !rec.IsAlive {
		c.Warnings = append(c.Warnings, "process is not running")
	}
	c.Valid = len(c.Errors) == 0
	return c
}
