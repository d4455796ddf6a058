package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aliveSet(pids ...int) func(int) bool {
	set := make(map[int]bool)
	for _, p := range pids {
		set[p] = true
	}
	return func(pid int) bool { return set[pid] }
}

func newRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "logs", "instances.json"), nil, opts...)
}

func readFile(t *testing.T, r *Registry) map[string]map[string]any {
	t.Helper()
	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	var m map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestRegistry_ListAndCleanup(t *testing.T) {
	r := newRegistry(t, WithLivenessCheck(aliveSet(222)))
	require.NoError(t, r.Register("a", Record{PID: 111, WebPort: 5001}))
	require.NoError(t, r.Register("b", Record{PID: 222, WebPort: 5002}))

	live := r.List(false)
	require.Len(t, live, 1)
	assert.Equal(t, "b", live[0].InstanceID)
	assert.True(t, live[0].IsAlive)

	all := r.List(true)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].InstanceID)
	assert.False(t, all[0].IsAlive)
	assert.Equal(t, 2, r.Count(false))
	assert.Equal(t, 1, r.Count(true))

	n, err := r.CleanupDeadInstances()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	persisted := readFile(t, r)
	assert.Len(t, persisted, 1)
	assert.Contains(t, persisted, "b")

	n, err = r.CleanupDeadInstances()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRegistry_RegisterUnregisterIdempotent(t *testing.T) {
	r := newRegistry(t, WithLivenessCheck(aliveSet()))
	require.NoError(t, r.Register("keep", Record{PID: 1}))
	before := readFile(t, r)

	require.NoError(t, r.Register("tmp", Record{PID: 2}))
	removed, err := r.Unregister("tmp")
	require.NoError(t, err)
	assert.True(t, removed)

	after := readFile(t, r)
	assert.ElementsMatch(t, keys(before), keys(after))

	removed, err = r.Unregister("tmp")
	require.NoError(t, err)
	assert.False(t, removed)
}

func keys(m map[string]map[string]any) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestRegistry_UpdateAndGet(t *testing.T) {
	ticks := 0
	clock := func() time.Time {
		ticks++
		return time.Date(2024, 1, 1, 0, 0, ticks, 0, time.UTC)
	}
	r := newRegistry(t, WithLivenessCheck(aliveSet(10)), WithClock(clock))

	ok, err := r.Update("ghost", Fields{"status": "running"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, r.Get("ghost"))
	assert.False(t, r.Exists("ghost"))

	require.NoError(t, r.Register("x", Record{PID: 10, WebPort: 5005, ConfigFile: "c.json", Status: "starting"}))
	first := r.Get("x")
	require.NotNil(t, first)
	assert.Equal(t, first.RegisteredAt, first.LastUpdated)

	ok, err = r.Update("x", Fields{"status": "running", "worker_pid": 11})
	require.NoError(t, err)
	assert.True(t, ok)

	got := r.Get("x")
	require.NotNil(t, got)
	assert.Equal(t, "running", got.Status)
	assert.Equal(t, 11, got.WorkerPID)
	assert.Equal(t, "c.json", got.ConfigFile)
	assert.Equal(t, first.RegisteredAt, got.RegisteredAt)
	assert.NotEqual(t, first.LastUpdated, got.LastUpdated)
	assert.True(t, got.IsAlive)

	byPort := r.GetByPort(5005)
	require.NotNil(t, byPort)
	assert.Equal(t, "x", byPort.InstanceID)
	assert.Nil(t, r.GetByPort(6000))
}

func TestRegistry_RegisterOverwrites(t *testing.T) {
	r := newRegistry(t, WithLivenessCheck(aliveSet(2)))
	require.NoError(t, r.Register("x", Record{PID: 1, RunID: "old"}))
	require.NoError(t, r.Register("x", Record{PID: 2}))
	got := r.Get("x")
	require.NotNil(t, got)
	assert.Equal(t, 2, got.PID)
	assert.Empty(t, got.RunID)
}

func TestRegistry_CorruptFileIsEmpty(t *testing.T) {
	r := newRegistry(t, WithLivenessCheck(aliveSet(1)))
	require.NoError(t, os.MkdirAll(filepath.Dir(r.Path()), 0o755))
	require.NoError(t, os.WriteFile(r.Path(), []byte("{broken"), 0o644))

	assert.Empty(t, r.List(true))
	require.NoError(t, r.Register("x", Record{PID: 1}))
	assert.Len(t, r.List(false), 1)
}

func TestRegistry_ConcurrentWritersKeepEveryKey(t *testing.T) {
	r := newRegistry(t, WithLivenessCheck(aliveSet()))
	other := New(r.Path(), nil, WithLivenessCheck(aliveSet()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg := r
			if i%2 == 1 {
				reg = other
			}
			assert.NoError(t, reg.Register(fmt.Sprintf("inst-%02d", i), Record{PID: i + 1}))
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.List(true), 20)
}

func TestRegistry_ValidateRecord(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "a.json")
	require.NoError(t, os.WriteFile(cfg, []byte("{}"), 0o644))
	r := newRegistry(t, WithLivenessCheck(aliveSet()))

	c := r.ValidateRecord("missing")
	assert.False(t, c.Valid)

	require.NoError(t, r.Register("a", Record{PID: 5, ConfigFile: cfg, LogDir: filepath.Join(dir, "nope")}))
	c = r.ValidateRecord("a")
	assert.True(t, c.Valid, c.Errors)
	assert.Len(t, c.Warnings, 2)

	require.NoError(t, os.WriteFile(r.Path(), []byte(`{"b": {"pid": 5}}`), 0o644))
	c = r.ValidateRecord("b")
	assert.False(t, c.Valid)
	assert.Len(t, c.Errors, 3)
}

func TestRegistry_StatsForThisProcess(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "instances.json"), nil)
	require.NoError(t, r.Register("self", Record{PID: os.Getpid()}))

	st := r.Stats("self")
	require.NotNil(t, st)
	assert.True(t, st.Alive)
	require.NotNil(t, st.Process)
	assert.Equal(t, os.Getpid(), st.Process.PID)
	assert.Nil(t, st.Worker)
	assert.Nil(t, r.Stats("nobody"))
	assert.Len(t, r.AllStats(), 1)
}
