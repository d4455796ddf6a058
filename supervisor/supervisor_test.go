package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xyths/qtrd/config"
	"github.com/xyths/qtrd/health"
	"github.com/xyths/qtrd/process"
	"github.com/xyths/qtrd/registry"
	"github.com/xyths/qtrd/retention"
)

const multiDoc = `{
  "metadata": {
    "name": "bp_sol_grid",
    "instance_id": "bp_sol_01",
    "exchange": "backpack",
    "symbol": "SOL_USDC",
    "market_type": "spot",
    "strategy": "grid"
  },
  "daemon_config": {
    "python_path": "python3",
    "script_path": "run.py",
    "web_port": 5001,
    "max_restart_attempts": 3
  },
  "exchange_config": {
    "api_key": "${QTRD_TEST_API_KEY}",
    "secret_key": "${QTRD_TEST_SECRET_KEY:-fallback}"
  },
  "strategy_config": {
    "grid_upper_price": 160,
    "grid_lower_price": 140,
    "grid_num": 10
  }
}`

type fakeWorker struct {
	mu          sync.Mutex
	alive       bool
	pid         int
	launches    int
	terminates  int
	fail        error
	specs       []launchSpec
	onTerminate func()

	// dies makes a launched worker vanish before the next pass
	dies bool
}

func (f *fakeWorker) Running() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pid, f.alive
}

func (f *fakeWorker) Launch(_ context.Context, spec launchSpec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	f.specs = append(f.specs, spec)
	if f.fail != nil {
		return 0, f.fail
	}
	f.pid = 1000 + f.launches
	f.alive = !f.dies
	return f.pid, nil
}

func (f *fakeWorker) Terminate(context.Context, time.Duration, time.Duration) (process.Outcome, error) {
	f.mu.Lock()
	cb := f.onTerminate
	f.terminates++
	was := f.alive
	f.alive = false
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
	if was {
		return process.Graceful, nil
	}
	return process.AlreadyGone, nil
}

func (f *fakeWorker) OutputFiles() []string { return nil }

func (f *fakeWorker) counts() (launches, terminates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches, f.terminates
}

type fakeCleaner struct{ runs int }

func (c *fakeCleaner) Cleanup(string, int, []string) (retention.Report, error) {
	c.runs++
	return retention.Report{}, nil
}

type quietHost struct{}

func (quietHost) Check() health.Report { return health.Report{} }

func probeDown(context.Context, string, time.Duration) health.ProbeResult {
	return health.ProbeResult{State: health.Down}
}

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func newSupervisor(t *testing.T, body string, opts Options) (*Supervisor, *fakeWorker) {
	t.Helper()
	dir := t.TempDir()
	store, err := config.NewStore(filepath.Join(dir, "config"), nil)
	require.NoError(t, err)
	path := writeConfig(t, store.KindDir(config.KindActive), "bp_sol_grid.json", body)
	if opts.LogRoot == "" {
		opts.LogRoot = filepath.Join(dir, "logs")
	}
	if opts.Registry == nil {
		opts.Registry = registry.New(filepath.Join(opts.LogRoot, "instances.json"), nil,
			registry.WithLivenessCheck(func(int) bool { return true }))
	}
	if opts.Settle == 0 {
		opts.Settle = 50 * time.Millisecond
	}
	opts.RetryInterval = time.Millisecond
	opts.RestartPause = time.Millisecond
	s, err := New(store, path, opts)
	require.NoError(t, err)
	w := &fakeWorker{}
	s.worker = w
	s.probe = probeDown
	s.cleaner = &fakeCleaner{}
	return s, w
}

// fastProfile turns every interval off so monitor passes run back to back.
func fastProfile(attempts int, auto bool) *config.Profile {
	d := config.DefaultDaemonSettings()
	d.MaxRestartAttempts = attempts
	d.AutoRestart = auto
	d.RestartDelay = 0
	d.HealthCheckInterval = 0
	d.LogCleanupInterval = 3600
	return &config.Profile{Format: config.FormatLegacy, Daemon: d}
}

func spawnSleep(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-done
	})
	return cmd
}

func TestResolveInstanceID(t *testing.T) {
	doc := config.Document{"metadata": map[string]any{"instance_id": "from_meta"}}
	assert.Equal(t, "explicit", ResolveInstanceID("explicit", doc, "config/active/a.json"))
	assert.Equal(t, "from_meta", ResolveInstanceID("", doc, "config/active/a.json"))
	assert.Equal(t, "a", ResolveInstanceID("", config.Document{}, "config/active/a.json"))
	assert.Equal(t, "legacy", ResolveInstanceID(" ", nil, "legacy.yaml"))
}

func TestNew_InstanceScopedPaths(t *testing.T) {
	s, _ := newSupervisor(t, multiDoc, Options{})
	assert.Equal(t, "bp_sol_01", s.InstanceID())
	p := s.Paths()
	assert.Equal(t, "bp_sol_01", filepath.Base(p.LogDir))
	for _, f := range []string{p.PIDFile, p.WorkerPIDFile, p.StopMarker, p.DaemonOut} {
		assert.Equal(t, p.LogDir, filepath.Dir(f))
	}
	day := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, filepath.Join(p.LogDir, "2024-03-10"), p.DayDir(day))

	other, _ := newSupervisor(t, multiDoc, Options{InstanceID: "bp_sol_02"})
	assert.Equal(t, "bp_sol_02", filepath.Base(other.Paths().LogDir))
}

func TestRestartPolicy(t *testing.T) {
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	p := newRestartPolicy(config.DaemonSettings{AutoRestart: true, MaxRestartAttempts: 2, RestartDelay: 60})

	assert.Equal(t, actFirstStart, p.decide(false, now))
	assert.Equal(t, actWait, p.decide(false, now.Add(10*time.Second)))
	assert.Equal(t, actRestart, p.decide(false, now.Add(61*time.Second)))
	assert.Equal(t, 1, p.attempts)

	// the worker came back, so the counter starts over
	assert.Equal(t, actNone, p.decide(true, now.Add(90*time.Second)))
	assert.Equal(t, 0, p.attempts)

	assert.Equal(t, actRestart, p.decide(false, now.Add(200*time.Second)))
	assert.Equal(t, actRestart, p.decide(false, now.Add(300*time.Second)))
	assert.Equal(t, actGiveUp, p.decide(false, now.Add(400*time.Second)))
}

func TestRestartPolicy_FirstStartIgnoresLimits(t *testing.T) {
	now := time.Now()
	p := newRestartPolicy(config.DaemonSettings{AutoRestart: true, MaxRestartAttempts: 0, RestartDelay: 60})
	assert.Equal(t, actFirstStart, p.decide(false, now))
	assert.Equal(t, actGiveUp, p.decide(false, now.Add(time.Hour)))

	off := newRestartPolicy(config.DaemonSettings{AutoRestart: false, MaxRestartAttempts: 3})
	assert.Equal(t, actFirstStart, off.decide(false, now))
	assert.Equal(t, actIdle, off.decide(false, now.Add(time.Hour)))
}

func TestRestartPolicy_RunningWorkerIsNotLaunched(t *testing.T) {
	p := newRestartPolicy(config.DaemonSettings{AutoRestart: true, MaxRestartAttempts: 1})
	assert.Equal(t, actNone, p.decide(true, time.Now()))
	assert.True(t, p.launched)
}

func registerSelf(t *testing.T, s *Supervisor) {
	t.Helper()
	s.running.Store(true)
	t.Cleanup(func() { s.running.Store(false) })
	require.NoError(t, s.reg.Register(s.id, s.baseRecord(PhaseStarting)))
}

func TestMonitor_FirstStartExemption(t *testing.T) {
	s, w := newSupervisor(t, multiDoc, Options{})
	w.dies = true
	registerSelf(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.monitor(ctx, fastProfile(0, true))

	launches, _ := w.counts()
	assert.Equal(t, 1, launches)
	assert.Equal(t, PhaseFailed, s.Phase())
	rec := s.reg.Get(s.id)
	require.NotNil(t, rec)
	assert.Equal(t, string(PhaseFailed), rec.Status)
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.Restarts))
}

func TestMonitor_RestartsUntilExhausted(t *testing.T) {
	s, w := newSupervisor(t, multiDoc, Options{})
	w.dies = true
	registerSelf(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.monitor(ctx, fastProfile(2, true))

	launches, terminates := w.counts()
	assert.Equal(t, 3, launches, "one first start plus two restarts")
	assert.Equal(t, launches, terminates, "each launch clears a stale worker first")
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.Restarts))
	assert.Equal(t, PhaseFailed, s.Phase())
}

func TestMonitor_LaunchFailureCountsAsAbsent(t *testing.T) {
	s, w := newSupervisor(t, multiDoc, Options{})
	w.fail = &LaunchError{ExitCode: 2, Stderr: "ModuleNotFoundError"}
	registerSelf(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.monitor(ctx, fastProfile(1, true))

	launches, _ := w.counts()
	assert.Equal(t, 2, launches)
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.LaunchFailures))
	assert.Equal(t, PhaseFailed, s.Phase())
}

func TestMonitor_NoRestartWhenDisabled(t *testing.T) {
	s, w := newSupervisor(t, multiDoc, Options{})
	w.dies = true
	registerSelf(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.monitor(ctx, fastProfile(3, false))

	launches, _ := w.counts()
	assert.Equal(t, 1, launches)
	assert.Equal(t, PhaseWorkerExited, s.Phase())
}

func TestMonitor_RunningWorkerUntilCancelled(t *testing.T) {
	s, w := newSupervisor(t, multiDoc, Options{})
	registerSelf(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.monitor(ctx, fastProfile(3, true))
		close(done)
	}()
	require.Eventually(t, func() bool { return s.Phase() == PhaseRunning }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor ignored cancellation")
	}
	launches, _ := w.counts()
	assert.Equal(t, 1, launches)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.WorkerUp))
	rec := s.reg.Get(s.id)
	require.NotNil(t, rec)
	assert.Equal(t, 1001, rec.WorkerPID)
}

func TestMonitor_StopMarkerBlocksRelaunch(t *testing.T) {
	s, w := newSupervisor(t, multiDoc, Options{})
	w.dies = true
	registerSelf(t, s)
	require.NoError(t, os.MkdirAll(s.paths.LogDir, 0o755))
	require.NoError(t, os.WriteFile(s.paths.StopMarker, nil, 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.monitor(ctx, fastProfile(3, true))

	launches, _ := w.counts()
	assert.Zero(t, launches)
}

func TestMonitor_HealthEndpointCountsAsAlive(t *testing.T) {
	s, w := newSupervisor(t, multiDoc, Options{})
	s.probe = func(context.Context, string, time.Duration) health.ProbeResult {
		return health.ProbeResult{State: health.NotReady, StatusCode: 503}
	}
	registerSelf(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.monitor(ctx, fastProfile(3, true))

	launches, _ := w.counts()
	assert.Zero(t, launches)
	assert.Equal(t, PhaseRunning, s.Phase())
}

func TestLaunchSpec(t *testing.T) {
	t.Setenv("QTRD_TEST_API_KEY", "k")
	s, _ := newSupervisor(t, multiDoc, Options{})
	p, err := s.prepare()
	require.NoError(t, err)

	spec := s.launchSpec(p)
	assert.Equal(t, "python3", spec.Path)
	assert.Equal(t, "run.py", spec.Args[0])
	assert.Contains(t, strings.Join(spec.Args, " "), "--symbol SOL_USDC")
	assert.Contains(t, strings.Join(spec.Args, " "), "--grid-num 10")
	assert.Contains(t, strings.Join(spec.Args, " "), "--grid-upper 160")
	assert.Contains(t, spec.Env, "API_KEY=k")
	assert.Contains(t, spec.Env, "SECRET_KEY=fallback")
	assert.Contains(t, spec.Env, "WEB_PORT=5001")
	assert.Contains(t, spec.Env, "DB_PATH="+filepath.Join("data", "bp_sol_01", "trading.db"))
}

func TestStart_RefusesInvalidConfig(t *testing.T) {
	body := strings.Replace(multiDoc, `"grid_upper_price": 160`, `"grid_upper_price": 120`, 1)
	s, w := newSupervisor(t, body, Options{})

	ok, err := s.Start(context.Background(), false)
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	var verr *config.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, err.Error(), "grid_upper_price")
	launches, _ := w.counts()
	assert.Zero(t, launches)
	assert.NoFileExists(t, s.paths.PIDFile)

	st := s.Status()
	assert.False(t, st.Running)
	assert.Contains(t, st.Summary(), "validation failed")
}

func TestStart_RefusesMissingSecret(t *testing.T) {
	s, _ := newSupervisor(t, multiDoc, Options{})
	ok, err := s.Start(context.Background(), false)
	assert.False(t, ok)
	var envErr *config.EnvironmentVariableError
	require.True(t, errors.As(err, &envErr))
	assert.Equal(t, "QTRD_TEST_API_KEY", envErr.Name)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestStart_RefusesWhenAlreadyRunning(t *testing.T) {
	t.Setenv("QTRD_TEST_API_KEY", "k")
	s, _ := newSupervisor(t, multiDoc, Options{})
	other := spawnSleep(t)
	require.NoError(t, process.WritePIDFile(s.paths.PIDFile, other.Process.Pid))

	ok, err := s.Start(context.Background(), false)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
}

func TestStop_Order(t *testing.T) {
	s, w := newSupervisor(t, multiDoc, Options{})
	w.alive, w.pid = true, 4242
	sup := spawnSleep(t)
	require.NoError(t, process.WritePIDFile(s.paths.PIDFile, sup.Process.Pid))
	require.NoError(t, s.reg.Register(s.id, registry.Record{PID: sup.Process.Pid, Status: string(PhaseRunning)}))

	var supervisorAlive, markerPresent []bool
	w.onTerminate = func() {
		supervisorAlive = append(supervisorAlive, process.Alive(sup.Process.Pid))
		markerPresent = append(markerPresent, s.stopRequested())
	}

	ok, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, supervisorAlive, 2, "worker stopped, then swept again")
	assert.True(t, supervisorAlive[0], "worker goes before the supervisor")
	assert.False(t, supervisorAlive[1])
	assert.True(t, markerPresent[0], "marker is written before the worker is signalled")

	assert.False(t, process.Alive(sup.Process.Pid))
	assert.NoFileExists(t, s.paths.PIDFile)
	assert.False(t, s.reg.Exists(s.id))
	assert.FileExists(t, s.paths.StopMarker)

	// second stop finds nothing and still succeeds
	ok, err = s.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStop_WorkerOnly(t *testing.T) {
	s, w := newSupervisor(t, multiDoc, Options{})
	w.alive, w.pid = true, 4242

	ok, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	_, alive := w.Running()
	assert.False(t, alive)
}

func TestStatusSummary(t *testing.T) {
	reports := []StatusReport{
		{InstanceID: "a", ConfigError: "missing required metadata field: symbol"},
		{InstanceID: "a", Running: true, PID: 1, Phase: PhaseLaunchFailed},
		{InstanceID: "a", Running: true, PID: 1, Phase: PhaseRunning, WorkerRunning: true, WorkerPID: 2},
		{InstanceID: "a", Running: true, PID: 1, Phase: PhaseFailed},
		{InstanceID: "a"},
	}
	seen := map[string]bool{}
	for _, r := range reports {
		seen[r.Summary()] = true
	}
	assert.Len(t, seen, len(reports))
	assert.Contains(t, reports[0].Summary(), "will not start")
	assert.Contains(t, reports[1].Summary(), "failed to launch")
	assert.Contains(t, reports[2].Summary(), "running")
	assert.Contains(t, reports[3].Summary(), "exhausted")
	assert.Contains(t, reports[4].Summary(), "not running")
}

func TestResourceWarning(t *testing.T) {
	d := config.DefaultDaemonSettings()
	assert.Empty(t, resourceWarning(process.Usage{RSSMB: 100, CPUPercent: 5}, d))
	w := resourceWarning(process.Usage{RSSMB: 4096, CPUPercent: 95}, d)
	assert.Contains(t, w, "memory")
	assert.Contains(t, w, "cpu")
}

const shellWorker = `{
  "python_path": "/bin/sh",
  "script_path": "-c",
  "web_port": 5901,
  "bot_args": ["echo started; exec sleep 30"]
}`

// Start runs a real /bin/sh worker until the context is cancelled.
func TestStart_RealWorker(t *testing.T) {
	s, _ := newSupervisor(t, shellWorker, Options{Settle: 100 * time.Millisecond})
	s.worker = &procWorker{Sugar: s.Sugar, pidFile: s.paths.WorkerPIDFile, paths: s.paths, settle: 100 * time.Millisecond, now: time.Now}
	s.reg = registry.New(s.reg.Path(), nil)
	s.host = quietHost{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := s.Start(ctx, false)
		done <- result{ok, err}
	}()

	var workerPID int
	require.Eventually(t, func() bool {
		rec := s.reg.Get(s.id)
		if rec == nil || rec.Status != string(PhaseRunning) || rec.WorkerPID == 0 {
			return false
		}
		workerPID = rec.WorkerPID
		return true
	}, 5*time.Second, 20*time.Millisecond)

	assert.True(t, process.Alive(workerPID))
	assert.True(t, s.Running())
	st := s.Status()
	assert.True(t, st.Running)
	assert.True(t, st.WorkerRunning)
	assert.Contains(t, st.Summary(), "running")

	data, err := os.ReadFile(filepath.Join(s.paths.DayDir(time.Now()), "bot_stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "started")

	cancel()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.True(t, r.ok)
	case <-time.After(40 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
	assert.False(t, process.Alive(workerPID))
	assert.NoFileExists(t, s.paths.PIDFile)
	assert.NoFileExists(t, s.paths.WorkerPIDFile)
	assert.False(t, s.reg.Exists(s.id))

	f, err := os.Open(filepath.Join(s.paths.LogDir, "events.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	var kinds []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e struct {
			Kind string `json:"kind"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []string{"started", "worker_started", "stopped"}, kinds)
}
