package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"github.com/xyths/qtrd/cmd/utils"
	"github.com/xyths/qtrd/config"
	"github.com/xyths/qtrd/journal"
	"github.com/xyths/qtrd/logger"
	"github.com/xyths/qtrd/process"
	"github.com/xyths/qtrd/registry"
	"github.com/xyths/qtrd/supervisor"
	"go.uber.org/zap"
)

var (
	startCommand = &cli.Command{
		Action: start,
		Name:   "start",
		Usage:  "Start supervising an instance",
		Flags: []cli.Flag{
			utils.ConfigFlag,
			utils.InstanceFlag,
			utils.DetachFlag,
		},
	}
	stopCommand = &cli.Command{
		Action: stop,
		Name:   "stop",
		Usage:  "Stop an instance and its worker",
		Flags: []cli.Flag{
			utils.ConfigFlag,
			utils.InstanceFlag,
		},
	}
	restartCommand = &cli.Command{
		Action: restart,
		Name:   "restart",
		Usage:  "Stop, then start an instance",
		Flags: []cli.Flag{
			utils.ConfigFlag,
			utils.InstanceFlag,
			utils.DetachFlag,
		},
	}
	statusCommand = &cli.Command{
		Action: status,
		Name:   "status",
		Usage:  "Show the status of an instance",
		Flags: []cli.Flag{
			utils.ConfigFlag,
			utils.InstanceFlag,
			utils.JSONFlag,
		},
	}
	listCommand = &cli.Command{
		Action: list,
		Name:   "list",
		Usage:  "List registered instances",
		Flags: []cli.Flag{
			utils.AllFlag,
			utils.JSONFlag,
		},
	}
	cleanupCommand = &cli.Command{
		Action: cleanup,
		Name:   "cleanup",
		Usage:  "Drop registry records whose supervisor is gone",
	}
	statsCommand = &cli.Command{
		Action:    stats,
		Name:      "stats",
		Usage:     "Show registry records with process usage",
		ArgsUsage: "[instance]",
	}
)

// env bundles what every command builds from the global settings.
type env struct {
	settings utils.Settings
	loggers  *logger.Registry
	Sugar    *zap.SugaredLogger
	store    *config.Store
	registry *registry.Registry
	mongo    *journal.Mongo
}

func newEnv(ctx *cli.Context) (*env, error) {
	s, err := utils.LoadSettings(ctx)
	if err != nil {
		return nil, err
	}
	loggers, err := logger.NewRegistry(logger.Config{Level: s.LogLevel, Console: true})
	if err != nil {
		return nil, err
	}
	e := &env{settings: s, loggers: loggers, Sugar: loggers.Get("qtrd")}
	if e.store, err = config.NewStore(s.ConfigDir, loggers.Get("config")); err != nil {
		return nil, err
	}
	e.registry = registry.New(s.RegistryPath(), loggers.Get("registry"))
	return e, nil
}

func (e *env) close() {
	if e.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.mongo.Close(ctx); err != nil {
			e.Sugar.Warnf("close mongo journal: %s", err)
		}
	}
	_ = e.loggers.Close()
}

func (e *env) supervisor(ctx *cli.Context) (*supervisor.Supervisor, error) {
	opts := supervisor.Options{
		InstanceID:  ctx.String(utils.InstanceFlag.Name),
		LogRoot:     e.settings.LogDir,
		Registry:    e.registry,
		Loggers:     e.loggers,
		MetricsAddr: e.settings.MetricsAddr,
	}
	if e.settings.Mongo.URI != "" {
		m, err := journal.DialMongo(ctx.Context, e.settings.Mongo)
		if err != nil {
			// the file journal still records everything
			e.Sugar.Warnf("mongo journal disabled: %s", err)
		} else {
			e.mongo = m
			opts.Journal = m
		}
	}
	return supervisor.New(e.store, ctx.String(utils.ConfigFlag.Name), opts)
}

func withSupervisor(fn func(*cli.Context, *supervisor.Supervisor) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		e, err := newEnv(ctx)
		if err != nil {
			return err
		}
		defer e.close()
		s, err := e.supervisor(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, s)
	}
}

func withEnv(fn func(*cli.Context, *env) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		e, err := newEnv(ctx)
		if err != nil {
			return err
		}
		defer e.close()
		return fn(ctx, e)
	}
}

var (
	start   = withSupervisor(startInstance)
	stop    = withSupervisor(stopInstance)
	restart = withSupervisor(restartInstance)
	status  = withSupervisor(showStatus)
	list    = withEnv(listInstances)
	cleanup = withEnv(cleanupRegistry)
	stats   = withEnv(showStats)
)

func startInstance(ctx *cli.Context, s *supervisor.Supervisor) error {
	detached, err := s.Start(ctx.Context, ctx.Bool(utils.DetachFlag.Name))
	if err != nil {
		return err
	}
	if detached {
		fmt.Printf("%s started in background, output in %s\n", s.InstanceID(), s.Paths().DaemonOut)
	}
	return nil
}

func stopInstance(ctx *cli.Context, s *supervisor.Supervisor) error {
	ok, err := s.Stop(ctx.Context)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("%s did not stop cleanly", s.InstanceID())
	}
	fmt.Printf("%s stopped\n", s.InstanceID())
	return nil
}

func restartInstance(ctx *cli.Context, s *supervisor.Supervisor) error {
	detached, err := s.Restart(ctx.Context, ctx.Bool(utils.DetachFlag.Name))
	if err != nil {
		return err
	}
	if detached {
		fmt.Printf("%s restarted in background\n", s.InstanceID())
	}
	return nil
}

func showStatus(ctx *cli.Context, s *supervisor.Supervisor) error {
	r := s.Status()
	if ctx.Bool(utils.JSONFlag.Name) {
		return printJSON(r)
	}
	fmt.Println(r.Summary())
	if r.Process != nil {
		fmt.Printf("  supervisor: %s\n", usage(*r.Process))
	}
	if r.Worker != nil {
		fmt.Printf("  worker:     %s\n", usage(*r.Worker))
	}
	if r.ResourceWarning != "" {
		fmt.Printf("  warning:    %s\n", r.ResourceWarning)
	}
	return nil
}

func listInstances(ctx *cli.Context, e *env) error {
	records := e.registry.List(ctx.Bool(utils.AllFlag.Name))
	if ctx.Bool(utils.JSONFlag.Name) {
		return printJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("no instances")
		return nil
	}
	for _, r := range records {
		state := "dead"
		if r.IsAlive {
			state = "alive"
		}
		fmt.Printf("%-20s %-6s pid=%-7d port=%-5d status=%-14s config=%s\n",
			r.InstanceID, state, r.PID, r.WebPort, r.Status, r.ConfigFile)
	}
	return nil
}

func cleanupRegistry(_ *cli.Context, e *env) error {
	n, err := e.registry.CleanupDeadInstances()
	if err != nil {
		return err
	}
	fmt.Printf("removed %d dead instance(s)\n", n)
	return nil
}

func showStats(ctx *cli.Context, e *env) error {
	if id := ctx.Args().First(); id != "" {
		st := e.registry.Stats(id)
		if st == nil {
			return errors.Errorf("instance %s is not registered", id)
		}
		return printJSON(struct {
			*registry.Stats
			Check registry.Check `json:"check"`
		}{st, e.registry.ValidateRecord(id)})
	}
	return printJSON(e.registry.AllStats())
}

func usage(u process.Usage) string {
	return fmt.Sprintf("rss %.1f MB, cpu %.1f%%", u.RSSMB, u.CPUPercent)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
