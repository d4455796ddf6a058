package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"github.com/xyths/qtrd/cmd/utils"
	"github.com/xyths/qtrd/supervisor"
)

var app *cli.App

func init() {
	app = &cli.App{
		Name:    filepath.Base(os.Args[0]),
		Usage:   "supervise grid trading bot instances",
		Version: "2.0.0",
	}

	app.Commands = []*cli.Command{
		startCommand,
		stopCommand,
		restartCommand,
		statusCommand,
		listCommand,
		cleanupCommand,
		statsCommand,
		configCommand,
	}
	app.Flags = []cli.Flag{
		utils.ConfigDirFlag,
		utils.LogDirFlag,
		utils.RegistryFlag,
		utils.LogLevelFlag,
		utils.MetricsAddrFlag,
		utils.MongoURIFlag,
	}
}

// exitCode tells scripts why start failed.
func exitCode(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrInvalidConfig):
		return 2
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return 3
	case errors.Is(err, supervisor.ErrLaunchFailed):
		return 4
	default:
		return 1
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if err := app.RunContext(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
