package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"github.com/xyths/qtrd/cmd/utils"
	"github.com/xyths/qtrd/config"
	"github.com/xyths/qtrd/supervisor"
	"gopkg.in/yaml.v3"
)

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "Manage configuration files",
	Subcommands: []*cli.Command{
		{
			Action:    withEnv(validateConfig),
			Name:      "validate",
			Usage:     "Validate a configuration file",
			ArgsUsage: "<file>",
		},
		{
			Action:    withEnv(backupConfig),
			Name:      "backup",
			Usage:     "Archive a copy of a configuration file with its checksum",
			ArgsUsage: "<file>",
		},
		{
			Action:    withEnv(restoreConfig),
			Name:      "restore",
			Usage:     "Restore a configuration file from an archived backup",
			ArgsUsage: "<backup>",
			Flags:     []cli.Flag{utils.TargetFlag},
		},
		{
			Action:    withEnv(createConfig),
			Name:      "create",
			Usage:     "Create an active configuration from a template",
			ArgsUsage: "<template> <output>",
			Flags:     []cli.Flag{utils.SetFlag},
		},
		{
			Action: withEnv(listConfigs),
			Name:   "list",
			Usage:  "List configuration files",
			Flags: []cli.Flag{
				utils.KindFlag,
				utils.FilterFlag,
				utils.JSONFlag,
			},
		},
	},
}

func validateConfig(ctx *cli.Context, e *env) error {
	path := ctx.Args().First()
	if path == "" {
		return errors.New("config file required")
	}
	r, err := checkConfigFile(e.store, path)
	for _, w := range r.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	for _, msg := range r.Errors {
		fmt.Printf("error: %s\n", msg)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", path)
	return nil
}

// checkConfigFile fails the way start does for the same file, so both exit
// with the invalid configuration code.
func checkConfigFile(store *config.Store, path string) (config.ValidationResult, error) {
	r, err := store.ValidateFile(path)
	if err != nil {
		return r, &supervisor.ConfigError{Err: err}
	}
	if !r.IsValid {
		return r, &supervisor.ConfigError{Err: &config.ValidationError{Path: path, Result: r}}
	}
	return r, nil
}

func backupConfig(ctx *cli.Context, e *env) error {
	path := ctx.Args().First()
	if path == "" {
		return errors.New("config file required")
	}
	backup, err := e.store.Backup(path)
	if err != nil {
		return err
	}
	fmt.Println(backup)
	return nil
}

func restoreConfig(ctx *cli.Context, e *env) error {
	backup := ctx.Args().First()
	if backup == "" {
		return errors.New("backup file required")
	}
	target, err := e.store.Restore(backup, ctx.String(utils.TargetFlag.Name))
	if err != nil {
		return err
	}
	fmt.Printf("restored %s to %s\n", backup, target)
	return nil
}

func createConfig(ctx *cli.Context, e *env) error {
	if ctx.NArg() != 2 {
		return errors.New("usage: config create <template> <output>")
	}
	params, err := parseParams(ctx.StringSlice(utils.SetFlag.Name))
	if err != nil {
		return err
	}
	path, err := e.store.CreateConfigFromTemplate(ctx.Args().Get(0), ctx.Args().Get(1), params)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func listConfigs(ctx *cli.Context, e *env) error {
	var kinds []config.Kind
	for _, name := range ctx.StringSlice(utils.KindFlag.Name) {
		k, err := config.ParseKind(name)
		if err != nil {
			return err
		}
		kinds = append(kinds, k)
	}
	filters, err := parseFilters(ctx.StringSlice(utils.FilterFlag.Name))
	if err != nil {
		return err
	}
	infos, err := e.store.List(filters, kinds...)
	if err != nil {
		return err
	}
	if ctx.Bool(utils.JSONFlag.Name) {
		return printJSON(infos)
	}
	for _, i := range infos {
		fmt.Printf("%-9s %-24s %-10s %-12s %-6s %-10s %s\n",
			i.Kind, i.Name, i.Exchange, i.Symbol, i.MarketType, i.Strategy, i.Path)
	}
	return nil
}

func splitPair(s string) (string, string, error) {
	k, v, ok := strings.Cut(s, "=")
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return "", "", errors.Errorf("expected key=value, got %q", s)
	}
	return k, v, nil
}

// parseParams turns key=value pairs into template parameters. Values are
// read as YAML scalars, so 10 is a number and true a bool.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, raw, err := splitPair(p)
		if err != nil {
			return nil, err
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		params[k] = v
	}
	return params, nil
}

func parseFilters(pairs []string) (map[string]string, error) {
	filters := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, err := splitPair(p)
		if err != nil {
			return nil, err
		}
		filters[k] = v
	}
	return filters, nil
}
