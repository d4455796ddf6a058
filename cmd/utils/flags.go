package utils

import "github.com/urfave/cli/v2"

var (
	ConfigFlag = &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "instance configuration `file`",
		Required: true,
	}
	InstanceFlag = &cli.StringFlag{
		Name:    "instance",
		Aliases: []string{"i"},
		Usage:   "override the instance `id` taken from the config",
	}
	DetachFlag = &cli.BoolFlag{
		Name:    "detach",
		Aliases: []string{"d", "daemon"},
		Usage:   "run the supervisor in the background, detached from the terminal",
	}
	JSONFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "print JSON",
	}
	AllFlag = &cli.BoolFlag{
		Name:    "all",
		Aliases: []string{"a"},
		Usage:   "include instances whose process is gone",
	}

	ConfigDirFlag = &cli.StringFlag{
		Name:    "config-dir",
		Usage:   "configuration root holding templates, active and archived `dir`s",
		EnvVars: []string{"QTRD_CONFIG_DIR"},
	}
	LogDirFlag = &cli.StringFlag{
		Name:    "log-dir",
		Usage:   "log root `dir`, one sub directory per instance",
		EnvVars: []string{"QTRD_LOG_DIR"},
	}
	RegistryFlag = &cli.StringFlag{
		Name:    "registry",
		Usage:   "instance registry `file`",
		EnvVars: []string{"QTRD_REGISTRY"},
	}
	LogLevelFlag = &cli.StringFlag{
		Name:    "log-level",
		Usage:   "log `level`: debug, info, warn, error",
		EnvVars: []string{"QTRD_LOG_LEVEL"},
	}
	MetricsAddrFlag = &cli.StringFlag{
		Name:    "metrics-addr",
		Usage:   "serve prometheus metrics on `addr`",
		EnvVars: []string{"QTRD_METRICS_ADDR"},
	}
	MongoURIFlag = &cli.StringFlag{
		Name:    "mongo-uri",
		Usage:   "mirror instance events to mongodb at `uri`",
		EnvVars: []string{"QTRD_MONGO_URI"},
	}

	TargetFlag = &cli.StringFlag{
		Name:    "target",
		Aliases: []string{"t"},
		Usage:   "restore into `file` instead of the path derived from the backup name",
	}
	SetFlag = &cli.StringSliceFlag{
		Name:    "set",
		Aliases: []string{"s"},
		Usage:   "override a template value, `key.path=value`",
	}
	KindFlag = &cli.StringSliceFlag{
		Name:    "kind",
		Aliases: []string{"k"},
		Usage:   "config `kind` to list: templates, active, archived",
	}
	FilterFlag = &cli.StringSliceFlag{
		Name:    "filter",
		Aliases: []string{"f"},
		Usage:   "list filter, `field=value` (exchange, symbol, market_type, strategy)",
	}
)
