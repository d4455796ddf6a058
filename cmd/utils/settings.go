package utils

import (
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"github.com/xyths/qtrd/journal"
)

// Settings are the process-level options of qtrd. Environment variables
// set the defaults; command line flags win.
type Settings struct {
	ConfigDir   string `env:"QTRD_CONFIG_DIR" envDefault:"config"`
	LogDir      string `env:"QTRD_LOG_DIR" envDefault:"logs"`
	Registry    string `env:"QTRD_REGISTRY"`
	LogLevel    string `env:"QTRD_LOG_LEVEL" envDefault:"info"`
	MetricsAddr string `env:"QTRD_METRICS_ADDR"`
	Mongo       journal.MongoConfig
}

// RegistryPath defaults to instances.json under the log root.
func (s Settings) RegistryPath() string {
	if s.Registry != "" {
		return s.Registry
	}
	return filepath.Join(s.LogDir, "instances.json")
}

// LoadSettings reads the environment, then applies flags set on ctx.
func LoadSettings(ctx *cli.Context) (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return s, errors.Wrap(err, "read environment")
	}
	override := func(flag *cli.StringFlag, dst *string) {
		if ctx.IsSet(flag.Name) {
			*dst = ctx.String(flag.Name)
		}
	}
	override(ConfigDirFlag, &s.ConfigDir)
	override(LogDirFlag, &s.LogDir)
	override(RegistryFlag, &s.Registry)
	override(LogLevelFlag, &s.LogLevel)
	override(MetricsAddrFlag, &s.MetricsAddr)
	override(MongoURIFlag, &s.Mongo.URI)
	return s, nil
}
