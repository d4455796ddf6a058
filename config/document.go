package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Section names of a multi-section document.
const (
	SectionMetadata = "metadata"
	SectionDaemon   = "daemon_config"
	SectionExchange = "exchange_config"
	SectionStrategy = "strategy_config"
)

var sections = []string{SectionMetadata, SectionDaemon, SectionExchange, SectionStrategy}

// Document is a configuration document as read from disk.
type Document map[string]any

// Section returns the named top-level mapping, or nil.
func (d Document) Section(name string) map[string]any {
	m, _ := d[name].(map[string]any)
	return m
}

// Get looks up a dot-separated path such as "strategy_config.grid_num".
func (d Document) Get(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set assigns value at a dot-separated path, creating intermediate mappings.
// A non-mapping value in the way is replaced.
func (d Document) Set(path string, value any) {
	keys := strings.Split(path, ".")
	cur := map[string]any(d)
	for _, key := range keys[:len(keys)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[key] = next
		}
		cur = next
	}
	cur[keys[len(keys)-1]] = value
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	return cloneValue(map[string]any(d)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = cloneValue(v)
		}
		return out
	case Document:
		return cloneValue(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = cloneValue(v)
		}
		return out
	default:
		return v
	}
}

// Format is the layout of a document.
type Format int

const (
	// FormatLegacy is a flat mapping of daemon settings.
	FormatLegacy Format = iota
	// FormatMulti has metadata, daemon_config, exchange_config and
	// strategy_config sections.
	FormatMulti
)

func (f Format) String() string {
	if f == FormatMulti {
		return "multi"
	}
	return "legacy"
}

// DetectFormat reports FormatMulti when all four sections are present.
func DetectFormat(d Document) Format {
	for _, s := range sections {
		if _, ok := d[s]; !ok {
			return FormatLegacy
		}
	}
	return FormatMulti
}

// Metadata is the typed metadata section.
type Metadata struct {
	InstanceID string `json:"instance_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Exchange   string `json:"exchange,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
	MarketType string `json:"market_type,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
	Version    string `json:"version,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// DaemonSettings drive one supervisor. Intervals are in seconds.
type DaemonSettings struct {
	PythonPath          string            `json:"python_path"`
	ScriptPath          string            `json:"script_path"`
	WorkingDir          string            `json:"working_dir"`
	LogDir              string            `json:"log_dir"`
	DBPath              string            `json:"db_path"`
	WebPort             int               `json:"web_port"`
	MaxRestartAttempts  int               `json:"max_restart_attempts"`
	RestartDelay        int               `json:"restart_delay"`
	HealthCheckInterval int               `json:"health_check_interval"`
	MemoryLimitMB       int               `json:"memory_limit_mb"`
	CPULimitPercent     int               `json:"cpu_limit_percent"`
	AutoRestart         bool              `json:"auto_restart"`
	BotStopTimeout      int               `json:"bot_stop_timeout"`
	BotKillTimeout      int               `json:"bot_kill_timeout"`
	LogCleanupInterval  int               `json:"log_cleanup_interval"`
	LogRetentionDays    int               `json:"log_retention_days"`
	Environment         map[string]string `json:"environment,omitempty"`
	BotArgs             []string          `json:"bot_args,omitempty"`
}

// DefaultDaemonSettings are applied under whatever a document sets.
func DefaultDaemonSettings() DaemonSettings {
	return DaemonSettings{
		PythonPath:          "python3",
		ScriptPath:          "run.py",
		LogDir:              "logs",
		WebPort:             5000,
		MaxRestartAttempts:  3,
		RestartDelay:        60,
		HealthCheckInterval: 30,
		MemoryLimitMB:       2048,
		CPULimitPercent:     80,
		AutoRestart:         true,
		BotStopTimeout:      25,
		BotKillTimeout:      5,
		LogCleanupInterval:  86400,
		LogRetentionDays:    2,
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (s DaemonSettings) RestartWait() time.Duration  { return seconds(s.RestartDelay) }
func (s DaemonSettings) HealthEvery() time.Duration  { return seconds(s.HealthCheckInterval) }
func (s DaemonSettings) CleanupEvery() time.Duration { return seconds(s.LogCleanupInterval) }
func (s DaemonSettings) StopTimeout() time.Duration  { return seconds(s.BotStopTimeout) }
func (s DaemonSettings) KillTimeout() time.Duration  { return seconds(s.BotKillTimeout) }

// Profile is a document resolved into typed settings.
type Profile struct {
	Format   Format
	Metadata Metadata
	Daemon   DaemonSettings
	Exchange map[string]string
	Strategy map[string]any
}

// ParseProfile decodes d according to DetectFormat. Legacy documents are
// merged onto DefaultDaemonSettings as a whole.
func ParseProfile(d Document) (*Profile, error) {
	p := &Profile{Format: DetectFormat(d), Daemon: DefaultDaemonSettings()}
	switch p.Format {
	case FormatMulti:
		if err := decodeSection(d.Section(SectionMetadata), &p.Metadata); err != nil {
			return nil, errors.Wrap(err, SectionMetadata)
		}
		if err := decodeSection(d.Section(SectionDaemon), &p.Daemon); err != nil {
			return nil, errors.Wrap(err, SectionDaemon)
		}
		p.Exchange = stringValues(d.Section(SectionExchange))
		p.Strategy = d.Section(SectionStrategy)
	default:
		if err := decodeSection(d, &p.Daemon); err != nil {
			return nil, errors.Wrap(err, "legacy config")
		}
		p.Exchange = p.Daemon.Environment
	}
	return p, nil
}

func decodeSection(src map[string]any, dst any) error {
	if src == nil {
		return nil
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func stringValues(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case nil:
		case string:
			out[k] = t
		case map[string]any, []any:
			// nested values cannot be passed through the environment
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

// WorkerArgs builds the worker command line flags for a multi-section
// profile. Legacy profiles carry their own bot_args.
func (p *Profile) WorkerArgs() []string {
	if p.Format == FormatLegacy {
		return append([]string(nil), p.Daemon.BotArgs...)
	}
	m := p.Metadata
	args := []string{
		"--exchange", orDefault(m.Exchange, "backpack"),
		"--symbol", m.Symbol,
		"--strategy", orDefault(m.Strategy, "standard"),
	}
	if m.MarketType != "" {
		args = append(args, "--market-type", m.MarketType)
	}

	var params []string
	switch m.Strategy {
	case "grid", "perp_grid":
		params = gridParams
	case "standard", "perp_standard", "maker_hedge":
		params = standardParams
	}
	for _, param := range params {
		v, ok := p.strategyValue(param)
		if !ok {
			continue
		}
		if b, ok := v.(bool); ok {
			if b {
				args = append(args, "--"+param)
			}
			continue
		}
		args = append(args, "--"+param, fmt.Sprint(v))
	}
	return append(args, p.Daemon.BotArgs...)
}

var gridParams = []string{
	"grid-upper", "grid-lower", "grid-num", "grid-mode", "grid-type",
	"max-position", "stop-loss", "take-profit",
	"boundary-action", "boundary-tolerance", "duration", "interval",
}

var standardParams = []string{
	"spread", "quantity", "max-orders", "target-position",
	"max-position", "position-threshold", "inventory-skew",
	"stop-loss", "take-profit", "duration", "interval",
}

// paramKeys lists the strategy_config keys a flag is read from, first
// match wins. Flags not listed use their own name with underscores.
var paramKeys = map[string][]string{
	"grid-upper": {"grid_upper_price", "grid_upper"},
	"grid-lower": {"grid_lower_price", "grid_lower"},
}

func (p *Profile) strategyValue(param string) (any, bool) {
	keys, ok := paramKeys[param]
	if !ok {
		keys = []string{strings.ReplaceAll(param, "-", "_")}
	}
	for _, k := range keys {
		if v, ok := p.Strategy[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// WorkerEnv returns the extra environment for the worker: exchange values
// under upper-cased names, then WEB_PORT and DB_PATH.
func (p *Profile) WorkerEnv(dbPath string) []string {
	keys := make([]string, 0, len(p.Exchange))
	for k := range p.Exchange {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys)+2)
	for _, k := range keys {
		env = append(env, strings.ToUpper(k)+"="+p.Exchange[k])
	}
	env = append(env, fmt.Sprintf("WEB_PORT=%d", p.Daemon.WebPort))
	if dbPath != "" {
		env = append(env, "DB_PATH="+dbPath)
	}
	return env
}
