package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// ValidationResult is the outcome of Validate. Any error makes it invalid;
// warnings are advisory.
type ValidationResult struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

type kind int

const (
	kindInt kind = iota
	kindFloat
	kindEnum
)

// rule constrains one field. Tag is a validator tag applied to the
// converted value.
type rule struct {
	field string
	kind  kind
	tag   string
}

type sectionRules struct {
	required []string
	rules    []rule
}

var metadataRules = sectionRules{
	required: []string{"name", "exchange", "symbol", "market_type", "strategy"},
	rules: []rule{
		{"exchange", kindEnum, "oneof=backpack aster paradex lighter"},
		{"market_type", kindEnum, "oneof=spot perp"},
		{"strategy", kindEnum, "oneof=standard grid perp_grid maker_hedge perp_standard"},
	},
}

var daemonRules = sectionRules{
	required: []string{"python_path", "script_path"},
	rules: []rule{
		{"max_restart_attempts", kindInt, "gte=1,lte=10"},
		{"restart_delay", kindInt, "gte=10,lte=300"},
		{"health_check_interval", kindInt, "gte=10,lte=300"},
		{"memory_limit_mb", kindInt, "gte=512,lte=8192"},
		{"cpu_limit_percent", kindInt, "gte=10,lte=100"},
		{"web_port", kindInt, "gte=1024,lte=65535"},
		{"log_retention_days", kindInt, "gte=1,lte=365"},
		{"log_cleanup_interval", kindInt, "gte=60,lte=604800"},
	},
}

var gridRules = []rule{
	{"grid_upper_price", kindFloat, "gte=0"},
	{"grid_lower_price", kindFloat, "gte=0"},
	{"grid_num", kindInt, "gte=2,lte=200"},
	{"grid_mode", kindEnum, "oneof=arithmetic geometric"},
	{"grid_type", kindEnum, "oneof=neutral long short"},
}

var perpRules = []rule{
	{"max_position", kindFloat, "gte=0.01"},
	{"target_position", kindFloat, ""},
	{"stop_loss", kindFloat, ""},
	{"take_profit", kindFloat, ""},
}

// secretFields must hold ${NAME} references, never literal credentials.
// Any other exchange field whose name IsSensitive is held to the same rule.
var secretFields = []string{"api_key", "secret_key", "private_key", "api_private_key", "passphrase"}

// envReference matches a value that is exactly one ${NAME} placeholder.
var envReference = regexp.MustCompile(`^\$\{[^}]+\}$`)

func isSecretField(name string) bool {
	for _, f := range secretFields {
		if strings.EqualFold(name, f) {
			return true
		}
	}
	return IsSensitive(name)
}

// Validate checks a multi-section document. A legacy document is checked
// against the daemon rules only.
func Validate(doc Document) ValidationResult {
	var r ValidationResult
	if DetectFormat(doc) == FormatLegacy {
		checkSection(&r, "daemon config", doc, daemonRules, false)
		r.IsValid = len(r.Errors) == 0
		return r
	}
	metadata := doc.Section(SectionMetadata)
	checkSection(&r, "metadata", metadata, metadataRules, true)
	checkSection(&r, "daemon config", doc.Section(SectionDaemon), daemonRules, true)
	checkExchange(&r, doc.Section(SectionExchange))
	checkStrategy(&r, metadata, doc.Section(SectionStrategy))
	r.IsValid = len(r.Errors) == 0
	return r
}

func checkSection(r *ValidationResult, label string, m map[string]any, rules sectionRules, requireFields bool) {
	if requireFields {
		for _, field := range rules.required {
			if _, ok := m[field]; !ok {
				r.errorf("missing required %s field: %s", label, field)
			}
		}
	}
	checkFields(r, m, rules.rules)
}

func checkExchange(r *ValidationResult, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, field := range keys {
		if !isSecretField(field) {
			continue
		}
		s, ok := m[field].(string)
		if !ok || !envReference.MatchString(strings.TrimSpace(s)) {
			r.errorf("%s must be an environment variable reference such as ${VARIABLE_NAME}", field)
		}
	}
}

func checkStrategy(r *ValidationResult, metadata, m map[string]any) {
	strategy, _ := metadata["strategy"].(string)
	switch strategy {
	case "grid", "perp_grid":
		values := checkFields(r, m, gridRules)
		upper, okUpper := values["grid_upper_price"]
		lower, okLower := values["grid_lower_price"]
		if okUpper && okLower && upper.LessThanOrEqual(lower) {
			r.errorf("grid_upper_price (%s) must be greater than grid_lower_price (%s)", upper, lower)
		}
	case "standard", "perp_standard", "maker_hedge":
		values := checkFields(r, m, perpRules)
		if sl, ok := values["stop_loss"]; ok && !sl.IsNegative() {
			r.warnf("stop_loss should be negative: %s", sl)
		}
		if tp, ok := values["take_profit"]; ok && !tp.IsPositive() {
			r.warnf("take_profit should be positive: %s", tp)
		}
	}
}

// checkFields applies rules to the fields present in m and returns the
// numeric values that passed.
func checkFields(r *ValidationResult, m map[string]any, rules []rule) map[string]decimal.Decimal {
	values := make(map[string]decimal.Decimal)
	for _, rl := range rules {
		v, ok := m[rl.field]
		if !ok {
			continue
		}
		if d, ok := checkRule(r, rl, v); ok && rl.kind != kindEnum {
			values[rl.field] = d
		}
	}
	return values
}

// checkRule converts v for rl and applies its tag.
func checkRule(r *ValidationResult, rl rule, v any) (decimal.Decimal, bool) {
	switch rl.kind {
	case kindEnum:
		s, isString := v.(string)
		if !isString || (rl.tag != "" && validate.Var(s, rl.tag) != nil) {
			r.errorf("invalid %s: %v, allowed: %s", rl.field, v, allowed(rl.tag))
			return decimal.Zero, false
		}
		return decimal.Zero, true
	case kindInt:
		d, ok := toDecimal(v)
		if !ok || !d.IsInteger() {
			r.errorf("%s must be an integer: %v", rl.field, v)
			return decimal.Zero, false
		}
		if rl.tag != "" {
			if err := validate.Var(d.IntPart(), rl.tag); err != nil {
				r.errorf("%s %s: %s", rl.field, bound(err, rl.tag), d)
				return d, false
			}
		}
		return d, true
	default:
		d, ok := toDecimal(v)
		if !ok {
			r.errorf("%s must be a number: %v", rl.field, v)
			return decimal.Zero, false
		}
		if rl.tag != "" {
			f, _ := d.Float64()
			if err := validate.Var(f, rl.tag); err != nil {
				r.errorf("%s %s: %s", rl.field, bound(err, rl.tag), d)
				return d, false
			}
		}
		return d, true
	}
}

// bound turns the failing validator tag into words.
func bound(err error, tag string) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "fails " + tag
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "gte":
		return "must not be less than " + fe.Param()
	case "lte":
		return "must not be greater than " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "lt":
		return "must be less than " + fe.Param()
	}
	return "fails " + fe.Tag()
}

func allowed(tag string) string {
	return "[" + strings.Join(strings.Fields(strings.TrimPrefix(tag, "oneof=")), ", ") + "]"
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), true
	case float32:
		return decimal.NewFromFloat32(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		return d, err == nil
	}
	return decimal.Zero, false
}
