package config

import (
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// sensitiveMarkers flag variable names that must never silently expand to
// an empty value.
var sensitiveMarkers = []string{"API_KEY", "SECRET_KEY", "PRIVATE_KEY", "PASSWORD", "TOKEN"}

// IsSensitive reports whether name looks like a credential.
func IsSensitive(name string) bool {
	upper := strings.ToUpper(name)
	for _, m := range sensitiveMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}

// Expander replaces ${NAME} and ${NAME:-default} placeholders.
type Expander struct {
	Sugar  *zap.SugaredLogger
	Lookup func(string) (string, bool)
}

// NewExpander reads from the process environment.
func NewExpander(sugar *zap.SugaredLogger) *Expander {
	return &Expander{Sugar: sugar, Lookup: os.LookupEnv}
}

// Expand walks v through strings, lists and mappings. An unset name without
// a default is left as written, unless it is sensitive, in which case an
// EnvironmentVariableError is returned.
func (e *Expander) Expand(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return e.expandString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			x, err := e.Expand(item)
			if err != nil {
				return nil, err
			}
			out[k] = x
		}
		return out, nil
	case Document:
		return e.Expand(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			x, err := e.Expand(item)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	default:
		return v, nil
	}
}

// ExpandDocument is Expand for a whole document.
func (e *Expander) ExpandDocument(doc Document) (Document, error) {
	out, err := e.Expand(map[string]any(doc))
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (e *Expander) expandString(s string) (string, error) {
	var failed error
	out := placeholder.ReplaceAllStringFunc(s, func(match string) string {
		if failed != nil {
			return match
		}
		expr := match[2 : len(match)-1]
		name, def, hasDefault := strings.Cut(expr, ":-")
		if value, ok := e.Lookup(name); ok {
			return value
		}
		if IsSensitive(name) {
			if !hasDefault {
				failed = &EnvironmentVariableError{Name: name}
				return match
			}
			if e.Sugar != nil {
				e.Sugar.Warnf("sensitive environment variable %s is not set, using default", name)
			}
		}
		if hasDefault {
			return def
		}
		return match
	})
	if failed != nil {
		return "", failed
	}
	return out, nil
}
