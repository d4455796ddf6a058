package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Kind is one of the three document directories.
type Kind int

const (
	KindTemplate Kind = iota
	KindActive
	KindArchived
)

var kindDirs = map[Kind]string{
	KindTemplate: "templates",
	KindActive:   "active",
	KindArchived: "archived",
}

func (k Kind) String() string {
	switch k {
	case KindTemplate:
		return "template"
	case KindActive:
		return "active"
	case KindArchived:
		return "archived"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind accepts "template", "active" or "archived".
func ParseKind(s string) (Kind, error) {
	for k := range kindDirs {
		if strings.EqualFold(s, k.String()) || strings.EqualFold(s, kindDirs[k]) {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown config kind %q", s)
}

// AllKinds lists every kind in scan order.
var AllKinds = []Kind{KindTemplate, KindActive, KindArchived}

var extensions = []string{".json", ".yaml", ".yml"}

const backupTimeLayout = "20060102_150405"

var backupName = regexp.MustCompile(`^(.+)_backup_\d{8}_\d{6}(?:_\d+)?$`)

// Store manages the documents under one config directory.
type Store struct {
	Sugar *zap.SugaredLogger

	dir      string
	expander *Expander
	now      func() time.Time
}

// NewStore prepares dir/templates, dir/active and dir/archived.
func NewStore(dir string, sugar *zap.SugaredLogger) (*Store, error) {
	if sugar == nil {
		sugar = zap.NewNop().Sugar()
	}
	s := &Store{
		Sugar:    sugar,
		dir:      dir,
		expander: NewExpander(sugar),
		now:      time.Now,
	}
	for _, k := range AllKinds {
		if err := os.MkdirAll(s.KindDir(k), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create %s", s.KindDir(k))
		}
	}
	return s, nil
}

// Dir is the root config directory.
func (s *Store) Dir() string { return s.dir }

// KindDir is the directory holding documents of kind k.
func (s *Store) KindDir(k Kind) string { return filepath.Join(s.dir, kindDirs[k]) }

// Path returns the path of name under kind k. A name without extension
// gets ".json".
func (s *Store) Path(name string, k Kind) (string, error) {
	if _, ok := kindDirs[k]; !ok {
		return "", errors.Errorf("unknown config kind %d", int(k))
	}
	if filepath.Ext(name) == "" {
		name += ".json"
	}
	return filepath.Join(s.KindDir(k), name), nil
}

// Load reads and parses path. With expandVars set, ${NAME} placeholders are
// replaced from the environment.
func (s *Store) Load(path string, expandVars bool) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	doc, err := decode(path, data)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if !expandVars {
		return doc, nil
	}
	expanded, err := s.expander.ExpandDocument(doc)
	if err != nil {
		var envErr *EnvironmentVariableError
		if errors.As(err, &envErr) {
			envErr.Path = path
			return nil, envErr
		}
		return nil, &LoadError{Path: path, Err: err}
	}
	return expanded, nil
}

// Save stamps metadata.updated_at on doc and writes it atomically.
func (s *Store) Save(path string, doc Document) error {
	if md := doc.Section(SectionMetadata); md != nil {
		md["updated_at"] = s.stamp()
	}
	data, err := encode(path, doc)
	if err != nil {
		return &SaveError{Path: path, Err: err}
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return &SaveError{Path: path, Err: err}
	}
	s.Sugar.Infof("config saved: %s", path)
	return nil
}

func (s *Store) stamp() string {
	return s.now().Format(time.RFC3339)
}

// Validate checks doc.
func (s *Store) Validate(doc Document) ValidationResult {
	return Validate(doc)
}

// ValidateFile loads path without expansion and validates it.
func (s *Store) ValidateFile(path string) (ValidationResult, error) {
	doc, err := s.Load(path, false)
	if err != nil {
		return ValidationResult{}, err
	}
	return Validate(doc), nil
}

// Delete removes path. It reports false when there was nothing to remove.
func (s *Store) Delete(path string) (bool, error) {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			s.Sugar.Warnf("config %s does not exist", path)
			return false, nil
		}
		return false, errors.Wrapf(err, "delete config %s", path)
	}
	s.Sugar.Infof("config deleted: %s", path)
	return true, nil
}

func (s *Store) templatePath(name string) (string, error) {
	dir := s.KindDir(KindTemplate)
	candidates := []string{filepath.Join(dir, name)}
	if filepath.Ext(name) == "" {
		for _, ext := range extensions {
			candidates = append(candidates, filepath.Join(dir, name+ext))
		}
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", &LoadError{Path: candidates[0], Err: errors.Errorf("template %s not found", name)}
}

// paramAliases maps bare template parameters to their document paths.
var paramAliases = map[string]string{
	"symbol":   SectionMetadata + ".symbol",
	"grid_num": SectionStrategy + ".grid_num",
}

// CreateFromTemplate copies a template and applies params. Param keys are
// dot-separated paths into the document; the bare keys "symbol" and
// "grid_num" address metadata and strategy_config respectively.
func (s *Store) CreateFromTemplate(template, target string, params map[string]any) (Document, error) {
	path, err := s.templatePath(template)
	if err != nil {
		return nil, err
	}
	tpl, err := s.Load(path, false)
	if err != nil {
		return nil, err
	}
	doc := tpl.Clone()

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := k
		if alias, ok := paramAliases[k]; ok {
			path = alias
		}
		doc.Set(path, params[k])
	}

	if md := doc.Section(SectionMetadata); md != nil {
		now := s.stamp()
		md["name"] = strings.TrimSuffix(target, filepath.Ext(target))
		md["created_at"] = now
		md["updated_at"] = now
	}
	return doc, nil
}

// CreateConfigFromTemplate instantiates template and saves it as an active
// document named output. It returns the saved path.
func (s *Store) CreateConfigFromTemplate(template, output string, params map[string]any) (string, error) {
	doc, err := s.CreateFromTemplate(template, output, params)
	if err != nil {
		return "", err
	}
	path, err := s.Path(output, KindActive)
	if err != nil {
		return "", err
	}
	if err := s.Save(path, doc); err != nil {
		return "", err
	}
	return path, nil
}

// Backup copies path into the archive as <stem>_backup_<timestamp><ext> and
// writes its sha256 to <backup>.checksum.
func (s *Store) Backup(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &BackupError{Path: path, Err: err}
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", &BackupError{Path: path, Err: err}
	}

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)
	base := fmt.Sprintf("%s_backup_%s", stem, s.now().Format(backupTimeLayout))
	backup := filepath.Join(s.KindDir(KindArchived), base+ext)
	for i := 1; exists(backup); i++ {
		backup = filepath.Join(s.KindDir(KindArchived), fmt.Sprintf("%s_%d%s", base, i, ext))
	}

	if err := writeFileAtomic(backup, data, info.Mode().Perm()); err != nil {
		return "", &BackupError{Path: path, Err: err}
	}
	_ = os.Chtimes(backup, info.ModTime(), info.ModTime())
	sum := checksum(data)
	if err := writeFileAtomic(backup+".checksum", []byte(sum), 0o644); err != nil {
		return "", &BackupError{Path: path, Err: err}
	}
	s.Sugar.Infow("config backed up", "path", path, "backup", backup, "sha256", sum)
	return backup, nil
}

// RestoreTarget infers where a backup came from: active/<stem><ext>.
func (s *Store) RestoreTarget(backup string) string {
	ext := filepath.Ext(backup)
	stem := strings.TrimSuffix(filepath.Base(backup), ext)
	if m := backupName.FindStringSubmatch(stem); m != nil {
		stem = m[1]
	}
	return filepath.Join(s.KindDir(KindActive), stem+ext)
}

// Restore verifies backup against its checksum and copies it to target. An
// empty target is inferred with RestoreTarget. A backup without a checksum
// file is restored with a warning; a mismatch leaves target untouched.
func (s *Store) Restore(backup, target string) (string, error) {
	data, err := os.ReadFile(backup)
	if err != nil {
		reason := RestoreFailed
		if os.IsNotExist(err) {
			reason = RestoreMissing
		}
		return "", &RestoreError{Path: backup, Reason: reason, Err: err}
	}
	if target == "" {
		target = s.RestoreTarget(backup)
	}

	actual := checksum(data)
	stored, err := os.ReadFile(backup + ".checksum")
	switch {
	case os.IsNotExist(err):
		s.Sugar.Warnf("backup %s has no checksum file, skipping integrity check", backup)
	case err != nil:
		return "", &RestoreError{Path: backup, Reason: RestoreFailed, Err: err}
	default:
		expected := strings.TrimSpace(string(stored))
		if expected != actual {
			s.Sugar.Errorw("backup checksum mismatch", "backup", backup, "expected", expected, "actual", actual)
			return "", &RestoreError{Path: backup, Reason: RestoreCorrupted, Expected: expected, Actual: actual}
		}
	}

	if err := writeFileAtomic(target, data, 0o644); err != nil {
		return "", &RestoreError{Path: backup, Reason: RestoreFailed, Err: err}
	}
	s.Sugar.Infow("config restored", "backup", backup, "target", target)
	return target, nil
}

// Info summarises one document for listings.
type Info struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Kind       string `json:"kind"`
	Exchange   string `json:"exchange"`
	Symbol     string `json:"symbol"`
	MarketType string `json:"market_type"`
	Strategy   string `json:"strategy"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	Version    string `json:"version"`
}

// List scans the directories for kinds (all of them when none are given)
// and keeps documents matching every filter. Filter keys are exchange,
// strategy, market_type and symbol; matching ignores case. Unreadable
// documents are skipped with a warning.
func (s *Store) List(filters map[string]string, kinds ...Kind) ([]Info, error) {
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	var infos []Info
	for _, k := range kinds {
		files, err := s.files(k)
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			doc, err := s.Load(path, false)
			if err != nil {
				s.Sugar.Warnf("skip unreadable config %s: %s", path, err)
				continue
			}
			info := describe(doc, path, k)
			if matches(info, filters) {
				infos = append(infos, info)
			}
		}
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return strings.ToLower(infos[i].Name) < strings.ToLower(infos[j].Name)
	})
	return infos, nil
}

func describe(doc Document, path string, k Kind) Info {
	md := doc.Section(SectionMetadata)
	str := func(key, def string) string {
		if v, ok := md[key].(string); ok {
			return v
		}
		return def
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Info{
		Name:       str("name", stem),
		Path:       path,
		Kind:       k.String(),
		Exchange:   str("exchange", ""),
		Symbol:     str("symbol", ""),
		MarketType: str("market_type", ""),
		Strategy:   str("strategy", ""),
		CreatedAt:  str("created_at", ""),
		UpdatedAt:  str("updated_at", ""),
		Version:    str("version", "1.0.0"),
	}
}

func matches(info Info, filters map[string]string) bool {
	for key, want := range filters {
		var got string
		switch key {
		case "exchange":
			got = info.Exchange
		case "strategy":
			got = info.Strategy
		case "market_type":
			got = info.MarketType
		case "symbol":
			got = info.Symbol
		default:
			continue
		}
		if !strings.EqualFold(got, want) {
			return false
		}
	}
	return true
}

func (s *Store) files(k Kind) ([]string, error) {
	entries, err := os.ReadDir(s.KindDir(k))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read %s", s.KindDir(k))
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, want := range extensions {
			if ext == want {
				files = append(files, filepath.Join(s.KindDir(k), e.Name()))
				break
			}
		}
	}
	return files, nil
}

func (s *Store) names(k Kind) ([]string, error) {
	files, err := s.files(k)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = filepath.Base(f)
	}
	sort.Strings(names)
	return names, nil
}

// ListTemplates returns template file names, sorted.
func (s *Store) ListTemplates() ([]string, error) { return s.names(KindTemplate) }

// ListActive returns active file names, sorted.
func (s *Store) ListActive() ([]string, error) { return s.names(KindActive) }

// ListArchived returns archived file names, sorted.
func (s *Store) ListArchived() ([]string, error) { return s.names(KindArchived) }
