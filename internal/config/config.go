package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"compliancegraph/internal/domain"
)

// Config is the root configuration for compliancegraph.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Artifacts ArtifactsConfig `json:"artifacts"`
	Layout    LayoutConfig    `json:"layout"`
	Fetch     FetchConfig     `json:"fetch"`
	Linker    LinkerConfig    `json:"linker"`
	LLM       LLMConfig       `json:"llm"`
	Index     IndexConfig     `json:"index"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	Workspace string `json:"workspace"`
	LogLevel  string `json:"logLevel"`
	LogFile   string `json:"logFile,omitempty"` // optional log file path
}

// ArtifactsConfig names the remote artifacts. Library is a monthly URL
// template with {month} and {year} placeholders ({month_num} optional).
type ArtifactsConfig struct {
	Baselines    map[string]string `json:"baselines"`
	Catalog      string            `json:"catalog"`
	CrossRefList string            `json:"crossRefList"`
	Library      string            `json:"library"`
	Frameworks   map[string]string `json:"frameworks"`
	Framework    string            `json:"framework"` // key into Frameworks
}

// LayoutConfig holds directories relative to the workspace and the file
// naming conventions used to classify archive entries.
type LayoutConfig struct {
	Data           string `json:"data"`
	Downloads      string `json:"downloads"`
	Library        string `json:"library"`
	STIG           string `json:"stig"`
	SRG            string `json:"srg"`
	CrossRef       string `json:"crossRef"`
	Docs           string `json:"docs"`
	Scratch        string `json:"scratch"`
	StateFile      string `json:"stateFile"`
	XMLSuffix      string `json:"xmlSuffix"`
	ZipSuffix      string `json:"zipSuffix"`
	SRGMarker      string `json:"srgMarker"`
	AcronymPattern string `json:"acronymPattern"`
}

type FetchConfig struct {
	Concurrency    int    `json:"concurrency"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxMonthsBack  int    `json:"maxMonthsBack"`
	PruneDays      int    `json:"pruneDays"`
	StaleDays      int    `json:"staleDays"`
	UserAgent      string `json:"userAgent,omitempty"`
}

type LinkerConfig struct {
	Publisher string   `json:"publisher"`
	Catalogs  []string `json:"catalogs"`
}

// LLMConfig configures the OpenAI-compatible completion endpoint.
type LLMConfig struct {
	APIBase        string  `json:"apiBase"`
	APIKey         string  `json:"apiKey,omitempty"`
	Model          string  `json:"model"`
	TimeoutSeconds int     `json:"timeoutSeconds"`
	MaxTokens      int     `json:"maxTokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
}

type IndexConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

type ScheduleConfig struct {
	Enabled bool   `json:"enabled"`
	Weekday string `json:"weekday"` // "monday" ... "sunday"
	At      string `json:"at"`      // "HH:MM", local time
}

// MetricsConfig configures the Prometheus endpoint served by the daemon.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Listen   string `json:"listen"`
	Endpoint string `json:"endpoint"`
}

// Path resolves a layout path against the workspace. Absolute paths are
// returned unchanged.
func (c *Config) Path(rel string) string {
	rel = ExpandPath(rel)
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.General.Workspace, rel)
}

// MappingURL returns the URL of the selected framework mapping.
func (c *Config) MappingURL() string {
	return c.Artifacts.Frameworks[c.Artifacts.Framework]
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// DefaultConfigDir returns the default config directory (~/.compliancegraph).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".compliancegraph"
	}
	return filepath.Join(home, ".compliancegraph")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON, JSONC or YAML config file over Defaults. The format is
// picked by extension.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	data, err = normalize(path, data)
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	if err := validateSchema(data); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Index.DBPath = ExpandPath(cfg.Index.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// normalize converts the raw file contents to plain JSON.
func normalize(path string, data []byte) ([]byte, error) {
	if !isYAML(path) {
		return jsonc.ToJSON(data), nil
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return json.Marshal(doc)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as indented JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.Workspace == "" {
		errs = append(errs, "general.workspace is required")
	}

	a := cfg.Artifacts
	if !strings.Contains(a.Library, "{month}") || !strings.Contains(a.Library, "{year}") {
		errs = append(errs, "artifacts.library must contain {month} and {year}")
	}
	if a.CrossRefList == "" {
		errs = append(errs, "artifacts.crossRefList is required")
	}
	if a.Framework == "" {
		errs = append(errs, "artifacts.framework is required")
	} else if _, ok := a.Frameworks[a.Framework]; !ok {
		errs = append(errs, fmt.Sprintf("artifacts.framework %q has no entry in artifacts.frameworks", a.Framework))
	}
	urls := map[string]string{
		"artifacts.catalog":      a.Catalog,
		"artifacts.crossRefList": a.CrossRefList,
	}
	for name, u := range a.Baselines {
		urls["artifacts.baselines."+name] = u
	}
	for name, u := range a.Frameworks {
		urls["artifacts.frameworks."+name] = u
	}
	for key, u := range urls {
		if u != "" && !isHTTPURL(u) {
			errs = append(errs, fmt.Sprintf("%s must be an http(s) URL", key))
		}
	}

	l := cfg.Layout
	if l.XMLSuffix == "" || l.ZipSuffix == "" || l.SRGMarker == "" {
		errs = append(errs, "layout.xmlSuffix, layout.zipSuffix and layout.srgMarker are required")
	}
	if l.StateFile == "" {
		errs = append(errs, "layout.stateFile is required")
	}

	if cfg.Fetch.Concurrency < 1 || cfg.Fetch.Concurrency > 32 {
		errs = append(errs, "fetch.concurrency must be between 1 and 32")
	}
	if cfg.Fetch.MaxMonthsBack < 1 || cfg.Fetch.MaxMonthsBack > 36 {
		errs = append(errs, "fetch.maxMonthsBack must be between 1 and 36")
	}
	if cfg.Fetch.TimeoutSeconds < 1 {
		errs = append(errs, "fetch.timeoutSeconds must be >= 1")
	}
	if cfg.Fetch.PruneDays < 1 {
		errs = append(errs, "fetch.pruneDays must be >= 1")
	}
	if cfg.Fetch.StaleDays < 1 {
		errs = append(errs, "fetch.staleDays must be >= 1")
	}

	if cfg.Linker.Publisher == "" || len(cfg.Linker.Catalogs) == 0 {
		errs = append(errs, "linker.publisher and linker.catalogs are required")
	}

	if cfg.LLM.TimeoutSeconds < 1 {
		errs = append(errs, "llm.timeoutSeconds must be >= 1")
	}
	if cfg.LLM.APIBase != "" && !isHTTPURL(cfg.LLM.APIBase) {
		errs = append(errs, "llm.apiBase must be an http(s) URL")
	}

	if cfg.Index.Enabled && cfg.Index.DBPath == "" {
		errs = append(errs, "index.dbPath is required when the index is enabled")
	}

	if cfg.Schedule.Enabled {
		if _, err := ParseWeekday(cfg.Schedule.Weekday); err != nil {
			errs = append(errs, "schedule.weekday: "+err.Error())
		}
		if _, _, err := ParseClock(cfg.Schedule.At); err != nil {
			errs = append(errs, "schedule.at: "+err.Error())
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: config validation errors:\n  - %s", domain.ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// ParseWeekday accepts full English day names, case-insensitively.
func ParseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return d, nil
}

// ParseClock parses "HH:MM" in 24-hour form.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
