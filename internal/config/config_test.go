package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"compliancegraph/internal/domain"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_Concurrency_Bounds(t *testing.T) {
	cfg := Defaults()
	cfg.Fetch.Concurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for concurrency=0")
	}

	cfg.Fetch.Concurrency = 33
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for concurrency=33")
	}

	for _, n := range []int{1, 32} {
		cfg.Fetch.Concurrency = n
		if err := Validate(cfg); err != nil {
			t.Fatalf("concurrency=%d should be valid: %v", n, err)
		}
	}
}

func TestValidate_MaxMonthsBack_Bounds(t *testing.T) {
	cfg := Defaults()
	cfg.Fetch.MaxMonthsBack = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxMonthsBack=0")
	}
	cfg.Fetch.MaxMonthsBack = 37
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxMonthsBack=37")
	}
}

func TestValidate_LibraryTemplateNeedsPlaceholders(t *testing.T) {
	cfg := Defaults()
	cfg.Artifacts.Library = "https://example.com/library_{month}.zip"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for template without {year}")
	}
	if !strings.Contains(err.Error(), "artifacts.library") {
		t.Fatalf("error should name the key, got: %v", err)
	}
}

func TestValidate_MissingFrameworkMapping(t *testing.T) {
	cfg := Defaults()
	cfg.Artifacts.Framework = "cis"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for unknown framework")
	}
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got: %v", err)
	}
}

func TestValidate_NonHTTPURL(t *testing.T) {
	cfg := Defaults()
	cfg.Artifacts.Baselines["low"] = "ftp://example.com/low.json"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for ftp URL")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestValidate_Schedule(t *testing.T) {
	cfg := Defaults()
	cfg.Schedule.Enabled = true
	if err := Validate(cfg); err != nil {
		t.Fatalf("default schedule should be valid: %v", err)
	}

	cfg.Schedule.Weekday = "someday"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown weekday")
	}

	cfg = Defaults()
	cfg.Schedule.Enabled = true
	cfg.Schedule.At = "25:00"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid time")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Fetch.Concurrency = 0
	cfg.Fetch.PruneDays = 0
	cfg.Linker.Catalogs = nil

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, key := range []string{"fetch.concurrency", "fetch.pruneDays", "linker.publisher"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("missing %s in: %v", key, err)
		}
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Fetch.Concurrency = 8

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Fetch.Concurrency != 8 {
		t.Fatalf("expected 8, got %d", loaded.Fetch.Concurrency)
	}
}

func TestLoadSave_YAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	original := Defaults()
	original.Linker.Catalogs = []string{"SP 800-53", "SP 800-171"}

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, _ := os.ReadFile(path)
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		t.Fatal("expected YAML output for .yaml path")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Linker.Catalogs) != 2 || loaded.Linker.Catalogs[1] != "SP 800-171" {
		t.Fatalf("unexpected catalogs: %v", loaded.Linker.Catalogs)
	}
}

func TestLoad_JSONCComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	content := `{
		// look further back for the monthly library
		"fetch": {
			"maxMonthsBack": 24, /* two years */
		},
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Fetch.MaxMonthsBack != 24 {
		t.Fatalf("expected 24, got %d", cfg.Fetch.MaxMonthsBack)
	}
	if cfg.Fetch.Concurrency != 4 {
		t.Fatalf("defaults should fill unset keys, got concurrency %d", cfg.Fetch.Concurrency)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_SchemaRejectsUnknownSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"fetcher": {"concurrency": 2}}`), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected schema error for unknown section")
	}
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got: %v", err)
	}
}

func TestLoad_SchemaRejectsWrongType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"fetch": {"concurrency": "four"}}`), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected schema error for string concurrency")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"artifacts": {
			"framework": "missing"
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for missing framework mapping")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_CG_WORKSPACE", "/tmp/test-workspace")
	t.Setenv("TEST_CG_KEY", "sk-or-abcdefgh12345678")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"general": {"workspace": "${TEST_CG_WORKSPACE}"},
		"llm": {"apiKey": "${TEST_CG_KEY}"}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.Workspace != "/tmp/test-workspace" {
		t.Fatalf("expected workspace '/tmp/test-workspace', got %q", cfg.General.Workspace)
	}
	if cfg.LLM.APIKey != "sk-or-abcdefgh12345678" {
		t.Fatalf("expected api key from env, got %q", cfg.LLM.APIKey)
	}
}

// --- Paths ---

func TestPath_RelativeAndAbsolute(t *testing.T) {
	cfg := Defaults()
	cfg.General.Workspace = "/srv/cg"

	if got := cfg.Path("data/stigs"); got != filepath.Join("/srv/cg", "data/stigs") {
		t.Fatalf("unexpected relative resolution: %s", got)
	}
	if got := cfg.Path("/var/lib/cg"); got != "/var/lib/cg" {
		t.Fatalf("absolute path should be unchanged: %s", got)
	}
}

func TestMappingURL(t *testing.T) {
	cfg := Defaults()
	if !strings.HasSuffix(cfg.MappingURL(), "nist_800_53-rev5_attack-14.1-enterprise_json.json") {
		t.Fatalf("unexpected mapping url: %s", cfg.MappingURL())
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "linker.publisher")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "NIST" {
		t.Fatalf("expected 'NIST', got %v", val)
	}

	val, err = GetByPath(cfg, "linker.catalogs.0")
	if err != nil {
		t.Fatalf("get array index: %v", err)
	}
	if val != "SP 800-53" {
		t.Fatalf("expected 'SP 800-53', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "llm.model", "openai/gpt-4o-mini"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.LLM.Model != "openai/gpt-4o-mini" {
		t.Fatalf("expected model to change, got %q", cfg.LLM.Model)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "index.enabled", "true"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if !cfg.Index.Enabled {
		t.Fatal("expected index.enabled=true")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "fetch.concurrency", "8"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Fetch.Concurrency != 8 {
		t.Fatalf("expected 8, got %d", cfg.Fetch.Concurrency)
	}
}

func TestSetByPath_MapEntry(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "artifacts.frameworks.cis", "https://example.com/cis_json.json"); err != nil {
		t.Fatalf("set map entry: %v", err)
	}
	cfg.Artifacts.Framework = "cis"
	if err := Validate(cfg); err != nil {
		t.Fatalf("new framework should validate: %v", err)
	}
}

func TestSetByPath_ListIndex(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "linker.catalogs.0", "SP 800-171"); err != nil {
		t.Fatalf("set list element: %v", err)
	}
	if cfg.Linker.Catalogs[0] != "SP 800-171" {
		t.Fatalf("expected catalog to change, got %v", cfg.Linker.Catalogs)
	}
	if err := SetByPath(cfg, "linker.catalogs.5", "x"); err == nil {
		t.Fatal("expected error for out-of-range index")
	}
}

// --- Sanitize ---

func TestSanitize_KeepsEnvReference(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.APIKey = "${OPENROUTER_API_KEY}"

	if got := Sanitize(cfg).LLM.APIKey; got != "${OPENROUTER_API_KEY}" {
		t.Fatalf("env reference should be shown as written, got %q", got)
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.APIKey = "sk-or-1234567890abcdefghijklmnop"

	sanitized := Sanitize(cfg)

	if sanitized.LLM.APIKey == cfg.LLM.APIKey {
		t.Fatal("API key should be masked")
	}
	if sanitized.LLM.APIKey != "sk-o****mnop" {
		t.Fatalf("unexpected mask: %q", sanitized.LLM.APIKey)
	}
	if cfg.LLM.APIKey != "sk-or-1234567890abcdefghijklmnop" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.APIKey = "short"
	sanitized := Sanitize(cfg)
	if sanitized.LLM.APIKey != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.LLM.APIKey)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	cfg := Defaults()
	paths := ListPaths(cfg)
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	seen := make(map[string]any, len(paths))
	for i, p := range paths {
		if i > 0 && paths[i-1].Path >= p.Path {
			t.Fatalf("paths not sorted: %s before %s", paths[i-1].Path, p.Path)
		}
		seen[p.Path] = p.Value
	}
	for _, expected := range []string{"general.workspace", "layout.srgMarker", "fetch.concurrency", "artifacts.baselines.low", "linker.catalogs.0"} {
		if _, ok := seen[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	expected := `{"apiKey": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`)
	expected := `{"port": "9090"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

// --- Schedule parsing ---

func TestParseWeekday(t *testing.T) {
	d, err := ParseWeekday(" Monday ")
	if err != nil || d != time.Monday {
		t.Fatalf("expected Monday, got %v (%v)", d, err)
	}
	if _, err := ParseWeekday("mon"); err == nil {
		t.Fatal("abbreviations are not accepted")
	}
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("09:30")
	if err != nil || h != 9 || m != 30 {
		t.Fatalf("expected 9:30, got %d:%d (%v)", h, m, err)
	}
	if _, _, err := ParseClock("9am"); err == nil {
		t.Fatal("expected error for 9am")
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if cfg == nil {
		t.Fatal("defaults returned nil")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.Layout.StateFile != "data/last_processed.json" {
		t.Fatalf("unexpected state file: %q", cfg.Layout.StateFile)
	}
	if cfg.Fetch.PruneDays != 120 {
		t.Fatalf("expected 120 prune days, got %d", cfg.Fetch.PruneDays)
	}
}
