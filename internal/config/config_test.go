package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Memos.BaseURL = "https://memos.example.com"
	cfg.Memos.AccessToken = "secret"
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = "tg-token"
	return cfg
}

// --- Defaults / Validate ---

func TestDefaults_PassValidation(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestDefaults_Values(t *testing.T) {
	cfg := Defaults()
	if cfg.Relay.Keyword != "note" {
		t.Fatalf("unexpected default keyword %q", cfg.Relay.Keyword)
	}
	if cfg.Relay.MaxConcurrentMessages != 5 {
		t.Fatalf("unexpected default concurrency %d", cfg.Relay.MaxConcurrentMessages)
	}
	if cfg.Memos.NoteTimeoutSeconds != 30 || cfg.Memos.UploadTimeoutSeconds != 60 {
		t.Fatalf("unexpected default timeouts %d/%d",
			cfg.Memos.NoteTimeoutSeconds, cfg.Memos.UploadTimeoutSeconds)
	}
}

func TestValidate_EmptyKeyword(t *testing.T) {
	cfg := validConfig()
	cfg.Relay.Keyword = "  "
	if err := Validate(cfg); err == nil {
		t.Fatal("blank keyword should fail validation")
	}
}

func TestValidate_ConcurrencyRange(t *testing.T) {
	cfg := validConfig()
	cfg.Relay.MaxConcurrentMessages = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("zero concurrency should fail validation")
	}
	cfg.Relay.MaxConcurrentMessages = 101
	if err := Validate(cfg); err == nil {
		t.Fatal("concurrency above 100 should fail validation")
	}
}

func TestValidate_BaseURLRequiredWithChannel(t *testing.T) {
	cfg := validConfig()
	cfg.Memos.BaseURL = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("enabled channel without baseUrl should fail validation")
	}
}

func TestValidate_BaseURLScheme(t *testing.T) {
	cfg := validConfig()
	cfg.Memos.BaseURL = "memos.example.com"
	if err := Validate(cfg); err == nil {
		t.Fatal("baseUrl without scheme should fail validation")
	}
}

func TestValidate_HistoryNeedsDBPath(t *testing.T) {
	cfg := validConfig()
	cfg.History.Enabled = true
	cfg.History.DBPath = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("enabled history without dbPath should fail validation")
	}
}

func TestValidate_MetricsNeedsAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("enabled metrics without addr should fail validation")
	}
}

// --- Load / Save ---

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := validConfig()
	cfg.Access.PrivilegedUsers = FlexStringList{"42"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Memos.BaseURL != cfg.Memos.BaseURL {
		t.Fatalf("baseUrl lost in round trip: %q", loaded.Memos.BaseURL)
	}
	if len(loaded.Access.PrivilegedUsers) != 1 || loaded.Access.PrivilegedUsers[0] != "42" {
		t.Fatalf("privileged users lost in round trip: %v", loaded.Access.PrivilegedUsers)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("NOTEBOT_TEST_TOKEN", "env-secret")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := validConfig()
	cfg.Memos.AccessToken = "${NOTEBOT_TEST_TOKEN}"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Memos.AccessToken != "env-secret" {
		t.Fatalf("env var not expanded, got %q", loaded.Memos.AccessToken)
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_Default(t *testing.T) {
	os.Unsetenv("NOTEBOT_UNSET_VAR")
	got := ExpandEnvVars("${NOTEBOT_UNSET_VAR:-fallback}")
	if got != "fallback" {
		t.Fatalf("expected default value, got %q", got)
	}
}

func TestExpandEnvVars_SetOverridesDefault(t *testing.T) {
	t.Setenv("NOTEBOT_SET_VAR", "real")
	got := ExpandEnvVars("${NOTEBOT_SET_VAR:-fallback}")
	if got != "real" {
		t.Fatalf("expected env value, got %q", got)
	}
}

func TestExpandEnvVars_UnsetNoDefault_Kept(t *testing.T) {
	os.Unsetenv("NOTEBOT_UNSET_VAR")
	got := ExpandEnvVars("${NOTEBOT_UNSET_VAR}")
	if got != "${NOTEBOT_UNSET_VAR}" {
		t.Fatalf("unset var without default should stay literal, got %q", got)
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	var f FlexStringList
	if err := json.Unmarshal([]byte(`["123", 456, -789]`), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []string{"123", "456", "-789"}
	if len(f) != len(want) {
		t.Fatalf("expected %v, got %v", want, f)
	}
	for i := range want {
		if f[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, f)
		}
	}
}

func TestFlexStringList_NotAnArray(t *testing.T) {
	var f FlexStringList
	if err := json.Unmarshal([]byte(`"solo"`), &f); err == nil {
		t.Fatal("scalar should fail to unmarshal")
	}
}

// --- Accessors ---

func TestGetByPath(t *testing.T) {
	cfg := validConfig()
	v, err := GetByPath(cfg, "relay.keyword")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "note" {
		t.Fatalf("expected 'note', got %v", v)
	}
}

func TestGetByPath_Unknown(t *testing.T) {
	if _, err := GetByPath(validConfig(), "relay.nope"); err == nil {
		t.Fatal("expected error for unknown path")
	}
}

func TestSetByPath_TypeCoercion(t *testing.T) {
	cfg := validConfig()
	if err := SetByPath(cfg, "relay.maxConcurrentMessages", "10"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Relay.MaxConcurrentMessages != 10 {
		t.Fatalf("expected 10, got %d", cfg.Relay.MaxConcurrentMessages)
	}
	if err := SetByPath(cfg, "history.enabled", "true"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !cfg.History.Enabled {
		t.Fatal("expected history enabled after set")
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Memos.AccessToken = "supersecretaccesstoken"
	cfg.Channels.Telegram.Token = "short"

	clean := Sanitize(cfg)
	if clean.Memos.AccessToken == cfg.Memos.AccessToken {
		t.Fatal("access token should be masked")
	}
	if clean.Channels.Telegram.Token != "***" {
		t.Fatalf("short token should be fully masked, got %q", clean.Channels.Telegram.Token)
	}
	// Original untouched.
	if cfg.Memos.AccessToken != "supersecretaccesstoken" {
		t.Fatal("sanitize must not mutate the original config")
	}
}

func TestListPaths_ContainsNestedKeys(t *testing.T) {
	paths := ListPaths(validConfig())
	if _, ok := paths["relay.keyword"]; !ok {
		t.Fatal("expected relay.keyword in path list")
	}
	if _, ok := paths["channels.telegram.enabled"]; !ok {
		t.Fatal("expected channels.telegram.enabled in path list")
	}
}
