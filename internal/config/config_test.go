package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_Defaults(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
}

func TestValidate_MaxConcurrentReplies(t *testing.T) {
	for _, n := range []int{0, 101} {
		cfg := Defaults()
		cfg.General.MaxConcurrentReplies = n
		if err := Validate(cfg); err == nil {
			t.Errorf("expected error for maxConcurrentReplies=%d", n)
		}
	}
	for _, n := range []int{1, 100} {
		cfg := Defaults()
		cfg.General.MaxConcurrentReplies = n
		if err := Validate(cfg); err != nil {
			t.Errorf("maxConcurrentReplies=%d should be valid: %v", n, err)
		}
	}
}

func TestValidate_DelayRange(t *testing.T) {
	cfg := Defaults()
	cfg.Bot.MinDelayMs = 2000
	cfg.Bot.MaxDelayMs = 1000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for min delay above max delay")
	}

	cfg.Bot.MinDelayMs, cfg.Bot.MaxDelayMs = 0, 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("zero delays should be valid: %v", err)
	}
}

func TestValidate_StoreDriver(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Driver = "mysql"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown driver")
	}

	cfg.Store.Driver = "postgres"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
	cfg.Store.DSN = "postgres://localhost/roomchat?sslmode=disable"
	if err := Validate(cfg); err != nil {
		t.Fatalf("postgres with dsn should be valid: %v", err)
	}
}

func TestValidate_InvalidPolicy(t *testing.T) {
	cfg := Defaults()
	cfg.Security.DefaultPolicy = "ask"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for policy 'ask'")
	}
}

func TestValidate_UnknownProviders(t *testing.T) {
	cfg := Defaults()
	cfg.General.FailoverChain = []string{"openai", "missing"}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected failover chain error, got %v", err)
	}

	cfg = Defaults()
	cfg.Providers["local"] = ProviderConfig{Enabled: true}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for provider without a known type")
	}
	cfg.Providers["local"] = ProviderConfig{Enabled: true, Type: "ollama"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("typed provider should be valid: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Web.Port = 70000
	cfg.Attachments.MaxSizeMB = 0
	cfg.Channels.Telegram.Enabled = true

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"channels.web.port", "attachments.maxSizeMB", "channels.telegram.token"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	original := Defaults()
	original.Bot.DefaultPersona = "pirate"
	original.General.Workspace = filepath.Join(t.TempDir(), "ws")

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Bot.DefaultPersona != "pirate" {
		t.Fatalf("expected 'pirate', got %q", loaded.Bot.DefaultPersona)
	}
	if loaded.Bot.PersonaDir != filepath.Join(original.General.Workspace, "bots") {
		t.Errorf("persona dir not derived from workspace: %q", loaded.Bot.PersonaDir)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"general": {"maxConcurrentReplies": 0}}`), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for maxConcurrentReplies=0")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_ROOMCHAT_WORKSPACE", "/tmp/roomchat-test-ws")

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"general": {"workspace": "${TEST_ROOMCHAT_WORKSPACE}", "maxConcurrentReplies": 3}}`
	os.WriteFile(path, []byte(content), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.Workspace != "/tmp/roomchat-test-ws" {
		t.Fatalf("unexpected workspace %q", cfg.General.Workspace)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ROOMCHAT_TEST_SET", "from-env")
	os.Unsetenv("ROOMCHAT_TEST_KEY")
	t.Cleanup(func() { os.Unsetenv("ROOMCHAT_TEST_KEY") })

	os.WriteFile(filepath.Join(dir, ".env"), []byte("ROOMCHAT_TEST_KEY=sk-from-dotenv\nROOMCHAT_TEST_SET=from-file\n"), 0o600)
	content := `{"providers": {"openai": {"enabled": true, "apiKey": "${ROOMCHAT_TEST_KEY}"}},
		"bot": {"defaultPersona": "${ROOMCHAT_TEST_SET}", "minDelayMs": 0, "maxDelayMs": 0}}`
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(content), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Providers["openai"].APIKey != "sk-from-dotenv" {
		t.Errorf("apiKey = %q", cfg.Providers["openai"].APIKey)
	}
	if cfg.Bot.DefaultPersona != "from-env" {
		t.Errorf("existing env var should win, got %q", cfg.Bot.DefaultPersona)
	}
}

// --- Accessor ---

func TestGetByPath(t *testing.T) {
	cfg := Defaults()

	v, err := GetByPath(cfg, "bot.defaultPersona")
	if err != nil || v != "assistant" {
		t.Fatalf("got %v, %v", v, err)
	}
	if _, err := GetByPath(cfg, "bot.nope"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestSetByPath_TypeConversion(t *testing.T) {
	cfg := Defaults()

	if err := SetByPath(cfg, "bot.minDelayMs", "0"); err != nil {
		t.Fatal(err)
	}
	if err := SetByPath(cfg, "metrics.enabled", "true"); err != nil {
		t.Fatal(err)
	}
	if cfg.Bot.MinDelayMs != 0 || !cfg.Metrics.Enabled {
		t.Errorf("values not applied: minDelay=%d metrics=%v", cfg.Bot.MinDelayMs, cfg.Metrics.Enabled)
	}
}

func TestSetByPath_RejectsInvalidResult(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "security.defaultPolicy", "maybe"); err == nil {
		t.Fatal("expected validation error")
	}
	if cfg.Security.DefaultPolicy != "allow" {
		t.Errorf("config modified on failure: %q", cfg.Security.DefaultPolicy)
	}
	if err := SetByPath(cfg, "", "x"); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["openai"] = ProviderConfig{Enabled: true, APIKey: "sk-1234567890abcdef"}
	cfg.Channels.Telegram.Token = "123456:ABCDEFGHIJKLMNOP"
	cfg.Store.DSN = "short"
	cfg.Channels.Web.Auth.PasswordHash = "deadbeef"

	s := Sanitize(cfg)
	if s.Providers["openai"].APIKey != "sk-1****cdef" {
		t.Errorf("api key = %q", s.Providers["openai"].APIKey)
	}
	if strings.Contains(s.Channels.Telegram.Token, "ABCDEFGH") {
		t.Errorf("token not masked: %q", s.Channels.Telegram.Token)
	}
	if s.Store.DSN != "***" || s.Channels.Web.Auth.PasswordHash != "***" {
		t.Errorf("dsn/hash not masked: %q %q", s.Store.DSN, s.Channels.Web.Auth.PasswordHash)
	}
	if cfg.Providers["openai"].APIKey != "sk-1234567890abcdef" {
		t.Error("Sanitize modified the original")
	}
	if Sanitize(Defaults()).Providers["openai"].APIKey != "${OPENAI_API_KEY}" {
		t.Error("env references should be kept")
	}
}

func TestListPaths_ReturnsLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, want := range []string{"general.workspace", "bot.neglect.enabled", "store.driver", "providers.openai.defaultModel"} {
		if _, ok := paths[want]; !ok {
			t.Errorf("missing path: %s", want)
		}
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	var f FlexStringList
	if err := json.Unmarshal([]byte(`["123", 456, "abc"]`), &f); err != nil {
		t.Fatal(err)
	}
	if len(f) != 3 || f[0] != "123" || f[1] != "456" || f[2] != "abc" {
		t.Fatalf("unexpected result: %v", f)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var f FlexStringList
	if err := json.Unmarshal([]byte(`{"not": "array"}`), &f); err == nil {
		t.Fatal("expected error")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("RC_SET", "value")
	t.Setenv("RC_EMPTY", "")
	os.Unsetenv("RC_UNSET")

	cases := []struct{ in, want string }{
		{"${RC_SET}", "value"},
		{"${RC_UNSET:-fallback}", "fallback"},
		{"${RC_EMPTY:-fallback}", "fallback"},
		{"${RC_SET:-fallback}", "value"},
		{"${RC_UNSET}", "${RC_UNSET}"},
		{"a ${RC_SET} b $RC_SET", "a value b $RC_SET"},
		{"no variables here", "no variables here"},
	}
	for _, c := range cases {
		if got := ExpandEnvVars(c.in); got != c.want {
			t.Errorf("ExpandEnvVars(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
