package provider

import (
	"log/slog"
	"net/http"
	"testing"

	"roomchat/internal/config"
	"roomchat/internal/domain"
)

func testFactoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.General.DefaultProvider = "openai"
	cfg.Providers = map[string]config.ProviderConfig{
		"openai":   {Enabled: true, APIKey: "sk-test", DefaultModel: "gpt-4o-mini"},
		"local":    {Enabled: true, Type: "ollama", DefaultModel: "llama3.2"},
		"claude":   {Enabled: true, APIKey: "ant-test"},
		"off":      {Enabled: false, APIKey: "x"},
		"custom":   {Enabled: true, Type: "mystery", APIBase: "http://localhost:8000/v1", APIKey: "k"},
		"mystery2": {Enabled: true, Type: "mystery"},
	}
	return cfg
}

func TestFactory_GetCachesAndWraps(t *testing.T) {
	f := NewFactory(testFactoryConfig(), testLogger())

	p1, err := f.Get("")
	if err != nil {
		t.Fatalf("Get default: %v", err)
	}
	p2, _ := f.Get("openai")
	if p1 != p2 {
		t.Error("expected cached instance")
	}
	rp, ok := p1.(*RetryingProvider)
	if !ok {
		t.Fatalf("expected RetryingProvider, got %T", p1)
	}
	if _, ok := rp.Unwrap().(*OpenAI); !ok {
		t.Errorf("expected OpenAI inside, got %T", rp.Unwrap())
	}
}

func TestFactory_KindSelectsConstructor(t *testing.T) {
	f := NewFactory(testFactoryConfig(), testLogger())

	p, err := f.Get("local")
	if err != nil {
		t.Fatalf("Get local: %v", err)
	}
	if p.Name() != "ollama" {
		t.Errorf("expected ollama backend, got %s", p.Name())
	}

	c, err := f.Get("claude")
	if err != nil {
		t.Fatalf("Get claude: %v", err)
	}
	if _, ok := c.(*RetryingProvider).Unwrap().(*Claude); !ok {
		t.Errorf("expected Claude backend")
	}
}

func TestFactory_Errors(t *testing.T) {
	f := NewFactory(testFactoryConfig(), testLogger())

	if _, err := f.Get("nope"); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := f.Get("off"); err == nil {
		t.Error("expected error for disabled provider")
	}
	if _, err := f.Get("mystery2"); err == nil {
		t.Error("expected error for unknown kind without API base")
	}
	p, err := f.Get("custom")
	if err != nil {
		t.Fatalf("unknown kind with API base should fall back: %v", err)
	}
	if p.Name() != "custom" {
		t.Errorf("expected name custom, got %s", p.Name())
	}
}

func TestFactory_ChainSkipsBrokenEntries(t *testing.T) {
	cfg := testFactoryConfig()
	cfg.General.FailoverChain = []string{"off", "openai", "local"}
	f := NewFactory(cfg, testLogger())

	p, err := f.Chain()
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if p.Name() != "failover(openai→ollama)" {
		t.Errorf("unexpected chain name %s", p.Name())
	}

	cfg.General.FailoverChain = []string{"off"}
	if _, err := NewFactory(cfg, testLogger()).Chain(); err == nil {
		t.Error("expected error when no chain entry is usable")
	}
}

func TestFactory_RegisterConstructor(t *testing.T) {
	cfg := testFactoryConfig()
	f := NewFactory(cfg, testLogger())
	stub := &mockProvider{name: "stub", healthy: true}
	f.RegisterConstructor("mystery", func(pc config.ProviderConfig, hc *http.Client, logger *slog.Logger) domain.Provider {
		return stub
	})

	p, err := f.Get("mystery2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.(*RetryingProvider).Unwrap() != stub {
		t.Error("expected registered constructor to be used")
	}
}

func TestOpenAI_MissingKey(t *testing.T) {
	o := NewOpenAI(OpenAIConfig{Logger: testLogger()})
	if _, err := o.lazyClient(); err == nil {
		t.Error("expected error without API key")
	}
}
