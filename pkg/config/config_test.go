package config

import "testing"

func TestSetDefaultsPopulatesEverySection(t *testing.T) {
	c := &Config{}
	c.SetDefaults()

	if c.Skills.Root != "./skills" {
		t.Fatalf("Skills.Root = %q", c.Skills.Root)
	}
	if c.Queue.Burst != 2 || c.Queue.FairSteal != 2 || c.Queue.TrimThreshold != 10 || c.Queue.TrimTarget != 2 {
		t.Fatalf("Queue defaults wrong: %+v", c.Queue)
	}
	if c.LLMLoop.MaxIterations != 1000 {
		t.Fatalf("LLMLoop.MaxIterations = %d, want 1000", c.LLMLoop.MaxIterations)
	}
	if c.ModelPool.Strategy != "round_robin" {
		t.Fatalf("ModelPool.Strategy = %q", c.ModelPool.Strategy)
	}
	if c.Server.Port != 8080 {
		t.Fatalf("Server.Port = %d", c.Server.Port)
	}
	if c.Logger == nil || c.RateLimiting == nil {
		t.Fatal("Logger/RateLimiting must be defaulted to non-nil")
	}
	if c.LLMs == nil || c.Databases == nil || c.VectorStores == nil || c.Embedders == nil {
		t.Fatal("map fields must be defaulted to non-nil empty maps")
	}
}

func TestSetDefaultsCascadesIntoNestedLLMConfigs(t *testing.T) {
	c := &Config{LLMs: map[string]*LLMConfig{"chat": {Model: "gpt", BaseURL: "http://x"}}}
	c.SetDefaults()
	if c.LLMs["chat"].TimeoutSec != 60 || c.LLMs["chat"].MaxRetries != 3 {
		t.Fatalf("nested LLMConfig not defaulted: %+v", c.LLMs["chat"])
	}
}

func TestValidateRejectsIncompleteLLMConfig(t *testing.T) {
	c := &Config{LLMs: map[string]*LLMConfig{"chat": {Model: ""}}}
	c.SetDefaults()
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for missing model")
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	c := &Config{LLMs: map[string]*LLMConfig{"chat": {Model: "gpt-4", BaseURL: "http://localhost"}}}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestGetLLMAndGetDatabaseLookup(t *testing.T) {
	c := &Config{
		LLMs:      map[string]*LLMConfig{"chat": {Model: "m"}},
		Databases: map[string]*DatabaseConfig{"default": {Driver: "sqlite3"}},
	}
	if _, ok := c.GetLLM("chat"); !ok {
		t.Fatal("expected GetLLM(chat) to resolve")
	}
	if _, ok := c.GetLLM("missing"); ok {
		t.Fatal("expected GetLLM(missing) to miss")
	}
	if _, ok := c.GetDatabase("default"); !ok {
		t.Fatal("expected GetDatabase(default) to resolve")
	}
}

func TestEmbedderProviderConfigDefaultsVaryByType(t *testing.T) {
	ollama := &EmbedderProviderConfig{Type: "ollama"}
	ollama.SetDefaults()
	if ollama.Model != "nomic-embed-text" || ollama.Dimension != 768 {
		t.Fatalf("ollama defaults wrong: %+v", ollama)
	}

	openai := &EmbedderProviderConfig{Type: "openai"}
	openai.SetDefaults()
	if openai.Dimension != 1536 {
		t.Fatalf("openai dimension = %d, want 1536", openai.Dimension)
	}
}

func TestEmbedderProviderConfigValidateRequiresAPIKeyForHostedTypes(t *testing.T) {
	c := &EmbedderProviderConfig{Type: "openai", Model: "m", Dimension: 10}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing api_key on a hosted embedder")
	}
	c.APIKey = "sk-x"
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate after setting api_key: %v", err)
	}
}
