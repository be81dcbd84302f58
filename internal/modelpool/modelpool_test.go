package modelpool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nyxbot/fabric/internal/modelio"
)

func testPool() []Entry {
	return []Entry{
		{Name: "gpt", Config: modelio.ModelConfig{Model: "gpt"}},
		{Name: "claude", Config: modelio.ModelConfig{Model: "claude"}},
	}
}

func TestSelectChatConfig_GlobalDisabledReturnsPrimary(t *testing.T) {
	primary := Entry{Name: "primary", Config: modelio.ModelConfig{Model: "primary"}}
	s, err := New(testPool(), "", time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg, err := s.SelectChatConfig(primary, "g1", "u1", false)
	if err != nil {
		t.Fatalf("SelectChatConfig: %v", err)
	}
	if cfg.Model != "primary" {
		t.Errorf("expected primary when disabled, got %q", cfg.Model)
	}
}

func TestSelectChatConfig_HonorsStoredPreference(t *testing.T) {
	primary := Entry{Name: "primary", Config: modelio.ModelConfig{Model: "primary"}}
	s, err := New(testPool(), "", time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SetPreference("u1", "claude"); err != nil {
		t.Fatalf("SetPreference: %v", err)
	}
	cfg, err := s.SelectChatConfig(primary, "g1", "u1", true)
	if err != nil {
		t.Fatalf("SelectChatConfig: %v", err)
	}
	if cfg.Model != "claude" {
		t.Errorf("expected preferred claude, got %q", cfg.Model)
	}
}

func TestSelectChatConfig_StalePreferenceClearedAndRoundRobinApplied(t *testing.T) {
	primary := Entry{Name: "primary", Config: modelio.ModelConfig{Model: "primary"}}
	s, err := New(testPool(), "", time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SetPreference("u1", "gone"); err != nil {
		t.Fatalf("SetPreference: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		cfg, err := s.SelectChatConfig(primary, "g1", "u1", true)
		if err != nil {
			t.Fatalf("SelectChatConfig: %v", err)
		}
		seen[cfg.Model] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected round robin to cycle through multiple models, saw %v", seen)
	}

	s.mu.Lock()
	_, stillHasPref := s.prefs["u1"]
	s.mu.Unlock()
	if stillHasPref {
		t.Error("expected stale preference to be cleared")
	}
}

func TestPreferencesPersistAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	s1, err := New(testPool(), path, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.SetPreference("u1", "claude"); err != nil {
		t.Fatalf("SetPreference: %v", err)
	}

	s2, err := New(testPool(), path, time.Minute)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	primary := Entry{Name: "primary", Config: modelio.ModelConfig{Model: "primary"}}
	cfg, err := s2.SelectChatConfig(primary, "g1", "u1", true)
	if err != nil {
		t.Fatalf("SelectChatConfig: %v", err)
	}
	if cfg.Model != "claude" {
		t.Errorf("expected persisted preference claude, got %q", cfg.Model)
	}
}

func TestParseSelection(t *testing.T) {
	if idx, ok := ParseSelection("选 2"); !ok || idx != 2 {
		t.Errorf("expected (2, true), got (%d, %v)", idx, ok)
	}
	if idx, ok := ParseSelection("选2"); !ok || idx != 2 {
		t.Errorf("expected (2, true), got (%d, %v)", idx, ok)
	}
	if _, ok := ParseSelection("hello"); ok {
		t.Error("expected no match for unrelated text")
	}
}

type fakeCompareRunner struct{}

func (fakeCompareRunner) Request(ctx context.Context, cfg modelio.ModelConfig, messages []modelio.Message, maxTokens int, callType string, tools []modelio.ToolDefinition, toolChoice modelio.ToolChoice) (*modelio.Response, error) {
	return &modelio.Response{
		Choices: []modelio.Choice{{Message: modelio.Message{Content: "reply from " + cfg.Model}}},
	}, nil
}

func TestCompareAndResolve(t *testing.T) {
	primary := Entry{Name: "primary", Config: modelio.ModelConfig{Model: "primary"}}
	s, err := New(testPool(), "", time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results := s.Compare(context.Background(), fakeCompareRunner{}, primary, "which is better?", "g1", "u1")
	if len(results) != 3 {
		t.Fatalf("expected 3 previews (primary + 2 pool entries), got %d", len(results))
	}

	chosen, ok, err := s.ResolveCompare("g1", "u1", "选 2")
	if err != nil {
		t.Fatalf("ResolveCompare: %v", err)
	}
	if !ok {
		t.Fatal("expected ResolveCompare to succeed")
	}
	if chosen != results[1].ModelName {
		t.Errorf("expected chosen model %q, got %q", results[1].ModelName, chosen)
	}

	// ticket is consumed; second attempt should fail
	if _, ok, _ := s.ResolveCompare("g1", "u1", "选 1"); ok {
		t.Error("expected ticket to be consumed after first resolve")
	}
}

func TestResolveCompare_ExpiredTicket(t *testing.T) {
	primary := Entry{Name: "primary", Config: modelio.ModelConfig{Model: "primary"}}
	s, err := New(testPool(), "", time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Compare(context.Background(), fakeCompareRunner{}, primary, "prompt", "g1", "u1")
	time.Sleep(5 * time.Millisecond)

	if _, ok, _ := s.ResolveCompare("g1", "u1", "选 1"); ok {
		t.Error("expected expired ticket to not resolve")
	}
}
