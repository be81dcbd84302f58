package configmgr

import (
	"testing"

	"github.com/nyxbot/fabric/pkg/config"
)

func TestDiff_DetectsLeafChange(t *testing.T) {
	old := &config.Config{Name: "bot-a", Queue: config.QueueConfig{Burst: 2}}
	next := &config.Config{Name: "bot-b", Queue: config.QueueConfig{Burst: 3}}

	changes := diff("", old, next)
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d: %+v", len(changes), changes)
	}

	byPath := map[string]Change{}
	for _, c := range changes {
		byPath[c.Path] = c
	}

	nameChange, ok := byPath["Name"]
	if !ok {
		t.Fatalf("expected a Name change, got %+v", changes)
	}
	if nameChange.Old != "bot-a" || nameChange.New != "bot-b" {
		t.Errorf("unexpected Name change: %+v", nameChange)
	}

	burstChange, ok := byPath["Queue.Burst"]
	if !ok {
		t.Fatalf("expected a Queue.Burst change, got %+v", changes)
	}
	if burstChange.Old != 2 || burstChange.New != 3 {
		t.Errorf("unexpected Queue.Burst change: %+v", burstChange)
	}
}

func TestDiff_NoChanges(t *testing.T) {
	old := &config.Config{Name: "bot-a"}
	next := &config.Config{Name: "bot-a"}

	if changes := diff("", old, next); len(changes) != 0 {
		t.Errorf("expected no changes, got %+v", changes)
	}
}

func TestDiff_MapKeyAdded(t *testing.T) {
	old := &config.Config{LLMs: map[string]*config.LLMConfig{}}
	next := &config.Config{LLMs: map[string]*config.LLMConfig{
		"chat": {Model: "gpt-4"},
	}}

	changes := diff("", old, next)
	found := false
	for _, c := range changes {
		if c.Path == "LLMs.chat.Model" {
			found = true
			if c.Old != nil {
				t.Errorf("expected nil old value, got %v", c.Old)
			}
			if c.New != "gpt-4" {
				t.Errorf("expected new value gpt-4, got %v", c.New)
			}
		}
	}
	if !found {
		t.Fatalf("expected an LLMs.chat.Model addition, got %+v", changes)
	}
}

func TestManager_SubscribeReceivesInitialSnapshot(t *testing.T) {
	initial := &config.Config{Name: "seed"}
	m := New(nil, initial)

	var gotCfg *config.Config
	var gotChanges []Change
	called := false
	m.Subscribe(func(cfg *config.Config, changes []Change) {
		called = true
		gotCfg = cfg
		gotChanges = changes
	})

	if !called {
		t.Fatal("expected Subscribe to invoke the callback immediately")
	}
	if gotCfg != initial {
		t.Errorf("expected the initial snapshot, got %+v", gotCfg)
	}
	if gotChanges != nil {
		t.Errorf("expected nil changes on initial call, got %+v", gotChanges)
	}
}

func TestManager_Current(t *testing.T) {
	initial := &config.Config{Name: "seed"}
	m := New(nil, initial)
	if got := m.Current(); got != initial {
		t.Errorf("expected Current to return the seeded snapshot, got %+v", got)
	}
}
