// Package modelpool implements C16, ModelPool/ModelSelector: an optional
// per-user model preference layered on top of a primary model config, plus
// the /compare (/pk) ticket flow that lets a user pick among models by
// replying with a number.
package modelpool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nyxbot/fabric/internal/modelio"
)

// Entry is one selectable model in the pool, keyed by Name (its dedup key
// per spec.md §4.16's "primary ⊕ pool, dedup by name").
type Entry struct {
	Name   string
	Config modelio.ModelConfig
}

// Selector holds the pool's entries and per-user preferences. Preferences
// persist to disk so they survive a restart; the round-robin counter is
// process-local and resets on restart, matching spec.md's silence on
// cross-restart round-robin continuity.
type Selector struct {
	pool []Entry

	prefsPath string
	mu        sync.Mutex
	prefs     map[string]string // userID -> preferred model name

	counter atomic.Uint64 // fetch-and-increment round-robin cursor, grounded on internal/skills.atomicSnapshot's atomic.Pointer idiom generalized to a counter

	ticketsMu sync.Mutex
	tickets   map[string]*compareTicket // "groupID:userID" -> pending ticket

	compareExpire time.Duration
}

// compareTicket is a pending /compare selection awaiting a "选N" reply.
type compareTicket struct {
	Models    []string
	ExpiresAt time.Time
}

// New builds a Selector over pool, persisting preferences under
// prefsPath (a JSON file; missing file is treated as "no preferences yet").
func New(pool []Entry, prefsPath string, compareExpire time.Duration) (*Selector, error) {
	s := &Selector{
		pool:          pool,
		prefsPath:     prefsPath,
		prefs:         map[string]string{},
		tickets:       map[string]*compareTicket{},
		compareExpire: compareExpire,
	}
	if err := s.loadPrefs(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Selector) loadPrefs() error {
	if s.prefsPath == "" {
		return nil
	}
	data, err := os.ReadFile(s.prefsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("modelpool: failed to read preferences: %w", err)
	}
	return json.Unmarshal(data, &s.prefs)
}

func (s *Selector) savePrefsLocked() error {
	if s.prefsPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.prefs, "", "  ")
	if err != nil {
		return fmt.Errorf("modelpool: failed to marshal preferences: %w", err)
	}
	if dir := filepath.Dir(s.prefsPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("modelpool: failed to create preferences dir: %w", err)
		}
	}
	tmpPath := s.prefsPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("modelpool: failed to write preferences: %w", err)
	}
	if err := os.Rename(tmpPath, s.prefsPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("modelpool: failed to commit preferences: %w", err)
	}
	return nil
}

// SelectChatConfig implements §4.16's select_chat_config: returns primary
// unchanged if the pool is globally disabled; else the user's preferred
// model if it's still present in the pool; else clears a stale preference
// and applies round_robin over primary ⊕ pool (deduped by name).
func (s *Selector) SelectChatConfig(primary Entry, groupID, userID string, globalEnabled bool) (modelio.ModelConfig, error) {
	if !globalEnabled {
		return primary.Config, nil
	}

	s.mu.Lock()
	preferred, hasPref := s.prefs[userID]
	s.mu.Unlock()

	if hasPref {
		if cfg, ok := s.byName(preferred); ok {
			return cfg, nil
		}
		s.mu.Lock()
		delete(s.prefs, userID)
		err := s.savePrefsLocked()
		s.mu.Unlock()
		if err != nil {
			return modelio.ModelConfig{}, err
		}
	}

	candidates := s.dedupedCandidates(primary)
	if len(candidates) == 0 {
		return primary.Config, nil
	}
	idx := s.counter.Add(1) - 1
	return candidates[idx%uint64(len(candidates))].Config, nil
}

func (s *Selector) byName(name string) (modelio.ModelConfig, bool) {
	for _, e := range s.pool {
		if e.Name == name {
			return e.Config, true
		}
	}
	return modelio.ModelConfig{}, false
}

func (s *Selector) dedupedCandidates(primary Entry) []Entry {
	seen := map[string]bool{primary.Name: true}
	out := []Entry{primary}
	for _, e := range s.pool {
		if seen[e.Name] {
			continue
		}
		seen[e.Name] = true
		out = append(out, e)
	}
	return out
}

// SetPreference records userID's explicit choice of model, persisting it
// to disk.
func (s *Selector) SetPreference(userID, modelName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[userID] = modelName
	return s.savePrefsLocked()
}

// compareRunner is whatever can issue one chat request for a /compare
// preview; modelio.Requester satisfies it directly.
type compareRunner interface {
	Request(ctx context.Context, cfg modelio.ModelConfig, messages []modelio.Message, maxTokens int, callType string, tools []modelio.ToolDefinition, toolChoice modelio.ToolChoice) (*modelio.Response, error)
}

// PreviewResult is one model's truncated response to a /compare prompt.
type PreviewResult struct {
	ModelName string
	Preview   string
	Err       error
}

const previewTruncateLen = 200

// Compare issues prompt to every candidate (primary ⊕ pool, deduped) in
// parallel, and opens a pending-selection ticket for (groupID, userID)
// keyed to the model ordering in the returned previews.
func (s *Selector) Compare(ctx context.Context, runner compareRunner, primary Entry, prompt string, groupID, userID string) []PreviewResult {
	candidates := s.dedupedCandidates(primary)
	results := make([]PreviewResult, len(candidates))

	var wg sync.WaitGroup
	for i, cand := range candidates {
		wg.Add(1)
		go func(i int, cand Entry) {
			defer wg.Done()
			resp, err := runner.Request(ctx, cand.Config, []modelio.Message{
				{Role: modelio.RoleUser, Content: prompt},
			}, 0, "agent:compare", nil, modelio.ToolChoiceNone)
			if err != nil {
				results[i] = PreviewResult{ModelName: cand.Name, Err: err}
				return
			}
			content := resp.FirstMessage().Content
			if len(content) > previewTruncateLen {
				content = content[:previewTruncateLen] + "…"
			}
			results[i] = PreviewResult{ModelName: cand.Name, Preview: content}
		}(i, cand)
	}
	wg.Wait()

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	s.ticketsMu.Lock()
	s.tickets[ticketKey(groupID, userID)] = &compareTicket{
		Models:    names,
		ExpiresAt: time.Now().Add(s.compareExpire),
	}
	s.ticketsMu.Unlock()

	return results
}

var selectPattern = regexp.MustCompile(`^选\s*(\d+)$`)

// ParseSelection reports the 1-based index named by a "选N" reply, or
// ok=false if text doesn't match that shape.
func ParseSelection(text string) (index int, ok bool) {
	m := selectPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ResolveCompare consumes the pending ticket for (groupID, userID) if text
// matches "选N" and the ticket hasn't expired, recording the chosen model
// as that user's preference. Returns the chosen model name and true on
// success.
func (s *Selector) ResolveCompare(groupID, userID, text string) (string, bool, error) {
	idx, ok := ParseSelection(text)
	if !ok {
		return "", false, nil
	}

	key := ticketKey(groupID, userID)
	s.ticketsMu.Lock()
	ticket, exists := s.tickets[key]
	if exists {
		delete(s.tickets, key)
	}
	s.ticketsMu.Unlock()

	if !exists || time.Now().After(ticket.ExpiresAt) {
		return "", false, nil
	}
	if idx < 1 || idx > len(ticket.Models) {
		return "", false, nil
	}

	chosen := ticket.Models[idx-1]
	if err := s.SetPreference(userID, chosen); err != nil {
		return "", false, err
	}
	return chosen, true, nil
}

func ticketKey(groupID, userID string) string {
	return groupID + ":" + userID
}
