// Package configmgr implements C14, the ConfigManager: it owns the single
// authoritative *config.Config snapshot, refreshes it from a
// pkg/config.Loader, and fans dotted-path change diffs out to subscribers
// (SkillRegistry for skill-root changes, ModelRequester/ModelPool for
// endpoint changes, QueueManager for tuning changes) so they can apply a
// change without re-reading the whole snapshot. Reload scheduling itself is
// delegated to internal/hotreload.Loop, the same debounced poller
// SkillRegistry uses, fed by a Source that watches the config provider's
// push channel and turns it into the poll-shaped Changed/Reload pair
// hotreload.Loop expects.
package configmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nyxbot/fabric/internal/hotreload"
	"github.com/nyxbot/fabric/pkg/config"
)

// Change describes one leaf value that differed between two snapshots.
type Change struct {
	Path string
	Old  interface{}
	New  interface{}
}

// Subscriber is called after every successful reload that produced at
// least one Change, and once at Subscribe time with the current snapshot
// and a nil Changes slice so late subscribers can seed their own state.
type Subscriber func(cfg *config.Config, changes []Change)

// Manager holds the current configuration snapshot and notifies
// subscribers of changes.
type Manager struct {
	mu          sync.RWMutex
	current     *config.Config
	loader      *config.Loader
	subscribers []Subscriber

	loop *hotreload.Loop
}

// New creates a Manager seeded with an already-loaded snapshot.
func New(loader *config.Loader, initial *config.Config) *Manager {
	return &Manager{
		loader:  loader,
		current: initial,
	}
}

// Current returns the live configuration snapshot. Callers must treat the
// returned value as read-only; Manager replaces it wholesale on reload
// rather than mutating fields in place.
func (m *Manager) Current() *config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe registers fn and immediately invokes it once with the current
// snapshot and no changes, so subscribers that join after startup don't
// need a separate "get initial config" call.
func (m *Manager) Subscribe(fn Subscriber) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	cfg := m.current
	m.mu.Unlock()

	fn(cfg, nil)
}

// Reload loads a fresh snapshot from the loader, diffs it against the
// current one, swaps it in, and notifies subscribers if anything changed.
// Returns the computed changes (empty if the reload produced an identical
// snapshot).
func (m *Manager) Reload(ctx context.Context) ([]Change, error) {
	next, err := m.loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("configmgr: reload failed: %w", err)
	}

	m.mu.Lock()
	prev := m.current
	changes := diff("", prev, next)
	m.current = next
	subs := append([]Subscriber(nil), m.subscribers...)
	m.mu.Unlock()

	if len(changes) == 0 {
		return nil, nil
	}
	for _, sub := range subs {
		sub(next, changes)
	}
	return changes, nil
}

// StartWatch begins a debounced reload loop over the loader's underlying
// provider, delegating pacing to internal/hotreload.Loop. Call Stop (via
// the returned *hotreload.Loop) to stop watching.
func (m *Manager) StartWatch(ctx context.Context, pollInterval time.Duration) (*hotreload.Loop, error) {
	changes, err := m.loader.Provider().Watch(ctx)
	if err != nil {
		return nil, fmt.Errorf("configmgr: failed to start provider watch: %w", err)
	}

	src := &providerSource{mgr: m, changes: changes}
	if changes != nil {
		go src.drain(ctx)
	}

	loop := hotreload.New(ctx, src, pollInterval, nil)
	m.loop = loop
	return loop, nil
}

// Stop tears down the watch loop started by StartWatch, if any.
func (m *Manager) Stop() {
	if m.loop != nil {
		m.loop.Stop()
	}
}

// providerSource adapts a provider's push channel into hotreload.Source's
// poll-shaped Changed/Reload pair: drain marks dirty whenever the channel
// fires, Changed reports that flag, Reload clears it and defers to Manager.
type providerSource struct {
	mgr     *Manager
	changes <-chan struct{}

	mu    sync.Mutex
	dirty bool
}

func (s *providerSource) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.changes:
			if !ok {
				return
			}
			s.mu.Lock()
			s.dirty = true
			s.mu.Unlock()
		}
	}
}

func (s *providerSource) Changed() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty, nil
}

func (s *providerSource) Reload() error {
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()

	_, err := s.mgr.Reload(context.Background())
	return err
}
