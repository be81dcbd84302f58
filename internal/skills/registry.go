package skills

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// atomicSnapshot is a CAS-free read/write holder for the current snapshot.
type atomicSnapshot struct {
	p atomic.Pointer[snapshot]
}

func (a *atomicSnapshot) store(s *snapshot) { a.p.Store(s) }
func (a *atomicSnapshot) load() *snapshot   { return a.p.Load() }

// snapshot is one immutable view of the registry's maps. Hot reload builds
// a new snapshot and atomically swaps the pointer, so readers always see
// either the pre- or post-reload state, never a partial merge (P11).
type snapshot struct {
	byName  map[string]*Descriptor // canonical name -> descriptor, per kind-qualified key
	byAlias map[string]string      // alias -> canonical name, per kind-qualified key

	handlersMu sync.RWMutex
	handlers   map[string]Handler // canonical name -> lazily loaded handler
}

func newSnapshot() *snapshot {
	return &snapshot{
		byName:   make(map[string]*Descriptor),
		byAlias:  make(map[string]string),
		handlers: make(map[string]Handler),
	}
}

func (s *snapshot) handler(key string) (Handler, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[key]
	return h, ok
}

func (s *snapshot) setHandler(key string, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[key] = h
}

// Registry is C3, SkillRegistry. Readers are non-blocking between reloads:
// Resolve/GetSchema/ListBySource read an atomically-swapped *snapshot
// without taking a lock.
type Registry struct {
	mu   sync.Mutex // guards only reload-time construction, not reads
	snap atomicSnapshot

	names   *NameSanitizer
	resolve RoleResolver
	limits  *cooldowns
}

// NewRegistry returns an empty registry. Call Reload (or rely on hot reload,
// see hotreload package) to populate it from disk.
func NewRegistry() *Registry {
	r := &Registry{names: NewNameSanitizer(), limits: newCooldowns()}
	r.snap.store(newSnapshot())
	return r
}

// SetRoleResolver installs the function Execute uses to determine a
// caller's identity and role for permission and rate-limit checks. Without
// one, Execute skips both checks entirely.
func (r *Registry) SetRoleResolver(fn RoleResolver) {
	r.resolve = fn
}

func kindKey(kind Kind, name string) string {
	return string(kind) + ":" + strings.ToLower(name)
}

// Reload rebuilds the registry from a freshly-discovered descriptor set and
// atomically swaps it in. Descriptors with a colliding alias keep the
// first-seen registration; later ones are logged and dropped, per §4.3.
func (r *Registry) Reload(descs []*Descriptor) {
	next := newSnapshot()

	// Stable order so "first-seen" is deterministic across reloads.
	sort.SliceStable(descs, func(i, j int) bool {
		if descs[i].Kind != descs[j].Kind {
			return descs[i].Kind < descs[j].Kind
		}
		return descs[i].Name < descs[j].Name
	})

	for _, d := range descs {
		key := kindKey(d.Kind, d.Name)
		if _, exists := next.byName[key]; exists {
			slog.Warn("skills: duplicate skill name, keeping first-seen", "kind", d.Kind, "name", d.Name)
			continue
		}
		next.byName[key] = d
		next.byAlias[kindKey(d.Kind, d.Name)] = d.Name
		for _, alias := range d.Aliases {
			aliasKey := kindKey(d.Kind, alias)
			if _, exists := next.byAlias[aliasKey]; exists {
				slog.Warn("skills: alias conflict, keeping first-seen", "kind", d.Kind, "alias", alias)
				continue
			}
			next.byAlias[aliasKey] = d.Name
		}
		r.names.Register(d.Name)
	}

	r.mu.Lock()
	r.snap.store(next)
	r.mu.Unlock()
}

// Resolve looks up a skill by canonical name or alias, case-insensitive.
func (r *Registry) Resolve(kind Kind, nameOrAlias string) (*Descriptor, bool) {
	snap := r.snap.load()
	if canon, ok := snap.byAlias[kindKey(kind, nameOrAlias)]; ok {
		d, ok := snap.byName[kindKey(kind, canon)]
		return d, ok
	}
	return nil, false
}

// GetSchema returns the OpenAI-compatible tool list for one kind, sorted by
// (order, name) per §4.3.
func (r *Registry) GetSchema(kind Kind) []ToolSchema {
	snap := r.snap.load()
	var descs []*Descriptor
	for _, d := range snap.byName {
		if d.Kind == kind {
			descs = append(descs, d)
		}
	}
	sort.Slice(descs, func(i, j int) bool {
		if descs[i].Order != descs[j].Order {
			return descs[i].Order < descs[j].Order
		}
		return descs[i].Name < descs[j].Name
	})

	schemas := make([]ToolSchema, 0, len(descs))
	for _, d := range descs {
		schemas = append(schemas, ToolSchema{
			Type: "function",
			Function: FunctionSpec{
				Name:        r.names.ToAPI(d.Name),
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return schemas
}

// Execute enforces the skill's permission and per-role cooldown (if a
// RoleResolver is installed), then loads the handler (lazily, on first use)
// and invokes it. Handler loading failures and handler execution failures
// are both returned as plain errors; the loop turns execution failures into
// "error: <msg>" tool content, never aborting. Permission/rate-limit
// failures (ErrPermission, ErrRateLimit) are returned the same way, so
// callers that want ErrPermission.Error() surfaced to the user instead of
// swallowed as tool output must check for them with errors.Is before
// handing the error to the loop.
func (r *Registry) Execute(ctx context.Context, d *Descriptor, args map[string]any) (string, error) {
	if r.resolve != nil {
		caller := r.resolve(ctx)
		if !d.Permission.Allows(caller.Role) {
			return "", ErrPermission
		}
		if limit := d.RateLimit.ForRole(caller.Role); limit > 0 {
			if err := r.limits.check(ctx, kindKey(d.Kind, d.Name), limit, caller.ID); err != nil {
				return "", err
			}
		}
	}

	snap := r.snap.load()
	key := kindKey(d.Kind, d.Name)

	handler, ok := snap.handler(key)
	if !ok {
		f, ok := lookupFactory(d.HandlerPath)
		if !ok {
			return "", fmt.Errorf("skills: no registered factory for handler_path %q (skill %q)", d.HandlerPath, d.Name)
		}
		h, err := f(d)
		if err != nil {
			return "", fmt.Errorf("skills: construct handler for %q: %w", d.Name, err)
		}
		handler = h
		snap.setHandler(key, handler)
	}

	return handler.Execute(ctx, args)
}

// ApiToInternal returns the bijection's inverse, for the loop's
// _tool_name_map.api_to_internal.
func (r *Registry) ApiToInternal() map[string]string {
	return r.names.ApiToInternal()
}
