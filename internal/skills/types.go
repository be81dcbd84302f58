// Package skills implements C3, SkillRegistry: file-backed discovery of
// tools/agents/commands, hot reload, OpenAI-schema export, and
// execute-by-name dispatch. Because Go cannot hot-swap compiled code the
// way the source language hot-swaps an imported module, "handler"
// resolution is a compile-time registration table: each skill ships as a Go
// package that registers a constructor by name in an init(), generalizing
// the teacher's pkg/tools/local.go type-switch-by-config.Type pattern to a
// registry keyed by string. config.json on disk still supplies the
// metadata (schema, description, permission, rate limit, aliases, order);
// hot reload re-reads config.json mtimes and rebuilds the lookup maps
// without a process restart.
package skills

import "context"

// Kind is one of the three skill categories sharing one loader.
type Kind string

const (
	KindTool    Kind = "tool"
	KindAgent   Kind = "agent"
	KindCommand Kind = "command"
)

// Permission gates who may invoke a skill.
type Permission string

const (
	PermPublic     Permission = "public"
	PermAdmin      Permission = "admin"
	PermSuperadmin Permission = "superadmin"
)

// rank orders roles from least to most privileged, so a caller's role can be
// checked against a skill's required permission with a single comparison.
func (p Permission) rank() int {
	switch p {
	case PermSuperadmin:
		return 2
	case PermAdmin:
		return 1
	default:
		return 0
	}
}

// Allows reports whether a caller holding role may invoke a skill that
// requires p.
func (p Permission) Allows(role Permission) bool {
	return role.rank() >= p.rank()
}

// RateLimit holds the cooldown, in seconds, a caller of each role must wait
// between successive invocations of a skill, as carried by config.json's
// rate_limit object. Zero means unlimited for that role. Mirrors the
// original bot's RateLimiter: ADMIN_COOLDOWN=5/USER_COOLDOWN=10 for plain
// commands, ASK_COOLDOWN=60 and STATS_COOLDOWN=3600 for the two commands
// that carried their own cooldown — here expressed per-skill instead of
// hardcoded per-command, with superadmins exempt via their own field left
// at zero.
type RateLimit struct {
	User       int `json:"user,omitempty"`
	Admin      int `json:"admin,omitempty"`
	Superadmin int `json:"superadmin,omitempty"`
}

// ForRole returns the cooldown, in seconds, configured for role, or 0
// (unlimited) if none is set.
func (rl RateLimit) ForRole(role Permission) int {
	switch role {
	case PermSuperadmin:
		return rl.Superadmin
	case PermAdmin:
		return rl.Admin
	default:
		return rl.User
	}
}

// Descriptor is the on-disk config.json shape plus the resolved handler
// registration key, per spec §3/§6.
type Descriptor struct {
	Name         string         `json:"name"`
	Kind         Kind           `json:"-"`
	Description  string         `json:"description"`
	Usage        string         `json:"usage,omitempty"`
	Example      string         `json:"example,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Permission   Permission     `json:"permission"`
	RateLimit    RateLimit      `json:"rate_limit"`
	ShowInHelp   bool           `json:"show_in_help"`
	Order        int            `json:"order"`
	Aliases      []string       `json:"aliases,omitempty"`
	HandlerPath  string         `json:"handler_path"`
	ModuleName   string         `json:"-"`
	Dir          string         `json:"-"`
	MCPConfig    string         `json:"-"` // path to agents/<agent>/mcp.json, if present
}

// Handler is a skill's executable body: a pure-async callable over its
// arguments and the ambient request scope.
type Handler interface {
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]any) (string, error)

func (f HandlerFunc) Execute(ctx context.Context, args map[string]any) (string, error) {
	return f(ctx, args)
}

// Factory constructs a Handler for one descriptor. Registered at init() time
// by each skill package, keyed by the name it will be referenced as from
// config.json's handler_path.
type Factory func(d *Descriptor) (Handler, error)

// ToolSchema is the OpenAI-compatible advertised shape of one skill.
type ToolSchema struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSpec is the function block of a ToolSchema.
type FunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}
