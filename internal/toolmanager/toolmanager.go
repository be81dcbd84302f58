// Package toolmanager implements C4: schema merging across tool and agent
// registries, per-call-type MCP tool merge, and prefetch execution.
package toolmanager

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nyxbot/fabric/internal/skills"
)

// Manager is C4, ToolManager.
type Manager struct {
	tools  *skills.Registry
	agents *skills.Registry

	mu       sync.Mutex
	prefetch map[string]bool // (request_id, call_type) already prefetched this request
}

// New builds a Manager over the shared tool and agent registries.
func New(tools, agents *skills.Registry) *Manager {
	return &Manager{tools: tools, agents: agents, prefetch: make(map[string]bool)}
}

// GetOpenAITools returns the union of tool and agent schemas. Agent names
// never shadow tool names: tools are listed first and agent entries whose
// name collides with an existing tool are dropped.
func (m *Manager) GetOpenAITools() []skills.ToolSchema {
	toolSchemas := m.tools.GetSchema(skills.KindTool)
	seen := make(map[string]bool, len(toolSchemas))
	for _, s := range toolSchemas {
		seen[s.Function.Name] = true
	}

	out := append([]skills.ToolSchema{}, toolSchemas...)
	for _, s := range m.agents.GetSchema(skills.KindAgent) {
		if seen[s.Function.Name] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// MaybeMergeAgentTools appends an agent's MCP schema to base when callType
// is "agent:<x>" and that agent carries an mcp.json. The returned session
// (nil if none) must be closed by the caller when the agent call returns.
func (m *Manager) MaybeMergeAgentTools(ctx context.Context, callType string, base []skills.ToolSchema) ([]skills.ToolSchema, *skills.MCPSession, error) {
	name, ok := strings.CutPrefix(callType, "agent:")
	if !ok {
		return base, nil, nil
	}

	desc, ok := m.agents.Resolve(skills.KindAgent, name)
	if !ok || desc.MCPConfig == "" {
		return base, nil, nil
	}

	session, err := skills.StartMCPSession(ctx, desc)
	if err != nil {
		return nil, nil, fmt.Errorf("toolmanager: merge mcp tools for %q: %w", name, err)
	}
	return append(append([]skills.ToolSchema{}, base...), session.Tools...), session, nil
}

// PrefetchConfig names the eager tools to run once per (request_id,
// call_type) and whether to hide them from the advertised schema afterward.
type PrefetchConfig struct {
	Tools []string
	Hide  bool
}

// Prefetch runs the configured tools at most once per (requestID, callType),
// returning their concatenated results as a system message body. On a
// repeat call for the same key it returns ("", false, nil) so the caller
// skips adding a duplicate system message.
func (m *Manager) Prefetch(ctx context.Context, requestID, callType string, cfg PrefetchConfig, args map[string]any) (content string, ran bool, err error) {
	key := requestID + "|" + callType
	m.mu.Lock()
	if m.prefetch[key] {
		m.mu.Unlock()
		return "", false, nil
	}
	m.prefetch[key] = true
	m.mu.Unlock()

	var parts []string
	for _, name := range cfg.Tools {
		desc, ok := m.tools.Resolve(skills.KindTool, name)
		if !ok {
			continue
		}
		result, execErr := m.tools.Execute(ctx, desc, args)
		if execErr != nil {
			parts = append(parts, fmt.Sprintf("%s: error: %v", name, execErr))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", name, result))
	}
	return strings.Join(parts, "\n"), true, nil
}

// FilterAdvertised removes prefetched tools from the schema when
// prefetch_tools_hide is set, per §4.4.
func FilterAdvertised(schema []skills.ToolSchema, hidden []string) []skills.ToolSchema {
	if len(hidden) == 0 {
		return schema
	}
	hide := make(map[string]bool, len(hidden))
	for _, h := range hidden {
		hide[h] = true
	}
	out := make([]skills.ToolSchema, 0, len(schema))
	for _, s := range schema {
		if !hide[s.Function.Name] {
			out = append(out, s)
		}
	}
	return out
}
