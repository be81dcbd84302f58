package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// mcpAgentConfig is the shape of an agent's optional mcp.json.
type mcpAgentConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// MCPSession is a live connection to one agent's private MCP server, held
// for the duration of one agent call and torn down on return (§4.3).
type MCPSession struct {
	cli   *client.Client
	Tools []ToolSchema
}

// StartMCPSession launches (or connects to) the MCP server described by the
// agent descriptor's mcp.json and lists its tools, merging them into the
// schema only for call-type "agent:<name>" per §4.3/§4.4.
func StartMCPSession(ctx context.Context, d *Descriptor) (*MCPSession, error) {
	if d.MCPConfig == "" {
		return nil, fmt.Errorf("skills: agent %q has no mcp.json", d.Name)
	}
	raw, err := os.ReadFile(d.MCPConfig)
	if err != nil {
		return nil, fmt.Errorf("skills: read mcp config for %q: %w", d.Name, err)
	}
	var cfg mcpAgentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("skills: parse mcp config for %q: %w", d.Name, err)
	}

	cli, err := client.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("skills: start mcp server for %q: %w", d.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "fabric", Version: "1.0.0"}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		cli.Close()
		return nil, fmt.Errorf("skills: initialize mcp server for %q: %w", d.Name, err)
	}

	listResp, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("skills: list mcp tools for %q: %w", d.Name, err)
	}

	schemas := make([]ToolSchema, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		params, _ := json.Marshal(t.InputSchema)
		var paramMap map[string]any
		_ = json.Unmarshal(params, &paramMap)
		schemas = append(schemas, ToolSchema{
			Type: "function",
			Function: FunctionSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  paramMap,
			},
		})
	}

	return &MCPSession{cli: cli, Tools: schemas}, nil
}

// Execute calls a tool on the MCP server.
func (s *MCPSession) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := s.cli.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("skills: mcp tool %q: %w", name, err)
	}

	var out string
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			out += tc.Text
		}
	}
	return out, nil
}

// Close tears down the session, per §4.3's "torn down on return."
func (s *MCPSession) Close() error {
	return s.cli.Close()
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
