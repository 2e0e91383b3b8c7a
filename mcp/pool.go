// Package mcp maintains client connections to configured MCP servers and
// exposes their tools to the dispatcher.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tmarsden/acolyte/acp"
	"github.com/tmarsden/acolyte/logger"
)

// clientVersion identifies this client to MCP servers.
const clientVersion = "v0.1.0"

// ToolInfo describes one tool an MCP server offers.
type ToolInfo struct {
	Server      string
	Name        string
	Description string
}

// session is the slice of mcpsdk.ClientSession the pool uses; tests
// substitute a stub.
type session interface {
	ListTools(ctx context.Context, params *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
}

type dialFunc func(ctx context.Context, cfg acp.MCPServer) (session, error)

// Pool lazily connects to configured MCP servers, one subprocess per
// server, and keeps the sessions for reuse. Connections that fail are not
// cached, so a later call retries.
type Pool struct {
	mu      sync.Mutex
	configs map[string]acp.MCPServer
	order   []string
	conns   map[string]session
	dial    dialFunc
	log     *slog.Logger
}

// NewPool creates a Pool over the given server configs. Nothing is
// spawned until a server is first used.
func NewPool(servers []acp.MCPServer) *Pool {
	p := &Pool{
		configs: make(map[string]acp.MCPServer, len(servers)),
		conns:   make(map[string]session),
		dial:    dialCommand,
		log:     logger.WithComponent("mcp"),
	}
	for _, s := range servers {
		if _, ok := p.configs[s.Name]; ok {
			continue
		}
		p.configs[s.Name] = s
		p.order = append(p.order, s.Name)
	}
	return p
}

// Servers returns the configured servers in declaration order, suitable
// for handing to session/new.
func (p *Pool) Servers() []acp.MCPServer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]acp.MCPServer, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.configs[name])
	}
	return out
}

// connect returns the cached session for a server, dialing on first use.
func (p *Pool) connect(ctx context.Context, server string) (session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[server]; ok {
		return conn, nil
	}
	cfg, ok := p.configs[server]
	if !ok {
		return nil, fmt.Errorf("unknown MCP server %q", server)
	}

	p.log.Info("connecting to MCP server", "server", server, "command", cfg.Command)
	conn, err := p.dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to MCP server %q: %w", server, err)
	}
	p.conns[server] = conn
	return conn, nil
}

// ListTools enumerates every tool a server offers, following pagination.
func (p *Pool) ListTools(ctx context.Context, server string) ([]ToolInfo, error) {
	conn, err := p.connect(ctx, server)
	if err != nil {
		return nil, err
	}

	var tools []ToolInfo
	params := &mcpsdk.ListToolsParams{}
	for {
		page, err := conn.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("listing tools from %q: %w", server, err)
		}
		for _, t := range page.Tools {
			tools = append(tools, ToolInfo{Server: server, Name: t.Name, Description: t.Description})
		}
		if page.NextCursor == "" {
			return tools, nil
		}
		params.Cursor = page.NextCursor
	}
}

// CallTool invokes one tool and flattens the text content of the result.
// A result flagged as an error by the server comes back as a Go error
// carrying that text.
func (p *Pool) CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	conn, err := p.connect(ctx, server)
	if err != nil {
		return "", err
	}

	result, err := conn.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("calling %s on %q: %w", tool, server, err)
	}

	var b strings.Builder
	for _, c := range result.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			b.WriteString(text.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("tool %s failed: %s", tool, b.String())
	}
	return b.String(), nil
}

// Shutdown closes every open session. The pool stays usable; closed
// servers reconnect on next use.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]session)
	p.mu.Unlock()

	for name, conn := range conns {
		if err := conn.Close(); err != nil {
			p.log.Debug("closing MCP session", "server", name, "error", err)
		}
	}
}

// commandSession pairs an SDK session with its subprocess so Close also
// reaps the process.
type commandSession struct {
	*mcpsdk.ClientSession
	cmd *exec.Cmd
}

func (c *commandSession) Close() error {
	err := c.ClientSession.Close()
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		c.cmd.Wait()
	}
	return err
}

// dialCommand spawns the server subprocess and performs the MCP handshake
// over its stdio.
func dialCommand(ctx context.Context, cfg acp.MCPServer) (session, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for _, v := range cfg.Env {
			env = append(env, v.Name+"="+v.Value)
		}
		cmd.Env = env
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "acolyte", Version: clientVersion}, nil)
	conn, err := client.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, err
	}
	return &commandSession{ClientSession: conn, cmd: cmd}, nil
}
