// Package tools routes agent tool calls to their local implementations
// and registers the inbound protocol handlers on the transport.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmarsden/acolyte/acp"
	"github.com/tmarsden/acolyte/logger"
	"github.com/tmarsden/acolyte/sandbox"
	"github.com/tmarsden/acolyte/term"
)

// MCPCaller is the slice of the MCP pool the dispatcher needs.
type MCPCaller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error)
}

// ToolResult is the outcome of one dispatched tool call. Failures are
// carried in Error rather than a Go error so the caller can always report
// the result against its originating id.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Dispatcher executes tool calls against the sandbox, terminals, and MCP
// servers. Dependencies may be nil; calls needing an absent dependency
// fail into ToolResult.Error.
type Dispatcher struct {
	fs        *sandbox.FS
	terminals *term.Manager
	mcp       MCPCaller
	log       *slog.Logger
}

// NewDispatcher wires a dispatcher. Any dependency may be nil.
func NewDispatcher(fs *sandbox.FS, terminals *term.Manager, mcp MCPCaller) *Dispatcher {
	return &Dispatcher{
		fs:        fs,
		terminals: terminals,
		mcp:       mcp,
		log:       logger.WithComponent("tools"),
	}
}

type readInput struct {
	Path  string `json:"path"`
	Line  *int   `json:"line,omitempty"`
	Limit *int   `json:"limit,omitempty"`
}

type editInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type executeInput struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
}

type mcpInput struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Execute runs one tool call to completion. It never panics and never
// returns a Go error: every failure, including an unrecognized kind, ends
// up in the result's Error field with ToolCallID echoing the input.
func (d *Dispatcher) Execute(ctx context.Context, call acp.ToolCall) (result ToolResult) {
	result.ToolCallID = call.ID
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool call panicked", "toolCallID", call.ID, "kind", call.Kind, "panic", r)
			result.Output = ""
			result.Error = fmt.Sprintf("tool call panicked: %v", r)
		}
	}()

	output, err := d.run(ctx, call)
	if err != nil {
		d.log.Debug("tool call failed", "toolCallID", call.ID, "kind", call.Kind, "error", err)
		result.Error = err.Error()
		return result
	}
	result.Output = output
	return result
}

func (d *Dispatcher) run(ctx context.Context, call acp.ToolCall) (string, error) {
	switch call.Kind {
	case acp.ToolKindRead:
		return d.runRead(call)
	case acp.ToolKindEdit:
		return d.runEdit(call)
	case acp.ToolKindExecute:
		return d.runExecute(ctx, call)
	case acp.ToolKindMCP:
		return d.runMCP(ctx, call)
	default:
		return "", fmt.Errorf("Unknown tool kind: %s", call.Kind)
	}
}

func (d *Dispatcher) runRead(call acp.ToolCall) (string, error) {
	if d.fs == nil {
		return "", errors.New("no filesystem sandbox configured")
	}
	var input readInput
	if err := decodeInput(call.RawInput, &input); err != nil {
		return "", err
	}
	return d.fs.ReadTextFile(input.Path, input.Line, input.Limit)
}

func (d *Dispatcher) runEdit(call acp.ToolCall) (string, error) {
	if d.fs == nil {
		return "", errors.New("no filesystem sandbox configured")
	}
	var input editInput
	if err := decodeInput(call.RawInput, &input); err != nil {
		return "", err
	}
	if err := d.fs.WriteTextFile(input.Path, input.Content); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(input.Content), input.Path), nil
}

func (d *Dispatcher) runExecute(ctx context.Context, call acp.ToolCall) (string, error) {
	if d.terminals == nil {
		return "", errors.New("no terminal manager configured")
	}
	var input executeInput
	if err := decodeInput(call.RawInput, &input); err != nil {
		return "", err
	}
	if input.Command == "" {
		return "", errors.New("execute requires a command")
	}

	id, err := d.terminals.Create(ctx, input.Command, input.Args, nil, input.Cwd, nil)
	if err != nil {
		return "", err
	}
	defer d.terminals.Release(id)

	status, err := d.terminals.WaitForExit(ctx, id)
	if err != nil {
		d.terminals.Kill(id)
		return "", err
	}
	output, truncated, _, err := d.terminals.Output(id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(output)
	if truncated {
		b.WriteString("\n[output truncated]")
	}
	if status.ExitCode != nil && *status.ExitCode != 0 {
		fmt.Fprintf(&b, "\n[exit code %d]", *status.ExitCode)
	}
	return b.String(), nil
}

func (d *Dispatcher) runMCP(ctx context.Context, call acp.ToolCall) (string, error) {
	if d.mcp == nil {
		return "", errors.New("no MCP servers configured")
	}
	var input mcpInput
	if err := decodeInput(call.RawInput, &input); err != nil {
		return "", err
	}
	if input.Server == "" || input.Tool == "" {
		return "", errors.New("mcp call requires server and tool")
	}
	return d.mcp.CallTool(ctx, input.Server, input.Tool, input.Arguments)
}

func decodeInput(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return errors.New("tool call has no input")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("malformed tool input: %w", err)
	}
	return nil
}
