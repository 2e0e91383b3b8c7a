package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tmarsden/acolyte/acp"
	"github.com/tmarsden/acolyte/agent"
	"github.com/tmarsden/acolyte/permission"
	"github.com/tmarsden/acolyte/sandbox"
	"github.com/tmarsden/acolyte/term"
)

// HandlerDeps bundles what the inbound protocol handlers need. Nil fields
// leave the corresponding methods unregistered, so the agent receives
// MethodNotFound for capabilities the client never advertised.
type HandlerDeps struct {
	FS          *sandbox.FS
	Terminals   *term.Manager
	Permissions *permission.Engine
	Policies    permission.PolicyList
}

// RegisterHandlers wires the agent→client service methods onto the
// transport: filesystem access, terminals, and permission requests.
func RegisterHandlers(client *agent.Client, deps HandlerDeps) {
	if deps.FS != nil {
		client.Handle(acp.MethodReadTextFile, readTextFileHandler(deps.FS))
		client.Handle(acp.MethodWriteTextFile, writeTextFileHandler(deps.FS))
	}
	if deps.Terminals != nil {
		client.Handle(acp.MethodTerminalCreate, terminalCreateHandler(deps.Terminals))
		client.Handle(acp.MethodTerminalOutput, terminalOutputHandler(deps.Terminals))
		client.Handle(acp.MethodTerminalWaitExit, terminalWaitHandler(deps.Terminals))
		client.Handle(acp.MethodTerminalKill, terminalKillHandler(deps.Terminals))
		client.Handle(acp.MethodTerminalRelease, terminalReleaseHandler(deps.Terminals))
	}
	if deps.Permissions != nil {
		client.Handle(acp.MethodRequestPermission, requestPermissionHandler(deps.Permissions, deps.Policies))
	}
}

func fsError(err error) *acp.RequestError {
	switch {
	case errors.Is(err, sandbox.ErrFileNotFound):
		return acp.NewResourceNotFound(err.Error())
	case errors.Is(err, sandbox.ErrPathEscape):
		return acp.NewForbidden(err.Error())
	default:
		return acp.NewInternalError(err)
	}
}

func readTextFileHandler(fs *sandbox.FS) agent.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, *acp.RequestError) {
		req, reqErr := acp.DecodeParams[acp.ReadTextFileRequest](params)
		if reqErr != nil {
			return nil, reqErr
		}
		content, err := fs.ReadTextFile(req.Path, req.Line, req.Limit)
		if err != nil {
			return nil, fsError(err)
		}
		return acp.ReadTextFileResponse{Content: content}, nil
	}
}

func writeTextFileHandler(fs *sandbox.FS) agent.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, *acp.RequestError) {
		req, reqErr := acp.DecodeParams[acp.WriteTextFileRequest](params)
		if reqErr != nil {
			return nil, reqErr
		}
		if err := fs.WriteTextFile(req.Path, req.Content); err != nil {
			return nil, fsError(err)
		}
		return struct{}{}, nil
	}
}

func terminalError(err error) *acp.RequestError {
	if errors.Is(err, term.ErrUnknownTerminal) {
		return acp.NewResourceNotFound(err.Error())
	}
	return acp.NewInternalError(err)
}

func terminalCreateHandler(terminals *term.Manager) agent.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, *acp.RequestError) {
		req, reqErr := acp.DecodeParams[acp.CreateTerminalRequest](params)
		if reqErr != nil {
			return nil, reqErr
		}
		id, err := terminals.Create(ctx, req.Command, req.Args, req.Env, req.Cwd, req.OutputByteLimit)
		if err != nil {
			return nil, acp.NewInternalError(err)
		}
		return acp.CreateTerminalResponse{TerminalID: id}, nil
	}
}

func terminalOutputHandler(terminals *term.Manager) agent.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, *acp.RequestError) {
		req, reqErr := acp.DecodeParams[acp.TerminalIDRequest](params)
		if reqErr != nil {
			return nil, reqErr
		}
		output, truncated, exitStatus, err := terminals.Output(req.TerminalID)
		if err != nil {
			return nil, terminalError(err)
		}
		return acp.TerminalOutputResponse{Output: output, Truncated: truncated, ExitStatus: exitStatus}, nil
	}
}

func terminalWaitHandler(terminals *term.Manager) agent.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, *acp.RequestError) {
		req, reqErr := acp.DecodeParams[acp.TerminalIDRequest](params)
		if reqErr != nil {
			return nil, reqErr
		}
		status, err := terminals.WaitForExit(ctx, req.TerminalID)
		if err != nil {
			return nil, terminalError(err)
		}
		return acp.WaitForExitResponse{ExitStatus: status}, nil
	}
}

func terminalKillHandler(terminals *term.Manager) agent.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, *acp.RequestError) {
		req, reqErr := acp.DecodeParams[acp.TerminalIDRequest](params)
		if reqErr != nil {
			return nil, reqErr
		}
		if err := terminals.Kill(req.TerminalID); err != nil {
			return nil, terminalError(err)
		}
		return struct{}{}, nil
	}
}

func terminalReleaseHandler(terminals *term.Manager) agent.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, *acp.RequestError) {
		req, reqErr := acp.DecodeParams[acp.TerminalIDRequest](params)
		if reqErr != nil {
			return nil, reqErr
		}
		if err := terminals.Release(req.TerminalID); err != nil {
			return nil, terminalError(err)
		}
		return struct{}{}, nil
	}
}

// requestPermissionHandler consults the declarative policies first; only
// a "prompt" verdict reaches the interactive engine. Decisions are mapped
// back onto the options the agent offered, falling back to a cancelled
// outcome when nothing fits.
func requestPermissionHandler(engine *permission.Engine, policies permission.PolicyList) agent.Handler {
	return func(ctx context.Context, params json.RawMessage) (any, *acp.RequestError) {
		req, reqErr := acp.DecodeParams[acp.RequestPermissionRequest](params)
		if reqErr != nil {
			return nil, reqErr
		}

		var decision acp.PermissionOptionKind
		switch policies.Evaluate(permission.Key("tool", string(req.ToolCall.Kind))) {
		case permission.ActionAllow:
			decision = acp.PermissionAllowOnce
		case permission.ActionDeny:
			decision = acp.PermissionRejectOnce
		default:
			var err error
			decision, err = engine.Decide(ctx, permission.Request{
				ToolCallID: req.ToolCall.ID,
				Title:      req.ToolCall.Title,
				Kind:       req.ToolCall.Kind,
				RawInput:   req.ToolCall.RawInput,
			})
			if err != nil {
				// Escalation failures (no handler, timeout) resolve the
				// request as cancelled rather than erroring the RPC.
				return acp.RequestPermissionResponse{Outcome: acp.CancelledOutcome()}, nil
			}
		}

		optionID, ok := permission.SelectOption(req.Options, decision)
		if !ok {
			return acp.RequestPermissionResponse{Outcome: acp.CancelledOutcome()}, nil
		}
		return acp.RequestPermissionResponse{Outcome: acp.SelectedOutcome(optionID)}, nil
	}
}
