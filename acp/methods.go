package acp

import "encoding/json"

// InitializeRequest opens the handshake: the client announces its protocol
// version and which agent→client services it can back.
type InitializeRequest struct {
	ProtocolVersion int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities,omitempty"`
}

// ClientCapabilities advertises which optional client services the agent
// may call.
type ClientCapabilities struct {
	FS       FSCapability `json:"fs,omitempty"`
	Terminal bool         `json:"terminal,omitempty"`
}

// FSCapability advertises filesystem access granted to the agent.
type FSCapability struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

// InitializeResponse carries the negotiated version and the agent's
// capabilities.
type InitializeResponse struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities,omitempty"`
	AuthMethods       []AuthMethod      `json:"authMethods,omitempty"`
}

// AgentCapabilities describes optional agent features.
type AgentCapabilities struct {
	LoadSession bool `json:"loadSession,omitempty"`
}

// AuthMethod names one way to authenticate with the agent.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// MCPServer is the config for one MCP server a session may reach.
type MCPServer struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     []EnvVariable     `json:"env,omitempty"`
}

// EnvVariable is a name/value pair for subprocess environments.
type EnvVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewSessionRequest creates a fresh agent-side session.
type NewSessionRequest struct {
	Cwd        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// NewSessionResponse returns the agent-assigned session id.
type NewSessionResponse struct {
	SessionID string        `json:"sessionId"`
	Modes     *SessionModes `json:"modes,omitempty"`
}

// SessionModes lists the agent's operating modes and which is current.
type SessionModes struct {
	CurrentModeID string        `json:"currentModeId"`
	AvailableModes []SessionMode `json:"availableModes"`
}

// SessionMode is one agent operating mode.
type SessionMode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// LoadSessionRequest resumes an existing agent-side session by id.
type LoadSessionRequest struct {
	SessionID  string      `json:"sessionId"`
	Cwd        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// LoadSessionResponse mirrors NewSessionResponse for a resumed session.
type LoadSessionResponse struct {
	Modes *SessionModes `json:"modes,omitempty"`
}

// SetModeRequest switches the agent's operating mode for a session.
type SetModeRequest struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// PromptRequest starts a conversation turn.
type PromptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// StopReason says why a prompt turn ended.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopMaxTurnRequests StopReason = "max_turn_requests"
	StopRefusal         StopReason = "refusal"
	StopCancelled       StopReason = "cancelled"
)

// PromptResponse ends a turn with its stop reason.
type PromptResponse struct {
	StopReason StopReason `json:"stopReason"`
}

// CancelNotification interrupts the current turn for a session.
type CancelNotification struct {
	SessionID string `json:"sessionId"`
}

// ReadTextFileRequest is the agent asking the client to read a file. Line
// and Limit select an optional 1-based line window.
type ReadTextFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// ReadTextFileResponse returns the requested file content.
type ReadTextFileResponse struct {
	Content string `json:"content"`
}

// WriteTextFileRequest is the agent asking the client to write a file.
type WriteTextFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// PermissionOptionKind classifies a permission choice the agent offers.
type PermissionOptionKind string

const (
	PermissionAllowOnce    PermissionOptionKind = "allow_once"
	PermissionAllowAlways  PermissionOptionKind = "allow_always"
	PermissionRejectOnce   PermissionOptionKind = "reject_once"
	PermissionRejectAlways PermissionOptionKind = "reject_always"
)

// PermissionOption is one choice offered in a permission request.
type PermissionOption struct {
	OptionID string               `json:"optionId"`
	Name     string               `json:"name"`
	Kind     PermissionOptionKind `json:"kind"`
}

// RequestPermissionRequest is the agent asking the client to approve a tool
// call before it runs.
type RequestPermissionRequest struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCall           `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOutcome is the union carried in a permission response: either
// "selected" with the chosen option id, or "cancelled".
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// SelectedOutcome builds the outcome for a chosen option.
func SelectedOutcome(optionID string) PermissionOutcome {
	return PermissionOutcome{Outcome: "selected", OptionID: optionID}
}

// CancelledOutcome reports the prompt turn was cancelled before a choice.
func CancelledOutcome() PermissionOutcome {
	return PermissionOutcome{Outcome: "cancelled"}
}

// RequestPermissionResponse answers a permission request.
type RequestPermissionResponse struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// CreateTerminalRequest is the agent asking the client to run a command in
// a managed terminal. OutputByteLimit bounds the retained output buffer.
type CreateTerminalRequest struct {
	SessionID       string        `json:"sessionId"`
	Command         string        `json:"command"`
	Args            []string      `json:"args,omitempty"`
	Env             []EnvVariable `json:"env,omitempty"`
	Cwd             string        `json:"cwd,omitempty"`
	OutputByteLimit *int64        `json:"outputByteLimit,omitempty"`
}

// CreateTerminalResponse returns the new terminal handle.
type CreateTerminalResponse struct {
	TerminalID string `json:"terminalId"`
}

// TerminalIDRequest addresses an existing terminal; shared by output, kill,
// release, and wait_for_exit.
type TerminalIDRequest struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// TerminalExitStatus describes how a terminal's process ended. ExitCode is
// nil when the process was killed by a signal.
type TerminalExitStatus struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// TerminalOutputResponse returns captured output without waiting for exit.
// ExitStatus is nil while the process is still running.
type TerminalOutputResponse struct {
	Output     string              `json:"output"`
	Truncated  bool                `json:"truncated"`
	ExitStatus *TerminalExitStatus `json:"exitStatus,omitempty"`
}

// WaitForExitResponse reports the final exit status once the process ends.
type WaitForExitResponse struct {
	ExitStatus TerminalExitStatus `json:"exitStatus"`
}

// DecodeParams unmarshals request params into a typed struct, mapping
// failures to InvalidParams.
func DecodeParams[T any](raw json.RawMessage) (*T, *RequestError) {
	var v T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}
	return &v, nil
}
