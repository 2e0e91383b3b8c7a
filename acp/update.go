package acp

import "encoding/json"

// UpdateKind discriminates the session/update union.
type UpdateKind string

const (
	UpdateAgentMessageChunk UpdateKind = "agent_message_chunk"
	UpdateAgentThoughtChunk UpdateKind = "agent_thought_chunk"
	UpdateToolCall          UpdateKind = "tool_call"
	UpdateToolCallUpdate    UpdateKind = "tool_call_update"
	UpdatePlan              UpdateKind = "plan"
	UpdateCurrentMode       UpdateKind = "current_mode_update"
)

// SessionNotification is the params payload of a session/update
// notification.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is the tagged union carried by session/update, decoded on
// the "sessionUpdate" field. One variant field is populated per Kind:
//
//	agent_message_chunk, agent_thought_chunk → Content
//	tool_call, tool_call_update              → ToolCall
//	plan                                     → Plan
//	current_mode_update                      → CurrentModeID
//
// Unknown kinds keep their raw payload and re-encode untouched.
type SessionUpdate struct {
	Kind          UpdateKind
	Content       *ContentBlock
	ToolCall      *ToolCall
	Plan          *Plan
	CurrentModeID string

	raw json.RawMessage
}

func (u *SessionUpdate) UnmarshalJSON(data []byte) error {
	var probe struct {
		SessionUpdate UpdateKind `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	*u = SessionUpdate{Kind: probe.SessionUpdate}

	switch u.Kind {
	case UpdateAgentMessageChunk, UpdateAgentThoughtChunk:
		var w struct {
			Content ContentBlock `json:"content"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		u.Content = &w.Content
	case UpdateToolCall, UpdateToolCallUpdate:
		var tc ToolCall
		if err := json.Unmarshal(data, &tc); err != nil {
			return err
		}
		u.ToolCall = &tc
	case UpdatePlan:
		var w struct {
			Entries []PlanEntry `json:"entries"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		u.Plan = &Plan{Entries: w.Entries}
	case UpdateCurrentMode:
		var w struct {
			CurrentModeID string `json:"currentModeId"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		u.CurrentModeID = w.CurrentModeID
	default:
		u.raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

func (u SessionUpdate) MarshalJSON() ([]byte, error) {
	if u.raw != nil {
		return u.raw, nil
	}
	switch u.Kind {
	case UpdateAgentMessageChunk, UpdateAgentThoughtChunk:
		return json.Marshal(struct {
			SessionUpdate UpdateKind    `json:"sessionUpdate"`
			Content       *ContentBlock `json:"content"`
		}{u.Kind, u.Content})
	case UpdateToolCall, UpdateToolCallUpdate:
		// Flatten the tool call fields beside the discriminant.
		fields := map[string]json.RawMessage{}
		tcJSON, err := json.Marshal(u.ToolCall)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(tcJSON, &fields); err != nil {
			return nil, err
		}
		kindJSON, _ := json.Marshal(u.Kind)
		fields["sessionUpdate"] = kindJSON
		return json.Marshal(fields)
	case UpdatePlan:
		var entries []PlanEntry
		if u.Plan != nil {
			entries = u.Plan.Entries
		}
		return json.Marshal(struct {
			SessionUpdate UpdateKind  `json:"sessionUpdate"`
			Entries       []PlanEntry `json:"entries"`
		}{u.Kind, entries})
	case UpdateCurrentMode:
		return json.Marshal(struct {
			SessionUpdate UpdateKind `json:"sessionUpdate"`
			CurrentModeID string     `json:"currentModeId"`
		}{u.Kind, u.CurrentModeID})
	default:
		return json.Marshal(struct {
			SessionUpdate UpdateKind `json:"sessionUpdate"`
		}{u.Kind})
	}
}

// ToolKind categorizes what a tool call does. It is the key the permission
// engine caches rules under.
type ToolKind string

const (
	ToolKindRead    ToolKind = "read"
	ToolKindEdit    ToolKind = "edit"
	ToolKindDelete  ToolKind = "delete"
	ToolKindMove    ToolKind = "move"
	ToolKindSearch  ToolKind = "search"
	ToolKindExecute ToolKind = "execute"
	ToolKindFetch   ToolKind = "fetch"
	ToolKindThink   ToolKind = "think"
	ToolKindMCP     ToolKind = "mcp"
	ToolKindOther   ToolKind = "other"
)

// ToolStatus is the lifecycle state of a tool call.
type ToolStatus string

const (
	ToolStatusPending            ToolStatus = "pending"
	ToolStatusInProgress         ToolStatus = "in_progress"
	ToolStatusCompleted          ToolStatus = "completed"
	ToolStatusFailed             ToolStatus = "failed"
	ToolStatusAwaitingPermission ToolStatus = "awaiting_permission"
)

// ToolCall describes one side-effecting action the agent wants performed.
// ID is stable across every tool_call_update for the same call; updates
// carry only the fields that changed.
type ToolCall struct {
	ID        string            `json:"toolCallId"`
	Title     string            `json:"title,omitempty"`
	Kind      ToolKind          `json:"kind,omitempty"`
	Status    ToolStatus        `json:"status,omitempty"`
	Content   []ToolCallContent `json:"content,omitempty"`
	Locations []ToolCallLocation `json:"locations,omitempty"`
	RawInput  json.RawMessage   `json:"rawInput,omitempty"`
	RawOutput json.RawMessage   `json:"rawOutput,omitempty"`
}

// ToolCallContent is the content union for tool call results: a regular
// content block, a diff, or a terminal reference.
type ToolCallContent struct {
	Type       string        `json:"type"` // "content", "diff", "terminal"
	Content    *ContentBlock `json:"content,omitempty"`
	Path       string        `json:"path,omitempty"`
	OldText    *string       `json:"oldText,omitempty"`
	NewText    string        `json:"newText,omitempty"`
	TerminalID string        `json:"terminalId,omitempty"`
}

// ToolContent wraps a content block for a tool call result.
func ToolContent(block ContentBlock) ToolCallContent {
	return ToolCallContent{Type: "content", Content: &block}
}

// ToolCallLocation points at the file region a tool call touches, for
// editor follow-along.
type ToolCallLocation struct {
	Path string `json:"path"`
	Line *int   `json:"line,omitempty"`
}

// PlanEntryStatus is the lifecycle state of a plan entry.
type PlanEntryStatus string

const (
	PlanEntryPending    PlanEntryStatus = "pending"
	PlanEntryInProgress PlanEntryStatus = "in_progress"
	PlanEntryCompleted  PlanEntryStatus = "completed"
	PlanEntryFailed     PlanEntryStatus = "failed"
)

// PlanEntry is one step of the agent's current plan.
type PlanEntry struct {
	Content  string          `json:"content"`
	Priority string          `json:"priority,omitempty"`
	Status   PlanEntryStatus `json:"status"`
}

// Plan is the agent's execution plan. Entries are replaced wholesale on
// each plan update, never diffed.
type Plan struct {
	Entries []PlanEntry `json:"entries"`
}

// CountByStatus returns how many entries sit in each lifecycle state.
func (p *Plan) CountByStatus() (pending, inProgress, completed, failed int) {
	if p == nil {
		return
	}
	for _, e := range p.Entries {
		switch e.Status {
		case PlanEntryPending:
			pending++
		case PlanEntryInProgress:
			inProgress++
		case PlanEntryCompleted:
			completed++
		case PlanEntryFailed:
			failed++
		}
	}
	return
}
