package manager

import (
	"sync"

	"github.com/tmarsden/acolyte/acp"
	"github.com/tmarsden/acolyte/agent"
)

// SessionState holds the live view of one agent session: the assembled
// message and thought text, the current plan, the tool calls of the
// running turn, and the agent's operating mode.
//
// Thread Safety:
// SessionState has an internal mutex protecting all fields. Use the
// accessor methods for single reads and writes; use WithLock for
// operations that need several fields atomically.
//
// The SessionStateManager's mutex protects the map of sessions, while
// each SessionState's internal mutex protects its own fields.
type SessionState struct {
	mu sync.Mutex // Protects all fields below

	// Assembled agent output for the current turn
	Message agent.Accumulator
	Thought agent.Accumulator

	// Plan entries replace wholesale per notification
	CurrentPlan *acp.Plan

	// Tool calls of the current turn, in arrival order
	toolCalls map[string]*acp.ToolCall
	toolOrder []string

	// Agent operating mode, updated by current_mode_update
	CurrentModeID string
}

// ApplyUpdate folds one session/update payload into the state.
// Unknown update kinds are ignored.
func (s *SessionState) ApplyUpdate(u acp.SessionUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch u.Kind {
	case acp.UpdateAgentMessageChunk:
		if u.Content != nil {
			s.Message.Merge(u.Content.Text)
		}
	case acp.UpdateAgentThoughtChunk:
		if u.Content != nil {
			s.Thought.Merge(u.Content.Text)
		}
	case acp.UpdateToolCall:
		if u.ToolCall != nil {
			s.upsertToolCall(u.ToolCall)
		}
	case acp.UpdateToolCallUpdate:
		if u.ToolCall != nil {
			s.mergeToolCall(u.ToolCall)
		}
	case acp.UpdatePlan:
		if u.Plan != nil {
			plan := *u.Plan
			s.CurrentPlan = &plan
		}
	case acp.UpdateCurrentMode:
		s.CurrentModeID = u.CurrentModeID
	}
}

// upsertToolCall records a fresh tool_call announcement. A re-announced
// id replaces the stored call but keeps its position.
func (s *SessionState) upsertToolCall(call *acp.ToolCall) {
	if s.toolCalls == nil {
		s.toolCalls = make(map[string]*acp.ToolCall)
	}
	stored := *call
	if _, exists := s.toolCalls[call.ID]; !exists {
		s.toolOrder = append(s.toolOrder, call.ID)
	}
	s.toolCalls[call.ID] = &stored
}

// mergeToolCall applies a tool_call_update: only the fields the update
// actually carries overwrite the stored call. An update for an id we
// never saw announced is treated as an announcement.
func (s *SessionState) mergeToolCall(update *acp.ToolCall) {
	existing, ok := s.toolCalls[update.ID]
	if !ok {
		s.upsertToolCall(update)
		return
	}
	if update.Status != "" {
		existing.Status = update.Status
	}
	if update.Title != "" {
		existing.Title = update.Title
	}
	if update.Kind != "" {
		existing.Kind = update.Kind
	}
	if update.Content != nil {
		existing.Content = update.Content
	}
	if update.Locations != nil {
		existing.Locations = update.Locations
	}
	if update.RawInput != nil {
		existing.RawInput = update.RawInput
	}
	if update.RawOutput != nil {
		existing.RawOutput = update.RawOutput
	}
}

// MessageText returns the assembled agent message so far.
// Thread-safe.
func (s *SessionState) MessageText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Message.String()
}

// ThoughtText returns the assembled agent thought so far.
// Thread-safe.
func (s *SessionState) ThoughtText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Thought.String()
}

// Plan returns a copy of the current plan, or nil when none was sent.
// Thread-safe.
func (s *SessionState) Plan() *acp.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CurrentPlan == nil {
		return nil
	}
	plan := acp.Plan{Entries: make([]acp.PlanEntry, len(s.CurrentPlan.Entries))}
	copy(plan.Entries, s.CurrentPlan.Entries)
	return &plan
}

// ToolCalls returns copies of the turn's tool calls in arrival order.
// Thread-safe.
func (s *SessionState) ToolCalls() []acp.ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.toolOrder) == 0 {
		return nil
	}
	calls := make([]acp.ToolCall, 0, len(s.toolOrder))
	for _, id := range s.toolOrder {
		calls = append(calls, *s.toolCalls[id])
	}
	return calls
}

// ToolCall returns a copy of one tool call by id.
// Thread-safe.
func (s *SessionState) ToolCall(id string) (acp.ToolCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.toolCalls[id]
	if !ok {
		return acp.ToolCall{}, false
	}
	return *call, true
}

// ModeID returns the agent's current operating mode id.
// Thread-safe.
func (s *SessionState) ModeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CurrentModeID
}

// ResetTurn clears the per-turn fields before a new prompt. The plan and
// mode persist across turns.
// Thread-safe.
func (s *SessionState) ResetTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Message.Reset()
	s.Thought.Reset()
	s.toolCalls = nil
	s.toolOrder = nil
}

// WithLock executes fn while holding the session state lock.
// Use this for operations that need to access multiple fields atomically.
// The function receives the SessionState pointer for direct field access.
func (s *SessionState) WithLock(fn func(*SessionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// SessionStateManager owns the per-session states, keyed by agent-side
// session id.
type SessionStateManager struct {
	mu     sync.RWMutex
	states map[string]*SessionState
}

// NewSessionStateManager creates a new session state manager.
func NewSessionStateManager() *SessionStateManager {
	return &SessionStateManager{
		states: make(map[string]*SessionState),
	}
}

// GetOrCreate returns the state for a session, creating it if it doesn't
// exist. Use GetIfExists when you don't want to create state for sessions
// that haven't been seen.
func (m *SessionStateManager) GetOrCreate(sessionID string) *SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, exists := m.states[sessionID]
	if !exists {
		state = &SessionState{}
		m.states[sessionID] = state
	}
	return state
}

// GetIfExists returns the state for a session if it exists, nil otherwise.
func (m *SessionStateManager) GetIfExists(sessionID string) *SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[sessionID]
}

// Delete removes all state for a session.
func (m *SessionStateManager) Delete(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, sessionID)
}

// SessionIDs lists the sessions with tracked state.
func (m *SessionStateManager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	return ids
}
