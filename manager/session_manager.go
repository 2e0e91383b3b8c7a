package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tmarsden/acolyte/acp"
	"github.com/tmarsden/acolyte/agent"
	"github.com/tmarsden/acolyte/config"
	"github.com/tmarsden/acolyte/logger"
)

// ErrUnknownConversation is returned for operations on a conversation id
// with no recorded session mapping.
var ErrUnknownConversation = errors.New("unknown conversation")

// Compile-time interface satisfaction checks.
var (
	_ AgentClient  = (*agent.Client)(nil)
	_ MappingStore = (*config.Config)(nil)
)

// AgentClient is the protocol surface SessionManager needs from the
// transport. This decouples the manager from the concrete agent.Client
// so tests can inject a fake.
//
// *agent.Client satisfies this interface implicitly.
type AgentClient interface {
	Call(ctx context.Context, method string, params any, result any) error
	Notify(method string, params any) error
	Subscribe() (<-chan acp.SessionNotification, func())
}

// MappingStore persists the conversation↔session mapping. Every mutation
// is expected to reach disk before the call returns.
//
// *config.Config satisfies this interface implicitly.
type MappingStore interface {
	SetMapping(m config.ConversationMapping) error
	GetMapping(conversationID string) (config.ConversationMapping, bool)
	RemoveMapping(conversationID string) (bool, error)
	ListMappings() []config.ConversationMapping
}

// SessionInfo describes an established session.
type SessionInfo struct {
	ConversationID string
	SessionID      string
	Cwd            string
	Modes          *acp.SessionModes
}

// SessionManager owns the conversation↔session relationship: it creates
// and resumes agent sessions, persists the mapping through the store,
// and keeps per-session runtime state fed from the client's update
// stream.
type SessionManager struct {
	client    AgentClient
	store     MappingStore
	states    *SessionStateManager
	agentName string
	log       *slog.Logger

	mu          sync.Mutex // Serializes mapping mutations per manager
	unsubscribe func()
	updatesDone chan struct{}
}

// NewSessionManager creates a session manager and starts consuming the
// client's session/update stream. Call Shutdown to stop it.
func NewSessionManager(client AgentClient, store MappingStore, agentName string) *SessionManager {
	sm := &SessionManager{
		client:      client,
		store:       store,
		states:      NewSessionStateManager(),
		agentName:   agentName,
		log:         logger.WithComponent("SessionManager"),
		updatesDone: make(chan struct{}),
	}

	updates, unsubscribe := client.Subscribe()
	sm.unsubscribe = unsubscribe
	go sm.consumeUpdates(updates)
	return sm
}

// consumeUpdates folds every session/update into the matching session
// state. The channel closes when the subscription is cancelled or the
// transport closes.
func (sm *SessionManager) consumeUpdates(updates <-chan acp.SessionNotification) {
	defer close(sm.updatesDone)
	for note := range updates {
		sm.states.GetOrCreate(note.SessionID).ApplyUpdate(note.Update)
	}
}

// States returns the underlying session state manager for direct state
// access, keyed by agent-side session id.
func (sm *SessionManager) States() *SessionStateManager {
	return sm.states
}

// CreateSession asks the agent for a fresh session and records the
// conversation mapping. The mapping is persisted before this returns: a
// restart can resume the conversation. An existing mapping for the
// conversation is replaced.
func (sm *SessionManager) CreateSession(ctx context.Context, conversationID, cwd string, mcpServers []acp.MCPServer) (SessionInfo, error) {
	if conversationID == "" {
		return SessionInfo{}, fmt.Errorf("conversation id is empty")
	}

	var resp acp.NewSessionResponse
	req := acp.NewSessionRequest{Cwd: cwd, MCPServers: mcpServers}
	if err := sm.client.Call(ctx, acp.MethodSessionNew, req, &resp); err != nil {
		return SessionInfo{}, fmt.Errorf("creating session: %w", err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	mapping := config.ConversationMapping{
		ConversationID: conversationID,
		SessionID:      resp.SessionID,
		Agent:          sm.agentName,
		Cwd:            cwd,
		CreatedAt:      time.Now().UTC(),
	}
	if err := sm.store.SetMapping(mapping); err != nil {
		return SessionInfo{}, fmt.Errorf("persisting session mapping: %w", err)
	}
	sm.states.GetOrCreate(resp.SessionID)

	sm.log.Info("session created",
		"conversationID", conversationID, "sessionID", resp.SessionID, "cwd", cwd)
	return SessionInfo{
		ConversationID: conversationID,
		SessionID:      resp.SessionID,
		Cwd:            cwd,
		Modes:          resp.Modes,
	}, nil
}

// LoadSession resumes an existing agent-side session and records the
// mapping. A session id the agent no longer recognizes fails here; the
// error reaches the caller, and no mapping is written.
func (sm *SessionManager) LoadSession(ctx context.Context, conversationID, sessionID, cwd string, mcpServers []acp.MCPServer) (SessionInfo, error) {
	if conversationID == "" {
		return SessionInfo{}, fmt.Errorf("conversation id is empty")
	}
	if sessionID == "" {
		return SessionInfo{}, fmt.Errorf("session id is empty")
	}

	var resp acp.LoadSessionResponse
	req := acp.LoadSessionRequest{SessionID: sessionID, Cwd: cwd, MCPServers: mcpServers}
	if err := sm.client.Call(ctx, acp.MethodSessionLoad, req, &resp); err != nil {
		return SessionInfo{}, fmt.Errorf("loading session %s: %w", sessionID, err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	mapping := config.ConversationMapping{
		ConversationID: conversationID,
		SessionID:      sessionID,
		Agent:          sm.agentName,
		Cwd:            cwd,
	}
	if err := sm.store.SetMapping(mapping); err != nil {
		return SessionInfo{}, fmt.Errorf("persisting session mapping: %w", err)
	}
	sm.states.GetOrCreate(sessionID)

	sm.log.Info("session loaded",
		"conversationID", conversationID, "sessionID", sessionID, "cwd", cwd)
	return SessionInfo{
		ConversationID: conversationID,
		SessionID:      sessionID,
		Cwd:            cwd,
		Modes:          resp.Modes,
	}, nil
}

// ResumeAll replays every persisted mapping through session/load. Each
// failure is reported against its conversation id; successes are not
// undone by a later failure.
func (sm *SessionManager) ResumeAll(ctx context.Context, mcpServers []acp.MCPServer) map[string]error {
	failures := make(map[string]error)
	for _, m := range sm.store.ListMappings() {
		if _, err := sm.LoadSession(ctx, m.ConversationID, m.SessionID, m.Cwd, mcpServers); err != nil {
			failures[m.ConversationID] = err
		}
	}
	return failures
}

// Prompt runs one conversation turn and blocks until the agent reports a
// stop reason. Streaming output lands in the session state while this
// waits.
func (sm *SessionManager) Prompt(ctx context.Context, conversationID string, blocks []acp.ContentBlock) (acp.StopReason, error) {
	mapping, ok := sm.store.GetMapping(conversationID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}

	sm.states.GetOrCreate(mapping.SessionID).ResetTurn()

	var resp acp.PromptResponse
	req := acp.PromptRequest{SessionID: mapping.SessionID, Prompt: blocks}
	if err := sm.client.Call(ctx, acp.MethodSessionPrompt, req, &resp); err != nil {
		return "", fmt.Errorf("prompting session %s: %w", mapping.SessionID, err)
	}
	return resp.StopReason, nil
}

// SetMode switches the agent's operating mode for a conversation.
func (sm *SessionManager) SetMode(ctx context.Context, conversationID, modeID string) error {
	mapping, ok := sm.store.GetMapping(conversationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}

	req := acp.SetModeRequest{SessionID: mapping.SessionID, ModeID: modeID}
	if err := sm.client.Call(ctx, acp.MethodSessionSetMode, req, nil); err != nil {
		return fmt.Errorf("setting mode on session %s: %w", mapping.SessionID, err)
	}
	return nil
}

// CancelSession interrupts the conversation's current turn. The in-flight
// Prompt resolves with its stop reason (normally cancelled); the mapping
// is retained so the conversation can continue.
func (sm *SessionManager) CancelSession(ctx context.Context, conversationID string) error {
	mapping, ok := sm.store.GetMapping(conversationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}

	if err := sm.client.Notify(acp.MethodSessionCancel, acp.CancelNotification{SessionID: mapping.SessionID}); err != nil {
		return fmt.Errorf("cancelling session %s: %w", mapping.SessionID, err)
	}
	sm.log.Debug("cancel sent", "conversationID", conversationID, "sessionID", mapping.SessionID)
	return nil
}

// ClearSession drops the conversation's mapping and runtime state. Local
// only: the agent is not told, and the agent-side session is untouched.
func (sm *SessionManager) ClearSession(conversationID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	mapping, ok := sm.store.GetMapping(conversationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	if _, err := sm.store.RemoveMapping(conversationID); err != nil {
		return fmt.Errorf("removing session mapping: %w", err)
	}
	sm.states.Delete(mapping.SessionID)

	sm.log.Info("session cleared", "conversationID", conversationID, "sessionID", mapping.SessionID)
	return nil
}

// GetSessionID returns the agent-side session id for a conversation.
func (sm *SessionManager) GetSessionID(conversationID string) (string, bool) {
	mapping, ok := sm.store.GetMapping(conversationID)
	if !ok {
		return "", false
	}
	return mapping.SessionID, true
}

// SessionState returns the runtime state for a conversation's session,
// nil when the conversation is unmapped.
func (sm *SessionManager) SessionState(conversationID string) *SessionState {
	mapping, ok := sm.store.GetMapping(conversationID)
	if !ok {
		return nil
	}
	return sm.states.GetIfExists(mapping.SessionID)
}

// Shutdown stops consuming updates. Mappings stay persisted; runtime
// state is discarded with the manager.
func (sm *SessionManager) Shutdown() {
	sm.unsubscribe()
	<-sm.updatesDone
	sm.log.Debug("session manager stopped")
}
