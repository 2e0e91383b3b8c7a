package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tmarsden/acolyte/acp"
	"github.com/tmarsden/acolyte/config"
)

// fakeClient scripts protocol responses per method and records every
// outbound call so tests can assert on params.
type fakeClient struct {
	mu       sync.Mutex
	handlers map[string]func(params json.RawMessage) (any, error)
	calls    []recordedCall
	notes    chan acp.SessionNotification
	notesOff sync.Once
}

type recordedCall struct {
	method string
	params json.RawMessage
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		handlers: make(map[string]func(params json.RawMessage) (any, error)),
		notes:    make(chan acp.SessionNotification, 16),
	}
}

func (f *fakeClient) on(method string, fn func(params json.RawMessage) (any, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
}

func (f *fakeClient) Call(_ context.Context, method string, params any, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{method: method, params: raw})
	fn, ok := f.handlers[method]
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("unscripted method %s", method)
	}
	res, err := fn(raw)
	if err != nil {
		return err
	}
	if result != nil && res != nil {
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, result)
	}
	return nil
}

func (f *fakeClient) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{method: method, params: raw})
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Subscribe() (<-chan acp.SessionNotification, func()) {
	return f.notes, func() {
		f.notesOff.Do(func() { close(f.notes) })
	}
}

func (f *fakeClient) recorded(method string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestStore(t *testing.T) (*config.Config, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "acolyte.json")
	cfg := &config.Config{}
	cfg.SetFilePath(path)
	return cfg, path
}

func newTestManager(t *testing.T) (*SessionManager, *fakeClient, *config.Config, string) {
	t.Helper()
	client := newFakeClient()
	client.on(acp.MethodSessionNew, func(json.RawMessage) (any, error) {
		return acp.NewSessionResponse{SessionID: "sess-1"}, nil
	})
	store, path := newTestStore(t)
	sm := NewSessionManager(client, store, "claude")
	t.Cleanup(sm.Shutdown)
	return sm, client, store, path
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestCreateSession(t *testing.T) {
	sm, client, _, path := newTestManager(t)

	info, err := sm.CreateSession(context.Background(), "conv-1", "/work", nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if info.SessionID != "sess-1" || info.ConversationID != "conv-1" || info.Cwd != "/work" {
		t.Errorf("SessionInfo = %+v", info)
	}

	calls := client.recorded(acp.MethodSessionNew)
	if len(calls) != 1 {
		t.Fatalf("session/new calls = %d, want 1", len(calls))
	}
	var req acp.NewSessionRequest
	if err := json.Unmarshal(calls[0].params, &req); err != nil {
		t.Fatalf("decoding request: %v", err)
	}
	if req.Cwd != "/work" {
		t.Errorf("request cwd = %q, want /work", req.Cwd)
	}

	// Mapping must be on disk before CreateSession returns.
	fresh, err := config.LoadFrom(path)
	if err != nil {
		t.Fatalf("reloading store: %v", err)
	}
	mapping, ok := fresh.GetMapping("conv-1")
	if !ok || mapping.SessionID != "sess-1" {
		t.Errorf("persisted mapping = %+v, %v; want sess-1", mapping, ok)
	}
	if mapping.Agent != "claude" {
		t.Errorf("persisted agent = %q, want claude", mapping.Agent)
	}

	if sm.States().GetIfExists("sess-1") == nil {
		t.Error("no runtime state created for new session")
	}
}

func TestCreateSession_AgentFailure(t *testing.T) {
	sm, client, store, _ := newTestManager(t)
	wantErr := errors.New("agent exploded")
	client.on(acp.MethodSessionNew, func(json.RawMessage) (any, error) {
		return nil, wantErr
	})

	if _, err := sm.CreateSession(context.Background(), "conv-1", "/work", nil); !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want wrapped %v", err, wantErr)
	}
	if _, ok := store.GetMapping("conv-1"); ok {
		t.Error("failed create must not record a mapping")
	}
}

func TestCreateSession_EmptyConversationID(t *testing.T) {
	sm, client, _, _ := newTestManager(t)
	if _, err := sm.CreateSession(context.Background(), "", "/work", nil); err == nil {
		t.Fatal("expected error for empty conversation id")
	}
	if calls := client.recorded(acp.MethodSessionNew); len(calls) != 0 {
		t.Errorf("session/new should not be called, got %d", len(calls))
	}
}

func TestLoadSession(t *testing.T) {
	sm, client, store, _ := newTestManager(t)
	client.on(acp.MethodSessionLoad, func(json.RawMessage) (any, error) {
		return acp.LoadSessionResponse{}, nil
	})

	info, err := sm.LoadSession(context.Background(), "conv-1", "sess-old", "/work", nil)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if info.SessionID != "sess-old" {
		t.Errorf("SessionID = %q, want sess-old", info.SessionID)
	}

	calls := client.recorded(acp.MethodSessionLoad)
	if len(calls) != 1 {
		t.Fatalf("session/load calls = %d, want 1", len(calls))
	}
	var req acp.LoadSessionRequest
	if err := json.Unmarshal(calls[0].params, &req); err != nil {
		t.Fatalf("decoding request: %v", err)
	}
	if req.SessionID != "sess-old" || req.Cwd != "/work" {
		t.Errorf("request = %+v", req)
	}

	if mapping, ok := store.GetMapping("conv-1"); !ok || mapping.SessionID != "sess-old" {
		t.Errorf("mapping = %+v, %v", mapping, ok)
	}
}

func TestLoadSession_UnknownSessionID(t *testing.T) {
	sm, client, store, _ := newTestManager(t)
	client.on(acp.MethodSessionLoad, func(json.RawMessage) (any, error) {
		return nil, &acp.RequestError{Code: acp.CodeResourceNotFound, Message: "no such session"}
	})

	_, err := sm.LoadSession(context.Background(), "conv-1", "sess-gone", "/work", nil)
	if err == nil {
		t.Fatal("expected error for unknown session id")
	}
	var reqErr *acp.RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != acp.CodeResourceNotFound {
		t.Errorf("error = %v, want wrapped RequestError", err)
	}
	if _, ok := store.GetMapping("conv-1"); ok {
		t.Error("failed load must not record a mapping")
	}
}

func TestResumeAll(t *testing.T) {
	sm, client, store, _ := newTestManager(t)
	for _, m := range []config.ConversationMapping{
		{ConversationID: "conv-good", SessionID: "sess-good", Cwd: "/a"},
		{ConversationID: "conv-gone", SessionID: "sess-gone", Cwd: "/b"},
	} {
		if err := store.SetMapping(m); err != nil {
			t.Fatalf("seeding mapping: %v", err)
		}
	}
	client.on(acp.MethodSessionLoad, func(raw json.RawMessage) (any, error) {
		var req acp.LoadSessionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		if req.SessionID == "sess-gone" {
			return nil, errors.New("agent forgot this one")
		}
		return acp.LoadSessionResponse{}, nil
	})

	failures := sm.ResumeAll(context.Background(), nil)
	if len(failures) != 1 {
		t.Fatalf("failures = %v, want exactly conv-gone", failures)
	}
	if _, ok := failures["conv-gone"]; !ok {
		t.Errorf("failures = %v, want conv-gone", failures)
	}
}

func TestPrompt(t *testing.T) {
	sm, client, _, _ := newTestManager(t)
	client.on(acp.MethodSessionPrompt, func(raw json.RawMessage) (any, error) {
		var req acp.PromptRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		if req.SessionID != "sess-1" {
			return nil, fmt.Errorf("prompt for wrong session %q", req.SessionID)
		}
		return acp.PromptResponse{StopReason: acp.StopEndTurn}, nil
	})

	if _, err := sm.CreateSession(context.Background(), "conv-1", "/work", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Leftover text from a previous turn must be cleared by the new prompt.
	sm.States().GetOrCreate("sess-1").Message.Merge("stale")

	stop, err := sm.Prompt(context.Background(), "conv-1", acp.TextContent("hi"))
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if stop != acp.StopEndTurn {
		t.Errorf("stop reason = %q, want end_turn", stop)
	}
	if got := sm.States().GetOrCreate("sess-1").MessageText(); got != "" {
		t.Errorf("message after turn reset = %q, want empty", got)
	}
}

func TestPrompt_UnknownConversation(t *testing.T) {
	sm, _, _, _ := newTestManager(t)
	if _, err := sm.Prompt(context.Background(), "nope", acp.TextContent("hi")); !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("error = %v, want ErrUnknownConversation", err)
	}
}

func TestSetMode(t *testing.T) {
	sm, client, _, _ := newTestManager(t)
	client.on(acp.MethodSessionSetMode, func(json.RawMessage) (any, error) {
		return nil, nil
	})

	if _, err := sm.CreateSession(context.Background(), "conv-1", "/work", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := sm.SetMode(context.Background(), "conv-1", "plan"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	calls := client.recorded(acp.MethodSessionSetMode)
	if len(calls) != 1 {
		t.Fatalf("set_mode calls = %d, want 1", len(calls))
	}
	var req acp.SetModeRequest
	if err := json.Unmarshal(calls[0].params, &req); err != nil {
		t.Fatalf("decoding request: %v", err)
	}
	if req.SessionID != "sess-1" || req.ModeID != "plan" {
		t.Errorf("request = %+v", req)
	}

	if err := sm.SetMode(context.Background(), "nope", "plan"); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("error = %v, want ErrUnknownConversation", err)
	}
}

func TestCancelSession(t *testing.T) {
	sm, client, store, _ := newTestManager(t)
	if _, err := sm.CreateSession(context.Background(), "conv-1", "/work", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := sm.CancelSession(context.Background(), "conv-1"); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}

	notes := client.recorded(acp.MethodSessionCancel)
	if len(notes) != 1 {
		t.Fatalf("session/cancel notifications = %d, want 1", len(notes))
	}
	var params acp.CancelNotification
	if err := json.Unmarshal(notes[0].params, &params); err != nil {
		t.Fatalf("decoding params: %v", err)
	}
	if params.SessionID != "sess-1" {
		t.Errorf("cancel session = %q, want sess-1", params.SessionID)
	}

	// Cancel keeps the mapping: the conversation can continue.
	if _, ok := store.GetMapping("conv-1"); !ok {
		t.Error("mapping dropped by cancel")
	}

	if err := sm.CancelSession(context.Background(), "nope"); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("error = %v, want ErrUnknownConversation", err)
	}
}

func TestClearSession(t *testing.T) {
	sm, _, store, _ := newTestManager(t)
	if _, err := sm.CreateSession(context.Background(), "conv-1", "/work", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := sm.ClearSession("conv-1"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if _, ok := store.GetMapping("conv-1"); ok {
		t.Error("mapping survived ClearSession")
	}
	if sm.States().GetIfExists("sess-1") != nil {
		t.Error("runtime state survived ClearSession")
	}
	if err := sm.ClearSession("conv-1"); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("second clear = %v, want ErrUnknownConversation", err)
	}
}

func TestGetSessionID(t *testing.T) {
	sm, _, _, _ := newTestManager(t)
	if _, ok := sm.GetSessionID("conv-1"); ok {
		t.Error("unmapped conversation should not resolve")
	}
	if _, err := sm.CreateSession(context.Background(), "conv-1", "/work", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id, ok := sm.GetSessionID("conv-1"); !ok || id != "sess-1" {
		t.Errorf("GetSessionID = %q, %v; want sess-1", id, ok)
	}
}

func TestUpdateStream_FeedsSessionState(t *testing.T) {
	sm, client, _, _ := newTestManager(t)
	if _, err := sm.CreateSession(context.Background(), "conv-1", "/work", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	chunk := func(text string) acp.SessionNotification {
		block := acp.TextBlock(text)
		return acp.SessionNotification{
			SessionID: "sess-1",
			Update:    acp.SessionUpdate{Kind: acp.UpdateAgentMessageChunk, Content: &block},
		}
	}
	client.notes <- chunk("Hel")
	client.notes <- chunk("Hello")
	client.notes <- chunk(", world")

	state := sm.SessionState("conv-1")
	if state == nil {
		t.Fatal("no session state for conv-1")
	}
	waitFor(t, func() bool { return state.MessageText() == "Hello, world" })
}

func TestUpdateStream_ToolCallsAndPlan(t *testing.T) {
	sm, client, _, _ := newTestManager(t)
	if _, err := sm.CreateSession(context.Background(), "conv-1", "/work", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	client.notes <- acp.SessionNotification{
		SessionID: "sess-1",
		Update: acp.SessionUpdate{Kind: acp.UpdateToolCall, ToolCall: &acp.ToolCall{
			ID: "tc-1", Title: "Read file", Kind: acp.ToolKindRead, Status: acp.ToolStatusInProgress,
		}},
	}
	client.notes <- acp.SessionNotification{
		SessionID: "sess-1",
		Update: acp.SessionUpdate{Kind: acp.UpdateToolCallUpdate, ToolCall: &acp.ToolCall{
			ID: "tc-1", Status: acp.ToolStatusCompleted,
		}},
	}
	client.notes <- acp.SessionNotification{
		SessionID: "sess-1",
		Update: acp.SessionUpdate{Kind: acp.UpdatePlan, Plan: &acp.Plan{
			Entries: []acp.PlanEntry{{Content: "step one", Status: acp.PlanEntryPending}},
		}},
	}

	state := sm.SessionState("conv-1")
	waitFor(t, func() bool {
		call, ok := state.ToolCall("tc-1")
		return ok && call.Status == acp.ToolStatusCompleted && state.Plan() != nil
	})

	// The update carried only the status; announced fields must survive.
	call, _ := state.ToolCall("tc-1")
	if call.Title != "Read file" || call.Kind != acp.ToolKindRead {
		t.Errorf("merged call = %+v", call)
	}
	if plan := state.Plan(); len(plan.Entries) != 1 || plan.Entries[0].Content != "step one" {
		t.Errorf("plan = %+v", plan)
	}
}

func TestShutdown_StopsUpdateStream(t *testing.T) {
	client := newFakeClient()
	client.on(acp.MethodSessionNew, func(json.RawMessage) (any, error) {
		return acp.NewSessionResponse{SessionID: "sess-1"}, nil
	})
	store, _ := newTestStore(t)
	sm := NewSessionManager(client, store, "claude")

	done := make(chan struct{})
	go func() {
		sm.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}
