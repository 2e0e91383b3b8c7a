package permission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tmarsden/acolyte/acp"
)

func testRequest(kind acp.ToolKind) Request {
	return Request{
		ToolCallID: "call_1",
		Title:      "run command",
		Kind:       kind,
	}
}

func staticCallback(decision acp.PermissionOptionKind, calls *atomic.Int64) EscalationFunc {
	return func(ctx context.Context, req Request) (acp.PermissionOptionKind, error) {
		if calls != nil {
			calls.Add(1)
		}
		return decision, nil
	}
}

func TestDecide_AutoApproveSkipsCallbacks(t *testing.T) {
	var calls atomic.Int64
	e := NewEngine(WithAutoApprove(acp.ToolKindRead, acp.ToolKindSearch))
	e.RegisterCallback(staticCallback(acp.PermissionRejectOnce, &calls))

	for _, kind := range []acp.ToolKind{acp.ToolKindRead, acp.ToolKindSearch} {
		decision, err := e.Decide(context.Background(), testRequest(kind))
		if err != nil {
			t.Fatalf("Decide(%s) failed: %v", kind, err)
		}
		if decision != acp.PermissionAllowOnce {
			t.Errorf("Decide(%s) = %s, want allow_once", kind, decision)
		}
	}
	if calls.Load() != 0 {
		t.Errorf("callback invoked %d times for auto-approved kinds", calls.Load())
	}
}

func TestDecide_NoHandler(t *testing.T) {
	e := NewEngine()
	decision, err := e.Decide(context.Background(), testRequest(acp.ToolKindExecute))
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
	if decision != acp.PermissionRejectOnce {
		t.Errorf("decision = %s, want reject_once", decision)
	}
}

func TestDecide_AllowAlwaysCachesRule(t *testing.T) {
	var calls atomic.Int64
	e := NewEngine()
	e.RegisterCallback(staticCallback(acp.PermissionAllowAlways, &calls))

	decision, err := e.Decide(context.Background(), testRequest(acp.ToolKindEdit))
	if err != nil {
		t.Fatalf("first Decide failed: %v", err)
	}
	if decision != acp.PermissionAllowAlways {
		t.Fatalf("first decision = %s, want allow_always", decision)
	}
	if calls.Load() != 1 {
		t.Fatalf("callback invoked %d times, want 1", calls.Load())
	}

	// The cached rule answers without escalating, as a single-use allow.
	decision, err = e.Decide(context.Background(), testRequest(acp.ToolKindEdit))
	if err != nil {
		t.Fatalf("second Decide failed: %v", err)
	}
	if decision != acp.PermissionAllowOnce {
		t.Errorf("second decision = %s, want allow_once", decision)
	}
	if calls.Load() != 1 {
		t.Errorf("callback invoked %d times after rule cached, want 1", calls.Load())
	}

	e.RemoveRule(acp.ToolKindEdit)
	if _, err := e.Decide(context.Background(), testRequest(acp.ToolKindEdit)); err != nil {
		t.Fatalf("Decide after RemoveRule failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("callback invoked %d times after RemoveRule, want 2", calls.Load())
	}
}

func TestDecide_RejectAlwaysCachesRule(t *testing.T) {
	var calls atomic.Int64
	e := NewEngine()
	e.RegisterCallback(staticCallback(acp.PermissionRejectAlways, &calls))

	decision, err := e.Decide(context.Background(), testRequest(acp.ToolKindDelete))
	if err != nil {
		t.Fatalf("first Decide failed: %v", err)
	}
	if decision != acp.PermissionRejectAlways {
		t.Fatalf("first decision = %s, want reject_always", decision)
	}

	decision, err = e.Decide(context.Background(), testRequest(acp.ToolKindDelete))
	if err != nil {
		t.Fatalf("second Decide failed: %v", err)
	}
	if decision != acp.PermissionRejectOnce {
		t.Errorf("second decision = %s, want reject_once", decision)
	}
	if calls.Load() != 1 {
		t.Errorf("callback invoked %d times, want 1", calls.Load())
	}
}

func TestDecide_ClearRules(t *testing.T) {
	var calls atomic.Int64
	e := NewEngine()
	e.RegisterCallback(staticCallback(acp.PermissionAllowAlways, &calls))

	if _, err := e.Decide(context.Background(), testRequest(acp.ToolKindFetch)); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if len(e.Rules()) != 1 {
		t.Fatalf("expected 1 cached rule, got %d", len(e.Rules()))
	}
	e.ClearRules()
	if len(e.Rules()) != 0 {
		t.Fatalf("expected 0 rules after ClearRules, got %d", len(e.Rules()))
	}
	if _, err := e.Decide(context.Background(), testRequest(acp.ToolKindFetch)); err != nil {
		t.Fatalf("Decide after ClearRules failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("callback invoked %d times, want 2", calls.Load())
	}
}

func TestDecide_FirstRegisteredAuthoritative(t *testing.T) {
	e := NewEngine()
	secondaryRan := make(chan struct{})
	e.RegisterCallback(func(ctx context.Context, req Request) (acp.PermissionOptionKind, error) {
		return acp.PermissionAllowOnce, nil
	})
	e.RegisterCallback(func(ctx context.Context, req Request) (acp.PermissionOptionKind, error) {
		close(secondaryRan)
		return acp.PermissionRejectAlways, nil
	})

	decision, err := e.Decide(context.Background(), testRequest(acp.ToolKindExecute))
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision != acp.PermissionAllowOnce {
		t.Errorf("decision = %s, want allow_once from first callback", decision)
	}

	select {
	case <-secondaryRan:
	case <-time.After(time.Second):
		t.Fatal("secondary callback never invoked")
	}
	// The secondary reject_always must not have cached a rule.
	if len(e.Rules()) != 0 {
		t.Errorf("secondary callback polluted the rule cache: %v", e.Rules())
	}
}

func TestDecide_CallbacksRunConcurrently(t *testing.T) {
	e := NewEngine()
	var wg sync.WaitGroup
	wg.Add(2)
	barrier := make(chan struct{})
	// Both callbacks block until each other has started. A sequential
	// engine would deadlock here.
	sync2 := func(ctx context.Context, req Request) (acp.PermissionOptionKind, error) {
		wg.Done()
		wg.Wait()
		<-barrier
		return acp.PermissionAllowOnce, nil
	}
	e.RegisterCallback(sync2)
	e.RegisterCallback(sync2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
		close(barrier)
	}()

	if _, err := e.Decide(context.Background(), testRequest(acp.ToolKindOther)); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callbacks did not run concurrently")
	}
}

func TestDecide_CallbackError(t *testing.T) {
	e := NewEngine()
	e.RegisterCallback(func(ctx context.Context, req Request) (acp.PermissionOptionKind, error) {
		return "", errors.New("ui went away")
	})
	decision, err := e.Decide(context.Background(), testRequest(acp.ToolKindExecute))
	if err == nil {
		t.Fatal("expected error from failing callback")
	}
	if decision != acp.PermissionRejectOnce {
		t.Errorf("decision = %s, want reject_once", decision)
	}
	// Errors never cache rules.
	if len(e.Rules()) != 0 {
		t.Errorf("error cached a rule: %v", e.Rules())
	}
}

func TestDecide_Timeout(t *testing.T) {
	e := NewEngine(WithEscalationTimeout(50 * time.Millisecond))
	e.RegisterCallback(func(ctx context.Context, req Request) (acp.PermissionOptionKind, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	start := time.Now()
	decision, err := e.Decide(context.Background(), testRequest(acp.ToolKindExecute))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if decision != acp.PermissionRejectOnce {
		t.Errorf("decision = %s, want reject_once", decision)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestDecide_ContextCancelled(t *testing.T) {
	e := NewEngine()
	e.RegisterCallback(func(ctx context.Context, req Request) (acp.PermissionOptionKind, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := e.Decide(ctx, testRequest(acp.ToolKindExecute))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRegisterCallback_Unregister(t *testing.T) {
	e := NewEngine()
	unregister := e.RegisterCallback(staticCallback(acp.PermissionAllowOnce, nil))
	unregister()
	unregister() // second call is a no-op

	_, err := e.Decide(context.Background(), testRequest(acp.ToolKindExecute))
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler after unregister, got %v", err)
	}
}

func TestRegisterCallback_UnregisterOutOfOrder(t *testing.T) {
	var first, second, third atomic.Int64
	e := NewEngine()
	unregFirst := e.RegisterCallback(staticCallback(acp.PermissionRejectOnce, &first))
	unregSecond := e.RegisterCallback(staticCallback(acp.PermissionRejectOnce, &second))
	e.RegisterCallback(staticCallback(acp.PermissionAllowOnce, &third))

	// Removing the first shifts slice positions; removing the second must
	// still delete the right callback and promote the third.
	unregFirst()
	unregSecond()

	decision, err := e.Decide(context.Background(), testRequest(acp.ToolKindExecute))
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision != acp.PermissionAllowOnce {
		t.Errorf("decision = %s, want allow_once from the remaining callback", decision)
	}
	if first.Load() != 0 || second.Load() != 0 {
		t.Errorf("unregistered callbacks invoked: first=%d second=%d", first.Load(), second.Load())
	}
	if third.Load() != 1 {
		t.Errorf("remaining callback invoked %d times, want 1", third.Load())
	}

	unregSecond() // repeated call stays a no-op
	if _, err := e.Decide(context.Background(), testRequest(acp.ToolKindExecute)); err != nil {
		t.Fatalf("Decide after repeated unregister failed: %v", err)
	}
	if third.Load() != 2 {
		t.Errorf("remaining callback invoked %d times, want 2", third.Load())
	}
}

func TestSetAutoApprove_Replaces(t *testing.T) {
	var calls atomic.Int64
	e := NewEngine(WithAutoApprove(acp.ToolKindRead))
	e.RegisterCallback(staticCallback(acp.PermissionAllowOnce, &calls))

	e.SetAutoApprove([]acp.ToolKind{acp.ToolKindThink})

	if _, err := e.Decide(context.Background(), testRequest(acp.ToolKindRead)); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("read should escalate after SetAutoApprove replaced the set")
	}
	if _, err := e.Decide(context.Background(), testRequest(acp.ToolKindThink)); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("think should be auto-approved")
	}
}

func TestSelectOption(t *testing.T) {
	options := []acp.PermissionOption{
		{OptionID: "a1", Name: "Allow", Kind: acp.PermissionAllowOnce},
		{OptionID: "a2", Name: "Always Allow", Kind: acp.PermissionAllowAlways},
		{OptionID: "r1", Name: "Reject", Kind: acp.PermissionRejectOnce},
	}

	tests := []struct {
		name     string
		decision acp.PermissionOptionKind
		options  []acp.PermissionOption
		wantID   string
		wantOK   bool
	}{
		{"exact allow once", acp.PermissionAllowOnce, options, "a1", true},
		{"exact allow always", acp.PermissionAllowAlways, options, "a2", true},
		{"exact reject once", acp.PermissionRejectOnce, options, "r1", true},
		{"reject always falls back to reject once", acp.PermissionRejectAlways, options, "r1", true},
		{
			"allow once falls back to allow always",
			acp.PermissionAllowOnce,
			[]acp.PermissionOption{{OptionID: "only", Kind: acp.PermissionAllowAlways}},
			"only", true,
		},
		{
			"no compatible option",
			acp.PermissionAllowOnce,
			[]acp.PermissionOption{{OptionID: "r", Kind: acp.PermissionRejectOnce}},
			"", false,
		},
		{"empty options", acp.PermissionAllowOnce, nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := SelectOption(tt.options, tt.decision)
			if ok != tt.wantOK || id != tt.wantID {
				t.Errorf("SelectOption = (%q, %v), want (%q, %v)", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}
