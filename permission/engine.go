// Package permission decides whether agent-requested tool calls may run.
//
// Two independent mechanisms live here:
//
//   - Engine: an auto-approve set, a cache of "always" rules keyed by tool
//     kind, and interactive escalation callbacks consulted when neither
//     applies. Callbacks run concurrently; the first-registered callback is
//     authoritative, the rest are observational.
//   - PolicyList: declarative first-match-wins glob rules evaluated by the
//     caller before the Engine is ever consulted. The two must not be
//     conflated: a policy short-circuit never touches the rule cache.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tmarsden/acolyte/acp"
	"github.com/tmarsden/acolyte/logger"
)

// ErrNoHandler is returned from Decide when escalation is needed but no
// callback is registered.
var ErrNoHandler = errors.New("no permission handler registered")

// DefaultEscalationTimeout is how long Decide waits for the authoritative
// callback before denying. Generous because a human may be reading the
// prompt.
const DefaultEscalationTimeout = 5 * time.Minute

// Request is the payload handed to every escalation callback. All
// callbacks for one Decide call receive the identical request.
type Request struct {
	ToolCallID string
	Title      string
	Kind       acp.ToolKind
	RawInput   json.RawMessage
}

// EscalationFunc answers a permission request interactively. Returning an
// error counts as a rejection of this call only.
type EscalationFunc func(ctx context.Context, req Request) (acp.PermissionOptionKind, error)

// ruleDecision is the cached half of an "always" answer.
type ruleDecision bool

const (
	ruleAllow  ruleDecision = true
	ruleReject ruleDecision = false
)

// registeredCallback tags a callback with a stable id so unregistration
// survives earlier removals shifting slice positions.
type registeredCallback struct {
	id uint64
	fn EscalationFunc
}

// Engine owns the auto-approve set, the rule cache, and the registered
// escalation callbacks. All mutation is serialized on one mutex.
type Engine struct {
	mu          sync.Mutex
	autoApprove map[acp.ToolKind]struct{}
	rules       map[acp.ToolKind]ruleDecision
	callbacks   []registeredCallback
	nextCBID    uint64
	timeout     time.Duration
	log         *slog.Logger
}

// EngineOption configures a new Engine.
type EngineOption func(*Engine)

// WithAutoApprove seeds the auto-approve set.
func WithAutoApprove(kinds ...acp.ToolKind) EngineOption {
	return func(e *Engine) {
		for _, k := range kinds {
			e.autoApprove[k] = struct{}{}
		}
	}
}

// WithEscalationTimeout overrides the escalation wait deadline.
func WithEscalationTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.timeout = d
	}
}

// NewEngine creates an Engine with no rules and no callbacks.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		autoApprove: make(map[acp.ToolKind]struct{}),
		rules:       make(map[acp.ToolKind]ruleDecision),
		timeout:     DefaultEscalationTimeout,
		log:         logger.WithComponent("permission"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterCallback appends an escalation callback. The first registered
// callback is the authoritative one for every escalation; later callbacks
// still receive each request and may log or mirror it. The returned func
// unregisters the callback.
func (e *Engine) RegisterCallback(fn EscalationFunc) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextCBID
	e.nextCBID++
	e.callbacks = append(e.callbacks, registeredCallback{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, cb := range e.callbacks {
			if cb.id == id {
				e.callbacks = append(e.callbacks[:i], e.callbacks[i+1:]...)
				return
			}
		}
	}
}

// SetAutoApprove replaces the auto-approve set.
func (e *Engine) SetAutoApprove(kinds []acp.ToolKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoApprove = make(map[acp.ToolKind]struct{}, len(kinds))
	for _, k := range kinds {
		e.autoApprove[k] = struct{}{}
	}
}

// ClearRules drops every cached rule.
func (e *Engine) ClearRules() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make(map[acp.ToolKind]ruleDecision)
}

// RemoveRule drops the cached rule for one kind; the next Decide for that
// kind escalates again.
func (e *Engine) RemoveRule(kind acp.ToolKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, kind)
}

// Rules returns a snapshot of the cached rules as kind→allow.
func (e *Engine) Rules() map[acp.ToolKind]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[acp.ToolKind]bool, len(e.rules))
	for k, d := range e.rules {
		out[k] = bool(d)
	}
	return out
}

// Decide resolves a permission request.
//
// Evaluation order: the auto-approve set, then the rule cache, then
// concurrent escalation. An allow_always/reject_always answer stores a rule
// for the kind (latest write wins) before being returned.
func (e *Engine) Decide(ctx context.Context, req Request) (acp.PermissionOptionKind, error) {
	e.mu.Lock()
	if _, ok := e.autoApprove[req.Kind]; ok {
		e.mu.Unlock()
		e.log.Debug("auto-approved", "toolCallID", req.ToolCallID, "kind", req.Kind)
		return acp.PermissionAllowOnce, nil
	}
	if rule, ok := e.rules[req.Kind]; ok {
		e.mu.Unlock()
		// Cached "always" answers replay as single-use decisions.
		if rule == ruleAllow {
			e.log.Debug("allowed by cached rule", "toolCallID", req.ToolCallID, "kind", req.Kind)
			return acp.PermissionAllowOnce, nil
		}
		e.log.Debug("rejected by cached rule", "toolCallID", req.ToolCallID, "kind", req.Kind)
		return acp.PermissionRejectOnce, nil
	}
	callbacks := make([]EscalationFunc, len(e.callbacks))
	for i, cb := range e.callbacks {
		callbacks[i] = cb.fn
	}
	timeout := e.timeout
	e.mu.Unlock()

	if len(callbacks) == 0 {
		return acp.PermissionRejectOnce, fmt.Errorf("%w (tool call %s)", ErrNoHandler, req.ToolCallID)
	}

	decision, err := e.escalate(ctx, req, callbacks, timeout)
	if err != nil {
		return acp.PermissionRejectOnce, err
	}

	switch decision {
	case acp.PermissionAllowAlways:
		e.storeRule(req.Kind, ruleAllow)
	case acp.PermissionRejectAlways:
		e.storeRule(req.Kind, ruleReject)
	}
	return decision, nil
}

func (e *Engine) storeRule(kind acp.ToolKind, d ruleDecision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[kind] = d
}

type escalationResult struct {
	decision acp.PermissionOptionKind
	err      error
}

// escalate fans the request out to every callback concurrently and waits
// for the first-registered one. Secondary callbacks run for their side
// effects; their answers are logged and discarded.
func (e *Engine) escalate(ctx context.Context, req Request, callbacks []EscalationFunc, timeout time.Duration) (acp.PermissionOptionKind, error) {
	authoritative := make(chan escalationResult, 1)

	for i, fn := range callbacks {
		i, fn := i, fn
		go func() {
			decision, err := fn(ctx, req)
			if i == 0 {
				authoritative <- escalationResult{decision, err}
				return
			}
			if err != nil {
				e.log.Debug("secondary permission callback errored", "toolCallID", req.ToolCallID, "index", i, "error", err)
				return
			}
			e.log.Debug("secondary permission callback answered", "toolCallID", req.ToolCallID, "index", i, "decision", decision)
		}()
	}

	select {
	case res := <-authoritative:
		if res.err != nil {
			return acp.PermissionRejectOnce, fmt.Errorf("permission callback failed: %w", res.err)
		}
		return res.decision, nil
	case <-ctx.Done():
		return acp.PermissionRejectOnce, ctx.Err()
	case <-time.After(timeout):
		e.log.Warn("permission escalation timed out", "toolCallID", req.ToolCallID, "kind", req.Kind)
		return acp.PermissionRejectOnce, fmt.Errorf("permission escalation timed out after %s", timeout)
	}
}

// SelectOption maps a decision onto the options the agent offered,
// preferring an exact kind match with a fallback to the other variant of
// the same polarity. ok is false when no option fits, in which case the
// caller should answer with a cancelled outcome.
func SelectOption(options []acp.PermissionOption, decision acp.PermissionOptionKind) (string, bool) {
	preferences := map[acp.PermissionOptionKind][]acp.PermissionOptionKind{
		acp.PermissionAllowOnce:    {acp.PermissionAllowOnce, acp.PermissionAllowAlways},
		acp.PermissionAllowAlways:  {acp.PermissionAllowAlways, acp.PermissionAllowOnce},
		acp.PermissionRejectOnce:   {acp.PermissionRejectOnce, acp.PermissionRejectAlways},
		acp.PermissionRejectAlways: {acp.PermissionRejectAlways, acp.PermissionRejectOnce},
	}
	for _, want := range preferences[decision] {
		for _, opt := range options {
			if opt.Kind == want {
				return opt.OptionID, true
			}
		}
	}
	return "", false
}
