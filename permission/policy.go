package permission

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Action is the verdict a policy assigns to a matching key.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionDeny   Action = "deny"
	ActionPrompt Action = "prompt"
)

// Policy binds a glob pattern over permission keys to an action.
type Policy struct {
	Pattern     string `yaml:"pattern" json:"pattern"`
	Action      Action `yaml:"action" json:"action"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// PolicyList is an ordered set of policies. Evaluation is first-match-wins;
// an empty list prompts for everything.
type PolicyList []Policy

// Key builds the canonical permission key a policy pattern matches
// against, e.g. Key("fs", "write") == "fs:write".
func Key(scope, action string) string {
	return scope + ":" + action
}

// Evaluate returns the action of the first policy whose pattern matches
// key, or ActionPrompt when none matches. Patterns use doublestar glob
// syntax; a malformed pattern simply never matches.
func (pl PolicyList) Evaluate(key string) Action {
	for _, p := range pl {
		ok, err := doublestar.Match(p.Pattern, key)
		if err != nil {
			continue
		}
		if ok {
			return p.Action
		}
	}
	return ActionPrompt
}

// Validate reports the first malformed pattern or unknown action in the
// list. Useful at config load time so bad policies fail loudly instead of
// silently never matching.
func (pl PolicyList) Validate() error {
	for i, p := range pl {
		if !doublestar.ValidatePattern(p.Pattern) {
			return fmt.Errorf("policy %d: invalid pattern %q", i, p.Pattern)
		}
		switch p.Action {
		case ActionAllow, ActionDeny, ActionPrompt:
		default:
			return fmt.Errorf("policy %d: unknown action %q", i, p.Action)
		}
	}
	return nil
}
