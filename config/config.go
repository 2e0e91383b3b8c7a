// Package config persists client state: the conversation↔session mapping
// store (JSON) and agent profiles (YAML, live-reloaded).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tmarsden/acolyte/paths"
	"github.com/tmarsden/acolyte/permission"
)

// ConversationMapping binds one client-side conversation to the agent
// session backing it.
type ConversationMapping struct {
	ConversationID string    `json:"conversation_id"`
	SessionID      string    `json:"session_id"`
	Agent          string    `json:"agent,omitempty"`
	Cwd            string    `json:"cwd,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Config holds persisted client state. The file is rewritten after every
// mutation so a crash never loses more than the in-flight change.
type Config struct {
	Mappings    []ConversationMapping `json:"mappings"`
	AutoApprove []string              `json:"auto_approve,omitempty"` // tool kinds decided without escalation
	Policies    permission.PolicyList `json:"policies,omitempty"`
	DefaultCwd  string                `json:"default_cwd,omitempty"`

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from the standard location, or creates an empty
// one if the file doesn't exist yet.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config backed by an explicit file path.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{
		Mappings: []ConversationMapping{},
		filePath: path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.ensureInitialized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ensureInitialized keeps slices non-nil after unmarshaling. Only safe
// during single-threaded initialization.
func (c *Config) ensureInitialized() {
	if c.Mappings == nil {
		c.Mappings = []ConversationMapping{}
	}
	if c.AutoApprove == nil {
		c.AutoApprove = []string{}
	}
}

// Validate checks internal consistency: unique non-empty conversation ids
// and well-formed policies.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	for _, m := range c.Mappings {
		if m.ConversationID == "" {
			return fmt.Errorf("mapping with empty conversation id")
		}
		if seen[m.ConversationID] {
			return fmt.Errorf("duplicate conversation id: %s", m.ConversationID)
		}
		seen[m.ConversationID] = true
		if m.SessionID == "" {
			return fmt.Errorf("conversation %s has empty session id", m.ConversationID)
		}
	}
	return c.Policies.Validate()
}

// Save writes the config to disk with owner-only permissions.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

func (c *Config) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.filePath, data, 0600)
}

// SetFilePath overrides the backing file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// SetMapping records or replaces the mapping for a conversation and
// persists immediately.
func (c *Config) SetMapping(m ConversationMapping) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	replaced := false
	for i, existing := range c.Mappings {
		if existing.ConversationID == m.ConversationID {
			m.CreatedAt = existing.CreatedAt
			c.Mappings[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		c.Mappings = append(c.Mappings, m)
	}
	return c.saveLocked()
}

// GetMapping looks up the mapping for a conversation.
func (c *Config) GetMapping(conversationID string) (ConversationMapping, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.Mappings {
		if m.ConversationID == conversationID {
			return m, true
		}
	}
	return ConversationMapping{}, false
}

// RemoveMapping deletes a conversation's mapping and persists. Returns
// false when the conversation was unknown.
func (c *Config) RemoveMapping(conversationID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, m := range c.Mappings {
		if m.ConversationID == conversationID {
			c.Mappings = append(c.Mappings[:i], c.Mappings[i+1:]...)
			return true, c.saveLocked()
		}
	}
	return false, nil
}

// RemoveMappings deletes multiple conversations at once, persisting a
// single rewrite. Returns how many were removed.
func (c *Config) RemoveMappings(conversationIDs []string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idSet := make(map[string]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		idSet[id] = true
	}

	removed := 0
	remaining := make([]ConversationMapping, 0, len(c.Mappings))
	for _, m := range c.Mappings {
		if idSet[m.ConversationID] {
			removed++
		} else {
			remaining = append(remaining, m)
		}
	}
	c.Mappings = remaining
	if removed == 0 {
		return 0, nil
	}
	return removed, c.saveLocked()
}

// ListMappings returns a copy of the mappings slice.
func (c *Config) ListMappings() []ConversationMapping {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ConversationMapping, len(c.Mappings))
	copy(out, c.Mappings)
	return out
}

// GetAutoApprove returns a copy of the auto-approved tool kinds.
func (c *Config) GetAutoApprove() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.AutoApprove))
	copy(out, c.AutoApprove)
	return out
}

// SetAutoApprove replaces the auto-approved tool kinds and persists.
func (c *Config) SetAutoApprove(kinds []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AutoApprove = append([]string(nil), kinds...)
	return c.saveLocked()
}

// GetPolicies returns a copy of the permission policies.
func (c *Config) GetPolicies() permission.PolicyList {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(permission.PolicyList, len(c.Policies))
	copy(out, c.Policies)
	return out
}

// GetDefaultCwd returns the configured default working directory.
func (c *Config) GetDefaultCwd() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DefaultCwd
}

// SetDefaultCwd sets the default working directory and persists.
func (c *Config) SetDefaultCwd(cwd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DefaultCwd = cwd
	return c.saveLocked()
}
