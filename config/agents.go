package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/tmarsden/acolyte/acp"
	"github.com/tmarsden/acolyte/logger"
	"github.com/tmarsden/acolyte/paths"
	"github.com/tmarsden/acolyte/permission"
)

// Profile describes one agent the client knows how to spawn, plus the
// permission policies and MCP servers that apply when it runs.
type Profile struct {
	Name       string                `mapstructure:"name" yaml:"name"`
	Command    string                `mapstructure:"command" yaml:"command"`
	Args       []string              `mapstructure:"args" yaml:"args"`
	Env        map[string]string     `mapstructure:"env" yaml:"env"`
	Policies   permission.PolicyList `mapstructure:"policies" yaml:"policies,omitempty"`
	MCPServers []MCPServerConfig     `mapstructure:"mcp_servers" yaml:"mcp_servers,omitempty"`
}

// MCPServerConfig is one MCP server made available to the agent's
// sessions.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name" yaml:"name"`
	Command string            `mapstructure:"command" yaml:"command"`
	Args    []string          `mapstructure:"args" yaml:"args"`
	Env     map[string]string `mapstructure:"env" yaml:"env"`
}

// ACPServers converts the profile's MCP server configs to the wire
// representation handed to session/new and session/load.
func (p Profile) ACPServers() []acp.MCPServer {
	if len(p.MCPServers) == 0 {
		return nil
	}
	out := make([]acp.MCPServer, 0, len(p.MCPServers))
	for _, s := range p.MCPServers {
		server := acp.MCPServer{Name: s.Name, Command: s.Command, Args: s.Args}
		keys := make([]string, 0, len(s.Env))
		for k := range s.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			server.Env = append(server.Env, acp.EnvVariable{Name: k, Value: s.Env[k]})
		}
		out = append(out, server)
	}
	return out
}

// Environ renders the profile's env map as KEY=VALUE pairs in sorted
// order, ready for a subprocess environment.
func (p Profile) Environ() []string {
	if len(p.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+p.Env[k])
	}
	return out
}

// Profiles is the live view of agents.yaml. Watch keeps it current when
// the file changes on disk.
type Profiles struct {
	v   *viper.Viper
	log *slog.Logger

	mu          sync.RWMutex
	profiles    map[string]Profile
	order       []string
	defaultName string
}

// LoadProfiles reads agent profiles from the given YAML file. A missing
// file yields an empty set rather than an error.
func LoadProfiles(path string) (*Profiles, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	p := &Profiles{
		v:        v,
		log:      logger.WithComponent("config"),
		profiles: make(map[string]Profile),
	}

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return p, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadDefaultProfiles reads profiles from the standard location.
func LoadDefaultProfiles() (*Profiles, error) {
	path, err := paths.AgentsFilePath()
	if err != nil {
		return nil, err
	}
	return LoadProfiles(path)
}

func (p *Profiles) reload() error {
	var raw struct {
		Default string    `mapstructure:"default"`
		Agents  []Profile `mapstructure:"agents"`
	}
	if err := p.v.Unmarshal(&raw); err != nil {
		return fmt.Errorf("parsing agent profiles: %w", err)
	}

	profiles := make(map[string]Profile, len(raw.Agents))
	var order []string
	for _, prof := range raw.Agents {
		if prof.Name == "" {
			return fmt.Errorf("agent profile with empty name")
		}
		if prof.Command == "" {
			return fmt.Errorf("agent profile %q has no command", prof.Name)
		}
		if _, dup := profiles[prof.Name]; dup {
			return fmt.Errorf("duplicate agent profile %q", prof.Name)
		}
		if err := prof.Policies.Validate(); err != nil {
			return fmt.Errorf("agent profile %q: %w", prof.Name, err)
		}
		for _, srv := range prof.MCPServers {
			if srv.Name == "" || srv.Command == "" {
				return fmt.Errorf("agent profile %q: MCP server missing name or command", prof.Name)
			}
		}
		profiles[prof.Name] = prof
		order = append(order, prof.Name)
	}

	p.mu.Lock()
	p.profiles = profiles
	p.order = order
	p.defaultName = raw.Default
	p.mu.Unlock()
	return nil
}

// Watch re-reads the file whenever it changes. Malformed edits are logged
// and the previous profile set stays in effect.
func (p *Profiles) Watch() {
	p.v.OnConfigChange(func(e fsnotify.Event) {
		p.log.Info("agent profiles changed, reloading", "file", e.Name)
		if err := p.reload(); err != nil {
			p.log.Error("keeping previous agent profiles", "error", err)
		}
	})
	p.v.WatchConfig()
}

// Get returns the named profile.
func (p *Profiles) Get(name string) (Profile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prof, ok := p.profiles[name]
	return prof, ok
}

// Default returns the configured default profile, falling back to the
// only profile when exactly one is defined.
func (p *Profiles) Default() (Profile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.defaultName != "" {
		prof, ok := p.profiles[p.defaultName]
		return prof, ok
	}
	if len(p.order) == 1 {
		return p.profiles[p.order[0]], true
	}
	return Profile{}, false
}

// Names lists profile names in declaration order.
func (p *Profiles) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}
