package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tmarsden/acolyte/config"
	"github.com/tmarsden/acolyte/logger"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui       *UI
	cfg      *config.Config
	profiles *config.Profiles

	verbose bool
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "acolyte",
	Short: "Drive ACP agents from the terminal",
	Long: `acolyte spawns an external coding agent as a subprocess and speaks the
Agent Client Protocol to it over stdio. It keeps conversations durable
across restarts, sandboxes the agent's file access, and answers its
permission and terminal requests.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Debug level logging")
}

func initDeps() {
	ui = NewUI()
	ui.Verbose = verbose
	logger.SetDebug(debug)

	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading config: %v\n", err)
		os.Exit(1)
	}

	profiles, err = config.LoadDefaultProfiles()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading agent profiles: %v\n", err)
		os.Exit(1)
	}
	profiles.Watch()
}

// resolveProfile picks the agent profile for a command: the named one,
// or the configured default.
func resolveProfile(name string) (config.Profile, error) {
	if name != "" {
		prof, ok := profiles.Get(name)
		if !ok {
			return config.Profile{}, fmt.Errorf("unknown agent %q (known: %v)", name, profiles.Names())
		}
		return prof, nil
	}
	prof, ok := profiles.Default()
	if !ok {
		return config.Profile{}, fmt.Errorf("no agent given and no default configured; use --agent or set 'default' in agents.yaml")
	}
	return prof, nil
}
