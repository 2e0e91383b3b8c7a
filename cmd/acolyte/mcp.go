package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tmarsden/acolyte/acp"
	"github.com/tmarsden/acolyte/mcp"
	"github.com/tmarsden/acolyte/tools"
)

var (
	mcpAgent   string
	mcpTimeout time.Duration
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Inspect and exercise the agent profile's MCP servers",
}

var mcpToolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools every configured MCP server offers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prof, err := resolveProfile(mcpAgent)
		if err != nil {
			return err
		}
		servers := prof.ACPServers()
		if len(servers) == 0 {
			ui.Info("profile %s has no MCP servers configured", prof.Name)
			return nil
		}

		pool := mcp.NewPool(servers)
		defer pool.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), mcpTimeout)
		defer cancel()

		table := ui.Table([]string{"SERVER", "TOOL", "DESCRIPTION"})
		var failures []error
		for _, server := range servers {
			infos, err := pool.ListTools(ctx, server.Name)
			if err != nil {
				failures = append(failures, err)
				continue
			}
			for _, info := range infos {
				_ = table.Append([]string{info.Server, info.Name, info.Description})
			}
		}
		table.Render()
		return errors.Join(failures...)
	},
}

var mcpCallCmd = &cobra.Command{
	Use:   "call <server> <tool> [json-args]",
	Short: "Invoke one MCP tool and print its text output",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		prof, err := resolveProfile(mcpAgent)
		if err != nil {
			return err
		}

		toolArgs := json.RawMessage("{}")
		if len(args) == 3 {
			if !json.Valid([]byte(args[2])) {
				return fmt.Errorf("arguments must be a JSON object: %q", args[2])
			}
			toolArgs = json.RawMessage(args[2])
		}
		rawInput, err := json.Marshal(struct {
			Server string          `json:"server"`
			Tool   string          `json:"tool"`
			Args   json.RawMessage `json:"args"`
		}{args[0], args[1], toolArgs})
		if err != nil {
			return err
		}

		pool := mcp.NewPool(prof.ACPServers())
		defer pool.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), mcpTimeout)
		defer cancel()

		// Route through the dispatcher so the call takes the same path an
		// agent-initiated mcp tool call would.
		d := tools.NewDispatcher(nil, nil, pool)
		result := d.Execute(ctx, acp.ToolCall{
			ID:       "cli",
			Kind:     acp.ToolKindMCP,
			RawInput: rawInput,
		})
		if result.Error != "" {
			return errors.New(result.Error)
		}
		fmt.Fprintln(ui.Out, result.Output)
		return nil
	},
}

func init() {
	mcpCmd.PersistentFlags().StringVarP(&mcpAgent, "agent", "a", "", "Agent profile whose MCP servers to use")
	mcpCmd.PersistentFlags().DurationVar(&mcpTimeout, "timeout", 30*time.Second, "Deadline for MCP operations")
	mcpCmd.AddCommand(mcpToolsCmd)
	mcpCmd.AddCommand(mcpCallCmd)
	rootCmd.AddCommand(mcpCmd)
}
