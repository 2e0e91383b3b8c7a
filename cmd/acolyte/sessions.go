package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted conversation mappings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mappings := cfg.ListMappings()
		if len(mappings) == 0 {
			ui.Info("no saved conversations")
			return nil
		}

		table := ui.Table([]string{"CONVERSATION", "SESSION", "AGENT", "CWD", "CREATED"})
		for _, m := range mappings {
			_ = table.Append([]string{
				m.ConversationID,
				m.SessionID,
				m.Agent,
				m.Cwd,
				m.CreatedAt.Local().Format("2006-01-02 15:04"),
			})
		}
		table.Render()
		return nil
	},
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear <conversation-id>",
	Short: "Forget a conversation's session mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		removed, err := cfg.RemoveMapping(args[0])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("no mapping for conversation %q", args[0])
		}
		ui.Success("forgot conversation %s", args[0])
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsClearCmd)
	rootCmd.AddCommand(sessionsCmd)
}
