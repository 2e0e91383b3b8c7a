package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tmarsden/acolyte/acp"
	"github.com/tmarsden/acolyte/agent"
	"github.com/tmarsden/acolyte/cli"
	"github.com/tmarsden/acolyte/logger"
	"github.com/tmarsden/acolyte/manager"
	"github.com/tmarsden/acolyte/permission"
	"github.com/tmarsden/acolyte/sandbox"
	"github.com/tmarsden/acolyte/term"
	"github.com/tmarsden/acolyte/tools"
)

var (
	runAgent        string
	runCwd          string
	runConversation string
	runWireLog      bool
	runYes          bool
)

var runCmd = &cobra.Command{
	Use:   "run \"prompt\"",
	Short: "Run one prompt turn against an agent",
	Long: `run spawns the agent, creates a session (or resumes the conversation
named with --conversation), streams the agent's output, and prints the
stop reason when the turn ends. Ctrl-C cancels the turn.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(args[0])
	},
}

func init() {
	runCmd.Flags().StringVarP(&runAgent, "agent", "a", "", "Agent profile to use")
	runCmd.Flags().StringVar(&runCwd, "cwd", "", "Working directory the agent operates in")
	runCmd.Flags().StringVarP(&runConversation, "conversation", "c", "", "Conversation ID to resume (default: new conversation)")
	runCmd.Flags().BoolVar(&runWireLog, "wire-log", false, "Log raw protocol frames")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Approve every tool call without prompting")
	rootCmd.AddCommand(runCmd)
}

func runRun(prompt string) error {
	prof, err := resolveProfile(runAgent)
	if err != nil {
		return err
	}
	command, err := cli.CheckPrerequisites(prof)
	if err != nil {
		return err
	}

	cwd, err := resolveCwd()
	if err != nil {
		return err
	}

	proc := agent.NewProcess(agent.ProcessConfig{
		Name:    prof.Name,
		Command: command,
		Args:    prof.Args,
		Env:     prof.Environ(),
		Dir:     cwd,
	}, agent.ProcessCallbacks{
		OnExit: func(exitErr error, stderr string) {
			if exitErr != nil {
				ui.Error("agent exited: %v", exitErr)
				if stderr != "" {
					fmt.Fprintln(ui.ErrOut, stderr)
				}
			}
		},
	})
	if err := proc.Start(); err != nil {
		return fmt.Errorf("starting agent %s: %w", prof.Name, err)
	}
	defer proc.Stop()
	ui.VerboseLog("agent %s started (pid %d)", prof.Name, proc.PID())

	var clientOpts []agent.ClientOption
	if runWireLog {
		wirePath, err := logger.WireLogPath(prof.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(wirePath), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(wirePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening wire log: %w", err)
		}
		defer f.Close()
		clientOpts = append(clientOpts, agent.WithWireLog(f))
		ui.VerboseLog("wire log: %s", wirePath)
	}

	client := agent.NewClient(proc.Stdin(), proc.Stdout(), clientOpts...)
	defer client.Close()

	fsbox, err := sandbox.New(cwd)
	if err != nil {
		return fmt.Errorf("sandbox root %s: %w", cwd, err)
	}
	terminals := term.NewManager(nil)
	defer terminals.Shutdown()

	engine := permission.NewEngine(permission.WithAutoApprove(autoApproveKinds()...))
	if runYes {
		engine.SetAutoApprove(allToolKinds())
	} else {
		unregister := engine.RegisterCallback(promptEscalation(ui))
		defer unregister()
	}

	// Profile policies shadow the global ones: first match wins.
	policies := append(append(permission.PolicyList{}, prof.Policies...), cfg.GetPolicies()...)

	tools.RegisterHandlers(client, tools.HandlerDeps{
		FS:          fsbox,
		Terminals:   terminals,
		Permissions: engine,
		Policies:    policies,
	})

	ctx := context.Background()
	info, err := client.Initialize(ctx, acp.ClientCapabilities{
		FS:       acp.FSCapability{ReadTextFile: true, WriteTextFile: true},
		Terminal: true,
	})
	if err != nil {
		return err
	}

	sm := manager.NewSessionManager(client, cfg, prof.Name)
	defer sm.Shutdown()

	conversationID := runConversation
	var session manager.SessionInfo
	switch {
	case conversationID == "":
		conversationID = uuid.NewString()
		session, err = sm.CreateSession(ctx, conversationID, cwd, prof.ACPServers())
	default:
		sessionID, known := sm.GetSessionID(conversationID)
		if known && info.AgentCapabilities.LoadSession {
			session, err = sm.LoadSession(ctx, conversationID, sessionID, cwd, prof.ACPServers())
		} else {
			session, err = sm.CreateSession(ctx, conversationID, cwd, prof.ACPServers())
		}
	}
	if err != nil {
		return err
	}
	ui.Info("conversation %s (session %s)", conversationID, session.SessionID)

	updates, unsubscribe := client.Subscribe()
	defer unsubscribe()
	renderDone := make(chan struct{})
	go func() {
		defer close(renderDone)
		renderUpdates(ui, session.SessionID, updates)
	}()

	// First Ctrl-C cancels the turn; the prompt then resolves with its
	// stop reason. A second one kills us the usual way.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			ui.Info("cancelling turn")
			if err := sm.CancelSession(context.Background(), conversationID); err != nil {
				ui.Error("cancel failed: %v", err)
			}
			signal.Stop(sigCh)
		}
	}()

	stopReason, err := sm.Prompt(ctx, conversationID, acp.TextContent(prompt))
	if err != nil {
		return err
	}
	unsubscribe()
	<-renderDone

	fmt.Fprintln(ui.Out)
	ui.Success("turn ended: %s", stopReason)
	return nil
}

func resolveCwd() (string, error) {
	cwd := runCwd
	if cwd == "" {
		cwd = cfg.GetDefaultCwd()
	}
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		cwd = wd
	}
	return filepath.Abs(cwd)
}

func autoApproveKinds() []acp.ToolKind {
	var kinds []acp.ToolKind
	for _, k := range cfg.GetAutoApprove() {
		kinds = append(kinds, acp.ToolKind(k))
	}
	return kinds
}

func allToolKinds() []acp.ToolKind {
	return []acp.ToolKind{
		acp.ToolKindRead, acp.ToolKindEdit, acp.ToolKindDelete, acp.ToolKindMove,
		acp.ToolKindSearch, acp.ToolKindExecute, acp.ToolKindFetch,
		acp.ToolKindThink, acp.ToolKindMCP, acp.ToolKindOther,
	}
}

// promptEscalation answers permission requests from the terminal. One
// question at a time: concurrent escalations queue on the mutex.
func promptEscalation(ui *UI) permission.EscalationFunc {
	reader := bufio.NewReader(os.Stdin)
	var mu sync.Mutex
	return func(ctx context.Context, req permission.Request) (acp.PermissionOptionKind, error) {
		mu.Lock()
		defer mu.Unlock()

		ui.ToolCallLine(req.Title, string(req.Kind), "awaiting_permission")
		fmt.Fprint(ui.Out, "allow? [y]es once / [a]lways / [n]o / [d]eny always: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("reading answer: %w", err)
		}
		switch strings.TrimSpace(strings.ToLower(line)) {
		case "y", "yes":
			return acp.PermissionAllowOnce, nil
		case "a", "always":
			return acp.PermissionAllowAlways, nil
		case "d", "deny":
			return acp.PermissionRejectAlways, nil
		default:
			return acp.PermissionRejectOnce, nil
		}
	}
}

// renderUpdates prints the session's update stream until it closes.
// Message text arrives as deltas or full replacements; only the new
// suffix is printed so the stream reads continuously.
func renderUpdates(ui *UI, sessionID string, updates <-chan acp.SessionNotification) {
	var message, thought agent.Accumulator
	toolStatus := make(map[string]acp.ToolStatus)

	for note := range updates {
		if note.SessionID != sessionID {
			continue
		}
		u := note.Update
		switch u.Kind {
		case acp.UpdateAgentMessageChunk:
			if u.Content != nil {
				ui.MessageChunk(mergeSuffix(&message, u.Content.Text))
			}
		case acp.UpdateAgentThoughtChunk:
			if u.Content != nil {
				ui.ThoughtChunk(mergeSuffix(&thought, u.Content.Text))
			}
		case acp.UpdateToolCall, acp.UpdateToolCallUpdate:
			if u.ToolCall == nil {
				continue
			}
			call := u.ToolCall
			if call.Status != "" && toolStatus[call.ID] == call.Status {
				continue
			}
			if call.Status != "" {
				toolStatus[call.ID] = call.Status
			}
			title := call.Title
			if title == "" {
				title = call.ID
			}
			ui.ToolCallLine(title, string(call.Kind), string(call.Status))
		case acp.UpdatePlan:
			if u.Plan == nil {
				continue
			}
			fmt.Fprintln(ui.Out)
			for _, entry := range u.Plan.Entries {
				ui.PlanLine(entry.Content, string(entry.Status))
			}
		case acp.UpdateCurrentMode:
			ui.VerboseLog("mode: %s", u.CurrentModeID)
		}
	}
}

// mergeSuffix folds a chunk into the accumulator and returns only the
// text that is new since the previous chunk.
func mergeSuffix(acc *agent.Accumulator, chunk string) string {
	prev := acc.String()
	acc.Merge(chunk)
	now := acc.String()
	if strings.HasPrefix(now, prev) {
		return now[len(prev):]
	}
	return chunk
}
