package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// UI provides colored terminal output for the command surface. Streamed
// agent output goes through the chunk helpers so message, thought, and
// tool-call lines stay visually distinct.
type UI struct {
	Verbose bool
	Out     io.Writer
	ErrOut  io.Writer
}

// NewUI creates a UI with default stdout/stderr writers.
func NewUI() *UI {
	return &UI{
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	}
}

var (
	infoPrefix    = color.New(color.FgHiBlue).Sprint("i")
	successPrefix = color.New(color.FgHiGreen).Sprint("✓")
	errorPrefix   = color.New(color.FgHiRed).Sprint("✗")
	toolPrefix    = color.New(color.FgHiCyan).Sprint("⚙")
	cyan          = color.New(color.FgHiCyan).SprintFunc()
	green         = color.New(color.FgHiGreen).SprintFunc()
	yellow        = color.New(color.FgHiYellow).SprintFunc()
	red           = color.New(color.FgHiRed).SprintFunc()
	dim           = color.New(color.Faint).SprintFunc()
)

func (u *UI) Info(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", infoPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Success(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", successPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Error(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", errorPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) VerboseLog(format string, a ...any) {
	if u.Verbose {
		fmt.Fprintf(u.Out, "%s %s\n", dim("→"), fmt.Sprintf(format, a...))
	}
}

// MessageChunk prints agent message text as it streams, without a
// trailing newline so chunks join up.
func (u *UI) MessageChunk(text string) {
	fmt.Fprint(u.Out, text)
}

// ThoughtChunk prints agent reasoning dimmed.
func (u *UI) ThoughtChunk(text string) {
	fmt.Fprint(u.Out, dim(text))
}

// ToolCallLine prints one tool-call lifecycle line.
func (u *UI) ToolCallLine(title, kind, status string) {
	fmt.Fprintf(u.Out, "\n%s %s %s %s\n", toolPrefix, cyan(title), dim("["+kind+"]"), statusColor(status))
}

// PlanLine prints one plan entry.
func (u *UI) PlanLine(content, status string) {
	fmt.Fprintf(u.Out, "  %s %s\n", statusColor(status), content)
}

func statusColor(status string) string {
	switch status {
	case "pending":
		return yellow(status)
	case "in_progress":
		return cyan(status)
	case "completed":
		return green(status)
	case "failed":
		return red(status)
	default:
		return status
	}
}

// Table creates a new tablewriter configured with consistent styling.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}
