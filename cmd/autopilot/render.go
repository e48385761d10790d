package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/session"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
	"golang.org/x/term"
)

const defaultWidth = 100

var (
	stepStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	inputStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// transcript renders session timelines for the terminal.
type transcript struct {
	out      io.Writer
	width    int
	renderer *glamour.TermRenderer
	// printed counts nodes already written, so a running session prints only
	// what is new.
	printed int
}

// terminalWidth returns the width of stdout, or defaultWidth when it is not
// a terminal.
func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return defaultWidth
	}
	if width, _, err := term.GetSize(fd); err == nil && width > 0 {
		return width
	}
	return defaultWidth
}

func newTranscript(out io.Writer, width int) *transcript {
	if width <= 0 {
		width = terminalWidth()
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
		glamour.WithPreservedNewLines(),
	)
	if err != nil {
		renderer = nil
	}
	return &transcript{out: out, width: width, renderer: renderer}
}

func (t *transcript) markdown(text string, depth int) string {
	rendered := wordwrap.String(text, t.width)
	if t.renderer != nil {
		if out, err := t.renderer.Render(text); err == nil {
			rendered = strings.TrimRight(out, "\n")
		}
	}
	return indent.String(rendered, uint(depth*2))
}

// plain wraps text that is not markdown, such as errors and tracebacks.
func (t *transcript) plain(text string, depth int) string {
	return indent.String(wordwrap.String(text, t.width-depth*2), uint(depth*2)+2)
}

// header prints the session title line.
func (t *transcript) header(info *core.SessionInfo) {
	if info == nil {
		return
	}
	fmt.Fprintln(t.out, headerStyle.Render(info.Title))
	fmt.Fprintln(t.out, dimStyle.Render(fmt.Sprintf("%s  %s  %s",
		info.SessionID, info.WorkspaceDirectory, info.DateCreated.Local().Format("2006-01-02 15:04"))))
	fmt.Fprintln(t.out)
}

// flush prints the finished nodes of state that were not printed yet. A
// node still running stops the scan so output keeps timeline order.
func (t *transcript) flush(state core.FullState) {
	nodes := state.History.Timeline
	if t.printed > len(nodes) {
		t.printed = 0
	}
	for ; t.printed < len(nodes); t.printed++ {
		node := nodes[t.printed]
		if node.Active && node.Observation == nil {
			return
		}
		t.node(node)
	}
}

// all prints every node of state.
func (t *transcript) all(state core.FullState) {
	t.printed = 0
	for _, node := range state.History.Timeline {
		t.node(node)
	}
	t.printed = len(state.History.Timeline)
}

func (t *transcript) node(node core.NodeState) {
	if node.Deleted || node.Step.Hide {
		return
	}
	pad := strings.Repeat("  ", node.Depth)
	obs := node.Observation

	if obs != nil && obs.Kind == core.KindUserInput {
		fmt.Fprintf(t.out, "%s%s %s\n", pad, inputStyle.Render(">"), obs.UserInput)
		return
	}

	title := stepStyle.Render(node.Step.Name)
	if node.Active {
		title += " " + runningStyle.Render("(running)")
	}
	fmt.Fprintf(t.out, "%s%s\n", pad, title)
	if node.Step.Description != "" {
		fmt.Fprintln(t.out, t.markdown(node.Step.Description, node.Depth))
	}
	if obs == nil {
		return
	}

	switch obs.Kind {
	case core.KindText:
		if obs.Text != "" && obs.Text != node.Step.Description {
			fmt.Fprintln(t.out, t.markdown(obs.Text, node.Depth))
		}
	case core.KindInternalError:
		fmt.Fprintf(t.out, "%s%s\n", pad, errorStyle.Render(obs.Title))
		fmt.Fprintln(t.out, dimStyle.Render(t.plain(obs.Error, node.Depth)))
	case core.KindTraceback:
		if obs.Traceback != nil {
			fmt.Fprintf(t.out, "%s%s\n", pad, errorStyle.Render(obs.Traceback.Message))
			fmt.Fprintln(t.out, dimStyle.Render(t.plain(obs.Traceback.Full, node.Depth)))
		}
	case core.KindDict:
		keys := make([]string, 0, len(obs.Values))
		for k := range obs.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(t.out, "%s  %s: %v\n", pad, dimStyle.Render(k), obs.Values[k])
		}
	}
}

// sessionTable prints saved sessions, newest first.
func sessionTable(out io.Writer, list []session.Metadata) {
	if len(list) == 0 {
		fmt.Fprintln(out, dimStyle.Render("no saved sessions"))
		return
	}
	for _, m := range list {
		fmt.Fprintf(out, "%s  %s  %s\n",
			dimStyle.Render(m.ID),
			stepStyle.Render(m.Title),
			dimStyle.Render(fmt.Sprintf("%d nodes, updated %s, %s",
				m.NodeCount, m.UpdatedAt.Local().Format("2006-01-02 15:04"), m.WorkspaceDirectory)))
	}
}
