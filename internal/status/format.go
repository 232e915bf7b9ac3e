// Package status renders runs, ledger progress, instances and telemetry for
// the terminal.
package status

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/codemachine-cli/codemachine/internal/engine"
	"github.com/codemachine-cli/codemachine/internal/instance"
	"github.com/codemachine-cli/codemachine/internal/ledger"
	"github.com/codemachine-cli/codemachine/internal/runstate"
	"github.com/codemachine-cli/codemachine/internal/telemetry"
)

// FormatOptions controls output formatting.
type FormatOptions struct {
	NoColor bool
	Quiet   bool
}

var (
	green  = lipgloss.Color("#2E8B57")
	yellow = lipgloss.Color("#F1C40F")
	red    = lipgloss.Color("196")
	cyan   = lipgloss.Color("86")
	gray   = lipgloss.Color("245")
)

type palette struct {
	ok     lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	info   lipgloss.Style
	muted  lipgloss.Style
	header lipgloss.Style
	cell   lipgloss.Style
	border lipgloss.Border
}

func newPalette(noColor bool) palette {
	cell := lipgloss.NewStyle().Padding(0, 1)
	if noColor {
		plain := lipgloss.NewStyle()
		return palette{
			ok: plain, warn: plain, fail: plain, info: plain, muted: plain,
			header: cell,
			cell:   cell,
			border: lipgloss.ASCIIBorder(),
		}
	}
	return palette{
		ok:     lipgloss.NewStyle().Foreground(green),
		warn:   lipgloss.NewStyle().Foreground(yellow),
		fail:   lipgloss.NewStyle().Foreground(red),
		info:   lipgloss.NewStyle().Foreground(cyan),
		muted:  lipgloss.NewStyle().Foreground(gray),
		header: cell.Bold(true),
		cell:   cell,
		border: lipgloss.RoundedBorder(),
	}
}

func (p palette) table(headers ...string) *table.Table {
	return table.New().
		Border(p.border).
		BorderStyle(p.muted).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.header
			}
			return p.cell
		})
}

func (p palette) status(s runstate.Status) string {
	switch s {
	case runstate.StatusCompleted:
		return p.ok.Render("✓ " + string(s))
	case runstate.StatusRunning:
		return p.warn.Render("● " + string(s))
	case runstate.StatusHalted:
		return p.fail.Render("■ " + string(s))
	default:
		return "? " + string(s)
	}
}

// FormatRun formats a single run with full details.
func FormatRun(s *RunSummary, opts FormatOptions) string {
	p := newPalette(opts.NoColor)
	var b strings.Builder

	fmt.Fprintf(&b, "Run:      %s\n", s.ID)
	fmt.Fprintf(&b, "Template: %s\n", s.Template)
	fmt.Fprintf(&b, "Status:   %s", p.status(s.Status))
	if s.Reason != "" {
		fmt.Fprintf(&b, " (%s)", s.Reason)
	}
	fmt.Fprintf(&b, "\nStarted:  %s", formatTime(s.StartedAt))
	if !s.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "\nUpdated:  %s (took %s)", formatTime(s.UpdatedAt), formatDuration(s.UpdatedAt.Sub(s.StartedAt)))
	}

	b.WriteString("\n\n")
	if s.TotalSteps > 0 {
		fmt.Fprintf(&b, "Cursor:   %s %d/%d", progressBar(s.Cursor, s.TotalSteps), s.Cursor, s.TotalSteps)
		if s.NextStep != "" {
			fmt.Fprintf(&b, " (next: %s)", s.NextStep)
		}
		b.WriteString("\n")
	}
	if s.Tasks != nil {
		fmt.Fprintf(&b, "Tasks:    %s %d/%d done", progressBar(s.Tasks.Done, s.Tasks.Total), s.Tasks.Done, s.Tasks.Total)
		if s.Tasks.Next != "" {
			fmt.Fprintf(&b, " (next: %s)", s.Tasks.Next)
		}
		b.WriteString("\n")
	}

	stats := s.StepStats
	parts := []string{fmt.Sprintf("%d invocations", s.Invocations)}
	if stats.Accepted > 0 {
		parts = append(parts, p.ok.Render(fmt.Sprintf("✓ %d accepted", stats.Accepted)))
	}
	if stats.Failed > 0 {
		parts = append(parts, p.fail.Render(fmt.Sprintf("✗ %d failed", stats.Failed)))
	}
	if stats.Skipped > 0 {
		parts = append(parts, p.muted.Render(fmt.Sprintf("⊘ %d skipped", stats.Skipped)))
	}
	if stats.Fallbacks > 0 {
		parts = append(parts, p.warn.Render(fmt.Sprintf("↪ %d fallbacks", stats.Fallbacks)))
	}
	if stats.LoopBacks > 0 {
		parts = append(parts, p.info.Render(fmt.Sprintf("↺ %d loop-backs", stats.LoopBacks)))
	}
	if s.Resumes > 0 {
		parts = append(parts, fmt.Sprintf("%d resumes", s.Resumes))
	}
	fmt.Fprintf(&b, "Steps:    %s\n", strings.Join(parts, ", "))

	if len(s.Loops) > 0 && !opts.Quiet {
		keys := make([]string, 0, len(s.Loops))
		for k := range s.Loops {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nLoops:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %d\n", k, s.Loops[k])
		}
	}

	if len(s.Errors) > 0 && !opts.Quiet {
		b.WriteString("\n" + p.fail.Render("Errors:") + "\n")
		for _, e := range s.Errors {
			fmt.Fprintf(&b, "  %s %s\n", p.fail.Render("✗"), firstLine(e))
		}
	}
	return b.String()
}

// FormatRunList formats runs as a table, newest first.
func FormatRunList(summaries []*RunSummary, opts FormatOptions) string {
	if len(summaries) == 0 {
		return "No runs.\n"
	}
	sorted := make([]*RunSummary, len(summaries))
	copy(sorted, summaries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartedAt.After(sorted[j].StartedAt)
	})

	p := newPalette(opts.NoColor)
	t := p.table("RUN", "TEMPLATE", "STATUS", "CURSOR", "INVOCATIONS", "STARTED")
	for _, s := range sorted {
		t.Row(s.ID, s.Template, p.status(s.Status), strconv.Itoa(s.Cursor), strconv.Itoa(s.Invocations), formatTime(s.StartedAt))
	}
	return t.String() + "\n"
}

// FormatLedger formats the task ledger as a table.
func FormatLedger(l *ledger.Ledger, opts FormatOptions) string {
	p := newPalette(opts.NoColor)
	done, total := l.Progress()
	t := p.table("ID", "PHASE", "TASK", "DONE", "SUBTASKS")
	for _, task := range l.Tasks {
		mark := p.muted.Render("○")
		if task.Done {
			mark = p.ok.Render("✓")
		}
		t.Row(task.ID, task.Phase, task.Name, mark, strconv.Itoa(len(task.Subtasks)))
	}
	return fmt.Sprintf("Tasks: %s %d/%d done\n%s\n", progressBar(done, total), done, total, t.String())
}

// FormatInstances formats an instance snapshot as a table.
func FormatInstances(instances []instance.Instance, now time.Time, opts FormatOptions) string {
	if len(instances) == 0 {
		return "No instances.\n"
	}
	p := newPalette(opts.NoColor)
	t := p.table("INSTANCE", "AGENT", "ENGINE", "STATE", "DURATION", "EXIT")
	for _, in := range instances {
		state := string(in.State)
		switch in.State {
		case instance.StateCompleted:
			state = p.ok.Render(state)
		case instance.StateRunning:
			state = p.warn.Render(state)
		case instance.StateError, instance.StateTerminated:
			state = p.fail.Render(state)
		}
		exit := in.ExitSignal
		if in.ExitCode != nil {
			exit = strconv.Itoa(*in.ExitCode)
		}
		t.Row(in.ID, in.AgentID, in.EngineID, state, formatDuration(in.Duration(now)), exit)
	}
	return t.String() + "\n"
}

// EngineRow is one engine in the engines table.
type EngineRow struct {
	Meta          engine.Metadata
	Authenticated bool
	Default       bool
}

// FormatEngines formats registered engines with their auth state.
func FormatEngines(rows []EngineRow, opts FormatOptions) string {
	if len(rows) == 0 {
		return "No engines.\n"
	}
	p := newPalette(opts.NoColor)
	t := p.table("ENGINE", "NAME", "BINARY", "MODEL", "EFFORT", "AUTH")
	for _, r := range rows {
		id := r.Meta.ID
		if r.Default {
			id += " *"
		}
		auth := p.fail.Render("✗ no")
		if r.Authenticated {
			auth = p.ok.Render("✓ yes")
		}
		model := r.Meta.DefaultModel
		if model == "" {
			model = "-"
		}
		effort := string(r.Meta.DefaultReasoningEffort)
		if effort == "" {
			effort = "-"
		}
		t.Row(id, r.Meta.Name, r.Meta.CLIBinary, model, effort, auth)
	}
	return t.String() + "\n"
}

// FormatTelemetry formats token and timing totals per provider and model.
func FormatTelemetry(entries []telemetry.Entry, opts FormatOptions) string {
	if len(entries) == 0 {
		return "No telemetry recorded.\n"
	}
	p := newPalette(opts.NoColor)
	t := p.table("PROVIDER", "MODEL", "RUNS", "FAILED", "INPUT", "CACHED", "OUTPUT", "TIME")
	var sum telemetry.Usage
	for _, e := range entries {
		sum.Add(e.Usage)
		t.Row(e.Provider, e.Model,
			strconv.Itoa(e.Invocations),
			strconv.Itoa(e.Failures),
			formatTokens(e.Usage.InputTokens),
			formatTokens(e.Usage.CachedTokens),
			formatTokens(e.Usage.OutputTokens),
			formatDuration(e.Duration))
	}
	return fmt.Sprintf("%s\nTotal tokens: %s\n", t.String(), formatTokens(sum.Total()))
}

// FormatProgress renders one decoded engine event as a single line.
func FormatProgress(agentID string, ev engine.Progress, opts FormatOptions) string {
	p := newPalette(opts.NoColor)
	line := ev.Line()
	switch ev.Kind {
	case engine.KindReasoning, engine.KindUsage, engine.KindStatus:
		line = p.muted.Render(line)
	case engine.KindTool:
		if ev.Failed {
			line = p.fail.Render(line)
		} else {
			line = p.info.Render(line)
		}
	case engine.KindError:
		line = p.fail.Render(line)
	}
	if agentID == "" {
		return line
	}
	return p.muted.Render(agentID+" ›") + " " + line
}

// Formatting helpers

func progressBar(done, total int) string {
	const width = 20
	var pct int
	if total > 0 {
		pct = done * 100 / total
	}
	if pct > 100 {
		pct = 100
	}
	filled := pct * width / 100
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

func formatTokens(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 10_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return strconv.FormatInt(n, 10)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
