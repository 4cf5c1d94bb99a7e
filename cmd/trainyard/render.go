package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/lipgloss/tree"

	"github.com/mattjoyce/trainyard/internal/lockstore"
	"github.com/mattjoyce/trainyard/internal/queue"
	"github.com/mattjoyce/trainyard/internal/stack"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

func statusStyle(s queue.Status) lipgloss.Style {
	switch {
	case s == queue.StatusMerged:
		return okStyle
	case s.IsFailed():
		return failedStyle
	case s == queue.StatusPending || s == queue.StatusCancelled:
		return dimStyle
	default:
		return runningStyle
	}
}

func mergeStateStyle(m stack.MergeState) lipgloss.Style {
	switch m {
	case stack.Ready, stack.Independent:
		return okStyle
	case stack.Blocked:
		return failedStyle
	default:
		return dimStyle
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func ago(now, t time.Time) string {
	d := now.Sub(t).Round(time.Second)
	if d < 0 {
		return "in " + (-d).String()
	}
	return d.String() + " ago"
}

func renderEntries(entries []queue.Entry, now time.Time) string {
	if len(entries) == 0 {
		return dimStyle.Render("queue is empty")
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Workspace,
			string(e.Status),
			string(e.StackMergeState),
			deref(e.ParentWorkspace),
			fmt.Sprintf("%d", e.Priority),
			deref(e.AgentID),
			fmt.Sprintf("%d/%d", e.AttemptCount, e.MaxAttempts),
			ago(now, e.AddedAt),
		})
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("WORKSPACE", "STATUS", "STACK", "PARENT", "PRI", "AGENT", "TRY", "ADDED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			e := entries[row]
			switch col {
			case 1:
				return statusStyle(e.Status).Padding(0, 1)
			case 2:
				return mergeStateStyle(e.StackMergeState).Padding(0, 1)
			}
			return cellStyle
		})
	return t.String()
}

func renderEntry(e *queue.Entry, position int, now time.Time) string {
	var b strings.Builder
	line := func(k, v string) {
		fmt.Fprintf(&b, "%s %s\n", headerStyle.Render(fmt.Sprintf("%-14s", k)), v)
	}
	line("workspace", e.Workspace)
	line("status", statusStyle(e.Status).Render(string(e.Status)))
	line("checkout", string(e.WorkspaceState))
	line("stack", fmt.Sprintf("%s (depth %d, root %s)", mergeStateStyle(e.StackMergeState).Render(string(e.StackMergeState)), e.StackDepth, deref(e.StackRoot)))
	line("parent", deref(e.ParentWorkspace))
	line("priority", fmt.Sprintf("%d", e.Priority))
	if position > 0 {
		line("position", fmt.Sprintf("%d", position))
	}
	line("attempts", fmt.Sprintf("%d/%d", e.AttemptCount, e.MaxAttempts))
	claim := e.ClaimState(now)
	line("claim", claim.String())
	line("head", deref(e.HeadSHA))
	line("tested", deref(e.TestedAgainstSHA))
	if e.RebaseCount > 0 {
		line("rebases", fmt.Sprintf("%d", e.RebaseCount))
	}
	line("added", ago(now, e.AddedAt))
	if e.Error != nil {
		line("error", failedStyle.Render(*e.Error))
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderStacks draws every stack on the board as a tree rooted at its base.
func renderStacks(entries []queue.Entry) string {
	if len(entries) == 0 {
		return dimStyle.Render("queue is empty")
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Workspace] = true
	}
	children := make(map[string][]queue.Entry)
	var roots []queue.Entry
	for _, e := range entries {
		if e.ParentWorkspace != nil && present[*e.ParentWorkspace] {
			children[*e.ParentWorkspace] = append(children[*e.ParentWorkspace], e)
			continue
		}
		roots = append(roots, e)
	}

	label := func(e queue.Entry) string {
		return fmt.Sprintf("%s %s %s", e.Workspace,
			statusStyle(e.Status).Render(string(e.Status)),
			mergeStateStyle(e.StackMergeState).Render("["+string(e.StackMergeState)+"]"))
	}
	var build func(e queue.Entry, seen map[string]bool) *tree.Tree
	build = func(e queue.Entry, seen map[string]bool) *tree.Tree {
		seen[e.Workspace] = true
		t := tree.Root(label(e))
		for _, c := range children[e.Workspace] {
			if !seen[c.Workspace] {
				t.Child(build(c, seen))
			}
		}
		return t
	}

	seen := make(map[string]bool, len(entries))
	var out []string
	for _, r := range roots {
		out = append(out, build(r, seen).Enumerator(tree.RoundedEnumerator).String())
	}
	return strings.Join(out, "\n")
}

func renderStackStatus(s *queue.StackStatus) string {
	t := tree.Root(fmt.Sprintf("%s %s", headerStyle.Render(s.Workspace),
		mergeStateStyle(s.MergeState).Render("["+string(s.MergeState)+"]")))
	t.Child(fmt.Sprintf("root: %s", s.Root))
	t.Child(fmt.Sprintf("depth: %d", s.Depth))
	t.Child(fmt.Sprintf("parent: %s", deref(s.Parent)))
	if len(s.Children) > 0 {
		t.Child(tree.Root("children").Child(toAny(s.Children)...))
	}
	if len(s.Dependents) > 0 {
		t.Child(tree.Root("dependents").Child(toAny(s.Dependents)...))
	}
	return t.Enumerator(tree.RoundedEnumerator).String()
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func renderStats(s queue.Stats) string {
	rows := make([][]string, 0, len(queue.Statuses()))
	for _, st := range queue.Statuses() {
		rows = append(rows, []string{string(st), fmt.Sprintf("%d", s.ByStatus[st])})
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("STATUS", "COUNT").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			if col == 0 {
				return statusStyle(queue.Statuses()[row]).Padding(0, 1)
			}
			return cellStyle
		})
	return fmt.Sprintf("%s\ntotal %d  active %d  blocked %d", t.String(), s.Total, s.Active(), s.Blocked)
}

func renderLocks(locks []lockstore.Lock, now time.Time) string {
	if len(locks) == 0 {
		return dimStyle.Render("no active locks")
	}
	rows := make([][]string, 0, len(locks))
	for _, l := range locks {
		rows = append(rows, []string{l.Resource, l.Holder, ago(now, l.AcquiredAt), ago(now, l.ExpiresAt)})
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("RESOURCE", "HOLDER", "ACQUIRED", "EXPIRES").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		}).
		String()
}

func renderAudit(entries []lockstore.AuditEntry) string {
	if len(entries) == 0 {
		return dimStyle.Render("no audit entries")
	}
	var b strings.Builder
	for _, a := range entries {
		fmt.Fprintf(&b, "%s %-8s %s\n", dimStyle.Render(a.At.Format(time.RFC3339)), a.Operation, a.Holder)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderEvents(evs []queue.Event) string {
	if len(evs) == 0 {
		return dimStyle.Render("no events")
	}
	var b strings.Builder
	for _, e := range evs {
		agent := ""
		if e.Agent != nil {
			agent = "[" + *e.Agent + "] "
		}
		fmt.Fprintf(&b, "%s %-16s %s%s\n", dimStyle.Render(e.At.Format(time.RFC3339)), e.Type, agent, e.Detail)
	}
	return strings.TrimRight(b.String(), "\n")
}
