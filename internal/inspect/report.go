// Package inspect builds the lineage report for one queued workspace: the
// chain of parents it depends on, where each stands, and its recent history.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/trainyard/internal/claim"
	"github.com/mattjoyce/trainyard/internal/queue"
	"github.com/mattjoyce/trainyard/internal/stack"
)

const maxEvents = 20

// Source is the read side of the queue the report needs.
type Source interface {
	Get(ctx context.Context, workspace string) (*queue.Entry, error)
	Position(ctx context.Context, workspace string) (int, error)
	StackStatus(ctx context.Context, workspace string) (*queue.StackStatus, error)
	Events(ctx context.Context, workspace string, limit int) ([]queue.Event, error)
}

// Report is the structured JSON representation of a lineage report.
type Report struct {
	Workspace  string           `json:"workspace"`
	Status     queue.Status     `json:"status"`
	MergeState stack.MergeState `json:"merge_state"`
	Position   int              `json:"position"`
	Claim      string           `json:"claim"`
	Attempts   string           `json:"attempts"`
	TestStale  bool             `json:"test_stale"`
	Dependents []string         `json:"dependents"`
	Hops       int              `json:"hops"`
	Steps      []Step           `json:"steps"`
	Events     []queue.Event    `json:"events"`
}

// Step is one workspace in the chain from the stack root down to the
// inspected workspace.
type Step struct {
	Hop        int              `json:"hop"`
	Workspace  string           `json:"workspace"`
	Status     queue.Status     `json:"status,omitempty"`
	MergeState stack.MergeState `json:"merge_state,omitempty"`
	HeadSHA    string           `json:"head_sha,omitempty"`
	Checkout   string           `json:"checkout,omitempty"`
	Present    bool             `json:"checkout_present"`
	Missing    bool             `json:"missing,omitempty"`
}

// BuildReport renders a terminal-friendly lineage report for a workspace.
// checkout maps a workspace to its directory and may be nil.
func BuildReport(ctx context.Context, src Source, checkout func(string) string, workspace string, now time.Time) (string, error) {
	report, err := gatherReportData(ctx, src, checkout, workspace, now)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Lineage Report\n")
	fmt.Fprintf(&out, "Workspace   : %s\n", report.Workspace)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Merge state : %s\n", report.MergeState)
	if report.Position > 0 {
		fmt.Fprintf(&out, "Position    : %d\n", report.Position)
	} else {
		fmt.Fprintf(&out, "Position    : <not eligible>\n")
	}
	fmt.Fprintf(&out, "Claim       : %s\n", report.Claim)
	fmt.Fprintf(&out, "Attempts    : %s\n", report.Attempts)
	fmt.Fprintf(&out, "Test stale  : %t\n", report.TestStale)
	fmt.Fprintf(&out, "Dependents  : %s\n", renderUnset(strings.Join(report.Dependents, ", "), "<none>"))
	fmt.Fprintf(&out, "Hops        : %d\n", report.Hops)
	fmt.Fprintf(&out, "\n")

	for _, step := range report.Steps {
		if step.Missing {
			fmt.Fprintf(&out, "[%d] %s  <not queued>\n", step.Hop, step.Workspace)
			continue
		}
		fmt.Fprintf(&out, "[%d] %s  %s (%s)\n", step.Hop, step.Workspace, step.Status, step.MergeState)
		fmt.Fprintf(&out, "    head       : %s\n", renderUnset(step.HeadSHA, "<unknown>"))
		if step.Checkout != "" {
			present := "present"
			if !step.Present {
				present = "missing"
			}
			fmt.Fprintf(&out, "    checkout   : %s (%s)\n", step.Checkout, present)
		}
	}

	if len(report.Events) > 0 {
		fmt.Fprintf(&out, "\nRecent events\n")
		for _, ev := range report.Events {
			line := fmt.Sprintf("  %s  %-16s", ev.At.UTC().Format(time.RFC3339), ev.Type)
			if ev.Agent != nil {
				line += " [" + *ev.Agent + "]"
			}
			if ev.Detail != "" {
				line += " " + ev.Detail
			}
			fmt.Fprintln(&out, strings.TrimRight(line, " "))
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON lineage report.
func BuildJSONReport(ctx context.Context, src Source, checkout func(string) string, workspace string, now time.Time) (string, error) {
	report, err := gatherReportData(ctx, src, checkout, workspace, now)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src Source, checkout func(string) string, workspace string, now time.Time) (*Report, error) {
	if strings.TrimSpace(workspace) == "" {
		return nil, fmt.Errorf("workspace is required")
	}

	entry, err := src.Get(ctx, workspace)
	if err != nil {
		return nil, err
	}
	position, err := src.Position(ctx, workspace)
	if err != nil {
		return nil, fmt.Errorf("queue position: %w", err)
	}
	st, err := src.StackStatus(ctx, workspace)
	if err != nil {
		return nil, fmt.Errorf("stack status: %w", err)
	}
	events, err := src.Events(ctx, workspace, maxEvents)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	if events == nil {
		events = []queue.Event{}
	}

	report := &Report{
		Workspace:  entry.Workspace,
		Status:     entry.Status,
		MergeState: entry.StackMergeState,
		Position:   position,
		Claim:      describeClaim(entry.ClaimState(now), now),
		Attempts:   fmt.Sprintf("%d/%d", entry.AttemptCount, entry.MaxAttempts),
		TestStale:  entry.TestResultStale(),
		Dependents: st.Dependents,
		Events:     events,
	}

	chain, err := lineage(ctx, src, entry)
	if err != nil {
		return nil, err
	}
	report.Hops = len(chain)
	report.Steps = make([]Step, 0, len(chain))
	for idx, link := range chain {
		step := Step{Hop: idx + 1, Workspace: link.name}
		if link.entry == nil {
			step.Missing = true
			report.Steps = append(report.Steps, step)
			continue
		}
		step.Status = link.entry.Status
		step.MergeState = link.entry.StackMergeState
		if link.entry.HeadSHA != nil {
			step.HeadSHA = *link.entry.HeadSHA
		}
		if checkout != nil {
			step.Checkout = checkout(link.name)
			step.Present = dirExists(step.Checkout)
		}
		report.Steps = append(report.Steps, step)
	}
	return report, nil
}

type link struct {
	name  string
	entry *queue.Entry
}

// lineage walks parents up from entry and returns the chain root first. A
// parent that is no longer queued ends the walk as a missing link.
func lineage(ctx context.Context, src Source, entry *queue.Entry) ([]link, error) {
	chain := []link{{name: entry.Workspace, entry: entry}}
	seen := map[string]bool{entry.Workspace: true}
	cur := entry
	for cur.ParentWorkspace != nil {
		name := *cur.ParentWorkspace
		if seen[name] {
			return nil, fmt.Errorf("parent cycle at %q", name)
		}
		seen[name] = true
		parent, err := src.Get(ctx, name)
		if errors.Is(err, queue.ErrNotFound) {
			chain = append(chain, link{name: name})
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load parent %q: %w", name, err)
		}
		chain = append(chain, link{name: name, entry: parent})
		cur = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func describeClaim(s claim.State, now time.Time) string {
	switch s.Kind {
	case claim.KindClaimed:
		return fmt.Sprintf("%s (expires in %s)", s.Agent, s.ExpiresAt.Sub(now).Round(time.Second))
	case claim.KindExpired:
		return fmt.Sprintf("%s (expired)", s.PreviousAgent)
	default:
		return "<unclaimed>"
	}
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
