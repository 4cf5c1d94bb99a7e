package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/trainyard/internal/inspect"
	"github.com/mattjoyce/trainyard/internal/queue"
)

func runQueueNoun(args []string) int {
	if len(args) < 1 {
		printUsage()
		return exitError
	}
	if isHelpToken(args[0]) {
		printUsage()
		return exitOK
	}

	action, rest := args[0], args[1:]
	switch action {
	case "enqueue":
		return runQueueEnqueue(rest)
	case "list":
		return runQueueList(rest)
	case "next":
		return runQueueNext(rest)
	case "claim":
		return runQueueClaim(rest)
	case "heartbeat":
		return runQueueHeartbeat(rest)
	case "transition":
		return runQueueTransition(rest)
	case "fail":
		return runQueueFail(rest)
	case "release":
		return runQueueRelease(rest)
	case "cancel":
		return runQueueCancel(rest)
	case "dequeue":
		return runQueueDequeue(rest)
	case "status":
		return runQueueStatus(rest)
	case "inspect":
		return runQueueInspect(rest)
	case "stats":
		return runQueueStats(rest)
	case "events":
		return runQueueEvents(rest)
	case "reclaim":
		return runQueueReclaim(rest)
	case "prune":
		return runQueuePrune(rest)
	case "reparent":
		return runQueueReparent(rest)
	default:
		fmt.Fprintf(os.Stderr, "Unknown queue action: %s\n", action)
		return exitError
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func oneWorkspace(verb string, positionals []string) (string, error) {
	if len(positionals) != 1 || strings.TrimSpace(positionals[0]) == "" {
		return "", fmt.Errorf("usage: trainyard queue %s <workspace>", verb)
	}
	return positionals[0], nil
}

func runQueueEnqueue(args []string) int {
	v := newVerb("enqueue", true)
	parent := v.fs.String("parent", "", "Parent workspace this one is stacked on")
	priority := v.fs.Int("priority", 0, "Priority (lower lands first)")
	issue := v.fs.String("issue", "", "Issue or ticket id")
	head := v.fs.String("head", "", "Head commit; derives a dedupe key")
	maxAttempts := v.fs.Int("max-attempts", 0, "Attempts before failing terminally (default from config)")
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	ws, err := oneWorkspace("enqueue", pos)
	if err != nil {
		return fail("%v", err)
	}

	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	req := queue.EnqueueRequest{
		Workspace:   ws,
		Priority:    *priority,
		Parent:      optional(*parent),
		IssueID:     optional(*issue),
		HeadSHA:     optional(*head),
		MaxAttempts: *maxAttempts,
	}
	if *head != "" {
		key := queue.DedupeKey(*head)
		req.DedupeKey = &key
	}
	e, err := y.queue.Enqueue(ctx, req)
	if err != nil {
		return fail("enqueue %s: %v", ws, err)
	}
	return output(v.wantJSON(), e, fmt.Sprintf("enqueued %s (%s, %s)", e.Workspace, e.Status, e.StackMergeState))
}

func runQueueList(args []string) int {
	v := newVerb("list", true)
	statuses := v.fs.String("status", "", "Comma-separated statuses to include")
	agent := v.fs.String("agent", "", "Only entries claimed by this agent")
	root := v.fs.String("root", "", "Only entries in the stack rooted here")
	limit := v.fs.Int("limit", 0, "Maximum entries (0 for all)")
	asTree := v.fs.Bool("tree", false, "Group entries into stacks")
	if _, err := v.parse(args); err != nil {
		return fail("%v", err)
	}

	filter := queue.ListFilter{Agent: *agent, Root: *root, Limit: *limit}
	for _, raw := range strings.Split(*statuses, ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		st, err := queue.ParseStatus(strings.ToUpper(raw))
		if err != nil {
			return fail("%v", err)
		}
		filter.Statuses = append(filter.Statuses, st)
	}

	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	entries, err := y.queue.List(ctx, filter)
	if err != nil {
		return fail("list queue: %v", err)
	}
	human := renderEntries(entries, time.Now())
	if *asTree {
		human = renderStacks(entries)
	}
	return output(v.wantJSON(), entries, human)
}

func runQueueNext(args []string) int {
	v := newVerb("next", true)
	if _, err := v.parse(args); err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	e, err := y.queue.NextPending(ctx)
	if err != nil {
		return fail("next pending: %v", err)
	}
	if e == nil {
		return output(v.wantJSON(), map[string]any{"entry": nil}, dimStyle.Render("nothing eligible"))
	}
	return output(v.wantJSON(), map[string]any{"entry": e}, renderEntry(e, 1, time.Now()))
}

func runQueueClaim(args []string) int {
	v := newVerb("claim", true)
	agent := v.fs.String("agent", "", "Agent id (default $TRAINYARD_AGENT or worker.agent)")
	ttl := v.fs.Duration("ttl", 0, "Claim TTL (default queue.claim_ttl)")
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	if len(pos) > 1 {
		return fail("usage: trainyard queue claim [workspace]")
	}

	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()
	who := agentFor(*agent, y.cfg)
	if *ttl == 0 {
		*ttl = y.cfg.Queue.ClaimTTL
	}

	if len(pos) == 0 {
		e, err := y.queue.ClaimNext(ctx, who, *ttl)
		if err != nil {
			return fail("claim next: %v", err)
		}
		if e == nil {
			fmt.Fprintln(os.Stderr, "nothing eligible to claim")
			return exitContended
		}
		return output(v.wantJSON(), e, fmt.Sprintf("claimed %s as %s", e.Workspace, who))
	}

	res, err := y.queue.Claim(ctx, pos[0], who, *ttl)
	if err != nil {
		return fail("claim %s: %v", pos[0], err)
	}
	switch res.Outcome {
	case queue.ClaimClaimed:
		return output(v.wantJSON(), res.Entry, fmt.Sprintf("claimed %s as %s", pos[0], who))
	case queue.ClaimAlreadyClaimed:
		fmt.Fprintf(os.Stderr, "%s is claimed by %s\n", pos[0], res.Holder)
	default:
		status := "unknown"
		if res.Entry != nil {
			status = fmt.Sprintf("%s, %s", res.Entry.Status, res.Entry.StackMergeState)
		}
		fmt.Fprintf(os.Stderr, "%s is not claimable (%s)\n", pos[0], status)
	}
	if v.wantJSON() {
		_ = writeJSON(os.Stdout, map[string]any{"outcome": res.Outcome, "holder": res.Holder, "entry": res.Entry})
	}
	return exitContended
}

func runQueueHeartbeat(args []string) int {
	v := newVerb("heartbeat", true)
	agent := v.fs.String("agent", "", "Agent id")
	ttl := v.fs.Duration("ttl", 0, "New claim TTL (default queue.claim_ttl)")
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	ws, err := oneWorkspace("heartbeat", pos)
	if err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()
	if *ttl == 0 {
		*ttl = y.cfg.Queue.ClaimTTL
	}

	e, err := y.queue.Heartbeat(ctx, ws, agentFor(*agent, y.cfg), *ttl)
	if err != nil {
		return claimError("heartbeat", ws, err)
	}
	return output(v.wantJSON(), e, fmt.Sprintf("%s claim extended to %s", ws, e.ClaimExpiresAt.Format(time.RFC3339)))
}

// claimError maps ownership failures to the contended exit status.
func claimError(verb, ws string, err error) int {
	if errors.Is(err, queue.ErrNotOwner) {
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", verb, ws, err)
		return exitContended
	}
	return fail("%s %s: %v", verb, ws, err)
}

func runQueueTransition(args []string) int {
	v := newVerb("transition", true)
	agent := v.fs.String("agent", "", "Agent id")
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	if len(pos) != 2 {
		return fail("usage: trainyard queue transition <workspace> <status>")
	}
	to, err := queue.ParseStatus(strings.ToUpper(pos[1]))
	if err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	e, err := y.queue.Transition(ctx, pos[0], agentFor(*agent, y.cfg), to)
	if err != nil {
		return claimError("transition", pos[0], err)
	}
	return output(v.wantJSON(), e, fmt.Sprintf("%s → %s", e.Workspace, e.Status))
}

func runQueueFail(args []string) int {
	v := newVerb("fail", true)
	agent := v.fs.String("agent", "", "Agent id")
	message := v.fs.String("message", "", "Failure message")
	retryable := v.fs.Bool("retryable", false, "Requeue if attempts remain")
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	ws, err := oneWorkspace("fail", pos)
	if err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	e, err := y.queue.Fail(ctx, ws, agentFor(*agent, y.cfg), *message, *retryable)
	if err != nil {
		return claimError("fail", ws, err)
	}
	return output(v.wantJSON(), e, fmt.Sprintf("%s → %s (attempt %d/%d)", e.Workspace, e.Status, e.AttemptCount, e.MaxAttempts))
}

func runQueueRelease(args []string) int {
	v := newVerb("release", true)
	agent := v.fs.String("agent", "", "Agent id")
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	ws, err := oneWorkspace("release", pos)
	if err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	e, err := y.queue.Release(ctx, ws, agentFor(*agent, y.cfg))
	if err != nil {
		return claimError("release", ws, err)
	}
	return output(v.wantJSON(), e, fmt.Sprintf("released %s", ws))
}

func runQueueCancel(args []string) int {
	v := newVerb("cancel", true)
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	ws, err := oneWorkspace("cancel", pos)
	if err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	e, err := y.queue.Cancel(ctx, ws)
	if err != nil {
		return fail("cancel %s: %v", ws, err)
	}
	return output(v.wantJSON(), e, fmt.Sprintf("cancelled %s", ws))
}

func runQueueDequeue(args []string) int {
	v := newVerb("dequeue", false)
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	ws, err := oneWorkspace("dequeue", pos)
	if err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	if err := y.queue.Dequeue(ctx, ws); err != nil {
		return fail("dequeue %s: %v", ws, err)
	}
	fmt.Printf("dequeued %s\n", ws)
	return exitOK
}

func runQueueStatus(args []string) int {
	v := newVerb("status", true)
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	ws, err := oneWorkspace("status", pos)
	if err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	e, err := y.queue.Get(ctx, ws)
	if err != nil {
		return fail("status %s: %v", ws, err)
	}
	position, err := y.queue.Position(ctx, ws)
	if err != nil {
		return fail("position %s: %v", ws, err)
	}
	return output(v.wantJSON(), struct {
		*queue.Entry
		Position int `json:"position"`
	}{e, position}, renderEntry(e, position, time.Now()))
}

func runQueueInspect(args []string) int {
	v := newVerb("inspect", true)
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	ws, err := oneWorkspace("inspect", pos)
	if err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	build := inspect.BuildReport
	if v.wantJSON() {
		build = inspect.BuildJSONReport
	}
	report, err := build(ctx, y.queue, y.cfg.WorkspaceDir, ws, time.Now())
	if err != nil {
		return fail("inspect %s: %v", ws, err)
	}
	fmt.Println(strings.TrimRight(report, "\n"))
	return exitOK
}

func runQueueStats(args []string) int {
	v := newVerb("stats", true)
	if _, err := v.parse(args); err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	s, err := y.queue.Stats(ctx)
	if err != nil {
		return fail("stats: %v", err)
	}
	return output(v.wantJSON(), s, renderStats(s))
}

func runQueueEvents(args []string) int {
	v := newVerb("events", true)
	limit := v.fs.Int("limit", 20, "Most recent events to show (0 for all)")
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	ws, err := oneWorkspace("events", pos)
	if err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	evs, err := y.queue.Events(ctx, ws, *limit)
	if err != nil {
		return fail("events %s: %v", ws, err)
	}
	return output(v.wantJSON(), evs, renderEvents(evs))
}

func runQueueReclaim(args []string) int {
	v := newVerb("reclaim", true)
	if _, err := v.parse(args); err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	reclaimed, err := y.queue.ReclaimExpired(ctx)
	if err != nil {
		return fail("reclaim: %v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "reclaimed %d", len(reclaimed))
	for _, e := range reclaimed {
		fmt.Fprintf(&b, "\n  %s (was %s) → %s", e.Workspace, deref(e.PreviousAgent), e.Status)
	}
	return output(v.wantJSON(), reclaimed, b.String())
}

func runQueuePrune(args []string) int {
	v := newVerb("prune", true)
	retention := v.fs.Duration("retention", 0, "Keep terminal entries newer than this (default queue.retention)")
	if _, err := v.parse(args); err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()
	if *retention == 0 {
		*retention = y.cfg.Queue.Retention
	}

	n, err := y.queue.PruneTerminal(ctx, *retention)
	if err != nil {
		return fail("prune: %v", err)
	}
	return output(v.wantJSON(), map[string]int{"pruned": n}, fmt.Sprintf("pruned %d terminal entries older than %s", n, *retention))
}

func runQueueReparent(args []string) int {
	v := newVerb("reparent", true)
	parent := v.fs.String("parent", "", "New parent (omit to make the workspace a root)")
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	ws, err := oneWorkspace("reparent", pos)
	if err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	e, err := y.queue.Reparent(ctx, ws, optional(*parent))
	if err != nil {
		return fail("reparent %s: %v", ws, err)
	}
	return output(v.wantJSON(), e, fmt.Sprintf("%s now on %s (%s)", ws, deref(e.ParentWorkspace), e.StackMergeState))
}
