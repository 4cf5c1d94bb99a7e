package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/trainyard/internal/lockstore"
	"github.com/mattjoyce/trainyard/internal/queue"
)

func runLockNoun(args []string) int {
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
	case "acquire":
		return runLockAcquire(rest)
	case "refresh":
		return runLockRefresh(rest)
	case "release":
		return runLockRelease(rest)
	case "status":
		return runLockStatus(rest)
	case "list":
		return runLockList(rest)
	case "audit":
		return runLockAudit(rest)
	default:
		fmt.Fprintf(os.Stderr, "Unknown lock action: %s\n", action)
		return exitError
	}
}

func oneResource(verb string, positionals []string) (string, error) {
	if len(positionals) != 1 {
		return "", fmt.Errorf("usage: trainyard lock %s <resource>", verb)
	}
	return positionals[0], nil
}

func runLockAcquire(args []string) int {
	v := newVerb("acquire", true)
	holder := v.fs.String("holder", "", "Holder id (default $TRAINYARD_AGENT or worker.agent)")
	ttl := v.fs.Duration("ttl", 0, "Lease length (default locks.default_ttl)")
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	resource, err := oneResource("acquire", pos)
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
		*ttl = y.cfg.Locks.DefaultTTL
	}

	res, err := y.locks.Acquire(ctx, resource, agentFor(*holder, y.cfg), *ttl)
	if err != nil {
		return fail("acquire %s: %v", resource, err)
	}
	if res.Outcome == lockstore.OutcomeAlreadyHeld {
		fmt.Fprintf(os.Stderr, "%s is held by %s\n", resource, res.Holder)
		if v.wantJSON() {
			_ = writeJSON(os.Stdout, res)
		}
		return exitContended
	}
	return output(v.wantJSON(), res, fmt.Sprintf("acquired %s as %s until %s", resource, res.Holder, res.Lock.ExpiresAt.Format(time.RFC3339)))
}

func runLockRefresh(args []string) int {
	v := newVerb("refresh", true)
	holder := v.fs.String("holder", "", "Holder id")
	ttl := v.fs.Duration("ttl", 0, "New lease length (default locks.default_ttl)")
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	resource, err := oneResource("refresh", pos)
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
		*ttl = y.cfg.Locks.DefaultTTL
	}

	l, err := y.locks.Refresh(ctx, resource, agentFor(*holder, y.cfg), *ttl)
	if err != nil {
		if errors.Is(err, lockstore.ErrNotHolder) {
			fmt.Fprintf(os.Stderr, "refresh %s: %v\n", resource, err)
			return exitContended
		}
		return fail("refresh %s: %v", resource, err)
	}
	return output(v.wantJSON(), l, fmt.Sprintf("%s held until %s", resource, l.ExpiresAt.Format(time.RFC3339)))
}

func runLockRelease(args []string) int {
	v := newVerb("release", false)
	holder := v.fs.String("holder", "", "Holder id")
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	resource, err := oneResource("release", pos)
	if err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	who := agentFor(*holder, y.cfg)
	released, err := y.locks.Release(ctx, resource, who)
	if err != nil {
		return fail("release %s: %v", resource, err)
	}
	if !released {
		fmt.Fprintf(os.Stderr, "%s is not held by %s\n", resource, who)
		return exitContended
	}
	fmt.Printf("released %s\n", resource)
	return exitOK
}

func runLockStatus(args []string) int {
	v := newVerb("status", true)
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	resource, err := oneResource("status", pos)
	if err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	holder, held, err := y.locks.Holder(ctx, resource)
	if err != nil {
		return fail("status %s: %v", resource, err)
	}
	human := fmt.Sprintf("%s is free", resource)
	if held {
		human = fmt.Sprintf("%s is held by %s", resource, holder)
	}
	return output(v.wantJSON(), map[string]any{"resource": resource, "locked": held, "holder": holder}, human)
}

func runLockList(args []string) int {
	v := newVerb("list", true)
	if _, err := v.parse(args); err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	locks, err := y.locks.ActiveLocks(ctx)
	if err != nil {
		return fail("list locks: %v", err)
	}
	return output(v.wantJSON(), locks, renderLocks(locks, time.Now()))
}

func runLockAudit(args []string) int {
	v := newVerb("audit", true)
	limit := v.fs.Int("limit", 20, "Most recent entries to show")
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	resource, err := oneResource("audit", pos)
	if err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	entries, err := y.locks.Audit(ctx, resource, *limit)
	if err != nil {
		return fail("audit %s: %v", resource, err)
	}
	return output(v.wantJSON(), entries, renderAudit(entries))
}

// --- stack ---

func runStackNoun(args []string) int {
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
	case "status":
		return runStackStatus(rest)
	case "tree":
		return runStackTree(rest)
	default:
		fmt.Fprintf(os.Stderr, "Unknown stack action: %s\n", action)
		return exitError
	}
}

func runStackStatus(args []string) int {
	v := newVerb("status", true)
	pos, err := v.parse(args)
	if err != nil {
		return fail("%v", err)
	}
	if len(pos) != 1 {
		return fail("usage: trainyard stack status <workspace>")
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	s, err := y.queue.StackStatus(ctx, pos[0])
	if err != nil {
		return fail("stack status %s: %v", pos[0], err)
	}
	return output(v.wantJSON(), s, renderStackStatus(s))
}

func runStackTree(args []string) int {
	v := newVerb("tree", true)
	all := v.fs.Bool("all", false, "Include merged and cancelled entries")
	if _, err := v.parse(args); err != nil {
		return fail("%v", err)
	}
	ctx := context.Background()
	y, err := openYard(ctx, *v.config, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer y.Close()

	entries, err := y.queue.List(ctx, queue.ListFilter{})
	if err != nil {
		return fail("list queue: %v", err)
	}
	if !*all {
		live := entries[:0]
		for _, e := range entries {
			if e.Status != queue.StatusMerged && e.Status != queue.StatusCancelled {
				live = append(live, e)
			}
		}
		entries = live
	}
	return output(v.wantJSON(), entries, renderStacks(entries))
}
