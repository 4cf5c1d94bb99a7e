package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/mattjoyce/trainyard/internal/log"
)

// JJ drives a jj repository. Workspaces are addressed by name with the
// "<name>@" revset, so every command runs from the repository root.
type JJ struct {
	binary  string
	repoDir string
	target  string
	logger  *slog.Logger
}

// NewJJ returns a driver for the repository at repoDir that rebases onto target.
func NewJJ(binary, repoDir, target string) *JJ {
	if binary == "" {
		binary = "jj"
	}
	return &JJ{
		binary:  binary,
		repoDir: repoDir,
		target:  target,
		logger:  log.WithComponent("vcs"),
	}
}

func (j *JJ) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, j.binary, args...)
	cmd.Dir = j.repoDir
	return cmd
}

func commandOutput(cmd *exec.Cmd, what string) (string, error) {
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("%s: %w: %s", what, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("%s: %w", what, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func rev(workspace string) string { return workspace + "@" }

func (j *JJ) head(ctx context.Context, workspace string) (string, error) {
	return commandOutput(j.command(ctx, "log", "-r", rev(workspace), "-T", "commit_id", "--no-graph"), "jj log")
}

// Rebase rebases the workspace's branch onto the target and fails with
// *ConflictError if the result contains conflicts.
func (j *JJ) Rebase(ctx context.Context, workspace string) (string, error) {
	out, err := j.command(ctx, "rebase", "-b", rev(workspace), "-d", j.target).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if strings.Contains(strings.ToLower(string(out)), "conflict") {
			return "", &ConflictError{Workspace: workspace, Op: "rebase", Detail: strings.TrimSpace(string(out))}
		}
		return "", fmt.Errorf("jj rebase: %w: %s", err, strings.TrimSpace(string(out)))
	}

	conflicted, err := commandOutput(j.command(ctx, "log", "-r", fmt.Sprintf("(%s::%s) & conflicts()", j.target, rev(workspace)),
		"-T", `change_id.short() ++ "\n"`, "--no-graph"), "jj log conflicts")
	if err != nil {
		return "", err
	}
	if conflicted != "" {
		return "", &ConflictError{Workspace: workspace, Op: "rebase", Detail: "conflicted changes: " + strings.Join(strings.Fields(conflicted), ", ")}
	}

	sha, err := j.head(ctx, workspace)
	if err != nil {
		return "", err
	}
	j.logger.Debug("rebased workspace", "workspace", workspace, "target", j.target, "head", sha)
	return sha, nil
}

// DiffStat summarizes the workspace's changes relative to the target.
func (j *JJ) DiffStat(ctx context.Context, workspace string) (DiffStat, error) {
	out, err := commandOutput(j.command(ctx, "diff", "--stat", "--from", j.target, "--to", rev(workspace)), "jj diff --stat")
	if err != nil {
		return DiffStat{}, err
	}
	return ParseDiffStat(out)
}

// Merge moves the target bookmark forward to the workspace head.
func (j *JJ) Merge(ctx context.Context, workspace, target string) error {
	if target == "" {
		target = j.target
	}
	out, err := j.command(ctx, "bookmark", "set", target, "-r", rev(workspace)).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("jj bookmark set: %w: %s", err, strings.TrimSpace(string(out)))
	}
	j.logger.Info("advanced target", "workspace", workspace, "target", target)
	return nil
}

var (
	filesRe      = regexp.MustCompile(`(\d+) files? changed`)
	insertionsRe = regexp.MustCompile(`(\d+) insertions?\(\+\)`)
	deletionsRe  = regexp.MustCompile(`(\d+) deletions?\(-\)`)
)

// ParseDiffStat reads the summary line of `diff --stat` output. Output with
// no summary line means no changes.
func ParseDiffStat(out string) (DiffStat, error) {
	var ds DiffStat
	lines := strings.Split(strings.TrimSpace(out), "\n")
	summary := strings.TrimSpace(lines[len(lines)-1])
	if summary == "" || !filesRe.MatchString(summary) {
		return ds, nil
	}
	for _, f := range []struct {
		re  *regexp.Regexp
		dst *int
	}{
		{filesRe, &ds.Files},
		{insertionsRe, &ds.Insertions},
		{deletionsRe, &ds.Deletions},
	} {
		m := f.re.FindStringSubmatch(summary)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return DiffStat{}, fmt.Errorf("parse diff stat %q: %w", summary, err)
		}
		*f.dst = n
	}
	return ds, nil
}
