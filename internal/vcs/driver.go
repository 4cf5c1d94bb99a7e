// Package vcs is the port between the merge worker and the version control
// system that actually rebases and lands workspaces.
package vcs

import (
	"context"
	"errors"
	"fmt"
)

//go:generate mockgen -destination=mocks/mock_driver.go -package=mocks github.com/mattjoyce/trainyard/internal/vcs Driver

// Driver performs the VCS side of landing a workspace.
type Driver interface {
	// Rebase moves the workspace onto the current target and returns the new head.
	Rebase(ctx context.Context, workspace string) (string, error)
	DiffStat(ctx context.Context, workspace string) (DiffStat, error)
	// Merge advances target to the workspace head.
	Merge(ctx context.Context, workspace, target string) error
}

type DiffStat struct {
	Files      int `json:"files"`
	Insertions int `json:"insertions"`
	Deletions  int `json:"deletions"`
}

func (d DiffStat) String() string {
	return fmt.Sprintf("%d files, +%d -%d", d.Files, d.Insertions, d.Deletions)
}

// ConflictError means the operation stopped on a conflict. Another agent
// landing first can clear it, so it is worth retrying.
type ConflictError struct {
	Workspace string
	Op        string
	Detail    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: conflict: %s", e.Op, e.Workspace, e.Detail)
}

func (e *ConflictError) Retryable() bool { return true }

// IsRetryable reports whether err (or anything it wraps) says it is
// retryable. Deadline expiry counts as retryable; everything else is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
