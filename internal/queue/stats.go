package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/trainyard/internal/storage"
)

// Stats counts entries per status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByStatus: make(map[Status]int, len(transitions))}
	for _, s := range Statuses() {
		st.ByStatus[s] = 0
	}

	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_entries GROUP BY status;`)
	if err != nil {
		return Stats{}, fmt.Errorf("count entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			raw string
			n   int
		)
		if err := rows.Scan(&raw, &n); err != nil {
			return Stats{}, fmt.Errorf("scan count: %w", err)
		}
		s, err := ParseStatus(raw)
		if err != nil {
			return Stats{}, q.check(fmt.Errorf("%w: %w", ErrCorrupt, err))
		}
		st.ByStatus[s] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate counts: %w", err)
	}

	if err := q.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM queue_entries
WHERE stack_merge_state = 'blocked' AND status NOT IN (?, ?, ?);
`, StatusMerged, StatusFailedTerminal, StatusCancelled).Scan(&st.Blocked); err != nil {
		return Stats{}, fmt.Errorf("count blocked: %w", err)
	}
	return st, nil
}

// Position is workspace's 1-based place among entries ClaimNext could take,
// or 0 if it is not currently eligible.
func (q *Queue) Position(ctx context.Context, workspace string) (int, error) {
	e, err := loadEntry(ctx, q.db, workspace)
	if err != nil {
		return 0, q.check(err)
	}
	if e.Status != StatusPending || e.StackMergeState.IsBlocked() {
		return 0, nil
	}
	var ahead int
	if err := q.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM queue_entries
WHERE status = 'PENDING' AND stack_merge_state IN ('ready', 'independent')
  AND (priority < ?
       OR (priority = ? AND added_at < ?)
       OR (priority = ? AND added_at = ? AND id < ?));
`, e.Priority, e.Priority, storage.Epoch(e.AddedAt), e.Priority, storage.Epoch(e.AddedAt), e.ID).Scan(&ahead); err != nil {
		return 0, fmt.Errorf("count entries ahead: %w", err)
	}
	return ahead + 1, nil
}

// PruneTerminal deletes terminal entries that completed more than retention
// ago, along with events for workspaces no longer queued. Entries that still
// have live dependents are kept so the dependents' merge state holds.
func (q *Queue) PruneTerminal(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive")
	}
	var pruned int
	err := q.update(ctx, func(t *txn) error {
		cutoff := storage.Epoch(t.now.Add(-retention))
		res, err := t.ExecContext(ctx, `
DELETE FROM queue_entries
WHERE status IN (?, ?, ?)
  AND completed_at IS NOT NULL AND completed_at <= ?
  AND NOT EXISTS (
    SELECT 1 FROM queue_entries c
    WHERE c.parent_workspace = queue_entries.workspace
      AND c.status NOT IN (?, ?, ?)
  );
`, StatusMerged, StatusFailedTerminal, StatusCancelled, cutoff,
			StatusMerged, StatusFailedTerminal, StatusCancelled)
		if err != nil {
			return fmt.Errorf("prune entries: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune entries: %w", err)
		}
		pruned = int(n)

		if _, err := t.ExecContext(ctx, `
DELETE FROM queue_events
WHERE at <= ? AND workspace NOT IN (SELECT workspace FROM queue_entries);
`, cutoff); err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
		if pruned == 0 {
			return nil
		}
		return recomputeStack(ctx, t)
	})
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		q.logger.Info("pruned terminal entries", "count", pruned, "retention", retention.String())
	}
	return pruned, nil
}
