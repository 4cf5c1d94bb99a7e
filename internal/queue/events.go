package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/trainyard/internal/storage"
)

// EventType names a row in the queue event log.
type EventType string

const (
	EventCreated        EventType = "created"
	EventClaimed        EventType = "claimed"
	EventTransitioned   EventType = "transitioned"
	EventFailed         EventType = "failed"
	EventRetried        EventType = "retried"
	EventCancelled      EventType = "cancelled"
	EventMerged         EventType = "merged"
	EventReclaimed      EventType = "reclaimed"
	EventHeartbeat      EventType = "heartbeat"
	EventReleased       EventType = "released"
	EventDequeued       EventType = "dequeued"
	EventReparented     EventType = "reparented"
	EventRebased        EventType = "rebased"
	EventTested         EventType = "tested"
	EventWorkspaceState EventType = "workspace_state"
)

// Event is one entry of a workspace's history.
type Event struct {
	ID        string    `json:"id"`
	Workspace string    `json:"workspace"`
	Type      EventType `json:"type"`
	Agent     *string   `json:"agent_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

func (t *txn) record(ctx context.Context, workspace string, typ EventType, agent *string, detail string) error {
	ev := Event{
		ID:        uuid.NewString(),
		Workspace: workspace,
		Type:      typ,
		Agent:     agent,
		Detail:    detail,
		At:        t.now,
	}
	if _, err := t.ExecContext(ctx, `
INSERT INTO queue_events(id, workspace, event_type, agent_id, detail, at)
VALUES(?, ?, ?, ?, ?, ?);
`, ev.ID, ev.Workspace, string(ev.Type), storage.NullString(ev.Agent), ev.Detail, storage.Epoch(ev.At)); err != nil {
		return fmt.Errorf("record %s event: %w", typ, err)
	}
	t.events = append(t.events, ev)
	return nil
}

func (q *Queue) publish(evs []Event) {
	if q.publisher == nil {
		return
	}
	for _, ev := range evs {
		q.publisher.Publish("queue."+string(ev.Type), ev)
	}
}

// Events returns a workspace's history oldest first. limit <= 0 returns all.
func (q *Queue) Events(ctx context.Context, workspace string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT id, workspace, event_type, agent_id, detail, at
FROM (
  SELECT rowid AS seq, id, workspace, event_type, agent_id, detail, at
  FROM queue_events
  WHERE workspace = ?
  ORDER BY at DESC, rowid DESC
  LIMIT ?
)
ORDER BY at ASC, seq ASC;
`, workspace, limit)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev     Event
			typ    string
			agent  sql.NullString
			detail sql.NullString
			atS    string
		)
		if err := rows.Scan(&ev.ID, &ev.Workspace, &typ, &agent, &detail, &atS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		at, err := storage.ParseTimestamp("queue_events.at", atS)
		if err != nil {
			return nil, q.check(fmt.Errorf("%w: %w", ErrCorrupt, err))
		}
		ev.Type = EventType(typ)
		ev.Agent = storage.StringPtr(agent)
		ev.Detail = detail.String
		ev.At = at
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
