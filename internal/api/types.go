package api

import (
	"github.com/mattjoyce/trainyard/internal/queue"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Active        int    `json:"active"`
	Blocked       int    `json:"blocked"`
	Subscribers   int    `json:"subscribers"`
}

// QueueResponse is returned by GET /queue.
type QueueResponse struct {
	Entries []queue.Entry `json:"entries"`
	Count   int           `json:"count"`
}

// EntryResponse is returned by GET /queue/{workspace}. Position is 1-based
// among eligible entries, 0 when the entry cannot be claimed right now.
type EntryResponse struct {
	queue.Entry
	Position int `json:"position"`
}

// NextResponse is returned by GET /queue/next. Entry is nil when nothing
// is eligible.
type NextResponse struct {
	Entry *queue.Entry `json:"entry"`
}
