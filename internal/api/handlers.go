package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/trainyard/internal/lockstore"
	"github.com/mattjoyce/trainyard/internal/queue"
	"github.com/mattjoyce/trainyard/internal/stack"
)

const maxListLimit = 1000

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to read queue stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Active:        st.Active(),
		Blocked:       st.Blocked,
		Subscribers:   s.events.Subscribers(),
	})
}

// handleListQueue handles GET /queue?status=A,B&agent=x&root=y&limit=n.
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.queue.List(r.Context(), f)
	if err != nil {
		s.internalError(w, "failed to list queue", err)
		return
	}
	if entries == nil {
		entries = []queue.Entry{}
	}
	respondJSON(w, http.StatusOK, QueueResponse{Entries: entries, Count: len(entries)})
}

func parseListFilter(r *http.Request) (queue.ListFilter, error) {
	q := r.URL.Query()
	f := queue.ListFilter{Agent: q.Get("agent"), Root: q.Get("root"), Limit: maxListLimit}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := queue.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				return f, err
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := parseLimit(raw)
		if err != nil {
			return f, err
		}
		f.Limit = n
	}
	return f, nil
}

// parseLimit caps every response at maxListLimit; 0 means the cap.
func parseLimit(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	if n == 0 || n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

// handleNext handles GET /queue/next.
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	e, err := s.queue.NextPending(r.Context())
	if err != nil {
		s.internalError(w, "failed to read next entry", err)
		return
	}
	respondJSON(w, http.StatusOK, NextResponse{Entry: e})
}

// handleStats handles GET /queue/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Stats(r.Context())
	if err != nil {
		s.internalError(w, "failed to read queue stats", err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// handleGetEntry handles GET /queue/{workspace}.
func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "workspace")
	e, err := s.queue.Get(r.Context(), ws)
	if err != nil {
		s.queueError(w, ws, err)
		return
	}
	pos, err := s.queue.Position(r.Context(), ws)
	if err != nil {
		s.queueError(w, ws, err)
		return
	}
	respondJSON(w, http.StatusOK, EntryResponse{Entry: *e, Position: pos})
}

// handleEntryEvents handles GET /queue/{workspace}/events?limit=n.
func (s *Server) handleEntryEvents(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "workspace")
	limit := maxListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := parseLimit(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		limit = n
	}
	if _, err := s.queue.Get(r.Context(), ws); err != nil {
		s.queueError(w, ws, err)
		return
	}
	evs, err := s.queue.Events(r.Context(), ws, limit)
	if err != nil {
		s.internalError(w, "failed to read events", err)
		return
	}
	if evs == nil {
		evs = []queue.Event{}
	}
	respondJSON(w, http.StatusOK, evs)
}

// handleStack handles GET /stack/{workspace}.
func (s *Server) handleStack(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "workspace")
	st, err := s.queue.StackStatus(r.Context(), ws)
	if err != nil {
		s.queueError(w, ws, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// handleLocks handles GET /locks.
func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.locks.ActiveLocks(r.Context())
	if err != nil {
		s.internalError(w, "failed to list locks", err)
		return
	}
	respondJSON(w, http.StatusOK, locks)
}

// handleLockAudit handles GET /locks/{resource}/audit?limit=n.
func (s *Server) handleLockAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := parseLimit(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		limit = n
	}
	entries, err := s.locks.Audit(r.Context(), chi.URLParam(r, "resource"), limit)
	var invalid *lockstore.InvalidResourceError
	if errors.As(err, &invalid) {
		s.writeError(w, http.StatusBadRequest, invalid.Error())
		return
	}
	if err != nil {
		s.internalError(w, "failed to read lock audit", err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// queueError maps queue errors onto status codes.
func (s *Server) queueError(w http.ResponseWriter, ws string, err error) {
	var se *stack.Error
	switch {
	case errors.Is(err, queue.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "workspace not found: "+ws)
	case errors.As(err, &se):
		s.writeError(w, http.StatusConflict, se.Error())
	default:
		s.internalError(w, "failed to read workspace "+ws, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	s.writeError(w, http.StatusInternalServerError, msg)
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
