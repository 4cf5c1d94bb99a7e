package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/trainyard/internal/api"
	"github.com/mattjoyce/trainyard/internal/events"
	"github.com/mattjoyce/trainyard/internal/queue"
)

type eventMsg events.Event

type healthMsg api.HealthzResponse

type boardMsg []queue.Entry

type tickMsg time.Time

type errMsg error

// sseDisconnectedMsg carries the last event ID seen so the next connection
// resumes after it.
type sseDisconnectedMsg struct{ lastID int64 }

type reconnectMsg struct{ lastID int64 }

// Client talks to the trainyard HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Second},
		stream:  &http.Client{},
	}
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	var h api.HealthzResponse
	err := c.getJSON(ctx, "/healthz", &h)
	return h, err
}

// Board returns every entry still on the board: terminal entries are left
// out except failures, which stay visible until pruned.
func (c *Client) Board(ctx context.Context) ([]queue.Entry, error) {
	var resp api.QueueResponse
	if err := c.getJSON(ctx, "/queue/", &resp); err != nil {
		return nil, err
	}
	out := resp.Entries[:0]
	for _, e := range resp.Entries {
		if e.Status == queue.StatusMerged || e.Status == queue.StatusCancelled {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Stream feeds hub events into ch until the connection drops or ctx ends.
// It returns the ID of the last event delivered.
func (c *Client) Stream(ctx context.Context, lastID int64, ch chan<- events.Event) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return lastID, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return lastID, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return lastID, fmt.Errorf("GET /events: %s", resp.Status)
	}
	return readSSE(resp.Body, lastID, ch), nil
}

// readSSE parses a text/event-stream body. Comment lines are keep-alives.
func readSSE(r io.Reader, lastID int64, ch chan<- events.Event) int64 {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cur events.Event
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				cur.Data = json.RawMessage(strings.Join(data, "\n"))
				cur.At = time.Now()
				ch <- cur
				if cur.ID > lastID {
					lastID = cur.ID
				}
			}
			cur = events.Event{}
			data = data[:0]
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = append(data, line[6:])
		}
	}
	return lastID
}

// --- Commands ---

func (c *Client) subscribe(lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		last, _ := c.Stream(context.Background(), lastID, ch)
		return sseDisconnectedMsg{lastID: last}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func (c *Client) fetchHealth() tea.Msg {
	h, err := c.Health(context.Background())
	if err != nil {
		return errMsg(err)
	}
	return healthMsg(h)
}

func (c *Client) fetchBoard() tea.Msg {
	entries, err := c.Board(context.Background())
	if err != nil {
		return errMsg(err)
	}
	return boardMsg(entries)
}
