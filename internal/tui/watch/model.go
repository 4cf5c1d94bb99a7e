package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/trainyard/internal/events"
)

const (
	healthInterval   = 5 * time.Second
	reconnectBackoff = 3 * time.Second
)

// Model is the bubbletea model behind `trainyard watch`.
type Model struct {
	client *Client
	now    func() time.Time

	width  int
	height int

	health   HealthState
	rows     []boardRow
	board    table.Model
	eventLog []events.Event
	lastTick time.Time

	ticker  Ticker
	spinner Spinner
	theme   Theme

	hubEvents chan events.Event

	lastError string
}

// New builds a board that reads from the API at apiURL.
func New(apiURL string) *Model {
	return &Model{
		client:    NewClient(apiURL),
		now:       time.Now,
		board:     newBoardTable(),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     NewDefaultTheme(),
	}
}

// Run starts the board and blocks until the user quits.
func Run(apiURL string) error {
	_, err := tea.NewProgram(New(apiURL)).Run()
	return err
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribe(0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchHealth,
		m.client.fetchBoard,
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.client.fetchBoard
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.board.SetWidth(m.width - 6)
		if h := m.height/2 - 4; h > 3 {
			m.board.SetHeight(h)
		}
		return m, nil

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay(m.now())
		m.board.SetRows(boardRows(m.rows, m.theme, m.now()))
		return m, tick()

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.spinner.OnEvent(m.now())
		if e.Type == "sweeper.tick" {
			m.lastTick = m.now()
		}
		m.health.Connected = true
		m.lastError = ""
		return m, tea.Batch(receiveNextEvent(m.hubEvents), m.client.fetchBoard)

	case boardMsg:
		m.rows = orderBoard(msg)
		m.board.SetRows(boardRows(m.rows, m.theme, m.now()))
		if c := m.board.Cursor(); c >= len(m.rows) && len(m.rows) > 0 {
			m.board.SetCursor(len(m.rows) - 1)
		}
		return m, nil

	case healthMsg:
		m.health = HealthState{
			Status:        msg.Status,
			UptimeSeconds: msg.UptimeSeconds,
			Active:        msg.Active,
			Blocked:       msg.Blocked,
			Subscribers:   msg.Subscribers,
			Connected:     true,
			LastCheck:     m.now(),
		}
		m.lastError = ""
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return m.client.fetchHealth() })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		last := msg.lastID
		return m, tea.Tick(reconnectBackoff, func(time.Time) tea.Msg { return reconnectMsg{lastID: last} })

	case reconnectMsg:
		// The receiveNextEvent started in Init is still waiting on the channel.
		return m, m.client.subscribe(msg.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return m.client.fetchHealth() })
	}

	var cmd tea.Cmd
	m.board, cmd = m.board.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to trainyard..."
	}
	now := m.now()

	parts := []string{
		renderHeader(m.health, m.ticker, m.spinner, m.lastTick, m.theme, m.width, now),
		renderBoard(m.board, m.rows, m.board.Cursor(), m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select • [r] Refresh"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
