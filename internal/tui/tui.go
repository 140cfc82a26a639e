// Package tui provides the `listsync monitor` dashboard: a live view of the
// processor, breaker, cache and queue with a few operator actions.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"listsync/internal/admin"
	"listsync/internal/operation"
	"listsync/internal/processor"
)

// DefaultRefreshInterval is how often the dashboard polls the source.
const DefaultRefreshInterval = 2 * time.Second

const listLimit = 50

// Source is the operator surface the monitor reads and steers.
// *daemon.Client implements it.
type Source interface {
	Status(ctx context.Context) (*admin.Status, error)
	List(ctx context.Context, statuses []operation.Status, limit int) ([]*operation.Record, error)
	Retry(ctx context.Context, id string) (*operation.Record, error)
	Cancel(ctx context.Context, id string) (*operation.Record, error)
	SetEnabled(ctx context.Context, enabled bool) error
	ProcessNow(ctx context.Context) (processor.Summary, error)
}

// Filter selects which operations the list shows.
type Filter int

const (
	FilterActive Filter = iota
	FilterFailed
	FilterAll
)

func (f Filter) String() string {
	switch f {
	case FilterFailed:
		return "failed"
	case FilterAll:
		return "all"
	default:
		return "active"
	}
}

func (f Filter) statuses() []operation.Status {
	switch f {
	case FilterFailed:
		return []operation.Status{operation.StatusFailed}
	case FilterAll:
		return nil
	default:
		return []operation.Status{operation.StatusPending, operation.StatusProcessing}
	}
}

// Mode indicates the current input mode
type Mode int

const (
	ModeNormal Mode = iota
	ModeHelp
	ModeConfirmCancel
)

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Filter  key.Binding
	Retry   key.Binding
	Cancel  key.Binding
	Run     key.Binding
	Toggle  key.Binding
	Refresh key.Binding
	Help    key.Binding
	Quit    key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Run, k.Toggle, k.Filter, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Filter, k.Refresh},
		{k.Retry, k.Cancel, k.Run, k.Toggle},
		{k.Help, k.Quit},
	}
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Filter:  key.NewBinding(key.WithKeys("f", "tab"), key.WithHelp("f", "filter")),
		Retry:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "retry")),
		Cancel:  key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "cancel")),
		Run:     key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "process now")),
		Toggle:  key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "enable/disable")),
		Refresh: key.NewBinding(key.WithKeys("R"), key.WithHelp("R", "refresh")),
		Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// Model represents the TUI state
type Model struct {
	source   Source
	ctx      context.Context
	interval time.Duration

	// Data
	status *admin.Status
	ops    []*operation.Record
	filter Filter

	cursor  int
	mode    Mode
	notice  string
	lastErr error

	keys keyMap
	help help.Model

	// UI dimensions
	width  int
	height int

	// Styles
	paneStyle      lipgloss.Style
	titleStyle     lipgloss.Style
	selectedStyle  lipgloss.Style
	failedStyle    lipgloss.Style
	okStyle        lipgloss.Style
	mutedStyle     lipgloss.Style
	dialogStyle    lipgloss.Style
	statusBarStyle lipgloss.Style
}

// Message types
type statusLoadedMsg struct {
	status *admin.Status
}

type opsLoadedMsg struct {
	filter Filter
	ops    []*operation.Record
}

type actionDoneMsg struct {
	notice string
}

type tickMsg time.Time

type errMsg struct {
	err error
}

// Option configures a Model.
type Option func(*Model)

// WithRefreshInterval sets the polling interval.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithContext sets the context used for source calls.
func WithContext(ctx context.Context) Option {
	return func(m *Model) {
		if ctx != nil {
			m.ctx = ctx
		}
	}
}

// New creates a new monitor model
func New(src Source, opts ...Option) *Model {
	m := &Model{
		source:   src,
		ctx:      context.Background(),
		interval: DefaultRefreshInterval,
		keys:     defaultKeyMap(),
		help:     help.New(),
		paneStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		titleStyle: lipgloss.NewStyle().
			Bold(true),
		selectedStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")),
		failedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),
		okStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")),
		mutedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
		dialogStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2),
		statusBarStyle: lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init loads the first snapshot and starts the refresh ticker
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.loadStatus(), m.loadOps(), m.tick())
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) loadStatus() tea.Cmd {
	return func() tea.Msg {
		st, err := m.source.Status(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		return statusLoadedMsg{st}
	}
}

func (m *Model) loadOps() tea.Cmd {
	filter := m.filter
	return func() tea.Msg {
		ops, err := m.source.List(m.ctx, filter.statuses(), listLimit)
		if err != nil {
			return errMsg{err}
		}
		return opsLoadedMsg{filter: filter, ops: ops}
	}
}

func (m *Model) refresh() tea.Cmd {
	return tea.Batch(m.loadStatus(), m.loadOps())
}

func (m *Model) selected() *operation.Record {
	if m.cursor < 0 || m.cursor >= len(m.ops) {
		return nil
	}
	return m.ops[m.cursor]
}

func (m *Model) retrySelected() tea.Cmd {
	rec := m.selected()
	if rec == nil {
		return nil
	}
	id := rec.ID
	return func() tea.Msg {
		if _, err := m.source.Retry(m.ctx, id); err != nil {
			return errMsg{err}
		}
		return actionDoneMsg{"Retried " + shortID(id)}
	}
}

func (m *Model) cancelSelected() tea.Cmd {
	rec := m.selected()
	if rec == nil {
		return nil
	}
	id := rec.ID
	return func() tea.Msg {
		if _, err := m.source.Cancel(m.ctx, id); err != nil {
			return errMsg{err}
		}
		return actionDoneMsg{"Cancelled " + shortID(id)}
	}
}

func (m *Model) processNow() tea.Cmd {
	return func() tea.Msg {
		s, err := m.source.ProcessNow(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		if s.SkippedReason != "" {
			return actionDoneMsg{"Pass skipped: " + s.SkippedReason}
		}
		return actionDoneMsg{fmt.Sprintf("Pass: %d processed, %d completed, %d retried, %d failed",
			s.Processed, s.Completed, s.Retried, s.Failed)}
	}
}

func (m *Model) toggleEnabled() tea.Cmd {
	enable := m.status == nil || !m.status.Processor.Enabled
	return func() tea.Msg {
		if err := m.source.SetEnabled(m.ctx, enable); err != nil {
			return errMsg{err}
		}
		if enable {
			return actionDoneMsg{"Processor enabled"}
		}
		return actionDoneMsg{"Processor disabled"}
	}
}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refresh(), m.tick())

	case statusLoadedMsg:
		m.status = msg.status
		return m, nil

	case opsLoadedMsg:
		// Drop results for a filter the user already switched away from
		if msg.filter != m.filter {
			return m, nil
		}
		m.ops = msg.ops
		m.lastErr = nil
		if m.cursor >= len(m.ops) {
			m.cursor = max(len(m.ops)-1, 0)
		}
		return m, nil

	case actionDoneMsg:
		m.notice = msg.notice
		m.lastErr = nil
		return m, m.refresh()

	case errMsg:
		m.lastErr = msg.err
		return m, nil

	case tea.KeyMsg:
		switch m.mode {
		case ModeHelp:
			m.mode = ModeNormal
			return m, nil
		case ModeConfirmCancel:
			return m.handleConfirmCancelMode(msg)
		}

		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, m.keys.Down):
			if m.cursor < len(m.ops)-1 {
				m.cursor++
			}
		case key.Matches(msg, m.keys.Filter):
			m.filter = (m.filter + 1) % 3
			m.cursor = 0
			m.ops = nil
			return m, m.loadOps()
		case key.Matches(msg, m.keys.Retry):
			return m, m.retrySelected()
		case key.Matches(msg, m.keys.Cancel):
			if m.selected() != nil {
				m.mode = ModeConfirmCancel
			}
		case key.Matches(msg, m.keys.Run):
			m.notice = "Processing..."
			return m, m.processNow()
		case key.Matches(msg, m.keys.Toggle):
			return m, m.toggleEnabled()
		case key.Matches(msg, m.keys.Refresh):
			return m, m.refresh()
		case key.Matches(msg, m.keys.Help):
			m.mode = ModeHelp
		}
	}
	return m, nil
}

func (m *Model) handleConfirmCancelMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "Y":
		m.mode = ModeNormal
		return m, m.cancelSelected()
	case "n", "N", "esc":
		m.mode = ModeNormal
	}
	return m, nil
}

// View renders the dashboard
func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		m.width = 100
		m.height = 24
	}

	switch m.mode {
	case ModeHelp:
		return m.centerDialog(m.dialogStyle.Render("Help - Key Bindings\n\n" + m.help.FullHelpView(m.keys.FullHelp()) + "\n\nPress any key to close"))
	case ModeConfirmCancel:
		id := ""
		if rec := m.selected(); rec != nil {
			id = shortID(rec.ID)
		}
		return m.centerDialog(m.dialogStyle.Render("Cancel operation " + id + "?\n\n" + m.mutedStyle.Render("y: yes  n: no")))
	}

	statusWidth := m.width / 3
	opsWidth := m.width - statusWidth - 4
	paneHeight := m.height - 4

	statusPane := m.paneStyle.Width(statusWidth).Height(paneHeight).Render(m.renderStatusPane())
	opsPane := m.paneStyle.Width(opsWidth).Height(paneHeight).Render(m.renderOpsPane(opsWidth - 4))

	var b strings.Builder
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, statusPane, opsPane))
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m *Model) renderStatusPane() string {
	var b strings.Builder
	b.WriteString(m.titleStyle.Render("Status") + "\n")

	st := m.status
	if st == nil {
		b.WriteString(m.mutedStyle.Render("loading...") + "\n")
		return b.String()
	}

	processorState := m.okStyle.Render("enabled")
	if !st.Processor.Enabled {
		processorState = m.failedStyle.Render("disabled")
	}
	fmt.Fprintf(&b, "Processor: %s\n", processorState)
	if st.BreakerState != "" {
		breaker := st.BreakerState
		if breaker == "open" {
			breaker = m.failedStyle.Render(breaker)
		}
		fmt.Fprintf(&b, "Breaker:   %s\n", breaker)
	}
	fmt.Fprintf(&b, "Uptime:    %s\n\n", st.Uptime)

	b.WriteString(m.titleStyle.Render("Queue") + "\n")
	for _, s := range operation.Statuses {
		line := fmt.Sprintf("  %-11s %d", s, st.Queue[s])
		if s == operation.StatusFailed && st.Queue[s] > 0 {
			line = m.failedStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n" + m.titleStyle.Render("Cache") + "\n")
	fmt.Fprintf(&b, "  entries     %d\n", st.Cache.Size)
	fmt.Fprintf(&b, "  hits        %d\n", st.Cache.Hits)
	fmt.Fprintf(&b, "  misses      %d\n", st.Cache.Misses)
	fmt.Fprintf(&b, "  hit rate    %s\n", hitRate(st.Cache.Hits, st.Cache.Misses))

	if run := st.Processor.LastRun; run != nil {
		b.WriteString("\n" + m.titleStyle.Render("Last pass") + "\n")
		fmt.Fprintf(&b, "  at          %s\n", run.StartedAt.Local().Format("15:04:05"))
		fmt.Fprintf(&b, "  completed   %d/%d\n", run.Completed, run.Processed)
		if run.SkippedReason != "" {
			fmt.Fprintf(&b, "  skipped     %s\n", run.SkippedReason)
		}
	}
	return b.String()
}

func (m *Model) renderOpsPane(width int) string {
	var b strings.Builder
	b.WriteString(m.titleStyle.Render("Operations ("+m.filter.String()+")") + "\n")
	b.WriteString(strings.Repeat("─", max(width, 1)))
	b.WriteString("\n")

	if len(m.ops) == 0 {
		b.WriteString("No operations\n")
		return b.String()
	}

	for i, rec := range m.ops {
		cursor := " "
		if i == m.cursor {
			cursor = ">"
		}
		line := fmt.Sprintf("%s %-8s %-17s %-10s owner=%d retries=%d",
			cursor, shortID(rec.ID), rec.Type, rec.Status, rec.OwnerID, rec.RetryCount)
		if rec.ErrorKind != "" {
			line += " " + rec.ErrorKind
		}
		switch {
		case i == m.cursor:
			line = m.selectedStyle.Render(line)
		case rec.Status == operation.StatusFailed:
			line = m.failedStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}

	if rec := m.selected(); rec != nil && rec.ErrorMessage != "" {
		b.WriteString("\n" + m.mutedStyle.Render("error: "+rec.ErrorMessage) + "\n")
	}
	return b.String()
}

func (m *Model) renderStatusBar() string {
	left := m.notice
	if m.lastErr != nil {
		left = "Error: " + m.lastErr.Error()
	}
	right := m.help.ShortHelpView(m.keys.ShortHelp())

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}
	return m.statusBarStyle.Width(m.width).Render(left + strings.Repeat(" ", padding) + right)
}

func (m *Model) centerDialog(dialog string) string {
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, dialog)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func hitRate(hits, misses int64) string {
	total := hits + misses
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(hits)*100/float64(total))
}
