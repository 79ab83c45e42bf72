// Package tui renders one task collection as a terminal dashboard. Rows come
// from a virtual window over the store, so only visible tasks are drawn; edits
// go through the mutation engine and show immediately.
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/roach88/tasksync/internal/engine"
	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/ir"
	"github.com/roach88/tasksync/internal/store"
	"github.com/roach88/tasksync/internal/timer"
	"github.com/roach88/tasksync/internal/window"
)

// chromeRows is the number of terminal rows not used by task rows: title,
// timer, status and help.
const chromeRows = 4

// Coordinator issues task edits. Implemented by *engine.Engine.
type Coordinator interface {
	Mutate(ctx context.Context, kind entity.Kind, id string, patch ir.Object, opts ...engine.MutateOption) (*engine.Mutation, error)
}

// Timer is the active time tracker. Implemented by *timer.Machine.
type Timer interface {
	Start(ctx context.Context, id string) (*engine.Mutation, error)
	Stop(ctx context.Context) (*engine.Mutation, error)
	State() timer.State
	Total() time.Duration
	Ticks(ctx context.Context) <-chan time.Duration
}

type viewMsg window.View

type tickMsg time.Duration

type frameMsg struct{}

type outcomeMsg struct {
	id  string
	out engine.Outcome
	err error
}

// Model is the bubbletea model for the dashboard.
type Model struct {
	ctx    context.Context
	store  *store.Store
	coord  Coordinator
	timer  Timer
	list   *window.List
	geom   window.Geometry
	title  string
	logger *slog.Logger
	styles styles

	frameInterval time.Duration
	now           func() time.Time

	views chan window.View
	ticks <-chan time.Duration

	view     window.View
	status   string
	width    int
	quitting bool
}

// Option configures a Model.
type Option func(*Model)

// WithGeometry sets the row height and overscan. The viewport follows the terminal.
func WithGeometry(g window.Geometry) Option {
	return func(m *Model) { m.geom = g }
}

// WithFrameInterval sets how often scroll offsets are applied. Offsets offered
// within one interval are coalesced. Defaults to window.DefaultFrameInterval.
func WithFrameInterval(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.frameInterval = d
		}
	}
}

// WithClock sets the clock used for frame coalescing. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// WithTitle sets the header line.
func WithTitle(title string) Option {
	return func(m *Model) { m.title = title }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Model) { m.logger = l }
}

// New builds a dashboard over the tasks of list parent. Close releases the
// store subscriptions.
func New(ctx context.Context, s *store.Store, parent string, coord Coordinator, tm Timer, opts ...Option) *Model {
	m := &Model{
		ctx:    ctx,
		store:  s,
		coord:  coord,
		timer:  tm,
		geom:   window.Geometry{ItemHeight: 1, ViewportHeight: 20, Overscan: 5},
		title:  "tasks · " + parent,
		logger: slog.Default(),
		styles: defaultStyles(),
		views:  make(chan window.View, 1),

		frameInterval: window.DefaultFrameInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.list = window.NewList(s, entity.KindTask, parent, m.geom,
		window.WithOnChange(m.publish),
		window.WithLogger(m.logger),
		window.WithFrameInterval(m.frameInterval),
		window.WithClock(m.now),
	)
	m.list.MoveCursor(1)
	m.view = m.list.View()
	if tm != nil {
		m.ticks = tm.Ticks(ctx)
	}
	return m
}

// Close releases the list's store subscriptions.
func (m *Model) Close() {
	m.list.Close()
}

// publish keeps only the newest view; the UI never needs an older one.
func (m *Model) publish(v window.View) {
	for {
		select {
		case m.views <- v:
			return
		default:
		}
		select {
		case <-m.views:
		default:
		}
	}
}

func (m *Model) waitView() tea.Cmd {
	return func() tea.Msg {
		select {
		case v := <-m.views:
			return viewMsg(v)
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m *Model) waitTick() tea.Cmd {
	if m.ticks == nil {
		return nil
	}
	return func() tea.Msg {
		d, ok := <-m.ticks
		if !ok {
			return nil
		}
		return tickMsg(d)
	}
}

func (m *Model) waitOutcome(id string, mut *engine.Mutation) tea.Cmd {
	return func() tea.Msg {
		out, err := mut.Wait(m.ctx)
		return outcomeMsg{id: id, out: out, err: err}
	}
}

// Init starts listening for list renders and timer ticks.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.waitView(), m.waitTick())
}

// Update handles one message.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		rows := max(msg.Height-chromeRows, 1)
		m.list.Resize(rows * m.geom.ItemHeight)
		m.geom.ViewportHeight = rows * m.geom.ItemHeight
		m.view = m.list.View()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case viewMsg:
		m.view = window.View(msg)
		return m, m.waitView()

	case tickMsg:
		return m, m.waitTick()

	case frameMsg:
		if m.list.Frame() {
			m.view = m.list.View()
		}
		return m, nil

	case outcomeMsg:
		m.status = describeOutcome(msg)
		return m, nil
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		if m.timer != nil {
			if _, err := m.timer.Stop(m.ctx); err != nil {
				m.logger.Warn("timer flush on exit failed", "error", err)
			}
		}
		return m, tea.Quit
	case "up", "k":
		m.list.MoveCursor(-1)
	case "down", "j":
		m.list.MoveCursor(1)
	case "pgup":
		return m, m.scroll(-m.geom.ViewportHeight)
	case "pgdown":
		return m, m.scroll(m.geom.ViewportHeight)
	case " ":
		return m, m.toggleDone()
	case "t":
		return m, m.toggleTimer()
	}
	m.view = m.list.View()
	return m, nil
}

// scroll offers a new offset and schedules a frame for any offset the
// debouncer holds back.
func (m *Model) scroll(delta int) tea.Cmd {
	if m.list.Scroll(m.list.ScrollOffset() + delta) {
		m.view = m.list.View()
	}
	return tea.Tick(m.frameInterval, func(time.Time) tea.Msg { return frameMsg{} })
}

func (m *Model) toggleDone() tea.Cmd {
	id := m.list.Selected()
	ent, ok := m.store.Get(entity.KindTask, id)
	if !ok {
		return nil
	}
	next := entity.StatusDone
	if t, ok := ent.Fields.(entity.Task); ok && t.Status == entity.StatusDone {
		next = entity.StatusTodo
	}
	mut, err := m.coord.Mutate(m.ctx, entity.KindTask, id, ir.Object{"status": ir.String(next)})
	if err != nil {
		m.status = fmt.Sprintf("%s: %v", id, err)
		return nil
	}
	m.status = ""
	m.view = m.list.View()
	return m.waitOutcome(id, mut)
}

func (m *Model) toggleTimer() tea.Cmd {
	if m.timer == nil {
		return nil
	}
	id := m.list.Selected()
	var mut *engine.Mutation
	var err error
	if r, ok := m.timer.State().(timer.Running); ok && r.EntityID == id {
		mut, err = m.timer.Stop(m.ctx)
	} else if id != "" {
		mut, err = m.timer.Start(m.ctx, id)
	}
	if err != nil {
		m.status = fmt.Sprintf("timer: %v", err)
		return nil
	}
	if mut == nil {
		return nil
	}
	return m.waitOutcome(mut.Key.ID, mut)
}

func describeOutcome(msg outcomeMsg) string {
	if msg.out.Status == "" {
		if msg.err != nil && !errors.Is(msg.err, context.Canceled) {
			return fmt.Sprintf("%s: %v", msg.id, msg.err)
		}
		return ""
	}
	switch msg.out.Status {
	case engine.StatusRolledBack:
		return fmt.Sprintf("%s: change reverted (%v)", msg.id, msg.out.Err)
	case engine.StatusRemoved, engine.StatusDiscarded:
		return fmt.Sprintf("%s: task no longer exists", msg.id)
	}
	return ""
}

// View renders the dashboard.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.styles.title.Render(fmt.Sprintf("%s (%d)", m.title, m.view.Total)))
	b.WriteByte('\n')

	byID := make(map[string]entity.Entity, len(m.view.Entities))
	for _, ent := range m.view.Entities {
		byID[ent.ID] = ent
	}
	first := 0
	if m.geom.ItemHeight > 0 {
		first = m.list.ScrollOffset() / m.geom.ItemHeight
	}
	rows := max(m.geom.ViewportHeight/max(m.geom.ItemHeight, 1), 1)
	for k, id := range m.view.IDs {
		i := m.view.Range.Start + k
		if i < first || i >= first+rows {
			continue
		}
		b.WriteString(m.renderRow(id, byID[id]))
		b.WriteByte('\n')
	}

	b.WriteString(m.renderTimer())
	b.WriteByte('\n')
	b.WriteString(m.styles.status.Render(m.status))
	b.WriteByte('\n')
	b.WriteString(m.styles.help.Render("↑/↓ move · space done · t timer · pgup/pgdn scroll · q quit"))
	return b.String()
}

func (m *Model) renderRow(id string, ent entity.Entity) string {
	task, _ := ent.Fields.(entity.Task)
	mark := "[ ]"
	if task.Status == entity.StatusDone {
		mark = "[x]"
	}
	line := fmt.Sprintf("%s %s", mark, task.Title)
	if task.TimeSpentMs > 0 {
		line += "  " + formatDuration(time.Duration(task.TimeSpentMs)*time.Millisecond)
	}
	if ent.Pending {
		line += " …"
	}

	style := m.styles.row
	switch {
	case id == m.view.Selected:
		style = m.styles.selected
	case ent.Pending:
		style = m.styles.pending
	case task.Status == entity.StatusDone:
		style = m.styles.done
	}
	return style.Render(line)
}

func (m *Model) renderTimer() string {
	if m.timer == nil {
		return ""
	}
	r, ok := m.timer.State().(timer.Running)
	if !ok {
		return m.styles.help.Render("timer idle")
	}
	title := r.EntityID
	if ent, ok := m.store.Get(entity.KindTask, r.EntityID); ok {
		if task, ok := ent.Fields.(entity.Task); ok {
			title = task.Title
		}
	}
	return m.styles.timer.Render(fmt.Sprintf("● %s %s", title, formatDuration(m.timer.Total())))
}

// formatDuration renders d as h:mm:ss.
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	mins := d / time.Minute
	d -= mins * time.Minute
	return fmt.Sprintf("%d:%02d:%02d", h, mins, d/time.Second)
}

// Run starts the program on the terminal and blocks until the user quits.
func Run(ctx context.Context, m *Model, opts ...tea.ProgramOption) error {
	defer m.Close()
	opts = append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, opts...)
	_, err := tea.NewProgram(m, opts...).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
