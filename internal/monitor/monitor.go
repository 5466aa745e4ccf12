// Package monitor implements the operator dashboard supplementing
// spec.md's broker with live visibility into registered plugins,
// connection refcounts, call-vector depth and event-queue depth
// (SPEC_FULL.md §4). It only runs when standard output is a terminal.
package monitor

import (
	"fmt"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/djthinksource/splonebox-core/internal/connection"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

type pluginItem struct {
	pluginKey string
	name      string
	connID    uint64
	refcount  int32
	callDepth int
	queueLen  int
}

func (i pluginItem) Title() string {
	if i.name == "" {
		return i.pluginKey
	}
	return fmt.Sprintf("%s (%s)", i.name, i.pluginKey)
}
func (i pluginItem) Description() string {
	return fmt.Sprintf("conn #%d  refs=%d  calls=%d  queued=%d", i.connID, i.refcount, i.callDepth, i.queueLen)
}
func (i pluginItem) FilterValue() string { return i.pluginKey }

type refreshMsg []list.Item

type model struct {
	engine *connection.Engine
	list   list.Model
	copied string
}

// New builds the dashboard's root model over a live Engine.
func New(engine *connection.Engine) tea.Model {
	delegate := list.NewDefaultDelegate()
	l := list.New(nil, delegate, 0, 0)
	l.Title = "splonebox-core connections"
	l.Styles.Title = titleStyle

	return model{engine: engine, list: l}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return tickMsg{} })
}

type tickMsg struct{}

func (m model) refresh() tea.Cmd {
	engine := m.engine
	return func() tea.Msg {
		snapshot := engine.Registry().PluginKeys.Snapshot()
		items := make([]list.Item, 0, len(snapshot))
		for pluginKey, connID := range snapshot {
			c, ok := engine.Registry().Connections.Get(connID)
			if !ok {
				continue
			}
			meta, _ := engine.Registry().Meta.Get(pluginKey)
			items = append(items, pluginItem{
				pluginKey: pluginKey,
				name:      meta.Name,
				connID:    connID,
				refcount:  c.RefCount(),
				callDepth: c.CallDepth(),
				queueLen:  c.Queue().Len(),
			})
		}
		return refreshMsg(items)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height-2)
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refresh(), tick())

	case refreshMsg:
		m.list.SetItems(msg)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "c", "enter":
			if item, ok := m.list.SelectedItem().(pluginItem); ok {
				if err := clipboard.WriteAll(item.pluginKey); err == nil {
					m.copied = item.pluginKey
				}
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m model) View() string {
	footer := "q: quit   enter/c: copy plugin-key"
	if m.copied != "" {
		footer += fmt.Sprintf("   (copied %s)", m.copied)
	}
	return m.list.View() + "\n" + statusStyle.Render(footer)
}
