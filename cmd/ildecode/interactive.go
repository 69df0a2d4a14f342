package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/ildecode/assembly"
	"github.com/wippyai/ildecode/deobf"
)

var errReviewCancelled = errors.New("review cancelled")

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	methodStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	decodedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Toggle  key.Binding
	All     key.Binding
	None    key.Binding
	Filter  key.Binding
	Confirm key.Binding
	Quit    key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Toggle, k.Filter, k.Confirm, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Toggle},
		{k.All, k.None, k.Filter},
		{k.Confirm, k.Quit},
	}
}

var reviewKeys = keyMap{
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Toggle:  key.NewBinding(key.WithKeys(" ", "space", "x"), key.WithHelp("space", "toggle")),
	All:     key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "select all")),
	None:    key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "select none")),
	Filter:  key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "filter")),
	Confirm: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "apply")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

type findingKey struct {
	method *assembly.Method
	index  int
}

type reviewItem struct {
	finding  deobf.Finding
	selected bool
}

type reviewModel struct {
	path      string
	items     []reviewItem
	visible   []int
	keys      keyMap
	help      help.Model
	filter    textinput.Model
	cursor    int
	height    int
	filtering bool
	confirmed bool
}

func newReviewModel(path string, findings []deobf.Finding) *reviewModel {
	ti := textinput.New()
	ti.Prompt = "/"
	ti.Placeholder = "method or text"
	ti.Width = 40

	m := &reviewModel{
		path:   path,
		keys:   reviewKeys,
		help:   help.New(),
		filter: ti,
		height: 20,
	}
	for _, f := range findings {
		m.items = append(m.items, reviewItem{finding: f, selected: true})
	}
	m.refilter()
	return m
}

func (m *reviewModel) Init() tea.Cmd {
	return nil
}

func (m *reviewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		m.height = max(msg.Height-8, 3)
		return m, nil

	case tea.KeyMsg:
		if m.filtering {
			return m.updateFilter(msg)
		}
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Confirm):
			m.confirmed = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, m.keys.Down):
			if m.cursor < len(m.visible)-1 {
				m.cursor++
			}
		case key.Matches(msg, m.keys.Toggle):
			if len(m.visible) > 0 {
				it := &m.items[m.visible[m.cursor]]
				it.selected = !it.selected
			}
		case key.Matches(msg, m.keys.All):
			m.selectVisible(true)
		case key.Matches(msg, m.keys.None):
			m.selectVisible(false)
		case key.Matches(msg, m.keys.Filter):
			m.filtering = true
			return m, m.filter.Focus()
		}
	}
	return m, nil
}

func (m *reviewModel) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "enter":
		m.filtering = false
		m.filter.Blur()
		return m, nil
	case "esc":
		m.filtering = false
		m.filter.Blur()
		m.filter.SetValue("")
		m.refilter()
		return m, nil
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.refilter()
	return m, cmd
}

func (m *reviewModel) refilter() {
	q := strings.ToLower(m.filter.Value())
	m.visible = m.visible[:0]
	for i, it := range m.items {
		if q == "" || matchesFilter(it.finding, q) {
			m.visible = append(m.visible, i)
		}
	}
	if m.cursor >= len(m.visible) {
		m.cursor = max(len(m.visible)-1, 0)
	}
}

func matchesFilter(f deobf.Finding, q string) bool {
	return strings.Contains(strings.ToLower(f.Method.FullName()), q) ||
		strings.Contains(strings.ToLower(f.Decoded), q) ||
		strings.Contains(strings.ToLower(f.Literal), q)
}

func (m *reviewModel) selectVisible(on bool) {
	for _, i := range m.visible {
		m.items[i].selected = on
	}
}

func (m *reviewModel) selectedCount() int {
	n := 0
	for _, it := range m.items {
		if it.selected {
			n++
		}
	}
	return n
}

// selection returns the accepted findings keyed by method and position.
func (m *reviewModel) selection() map[findingKey]bool {
	sel := make(map[findingKey]bool)
	for _, it := range m.items {
		if it.selected {
			sel[findingKey{it.finding.Method, it.finding.Index}] = true
		}
	}
	return sel
}

func (m *reviewModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("ildecode"))
	b.WriteString(" ")
	b.WriteString(m.path)
	fmt.Fprintf(&b, "  %d/%d selected\n\n", m.selectedCount(), len(m.items))

	if len(m.visible) == 0 {
		b.WriteString(helpStyle.Render("no findings match the filter"))
		b.WriteString("\n")
	}

	start := 0
	if m.cursor >= m.height {
		start = m.cursor - m.height + 1
	}
	end := min(start+m.height, len(m.visible))
	for pos := start; pos < end; pos++ {
		it := m.items[m.visible[pos]]
		mark := "[ ]"
		if it.selected {
			mark = "[x]"
		}
		f := it.finding
		line := fmt.Sprintf("%s %s IL_%04x  %s", mark,
			methodStyle.Render(f.Method.FullName()), f.Offset,
			decodedStyle.Render(fmt.Sprintf("%q", printable(f.Decoded))))
		if pos == m.cursor {
			line = selectedStyle.Render("> ") + line
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.filtering || m.filter.Value() != "" {
		b.WriteString(m.filter.View())
		b.WriteString("\n")
	}
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

// review lets the user choose which decodable findings of plan to apply.
// Quitting without confirming returns errReviewCancelled.
func review(plan *deobf.Plan, path string, in io.Reader, out io.Writer) (func(deobf.Finding) bool, error) {
	decodable := plan.Decodable()
	if len(decodable) == 0 {
		return nil, nil
	}

	p := tea.NewProgram(newReviewModel(path, decodable),
		tea.WithInput(in), tea.WithOutput(out), tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return nil, err
	}
	m := final.(*reviewModel)
	if !m.confirmed {
		return nil, errReviewCancelled
	}
	sel := m.selection()
	return func(f deobf.Finding) bool {
		return sel[findingKey{f.Method, f.Index}]
	}, nil
}
