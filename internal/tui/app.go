package tui

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/culler/stash/internal/betree"
	"github.com/culler/stash/internal/history"
)

// Catalog is the part of a stash the browser works with.
type Catalog interface {
	Dir() string
	Files(query string) ([]history.File, error)
	Find(key betree.Key) (string, error)
	Export(key betree.Key, dest string) (string, error)
	Delete(key betree.Key, batch string) error
}

// reopener is implemented by catalogs that can rebuild their state from disk.
type reopener interface {
	Reopen() error
}

type mode int

const (
	modeBrowse mode = iota
	modeFilter
	modeConfirmDelete
)

type Model struct {
	catalog   Catalog
	exportDir string
	batch     string

	loading   bool
	spinner   spinner.Model
	filter    textinput.Model
	mode      mode
	all       []history.File
	shown     []history.File
	cursor    int
	offset    int // Viewport scroll offset
	width     int
	height    int
	err       error
	statusMsg string // Status message to show user
}

type filesLoadedMsg struct {
	files []history.File
	err   error
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236"))

	sizeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// NewModel returns a browser over catalog. Exports are written to exportDir;
// deletions are journaled under batch.
func NewModel(catalog Catalog, exportDir, batch string) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	ti := textinput.New()
	ti.Placeholder = "filter by name"
	ti.Prompt = "/ "
	ti.CharLimit = 128

	return Model{
		catalog:   catalog,
		exportDir: exportDir,
		batch:     batch,
		loading:   true,
		spinner:   s,
		filter:    ti,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, loadFiles(m.catalog))
}

func loadFiles(c Catalog) tea.Cmd {
	return func() tea.Msg {
		files, err := c.Files("")
		return filesLoadedMsg{files: files, err: err}
	}
}

// reloadFiles reopens the catalog when it supports that, then lists it again.
func reloadFiles(c Catalog) tea.Cmd {
	return func() tea.Msg {
		if r, ok := c.(reopener); ok {
			if err := r.Reopen(); err != nil {
				return filesLoadedMsg{err: err}
			}
		}
		return loadFiles(c)()
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch m.mode {
		case modeFilter:
			return m.updateFilter(msg)
		case modeConfirmDelete:
			return m.updateConfirm(msg), nil
		}
		return m.updateBrowse(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case filesLoadedMsg:
		m.loading = false
		m.err = msg.err
		m.all = msg.files
		m.applyFilter()
	}

	return m, nil
}

func (m Model) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	maxItems := m.visibleItems()
	m.statusMsg = "" // Clear status on any keypress

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "j", "down":
		if m.cursor < len(m.shown)-1 {
			m.cursor++
			if m.cursor >= m.offset+maxItems {
				m.offset = m.cursor - maxItems + 1
			}
		}
	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
			if m.cursor < m.offset {
				m.offset = m.cursor
			}
		}
	case "/":
		m.mode = modeFilter
		return m, m.filter.Focus()
	case "esc":
		m.filter.SetValue("")
		m.applyFilter()
	case "enter":
		if f, ok := m.current(); ok {
			path, err := m.catalog.Find(betree.Key(f.Key))
			if err != nil {
				m.statusMsg = fmt.Sprintf("Error: %v", err)
			} else {
				m.statusMsg = path
			}
		}
	case "e":
		if f, ok := m.current(); ok {
			dest, err := m.catalog.Export(betree.Key(f.Key), m.exportDir)
			if err != nil {
				m.statusMsg = fmt.Sprintf("Error: %v", err)
			} else {
				m.statusMsg = fmt.Sprintf("Exported: %s", dest)
			}
		}
	case "d":
		if _, ok := m.current(); ok {
			m.mode = modeConfirmDelete
		}
	case "r":
		m.loading = true
		return m, tea.Batch(m.spinner.Tick, reloadFiles(m.catalog))
	}
	return m, nil
}

func (m Model) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter", "esc":
		m.mode = modeBrowse
		m.filter.Blur()
		return m, nil
	case "ctrl+c":
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.applyFilter()
	return m, cmd
}

func (m Model) updateConfirm(msg tea.KeyMsg) Model {
	m.mode = modeBrowse
	if msg.String() != "y" {
		m.statusMsg = "Delete cancelled"
		return m
	}

	f, ok := m.current()
	if !ok {
		return m
	}
	if err := m.catalog.Delete(betree.Key(f.Key), m.batch); err != nil {
		m.statusMsg = fmt.Sprintf("Error: %v", err)
		return m
	}

	m.all = slices.DeleteFunc(slices.Clone(m.all), func(x history.File) bool { return x.Key == f.Key })
	m.applyFilter()
	m.statusMsg = fmt.Sprintf("Deleted: %s", f.Filename)
	return m
}

// applyFilter recomputes the visible files and keeps the cursor in range.
func (m *Model) applyFilter() {
	q := strings.ToLower(m.filter.Value())
	m.shown = nil
	for _, f := range m.all {
		if q == "" || strings.Contains(strings.ToLower(f.Filename), q) {
			m.shown = append(m.shown, f)
		}
	}
	if m.cursor >= len(m.shown) {
		m.cursor = max(len(m.shown)-1, 0)
	}
	if m.offset > m.cursor {
		m.offset = m.cursor
	}
}

func (m Model) current() (history.File, bool) {
	if m.cursor < len(m.shown) {
		return m.shown[m.cursor], true
	}
	return history.File{}, false
}

// visibleItems returns how many files fit in the viewport
func (m Model) visibleItems() int {
	// Header, filter line, status and footer
	available := m.height - 7
	if available < 5 {
		available = 5
	}
	return available
}

func (m Model) View() string {
	var s string

	if m.loading {
		s += fmt.Sprintf("%s Loading catalog... | %s\n", m.spinner.View(), m.catalog.Dir())
		return s
	}
	if m.err != nil {
		return warnStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n"
	}

	var total int64
	for _, f := range m.shown {
		total += f.Size
	}
	s += fmt.Sprintf("%d of %d files | %s\n", len(m.shown), len(m.all), m.catalog.Dir())
	s += titleStyle.Render(fmt.Sprintf("Total: %s", humanize.Bytes(uint64(total)))) + "\n"

	if m.mode == modeFilter || m.filter.Value() != "" {
		s += m.filter.View() + "\n"
	}
	s += "\n" + m.renderFiles()

	if m.mode == modeConfirmDelete {
		if f, ok := m.current(); ok {
			s += "\n" + warnStyle.Render(fmt.Sprintf("Delete %s from the stash? [y/N]", f.Filename))
		}
	} else if m.statusMsg != "" {
		s += "\n" + warnStyle.Render(m.statusMsg)
	}

	s += "\n" + helpStyle.Render("[↑↓] Navigate  [/] Filter  [Enter] Path  [e] Export  [d] Delete  [r] Reload  [q] Quit")
	return s
}

func (m Model) renderFiles() string {
	if len(m.shown) == 0 {
		return "No files\n"
	}

	var s string
	maxItems := m.visibleItems()
	endIdx := min(m.offset+maxItems, len(m.shown))

	if m.offset > 0 {
		s += helpStyle.Render(fmt.Sprintf("  ↑ %d more above\n", m.offset))
	}

	for i := m.offset; i < endIdx; i++ {
		f := m.shown[i]

		prefix := "  "
		if i == m.cursor {
			prefix = "> "
		}

		line := fmt.Sprintf("%s%s %s %s",
			prefix,
			f.Filename,
			sizeStyle.Render(humanize.Bytes(uint64(f.Size))),
			helpStyle.Render(humanize.Time(f.Added)))

		if i == m.cursor {
			line = selectedStyle.Render(line)
		}
		s += line + "\n"
	}

	if endIdx < len(m.shown) {
		s += helpStyle.Render(fmt.Sprintf("  ↓ %d more below\n", len(m.shown)-endIdx))
	}
	return s
}

func Run(catalog Catalog, exportDir, batch string) error {
	p := tea.NewProgram(NewModel(catalog, exportDir, batch), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
