// Package tui renders collection and upload progress in the terminal.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/EPiC-Inc/vaporous/internal/events"
)

// maxLines is the number of recent results kept on screen.
const maxLines = 8

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	skipStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type eventMsg struct{ ev events.Event }
type feedClosedMsg struct{}
type doneMsg struct{ err error }

type model struct {
	title  string
	feed   chan events.Event
	cancel context.CancelFunc

	spin spinner.Model
	prog progress.Model

	started   time.Time
	uploading bool
	done      bool
	err       error

	dirs       int
	found      int
	foundBytes int64
	skipped    int // filtered while collecting

	uploaded  int
	failed    int
	dupes     int // skipped while uploading
	sentBytes int64

	lines []string
}

func newModel(title string, feed chan events.Event, cancel context.CancelFunc) *model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return &model{
		title:   title,
		feed:    feed,
		cancel:  cancel,
		spin:    s,
		prog:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		started: time.Now(),
	}
}

// program is the part of *tea.Program that Run drives.
type program interface {
	Run() (tea.Model, error)
	Send(msg tea.Msg)
}

var newProgram = func(m tea.Model) program { return tea.NewProgram(m) }

// Run executes work while showing progress from b. Pressing q or ctrl+c
// cancels the context passed to work. Run returns work's error and never
// returns before work does.
func Run(ctx context.Context, title string, b *events.Broadcaster, work func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	feed := b.SubscribeBuffered(1024)
	m := newModel(title, feed, cancel)
	p := newProgram(m)

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := work(ctx)
		b.Unsubscribe(feed)
		p.Send(doneMsg{err: err})
	}()

	final, err := p.Run()
	if err != nil {
		cancel()
		<-done
		return fmt.Errorf("progress view: %w", err)
	}
	<-done
	return final.(*model).err
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.waitForEvent())
}

func (m *model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.feed
		if !ok {
			return feedClosedMsg{}
		}
		return eventMsg{ev: ev}
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.cancel != nil {
				m.cancel()
			}
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.prog.Width = max(min(msg.Width-4, 60), 10)
		return m, nil
	case eventMsg:
		m.apply(msg.ev)
		return m, m.waitForEvent()
	case feedClosedMsg:
		return m, nil
	case doneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	case progress.FrameMsg:
		pm, cmd := m.prog.Update(msg)
		m.prog = pm.(progress.Model)
		return m, cmd
	}

	var cmd tea.Cmd
	m.spin, cmd = m.spin.Update(msg)
	return m, cmd
}

// apply folds one event into the counters.
func (m *model) apply(ev events.Event) {
	switch ev.Type {
	case events.EventCollectDir:
		m.dirs++
	case events.EventCollectFile:
		m.found++
		m.foundBytes += ev.Size
	case events.EventCollectSkip:
		m.skipped++
	case events.EventUploadBatch:
		m.uploading = true
	case events.EventUploadFile:
		m.uploading = true
		var line string
		switch {
		case ev.OK:
			m.uploaded++
			m.sentBytes += ev.Size
			line = okStyle.Render("✓ ") + ev.Name
		case ev.Skipped:
			m.dupes++
			line = skipStyle.Render("- ") + ev.Name + dimStyle.Render(" ("+ev.Message+")")
		default:
			m.failed++
			line = failStyle.Render("✗ ") + ev.Name + dimStyle.Render(" ("+ev.Message+")")
		}
		m.lines = append(m.lines, line)
		if len(m.lines) > maxLines {
			m.lines = m.lines[len(m.lines)-maxLines:]
		}
	}
}

// percent is the share of collected files that have an upload outcome.
func (m *model) percent() float64 {
	if m.found == 0 {
		return 0
	}
	p := float64(m.uploaded+m.failed+m.dupes) / float64(m.found)
	return min(p, 1)
}

func (m *model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")

	status := m.spin.View() + " collecting"
	if m.uploading {
		status = m.spin.View() + " uploading"
	}
	if m.done {
		status = okStyle.Render("done")
		if m.err != nil {
			status = failStyle.Render("failed: " + m.err.Error())
		}
	}
	fmt.Fprintf(&b, "%s  %s\n", status, dimStyle.Render(time.Since(m.started).Round(time.Second).String()))

	fmt.Fprintf(&b, "found %d files (%s) in %d folders, %d filtered\n",
		m.found, humanize.Bytes(uint64(m.foundBytes)), m.dirs, m.skipped)
	if m.uploading {
		fmt.Fprintf(&b, "%s  %s\n", m.prog.ViewAs(m.percent()), humanize.Bytes(uint64(m.sentBytes)))
		fmt.Fprintf(&b, "%s  %s  %s\n",
			okStyle.Render(fmt.Sprintf("%d uploaded", m.uploaded)),
			failStyle.Render(fmt.Sprintf("%d failed", m.failed)),
			skipStyle.Render(fmt.Sprintf("%d skipped", m.dupes)))
	}
	if len(m.lines) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(m.lines, "\n"))
		b.WriteString("\n")
	}
	if !m.done {
		b.WriteString(dimStyle.Render("\nq to cancel"))
		b.WriteString("\n")
	}
	return b.String()
}
