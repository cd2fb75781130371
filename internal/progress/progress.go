// Package progress renders a live view of a running batch.
package progress

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mickzijdel/ai-evaluator-extension/internal/batch"
	"github.com/mickzijdel/ai-evaluator-extension/internal/ratelimit"
)

// Number of finished applicants listed under the counters.
const recentLimit = 5

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	retryStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("33"))
)

// EventMsg carries a batch event into the program.
type EventMsg batch.Event

type finishedMsg struct {
	summary batch.Summary
	err     error
}

// RunFunc runs the batch, reporting each event through onEvent.
type RunFunc func(ctx context.Context, onEvent func(batch.Event)) (batch.Summary, error)

// Model is the bubbletea model for the progress view.
type Model struct {
	total    int
	provider string
	governor *ratelimit.Governor
	cancel   context.CancelFunc

	spinner  spinner.Model
	running  map[string]bool
	retrying map[string]batch.Event
	recent   []string

	done, failed, skipped int

	cancelling bool
	finished   bool
	summary    batch.Summary
	err        error
	runCmd     tea.Cmd
}

// NewModel creates a progress view for total applicants. governor may be nil,
// in which case the concurrency keys do nothing.
func NewModel(total int, provider string, governor *ratelimit.Governor, cancel context.CancelFunc) Model {
	return Model{
		total:    total,
		provider: provider,
		governor: governor,
		cancel:   cancel,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(spinnerStyle)),
		running:  make(map[string]bool),
		retrying: make(map[string]batch.Event),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.runCmd)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case EventMsg:
		m.apply(batch.Event(msg))
		return m, nil
	case finishedMsg:
		m.finished = true
		m.summary = msg.summary
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if !m.cancelling && m.cancel != nil {
				m.cancelling = true
				m.cancel()
			}
		case "+", "=":
			if m.governor != nil {
				m.governor.SetLimit(m.governor.Limit() + 1)
			}
		case "-", "_":
			if m.governor != nil && m.governor.Limit() > 1 {
				m.governor.SetLimit(m.governor.Limit() - 1)
			}
		}
	}
	return m, nil
}

func (m *Model) apply(e batch.Event) {
	switch e.Kind {
	case batch.EventStarted:
		m.running[e.ApplicantID] = true
	case batch.EventRetrying:
		if e.Message == "" {
			delete(m.retrying, e.ApplicantID)
		} else {
			m.retrying[e.ApplicantID] = e
		}
	case batch.EventDone:
		m.done++
		m.finish(e.ApplicantID, doneStyle.Render(fmt.Sprintf("✓ %s scored %d", e.ApplicantID, e.Evaluation.Score)))
	case batch.EventFailed:
		m.failed++
		m.finish(e.ApplicantID, failStyle.Render(fmt.Sprintf("✗ %s: %v", e.ApplicantID, e.Err)))
	case batch.EventSkipped:
		m.skipped++
		delete(m.running, e.ApplicantID)
	}
}

func (m *Model) finish(id, line string) {
	delete(m.running, id)
	delete(m.retrying, id)
	m.recent = append(m.recent, line)
	if len(m.recent) > recentLimit {
		m.recent = m.recent[len(m.recent)-recentLimit:]
	}
}

func (m Model) View() string {
	if m.finished {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Evaluating %d applicants with %s", m.total, m.provider)))
	b.WriteString("\n\n")

	processed := m.done + m.failed + m.skipped
	fmt.Fprintf(&b, "%s %d/%d  done %d  failed %d  skipped %d  in flight %d\n",
		m.spinner.View(), processed, m.total, m.done, m.failed, m.skipped, len(m.running))

	if m.governor != nil {
		fmt.Fprintf(&b, "concurrency limit %d (active %d)\n", m.governor.Limit(), m.governor.InFlight())
	}

	ids := make([]string, 0, len(m.retrying))
	for id := range m.retrying {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := m.retrying[id]
		b.WriteString(retryStyle.Render(fmt.Sprintf("  %s: %s, retrying in %ds (attempt %d/%d)",
			id, e.Message, e.Remaining, e.Attempt, e.MaxAttempts)))
		b.WriteString("\n")
	}

	if len(m.recent) > 0 {
		b.WriteString("\n")
		for _, line := range m.recent {
			b.WriteString("  " + line + "\n")
		}
	}

	b.WriteString("\n")
	if m.cancelling {
		b.WriteString(hintStyle.Render("cancelling, waiting for in-flight requests..."))
	} else {
		b.WriteString(hintStyle.Render("+/- concurrency • q quit"))
	}
	b.WriteString("\n")
	return b.String()
}

// Run executes run while rendering progress inline (no alt screen). Quitting
// the view cancels the batch and waits for it to return.
func Run(ctx context.Context, total int, provider string, governor *ratelimit.Governor, run RunFunc) (batch.Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := NewModel(total, provider, governor, cancel)
	var p *tea.Program
	m.runCmd = func() tea.Msg {
		summary, err := run(ctx, func(e batch.Event) { p.Send(EventMsg(e)) })
		return finishedMsg{summary: summary, err: err}
	}

	p = tea.NewProgram(m)
	result, err := p.Run()
	if err != nil {
		return batch.Summary{}, err
	}
	final := result.(Model)
	return final.summary, final.err
}
