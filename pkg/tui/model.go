// Package tui renders a live terminal monitor of the control loop: the
// current step, the pose summary and the most recent episodes.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"flexipod/pkg/protocol"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Width(12)

	headerCellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			PaddingRight(1)

	rowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			PaddingRight(1)

	fallenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			PaddingRight(1)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingLeft(1)
)

// maxEpisodes bounds the episode history shown.
const maxEpisodes = 10

type transitionMsg protocol.Transition

type sourceClosedMsg struct{}

// EpisodeRow is one line of the episode table.
type EpisodeRow struct {
	ID     string
	Steps  int
	Return float64
	Done   bool
}

type Model struct {
	source   <-chan protocol.Transition
	current  protocol.Transition
	seen     int
	episodes []EpisodeRow
	closed   bool
	width    int
	height   int
}

// New returns a Model fed by source, typically a hub subscription.
func New(source <-chan protocol.Transition) Model {
	return Model{source: source}
}

// Run drives the monitor until the user quits or ctx is done.
func Run(ctx context.Context, source <-chan protocol.Transition, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	_, err := tea.NewProgram(New(source), opts...).Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return waitForTransition(m.source)
}

func waitForTransition(source <-chan protocol.Transition) tea.Cmd {
	return func() tea.Msg {
		tr, ok := <-source
		if !ok {
			return sourceClosedMsg{}
		}
		return transitionMsg(tr)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil

	case transitionMsg:
		m = m.apply(protocol.Transition(msg))
		return m, waitForTransition(m.source)

	case sourceClosedMsg:
		m.closed = true
		return m, nil
	}
	return m, nil
}

func (m Model) apply(tr protocol.Transition) Model {
	m.current = tr
	m.seen++

	if tr.Kind == protocol.TransitionReset || len(m.episodes) == 0 || m.episodes[0].ID != tr.Episode {
		row := EpisodeRow{ID: tr.Episode}
		m.episodes = append([]EpisodeRow{row}, m.episodes...)
		if len(m.episodes) > maxEpisodes {
			m.episodes = m.episodes[:maxEpisodes]
		}
	} else {
		// Copy before mutating so earlier models stay untouched.
		m.episodes = append([]EpisodeRow(nil), m.episodes...)
	}
	if tr.Kind == protocol.TransitionStep {
		row := &m.episodes[0]
		row.Steps = tr.Step
		row.Return += tr.Reward
		row.Done = tr.Done
	}
	return m
}

// Episodes returns the episode history, newest first.
func (m Model) Episodes() []EpisodeRow {
	return m.episodes
}

func (m Model) View() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("  flexipod monitor  "))
	sb.WriteString("\n\n")

	if m.seen == 0 {
		sb.WriteString(dimStyle.Render("waiting for transitions"))
		sb.WriteString("\n")
	} else {
		sb.WriteString(m.renderCurrent())
		sb.WriteString("\n")
		sb.WriteString(renderEpisodes(m.episodes))
	}

	sb.WriteString("\n")
	status := fmt.Sprintf("transitions: %d  |  q: quit", m.seen)
	if m.closed {
		status = "stream ended  |  " + status
	}
	sb.WriteString(statusBarStyle.Render(status))
	return sb.String()
}

func (m Model) renderCurrent() string {
	tr := m.current
	f := &tr.Frame

	var upright, height float64
	if len(f.Orientation) == protocol.OrientationLen {
		upright = f.Orientation[2]
	}
	if len(f.ComPos) == protocol.VectorLen {
		height = f.ComPos[2]
	}

	lines := []string{
		field("episode", tr.Episode),
		field("step", fmt.Sprintf("%d (%s)", tr.Step, tr.Kind)),
		field("sim time", fmt.Sprintf("%.3f", f.SimTime)),
		field("reward", fmt.Sprintf("%+.3f", tr.Reward)),
		field("upright", fmt.Sprintf("%+.3f %s", upright, bar(upright, 20))),
		field("height", fmt.Sprintf("%+.3f %s", height, bar(height, 20))),
		field("done", fmt.Sprintf("%t", tr.Done)),
	}
	return strings.Join(lines, "\n") + "\n"
}

func field(label, value string) string {
	return labelStyle.Render(label) + value
}

// bar draws v in [0, 1] as a fixed width gauge.
func bar(v float64, width int) string {
	filled := int(v*float64(width) + 0.5)
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func renderEpisodes(rows []EpisodeRow) string {
	var sb strings.Builder
	header := lipgloss.JoinHorizontal(lipgloss.Top,
		headerCellStyle.Width(22).Render("EPISODE"),
		headerCellStyle.Width(8).Render("STEPS"),
		headerCellStyle.Width(10).Render("RETURN"),
		headerCellStyle.Render("STATE"),
	)
	sb.WriteString(header)
	sb.WriteString("\n")

	for _, row := range rows {
		style := rowStyle
		state := "running"
		if row.Done {
			style = fallenStyle
			state = "fallen"
		}
		sb.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			style.Width(22).Render(row.ID),
			style.Width(8).Render(fmt.Sprintf("%d", row.Steps)),
			style.Width(10).Render(fmt.Sprintf("%+.2f", row.Return)),
			style.Render(state),
		))
		sb.WriteString("\n")
	}
	return sb.String()
}
