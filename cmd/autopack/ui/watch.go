package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"autopack/internal/run"
	"autopack/internal/store"
)

const pollInterval = 750 * time.Millisecond

// snapshot is one store read of everything the view shows.
type snapshot struct {
	r       *run.Run
	phases  []*run.Phase
	pending []*run.ApprovalRequest
	err     error
}

type pollMsg snapshot
type tickMsg time.Time

// WatchModel follows one run by polling the store; there is no event bus
// between a foreground run and a daemon, the database is the shared truth.
type WatchModel struct {
	st    *store.Store
	runID string

	spin  spinner.Model
	snap  snapshot
	width int
	done  bool
}

// NewWatch builds the watch view for a run.
func NewWatch(st *store.Store, runID string) WatchModel {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = activeStyle
	return WatchModel{st: st, runID: runID, spin: sp, width: 100}
}

// FinalState is the run state at the last poll, for the caller's exit code.
func (m WatchModel) FinalState() run.RunState {
	if m.snap.r == nil {
		return ""
	}
	return m.snap.r.State
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.poll())
}

func (m WatchModel) poll() tea.Cmd {
	return func() tea.Msg {
		var s snapshot
		s.r, s.err = m.st.GetRun(m.runID)
		if s.err != nil {
			return pollMsg(s)
		}
		s.phases, s.err = m.st.ListPhases(m.runID)
		if s.err != nil {
			return pollMsg(s)
		}
		if all, err := m.st.ApprovalsByStatus(run.ApprovalPending); err == nil {
			for _, req := range all {
				if req.RunID == m.runID {
					s.pending = append(s.pending, req)
				}
			}
		}
		return pollMsg(s)
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.done = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case pollMsg:
		m.snap = snapshot(msg)
		if m.snap.err != nil || (m.snap.r != nil && terminal(m.snap.r.State)) {
			m.done = true
			return m, tea.Quit
		}
		return m, tick()

	case tickMsg:
		return m, m.poll()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

// terminal reports whether the watch has nothing left to follow. A paused
// run counts: nothing moves until an operator resumes it.
func terminal(s run.RunState) bool {
	switch s {
	case run.RunComplete, run.RunFailed, run.RunAborted, run.RunPaused:
		return true
	}
	return false
}

func (m WatchModel) View() string {
	if m.snap.err != nil {
		return errStyle.Render(fmt.Sprintf("watch: %v", m.snap.err)) + "\n"
	}
	r := m.snap.r
	if r == nil {
		return m.spin.View() + " loading run...\n"
	}

	var sb strings.Builder
	state := runStateStyle(r.State).Render(strings.ToUpper(string(r.State)))
	sb.WriteString(fmt.Sprintf("%s  %s  %s\n", titleStyle.Render("Run "+r.ID), truncate(r.Plan.Name, 40), state))

	done := 0
	for _, p := range m.snap.phases {
		if p.State == run.PhaseComplete {
			done++
		}
	}
	progress := 0.0
	if n := len(m.snap.phases); n > 0 {
		progress = float64(done) / float64(n)
	}
	sb.WriteString(fmt.Sprintf("%s %d/%d phases", ProgressBar(progress, 30), done, len(m.snap.phases)))
	if r.State == run.RunRunning {
		sb.WriteString("  " + m.spin.View())
	}
	sb.WriteString("\n")
	sb.WriteString(mutedStyle.Render(fmt.Sprintf("tokens %d · doctor %d · replans %d · elapsed %s",
		r.Counters.TokensUsed, r.Counters.DoctorCalls, r.Counters.Replans, elapsed(r))))
	sb.WriteString("\n\n")

	for _, p := range m.snap.phases {
		line := fmt.Sprintf("  %s %-24s %-18s", StateIcon(p.State), truncate(p.ID(), 24), p.State)
		if p.RetryAttempt > 0 {
			line += mutedStyle.Render(fmt.Sprintf(" attempt %d", p.RetryAttempt))
		}
		if p.EscalationLevel > 0 {
			line += warnStyle.Render(fmt.Sprintf(" tier %d", p.EscalationLevel))
		}
		sb.WriteString(line + "\n")
		if p.Result != nil && p.Result.Verdict != run.VerdictComplete && p.Result.Reason != "" {
			sb.WriteString(mutedStyle.Render("      "+truncate(p.Result.Reason, m.width-8)) + "\n")
		}
	}

	if len(m.snap.pending) > 0 {
		sb.WriteString("\n" + warnStyle.Render("Awaiting approval:") + "\n")
		for _, req := range m.snap.pending {
			wait := time.Until(req.TimeoutAt).Round(time.Second)
			sb.WriteString(fmt.Sprintf("  %s %s (%s, defaults %s in %s)\n",
				req.ID, truncate(req.Payload.Summary, 50), req.Kind, req.DefaultOnTimeout, wait))
			sb.WriteString(mutedStyle.Render(fmt.Sprintf("      autopack approve %s --decision approve|reject", req.ID)) + "\n")
		}
	}

	if r.State == run.RunFailed && r.FailReason != "" {
		sb.WriteString("\n" + errStyle.Render(fmt.Sprintf("Failed at %s: %s", r.FailPhase, r.FailReason)) + "\n")
	}
	if r.State == run.RunPaused {
		sb.WriteString("\n" + warnStyle.Render("Run parked; resume with: autopack serve") + "\n")
	}
	if !m.done {
		sb.WriteString("\n" + mutedStyle.Render("q to detach (the run keeps going)") + "\n")
	}
	return sb.String()
}

func elapsed(r *run.Run) time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	end := r.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(r.StartedAt).Round(time.Second)
}
