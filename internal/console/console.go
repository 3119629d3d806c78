package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/liuscraft/safeword/internal/listener"
	"github.com/liuscraft/safeword/internal/store"
)

const timeLayout = "15:04:05"

type styles struct {
	label   lipgloss.Style
	muted   lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	danger  lipgloss.Style
	heading lipgloss.Style
	box     lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		label:   r.NewStyle().Bold(true).Width(12),
		muted:   r.NewStyle().Foreground(lipgloss.Color("8")),
		ok:      r.NewStyle().Foreground(lipgloss.Color("10")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("11")),
		danger:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		heading: r.NewStyle().Bold(true).Underline(true),
		box:     r.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
	}
}

// Printer renders listener notifications as terminal lines.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
	st styles
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, st: newStyles(lipgloss.NewRenderer(w))}
}

// Handle is a listener.EventHandler.
func (p *Printer) Handle(e listener.Event) {
	line := p.Format(e)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

// Format returns the line for e, or "" for notifications that are not shown.
// Transitions of the restart loop between utterances are skipped.
func (p *Printer) Format(e listener.Event) string {
	ts := p.st.muted.Render(e.Timestamp().Format(timeLayout))
	switch ev := e.(type) {
	case *listener.PartialTranscriptEvent:
		return fmt.Sprintf("%s %s", ts, p.st.muted.Render("… "+ev.Text))
	case *listener.DetectionEvent:
		if ev.Matched {
			return fmt.Sprintf("%s %s %q (detections: %d)", ts, p.st.warn.Render("TRIGGER"), ev.Text, ev.Count)
		}
		return fmt.Sprintf("%s heard %q", ts, ev.Text)
	case *listener.StatusChangedEvent:
		if quiet(ev) {
			return ""
		}
		status := ev.NewState.String()
		switch ev.NewState {
		case listener.StateFailed:
			return fmt.Sprintf("%s %s %s", ts, p.st.danger.Render("FAILED"), ev.Reason)
		case listener.StateListening:
			status = p.st.ok.Render(status)
		}
		return fmt.Sprintf("%s status %s", ts, status)
	case *listener.AlertSentEvent:
		loc := "without location"
		if ev.Record.LocationSent {
			loc = "with location"
		}
		return fmt.Sprintf("%s %s %s", ts, p.st.ok.Render("ALERT SENT"), loc)
	case *listener.AlertFailedEvent:
		return fmt.Sprintf("%s %s %s: %s", ts, p.st.danger.Render("ALERT FAILED"),
			ev.Record.Outcome.Kind, ev.Record.Outcome.Reason)
	}
	return ""
}

func quiet(ev *listener.StatusChangedEvent) bool {
	from, to := ev.OldState, ev.NewState
	switch {
	case from == listener.StateListening && to == listener.StateProcessing:
		return true
	case from == listener.StateProcessing && to == listener.StateStarting:
		return true
	case from == listener.StateStarting && to == listener.StateListening:
		return !ev.Session.LastRestartAt.IsZero()
	}
	return false
}

// Status renders a session snapshot with the persisted resume state.
func (p *Printer) Status(s listener.Session, resume store.ResumeState, now time.Time) string {
	rows := [][2]string{
		{"Status", p.statusText(s)},
		{"Trigger", triggerText(s)},
		{"Detections", fmt.Sprint(s.DetectionCount)},
		{"Alerts", fmt.Sprintf("%d sent, %d failed", s.AlertCount, s.FailedAlertCount)},
		{"Restarts", fmt.Sprint(s.RestartAttempts)},
		{"Location", yesNo(s.HasLocation)},
	}
	if !s.StartedAt.IsZero() && s.Running {
		rows = append(rows, [2]string{"Uptime", now.Sub(s.StartedAt).Truncate(time.Second).String()})
	}
	if !s.Running && resume.Running {
		rows = append(rows, [2]string{"Last run", "still marked running since " + resume.StartedAt.Format(time.DateTime)})
	}

	var b strings.Builder
	for i, r := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.st.label.Render(r[0]))
		b.WriteString(r[1])
	}
	return p.st.box.Render(b.String())
}

func (p *Printer) statusText(s listener.Session) string {
	switch s.Status {
	case listener.StateFailed:
		return p.st.danger.Render("Failed: " + s.StatusReason)
	case listener.StateListening:
		return p.st.ok.Render(s.Status.String())
	}
	return s.Status.String()
}

func triggerText(s listener.Session) string {
	if s.Trigger.Keyword == "" {
		return "-"
	}
	if !s.Trigger.Enabled {
		return s.Trigger.Keyword + " (disabled)"
	}
	return s.Trigger.Keyword
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// History renders persisted alerts, newest first.
func (p *Printer) History(entries []store.AlertEntry) string {
	if len(entries) == 0 {
		return p.st.muted.Render("No alerts recorded.")
	}
	var b strings.Builder
	b.WriteString(p.st.heading.Render("Alert history"))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		b.WriteByte('\n')
		outcome := p.st.ok.Render("sent")
		if !e.Sent {
			outcome = p.st.danger.Render("failed (" + e.FailureKind + "): " + e.Failure)
		}
		fmt.Fprintf(&b, "%s  %s  %q", e.SentAt.Format(time.DateTime), outcome, e.TriggerText)
		if e.HasLocation {
			fmt.Fprintf(&b, "  @ %.6f,%.6f", e.Lat, e.Lon)
		}
	}
	return b.String()
}
