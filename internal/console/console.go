// Package console prints loop progress lines for a terminal user.
package console

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/starford/mpr/internal/runloop"
)

const prefix = ">>"

// Printer writes one line per interesting loop event. Colors are used only
// when the writer is a terminal.
type Printer struct {
	w   io.Writer
	now func() time.Time

	mark lipgloss.Style
	good lipgloss.Style
	bad  lipgloss.Style
	dim  lipgloss.Style
}

// New returns a Printer writing to w.
func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:    w,
		now:  time.Now,
		mark: r.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
		good: r.NewStyle().Foreground(lipgloss.Color("2")),
		bad:  r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		dim:  r.NewStyle().Faint(true),
	}
}

// Publish implements runloop.Observer.
func (p *Printer) Publish(ev runloop.Event) {
	switch ev.Type {
	case runloop.EventCompiled:
		p.line(fmt.Sprintf("%s compiled to %s", ev.Path, p.dim.Render(ev.Target)))
	case runloop.EventCompileFailed:
		p.line(p.bad.Render(ev.Path + " failed to compile"))
	case runloop.EventSynced:
		p.line(fmt.Sprintf("%s copied to %s", ev.Path, p.good.Render(":"+ev.Target)))
	case runloop.EventSyncFailed:
		p.line(p.bad.Render(fmt.Sprintf("%s failed to copy to :%s", ev.Path, ev.Target)))
	case runloop.EventSessionStarted:
		stamp := p.now().Format(time.DateTime)
		p.line(fmt.Sprintf("%s starting %s as %s", p.dim.Render(stamp), p.good.Render(ev.Path), ev.Target))
	case runloop.EventSessionExited:
		if ev.Error != "" {
			p.line(p.bad.Render(ev.Error))
		}
	case runloop.EventState:
		if ev.State == runloop.WaitingForChange.String() {
			p.line(p.dim.Render("waiting for changes .."))
		}
	}
}

func (p *Printer) line(msg string) {
	_, _ = fmt.Fprintf(p.w, "%s %s\n", p.mark.Render(prefix), msg)
}
