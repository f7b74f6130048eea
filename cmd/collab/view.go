package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"promptstudio/collab/protocol"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	fieldStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
	dimStyle = lipgloss.NewStyle().Faint(true)
)

// view prints room activity. Handlers and the input loop share it.
type view struct {
	mu  sync.Mutex
	out io.Writer
}

func newView(out io.Writer) *view {
	return &view{out: out}
}

func paint(name, color string) string {
	style := lipgloss.NewStyle().Bold(true)
	if color != "" {
		style = style.Foreground(lipgloss.Color(color))
	}
	return style.Render(name)
}

func (v *view) println(s string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, s)
}

func (v *view) roster(users []protocol.User) {
	if len(users) == 0 {
		v.println(dimStyle.Render("nobody else is here"))
		return
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, paint(u.UserName, u.Color))
	}
	v.println("here: " + strings.Join(names, ", "))
}

func (v *view) joined(u protocol.User) {
	v.println(paint(u.UserName, u.Color) + " joined")
}

func (v *view) left(u protocol.UserLeft) {
	v.println(u.UserName + " left")
}

func (v *view) cursor(c protocol.PeerCursor) {
	v.println(dimStyle.Render(fmt.Sprintf("%s at %d:%d", c.UserName, c.Position.Line, c.Position.Column)))
}

func (v *view) selection(s protocol.PeerSelection) {
	v.println(dimStyle.Render(fmt.Sprintf("%s selected %d:%d-%d:%d", s.UserName,
		s.Selection.Start.Line, s.Selection.Start.Column,
		s.Selection.End.Line, s.Selection.End.Column)))
}

func (v *view) field(name, text string) {
	v.println(headerStyle.Render(name) + "\n" + fieldStyle.Render(strings.TrimRight(text, "\n")))
}
