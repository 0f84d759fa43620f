// Package ui renders CLI output.
package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/mschirtzinger/todosync/internal/task"
)

var (
	accentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	tagStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func init() {
	// Plain text when piped or when NO_COLOR is set.
	if !IsTerminal() || termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

// RenderPanel draws s inside a rounded border.
func RenderPanel(s string) string {
	return panelStyle.Render(s)
}

// RenderTask renders one task as a single list line:
//
//	[x] Buy milk  !1  due 2026-03-02  #home  (a1b2c3d4) ↑
//
// The trailing arrow marks a task whose latest change is still queued.
func RenderTask(t *task.Task, queued bool) string {
	box := "[ ]"
	title := t.Title
	if t.Completed {
		box = RenderPass("[x]")
		title = mutedStyle.Strikethrough(true).Render(title)
	}

	parts := []string{box, title}
	if t.Priority != nil {
		parts = append(parts, RenderWarn(fmt.Sprintf("!%d", *t.Priority)))
	}
	if t.DueAt != nil {
		due := "due " + t.DueAt.Local().Format("2006-01-02 15:04")
		if !t.Completed && t.DueAt.Before(time.Now()) {
			due = RenderFail(due)
		}
		parts = append(parts, due)
	}
	for _, tag := range t.Tags {
		parts = append(parts, tagStyle.Render("#"+tag))
	}
	parts = append(parts, RenderMuted("("+ShortID(t.ID)+")"))
	if queued {
		parts = append(parts, RenderWarn("↑"))
	}
	return strings.Join(parts, "  ")
}

// ShortID returns the first 8 characters of a task ID.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
