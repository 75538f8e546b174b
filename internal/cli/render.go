package cli

import (
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/replica"
)

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	labelStyle   = lipgloss.NewStyle().Bold(true).Width(14)
	sectionStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

var priorityStyles = map[models.Priority]lipgloss.Style{
	models.PriorityUrgent: errStyle.Bold(true),
	models.PriorityHigh:   warnStyle,
	models.PriorityLow:    dimStyle,
}

// shortRef is how tasks are referred to on the command line: the server id once
// known, otherwise the start of the client id
func shortRef(t *models.Task) string {
	if t.ID != 0 {
		return strconv.FormatInt(t.ID, 10)
	}
	if len(t.ClientID) > 8 {
		return t.ClientID[:8]
	}
	return t.ClientID
}

func formatDue(due *time.Time) string {
	if due == nil {
		return ""
	}
	local := due.In(time.Local)
	s := local.Format("2006-01-02")
	if h, m, _ := local.Clock(); h != 23 || m != 59 {
		s = local.Format("2006-01-02 15:04")
	}
	return s
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func renderTasks(tasks []replica.LocalTask, now time.Time) string {
	t := newTable("ID", "", "Title", "Priority", "Category", "Due", "Tags")
	for i := range tasks {
		task := &tasks[i].Task

		status := "[ ]"
		if task.Completed {
			status = okStyle.Render("[x]")
		}
		title := task.Title
		if tasks[i].Dirty {
			title += dimStyle.Render(" *")
		}
		priority := string(task.Priority)
		if style, ok := priorityStyles[task.Priority]; ok {
			priority = style.Render(priority)
		}
		due := formatDue(task.DueDate)
		if task.IsOverdue(now) {
			due = errStyle.Render(due)
		}

		t.Row(shortRef(task), status, title, priority, string(task.Category), due, strings.Join(task.Tags, ", "))
	}
	return t.Render()
}

func renderFields(rows [][2]string) string {
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, labelStyle.Render(r[0])+r[1])
	}
	return strings.Join(lines, "\n")
}
