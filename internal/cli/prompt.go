package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/ConfabulousDev/todo-sync/internal/engine"
	"github.com/ConfabulousDev/todo-sync/internal/models"
)

const choiceLater = "later"

// promptResolver asks on the terminal which version of a conflicting task to keep
type promptResolver struct {
	out io.Writer
}

var _ engine.Resolver = (*promptResolver)(nil)

func (p *promptResolver) Resolve(ctx context.Context, c engine.Conflict) (models.Resolution, error) {
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, sectionStyle.Render("Conflict: "+describeSent(c.SyncConflict)))
	fmt.Fprintln(p.out, renderConflict(c))

	choice := string(models.ResolutionUseServer)
	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Which version do you want to keep?").
			Description("The other version is discarded on every device.").
			Options(conflictOptions(c)...).
			Value(&choice),
	)).RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return "", engine.ErrDeferred
	}
	if err != nil {
		return "", err
	}
	if choice == choiceLater {
		return "", engine.ErrDeferred
	}
	return models.Resolution(choice), nil
}

func conflictOptions(c engine.Conflict) []huh.Option[string] {
	opts := []huh.Option[string]{
		huh.NewOption("Server version", string(models.ResolutionUseServer)),
	}
	if c.Local != nil {
		opts = append(opts, huh.NewOption("My version", string(models.ResolutionUseClient)))
	}
	return append(opts, huh.NewOption("Decide later", choiceLater))
}

// renderConflict shows the local and server copies side by side, marking the
// fields that differ
func renderConflict(c engine.Conflict) string {
	t := newTable("", "Mine", "Server")
	local, server := c.Local, c.ServerTodo
	for _, f := range conflictFields {
		var mine, theirs string
		if local != nil {
			mine = f.value(local)
		}
		if server != nil {
			theirs = f.value(server)
		}
		name := f.name
		if local != nil && server != nil && mine != theirs {
			name = warnStyle.Render(name + " *")
		}
		t.Row(name, mine, theirs)
	}
	if local == nil {
		t.Row("", dimStyle.Render("(no local copy)"), "")
	}
	if server == nil {
		t.Row("", "", dimStyle.Render("(gone)"))
	}
	return t.Render()
}

var conflictFields = []struct {
	name  string
	value func(t *models.Task) string
}{
	{"title", func(t *models.Task) string { return t.Title }},
	{"description", func(t *models.Task) string {
		if t.Description == nil {
			return ""
		}
		return *t.Description
	}},
	{"completed", func(t *models.Task) string { return strconv.FormatBool(t.Completed) }},
	{"priority", func(t *models.Task) string { return string(t.Priority) }},
	{"category", func(t *models.Task) string { return string(t.Category) }},
	{"due", func(t *models.Task) string { return formatDue(t.DueDate) }},
	{"tags", func(t *models.Task) string { return strings.Join(t.Tags, ", ") }},
	{"deleted", func(t *models.Task) string { return strconv.FormatBool(t.IsDeleted()) }},
	{"updated", func(t *models.Task) string { return t.UpdatedAt.Local().Format("2006-01-02 15:04:05") }},
}
