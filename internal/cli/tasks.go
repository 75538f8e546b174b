package cli

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ConfabulousDev/todo-sync/internal/logger"
	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/replica"
	"github.com/ConfabulousDev/todo-sync/internal/validation"
)

// taskFlags are the editable fields shared by add and edit
type taskFlags struct {
	title       string
	description string
	priority    string
	category    string
	tags        []string
	due         string
}

func (f *taskFlags) register(cmd *cobra.Command, withTitle bool) {
	if withTitle {
		cmd.Flags().StringVar(&f.title, "title", "", "new title")
	}
	cmd.Flags().StringVarP(&f.description, "desc", "d", "", "description")
	cmd.Flags().StringVarP(&f.priority, "priority", "p", "", "low, medium, high or urgent")
	cmd.Flags().StringVarP(&f.category, "category", "c", "",
		"personal, work, shopping, health, education, finance, travel or hobbies")
	cmd.Flags().StringSliceVarP(&f.tags, "tags", "t", nil, "comma-separated tags")
	cmd.Flags().StringVar(&f.due, "due", "", `due date: 2026-05-01, "tomorrow 9am", "next friday"`)
}

var taskFlagNames = []string{"title", "desc", "priority", "category", "tags", "due"}

func (f *taskFlags) anyChanged(cmd *cobra.Command) bool {
	for _, name := range taskFlagNames {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

// apply copies the flags the user set onto t
func (f *taskFlags) apply(cmd *cobra.Command, a *app, t *models.Task) error {
	changed := cmd.Flags().Changed
	if changed("title") {
		t.Title = f.title
	}
	if changed("desc") {
		if f.description == "" {
			t.Description = nil
		} else {
			d := f.description
			t.Description = &d
		}
	}
	if changed("priority") {
		t.Priority = models.Priority(strings.ToLower(f.priority))
	}
	if changed("category") {
		t.Category = models.Category(strings.ToLower(f.category))
	}
	if changed("tags") {
		t.Tags = normalizeTags(f.tags)
	}
	if changed("due") {
		if clearsDue(f.due) {
			t.DueDate = nil
		} else {
			due, err := parseDue(f.due, a.now())
			if err != nil {
				return err
			}
			t.DueDate = due
		}
	}
	return nil
}

func normalizeTags(raw []string) []string {
	tags := make([]string, 0, len(raw))
	for _, tag := range raw {
		tag = strings.TrimSpace(tag)
		if tag != "" && !slices.Contains(tags, tag) {
			tags = append(tags, tag)
		}
	}
	return tags
}

func newAddCmd(a *app) *cobra.Command {
	var flags taskFlags
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task",
		Example: `  todosync add Buy milk -c shopping
  todosync add "Quarterly report" -p high -c work --due "next friday 5pm" -t finance,q3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			now := a.now()
			task := models.Task{
				ClientID:  uuid.NewString(),
				Title:     strings.Join(args, " "),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := flags.apply(cmd, a, &task); err != nil {
				return err
			}
			task.ApplyDefaults()
			if err := validation.ValidateTask(&task); err != nil {
				return err
			}

			if err := e.replica.Save(ctx, &task); err != nil {
				return err
			}
			logger.Debug("task added", "client_id", task.ClientID)
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Added %s  %s\n", shortRef(&task), task.Title)
			return nil
		},
	}
	flags.register(cmd, false)
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var all bool
	var category, tag string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		Long:    "List open tasks, most urgent first. Tasks marked * have changes that are not synced yet.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			tasks, err := e.replica.Tasks(ctx, false)
			if err != nil {
				return err
			}
			shown := tasks[:0]
			for _, t := range tasks {
				if !all && t.Completed {
					continue
				}
				if category != "" && string(t.Category) != strings.ToLower(category) {
					continue
				}
				if tag != "" && !slices.Contains(t.Tags, tag) {
					continue
				}
				shown = append(shown, t)
			}

			out := cmd.OutOrStdout()
			if len(shown) == 0 {
				fmt.Fprintln(out, "No tasks")
				return nil
			}
			sortTasks(shown)
			fmt.Fprintln(out, renderTasks(shown, a.now()))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include completed tasks")
	cmd.Flags().StringVarP(&category, "category", "c", "", "only this category")
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "only tasks with this tag")
	return cmd
}

// sortTasks orders open tasks before completed ones, then by priority (highest
// first), then by due date (undated last)
func sortTasks(tasks []replica.LocalTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := &tasks[i].Task, &tasks[j].Task
		if a.Completed != b.Completed {
			return !a.Completed
		}
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		switch {
		case a.DueDate == nil && b.DueDate == nil:
			return a.CreatedAt.Before(b.CreatedAt)
		case a.DueDate == nil:
			return false
		case b.DueDate == nil:
			return true
		default:
			return a.DueDate.Before(*b.DueDate)
		}
	})
}

// findTask resolves a user-typed reference with a friendlier error
func findTask(cmd *cobra.Command, e *env, ref string) (*replica.LocalTask, error) {
	t, err := e.replica.Find(cmd.Context(), ref)
	if errors.Is(err, replica.ErrNotFound) {
		return nil, fmt.Errorf("no task matches %q, see 'todosync list --all'", ref)
	}
	return t, err
}

// editStamp is the UpdatedAt for a local edit of a task last updated at prev.
// It never goes backwards, even when this machine's clock is behind the server
// that stamped prev.
func (a *app) editStamp(prev time.Time) time.Time {
	now := a.now()
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

func newDoneCmd(a *app) *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "done <id>...",
		Short: "Mark tasks as completed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			for _, ref := range args {
				t, err := findTask(cmd, e, ref)
				if err != nil {
					return err
				}
				if t.Completed == !undo {
					continue
				}
				t.Completed = !undo
				t.UpdatedAt = a.editStamp(t.UpdatedAt)
				if err := e.replica.Save(cmd.Context(), &t.Task); err != nil {
					return err
				}
				verb := "Completed"
				if undo {
					verb = "Reopened"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s %s  %s\n", verb, shortRef(&t.Task), t.Title)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "mark as not completed")
	return cmd
}

func newEditCmd(a *app) *cobra.Command {
	var flags taskFlags
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a task",
		Example: `  todosync edit 12 --title "Buy oat milk"
  todosync edit 3f2a --due none -p low`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !flags.anyChanged(cmd) {
				return errors.New("nothing to change, pass at least one flag")
			}
			e, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			t, err := findTask(cmd, e, args[0])
			if err != nil {
				return err
			}
			before := t.Task
			before.Tags = slices.Clone(t.Tags)

			if err := flags.apply(cmd, a, &t.Task); err != nil {
				return err
			}
			if err := validation.ValidateTask(&t.Task); err != nil {
				return err
			}
			if models.SameContent(&before, &t.Task) {
				fmt.Fprintln(cmd.OutOrStdout(), "No changes")
				return nil
			}

			t.UpdatedAt = a.editStamp(t.UpdatedAt)
			if err := e.replica.Save(cmd.Context(), &t.Task); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Updated %s  %s\n", shortRef(&t.Task), t.Title)
			return nil
		},
	}
	flags.register(cmd, true)
	return cmd
}

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>...",
		Aliases: []string{"delete"},
		Short:   "Delete tasks",
		Long:    "Delete tasks. The deletion reaches other devices on the next sync.",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			for _, ref := range args {
				t, err := findTask(cmd, e, ref)
				if err != nil {
					return err
				}
				now := a.editStamp(t.UpdatedAt)
				t.DeletedAt = &now
				t.UpdatedAt = now
				if err := e.replica.Save(cmd.Context(), &t.Task); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted %s  %s\n", shortRef(&t.Task), t.Title)
			}
			return nil
		},
	}
}
