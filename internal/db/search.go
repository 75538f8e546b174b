package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/validation"
)

const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 100
)

// SortFields maps accepted sort_by values to SQL expressions
var SortFields = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"title":      "lower(title)",
	"priority":   "CASE priority WHEN 'low' THEN 0 WHEN 'medium' THEN 1 WHEN 'high' THEN 2 WHEN 'urgent' THEN 3 END",
	"due_date":   "due_date",
	"completed":  "completed",
}

// SearchParams filters, orders and pages a search over live tasks
type SearchParams struct {
	Query      string
	Priority   models.Priority
	Category   models.Category
	Completed  *bool
	Tags       []string // a task matches when any of its tags contains any of these
	Overdue    bool
	HasDueDate *bool
	DueFrom    *time.Time
	DueTo      *time.Time
	SortBy     string
	SortOrder  string
	Page       int
	Limit      int
}

// Normalize applies defaults and rejects unknown enum values and out-of-range paging
func (p *SearchParams) Normalize() error {
	if p.Priority != "" && !p.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", validation.ErrInvalid, p.Priority)
	}
	if p.Category != "" && !p.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", validation.ErrInvalid, p.Category)
	}
	if p.SortBy == "" {
		p.SortBy = "created_at"
	}
	if _, ok := SortFields[p.SortBy]; !ok {
		return fmt.Errorf("%w: sort_by must be one of created_at, updated_at, title, priority, due_date, completed", validation.ErrInvalid)
	}
	p.SortOrder = strings.ToLower(p.SortOrder)
	if p.SortOrder == "" {
		p.SortOrder = "desc"
	}
	if p.SortOrder != "asc" && p.SortOrder != "desc" {
		return fmt.Errorf("%w: sort_order must be either \"asc\" or \"desc\"", validation.ErrInvalid)
	}
	if p.Page == 0 {
		p.Page = 1
	}
	if p.Page < 1 {
		return fmt.Errorf("%w: page must be positive", validation.ErrInvalid)
	}
	if p.Limit == 0 {
		p.Limit = DefaultSearchLimit
	}
	if p.Limit < 1 || p.Limit > MaxSearchLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d", validation.ErrInvalid, MaxSearchLimit)
	}
	return nil
}

// Pagination describes the page returned by SearchTasks
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// escapeLike makes s match literally inside a LIKE pattern
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// buildSearchFilter renders the WHERE clause shared by the count and page queries
func buildSearchFilter(ownerID int64, p *SearchParams, now time.Time) (string, []any) {
	conds := []string{"user_id = $1", "deleted_at IS NULL"}
	args := []any{ownerID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q := strings.TrimSpace(p.Query); q != "" {
		ph := next("%" + escapeLike(q) + "%")
		conds = append(conds, fmt.Sprintf(
			"(title ILIKE %[1]s OR description ILIKE %[1]s OR EXISTS (SELECT 1 FROM jsonb_array_elements_text(tags) AS tag WHERE tag ILIKE %[1]s))", ph))
	}
	if p.Priority != "" {
		conds = append(conds, "priority = "+next(string(p.Priority)))
	}
	if p.Category != "" {
		conds = append(conds, "category = "+next(string(p.Category)))
	}
	if p.Completed != nil {
		conds = append(conds, "completed = "+next(*p.Completed))
	}
	if len(p.Tags) > 0 {
		var tagConds []string
		for _, tag := range p.Tags {
			tagConds = append(tagConds, "tag ILIKE "+next("%"+escapeLike(tag)+"%"))
		}
		conds = append(conds, "EXISTS (SELECT 1 FROM jsonb_array_elements_text(tags) AS tag WHERE "+strings.Join(tagConds, " OR ")+")")
	}
	if p.Overdue {
		conds = append(conds, "completed = FALSE AND due_date IS NOT NULL AND due_date < "+next(now))
	}
	if p.HasDueDate != nil {
		if *p.HasDueDate {
			conds = append(conds, "due_date IS NOT NULL")
		} else {
			conds = append(conds, "due_date IS NULL")
		}
	}
	if p.DueFrom != nil {
		conds = append(conds, "due_date >= "+next(*p.DueFrom))
	}
	if p.DueTo != nil {
		conds = append(conds, "due_date <= "+next(*p.DueTo))
	}
	return strings.Join(conds, " AND "), args
}

// SearchTasks returns one page of the owner's live tasks matching p, plus paging
// information. p must have been normalized.
func (db *DB) SearchTasks(ctx context.Context, ownerID int64, p SearchParams) ([]models.Task, Pagination, error) {
	ctx, span := tracer.Start(ctx, "db.search_tasks",
		trace.WithAttributes(
			attribute.Int64("user.id", ownerID),
			attribute.String("search.sort_by", p.SortBy),
			attribute.Int("search.page", p.Page),
		))
	defer span.End()

	where, args := buildSearchFilter(ownerID, &p, db.stamp())

	var total int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE "+where, args...).Scan(&total); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, Pagination{}, fmt.Errorf("failed to count search results: %w", err)
	}

	order := "ASC"
	if p.SortOrder == "desc" {
		order = "DESC"
	}
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE %s ORDER BY %s %s NULLS LAST, id %s LIMIT %d OFFSET %d",
		taskColumns, where, SortFields[p.SortBy], order, order, p.Limit, (p.Page-1)*p.Limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, Pagination{}, fmt.Errorf("failed to search tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, Pagination{}, err
	}

	page := Pagination{
		Page:       p.Page,
		Limit:      p.Limit,
		Total:      total,
		TotalPages: (total + p.Limit - 1) / p.Limit,
	}
	span.SetAttributes(attribute.Int("search.total", total))
	return tasks, page, nil
}
