package db

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ConfabulousDev/todo-sync/internal/models"
)

const (
	upcomingWindow = 7 * 24 * time.Hour
	recentWindow   = 7 * 24 * time.Hour
	topTagsLimit   = 5
)

// TagCount is one entry of the most used tags
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Stats summarizes an owner's live tasks
type Stats struct {
	Total             int                     `json:"total"`
	Completed         int                     `json:"completed"`
	Pending           int                     `json:"pending"`
	Overdue           int                     `json:"overdue"`
	Upcoming          int                     `json:"upcoming"`
	CompletionRate    json.Number             `json:"completion_rate"` // percent, one fractional digit
	ByPriority        map[models.Priority]int `json:"by_priority"`
	ByCategory        map[models.Category]int `json:"by_category"`
	TopTags           []TagCount              `json:"top_tags"`
	CreatedThisWeek   int                     `json:"created_this_week"`
	CompletedThisWeek int                     `json:"completed_this_week"`
}

// ComputeStats aggregates tasks as of now. Soft-deleted tasks are skipped.
func ComputeStats(tasks []models.Task, now time.Time) *Stats {
	s := &Stats{
		ByPriority: make(map[models.Priority]int, len(models.Priorities)),
		ByCategory: make(map[models.Category]int, len(models.Categories)),
		TopTags:    []TagCount{},
	}
	for _, p := range models.Priorities {
		s.ByPriority[p] = 0
	}
	for _, c := range models.Categories {
		s.ByCategory[c] = 0
	}

	tagCounts := map[string]int{}
	weekAgo := now.Add(-recentWindow)
	horizon := now.Add(upcomingWindow)

	for i := range tasks {
		t := &tasks[i]
		if t.IsDeleted() {
			continue
		}
		s.Total++
		if t.Completed {
			s.Completed++
			if !t.UpdatedAt.Before(weekAgo) {
				s.CompletedThisWeek++
			}
		}
		if t.IsOverdue(now) {
			s.Overdue++
		}
		if !t.Completed && t.DueDate != nil && !t.DueDate.Before(now) && !t.DueDate.After(horizon) {
			s.Upcoming++
		}
		if !t.CreatedAt.Before(weekAgo) {
			s.CreatedThisWeek++
		}
		s.ByPriority[t.Priority]++
		s.ByCategory[t.Category]++
		for _, tag := range t.Tags {
			tagCounts[tag]++
		}
	}
	s.Pending = s.Total - s.Completed

	rate := decimal.Zero
	if s.Total > 0 {
		rate = decimal.NewFromInt(int64(s.Completed)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(s.Total)))
	}
	s.CompletionRate = json.Number(rate.StringFixed(1))

	for tag, n := range tagCounts {
		s.TopTags = append(s.TopTags, TagCount{Tag: tag, Count: n})
	}
	sort.Slice(s.TopTags, func(i, j int) bool {
		if s.TopTags[i].Count != s.TopTags[j].Count {
			return s.TopTags[i].Count > s.TopTags[j].Count
		}
		return s.TopTags[i].Tag < s.TopTags[j].Tag
	})
	if len(s.TopTags) > topTagsLimit {
		s.TopTags = s.TopTags[:topTagsLimit]
	}
	return s
}

// Stats computes the owner's task statistics
func (db *DB) Stats(ctx context.Context, ownerID int64) (*Stats, error) {
	ctx, span := tracer.Start(ctx, "db.stats")
	defer span.End()

	tasks, err := db.ListTasks(ctx, ownerID, nil)
	if err != nil {
		return nil, err
	}
	return ComputeStats(tasks, db.stamp()), nil
}
