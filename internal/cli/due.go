package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var dueParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDue reads a due date given as YYYY-MM-DD, RFC 3339 or plain English
// ("tomorrow", "next friday at 5pm"). Dates without a time are due at the end of
// that day in the local zone. The result is UTC.
func parseDue(s string, now time.Time) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	if d, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		t := time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, time.Local).UTC()
		return &t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC().Truncate(time.Microsecond)
		return &t, nil
	}

	r, err := dueParser.Parse(s, now.In(time.Local))
	if err != nil {
		return nil, fmt.Errorf("invalid due date %q: %w", s, err)
	}
	if r == nil {
		return nil, fmt.Errorf("invalid due date %q (try 2026-05-01 or \"next friday\")", s)
	}
	t := r.Time.UTC().Truncate(time.Microsecond)
	return &t, nil
}

// clearsDue reports whether an --due value removes the due date
func clearsDue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "never":
		return true
	}
	return false
}
