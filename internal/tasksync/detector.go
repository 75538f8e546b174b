package tasksync

import (
	"fmt"
	"strings"

	"github.com/ConfabulousDev/todo-sync/internal/models"
)

// Outcome of comparing an incoming task with the stored one
type Outcome int

const (
	OutcomeCreate Outcome = iota + 1
	OutcomeUpdate
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreate:
		return "create"
	case OutcomeUpdate:
		return "update"
	case OutcomeConflict:
		return "conflict"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// TieBreak decides the outcome when stored and incoming UpdatedAt are equal
type TieBreak string

const (
	TieBreakClient TieBreak = "client" // equal timestamps update the store
	TieBreakServer TieBreak = "server" // equal timestamps are a conflict
)

// ParseTieBreak accepts "client" or "server" (case-insensitive); empty means client
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(strings.ToLower(strings.TrimSpace(s))) {
	case "", TieBreakClient:
		return TieBreakClient, nil
	case TieBreakServer:
		return TieBreakServer, nil
	default:
		return "", fmt.Errorf("unknown tie break %q (want client or server)", s)
	}
}

// Detector classifies one incoming task against the stored version of the same task
type Detector struct {
	TieBreak TieBreak
}

// Detect returns the outcome for incoming given current (nil when the store has no
// matching task). An incoming task without a usable UpdatedAt is older than anything
// stored, so it can only create.
func (d Detector) Detect(current, incoming *models.Task) Outcome {
	if current == nil {
		return OutcomeCreate
	}
	if incoming.UpdatedAt.IsZero() {
		return OutcomeConflict
	}
	switch {
	case current.UpdatedAt.After(incoming.UpdatedAt):
		return OutcomeConflict
	case current.UpdatedAt.Equal(incoming.UpdatedAt) && d.TieBreak == TieBreakServer:
		return OutcomeConflict
	default:
		return OutcomeUpdate
	}
}
