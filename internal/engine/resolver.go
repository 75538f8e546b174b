package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ConfabulousDev/todo-sync/internal/models"
)

// ErrDeferred is returned by a Resolver that leaves a conflict for later
var ErrDeferred = errors.New("conflict resolution deferred")

// Conflict is an update conflict with the local copy that caused it
type Conflict struct {
	models.SyncConflict
	Local *models.Task // nil if the task is no longer in the replica
	Dirty bool         // the local copy has edits the server has not seen
}

// lossless reports whether taking the server version cannot discard a local edit:
// the local copy is unedited or already matches the server's content
func (c Conflict) lossless() bool {
	if c.ServerTodo == nil {
		return false
	}
	if !c.Dirty || c.Local == nil {
		return true
	}
	return models.SameContent(c.Local, c.ServerTodo) && c.Local.IsDeleted() == c.ServerTodo.IsDeleted()
}

// Resolver picks a resolution for one conflict
type Resolver interface {
	Resolve(ctx context.Context, c Conflict) (models.Resolution, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(ctx context.Context, c Conflict) (models.Resolution, error)

func (f ResolverFunc) Resolve(ctx context.Context, c Conflict) (models.Resolution, error) {
	return f(ctx, c)
}

// Policy resolves every conflict the same way
type Policy models.Resolution

func (p Policy) Resolve(ctx context.Context, c Conflict) (models.Resolution, error) {
	if c.Local == nil && models.Resolution(p) == models.ResolutionUseClient {
		// No local data to send
		return models.ResolutionUseServer, nil
	}
	return models.Resolution(p), nil
}

// Defer leaves every conflict pending
type Defer struct{}

func (Defer) Resolve(ctx context.Context, c Conflict) (models.Resolution, error) {
	return "", ErrDeferred
}

// ParsePolicy maps a configured auto-resolve value to a Resolver. An empty value
// returns nil so the caller can supply an interactive one.
func ParsePolicy(s string) (Resolver, error) {
	switch models.Resolution(s) {
	case "":
		return nil, nil
	case models.ResolutionUseServer, models.ResolutionUseClient:
		return Policy(s), nil
	default:
		return nil, fmt.Errorf("unknown resolution %q (want use_server or use_client)", s)
	}
}
