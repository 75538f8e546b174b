package apiclient

import (
	"context"
	"net/url"
	"time"

	"github.com/ConfabulousDev/todo-sync/internal/models"
	"github.com/ConfabulousDev/todo-sync/internal/tasksync"
)

type uploadRequest struct {
	Todos    []models.Task `json:"todos"`
	LastSync *string       `json:"lastSync,omitempty"`
}

type resolveRequest struct {
	ClientID   string            `json:"client_id"`
	Resolution models.Resolution `json:"resolution"`
	TodoData   *models.Task      `json:"todo_data,omitempty"`
}

// Upload sends the full local task set. lastSync is informational for the server.
func (c *Client) Upload(ctx context.Context, tasks []models.Task, lastSync *time.Time) (*tasksync.UploadResult, error) {
	if tasks == nil {
		tasks = []models.Task{}
	}
	req := uploadRequest{Todos: tasks}
	if lastSync != nil {
		s := models.FormatTimestamp(*lastSync)
		req.LastSync = &s
	}

	var resp tasksync.UploadResult
	if err := c.Post(ctx, "/api/v1/sync/upload", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Download fetches every task changed after since; nil fetches everything
func (c *Client) Download(ctx context.Context, since *time.Time) (*tasksync.DownloadResult, error) {
	path := "/api/v1/sync/download"
	if since != nil {
		path += "?" + url.Values{"since": {models.FormatTimestamp(*since)}}.Encode()
	}

	var resp tasksync.DownloadResult
	if err := c.Get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resolve applies a resolution for the conflict on clientID. data is required for
// use_client and ignored for use_server.
func (c *Client) Resolve(ctx context.Context, clientID string, resolution models.Resolution, data *models.Task) (*tasksync.ResolveResult, error) {
	req := resolveRequest{ClientID: clientID, Resolution: resolution}
	if resolution == models.ResolutionUseClient {
		req.TodoData = data
	}

	var resp tasksync.ResolveResult
	if err := c.Post(ctx, "/api/v1/sync/resolve-conflict", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status reports the server's view of the caller's sync state
func (c *Client) Status(ctx context.Context) (*tasksync.Status, error) {
	var resp tasksync.Status
	if err := c.Get(ctx, "/api/v1/sync/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PendingConflicts lists conflicts recorded by earlier uploads and not yet resolved
func (c *Client) PendingConflicts(ctx context.Context) ([]models.SyncConflict, error) {
	var resp struct {
		Conflicts []models.SyncConflict `json:"conflicts"`
	}
	if err := c.Get(ctx, "/api/v1/sync/conflicts", &resp); err != nil {
		return nil, err
	}
	return resp.Conflicts, nil
}
