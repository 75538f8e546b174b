package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/ConfabulousDev/todo-sync/internal/apiclient"
	"github.com/ConfabulousDev/todo-sync/internal/clientconfig"
	"github.com/ConfabulousDev/todo-sync/internal/engine"
	"github.com/ConfabulousDev/todo-sync/internal/replica"
)

var errNotLoggedIn = errors.New("not logged in, run 'todosync login' first")

// env is what a command needs once the config is loaded: the replica, the session
// stored in it and a client for the configured server
type env struct {
	cfg     *clientconfig.Config
	replica *replica.Replica
	session replica.Session
	client  *apiclient.Client
}

func (a *app) open(ctx context.Context) (*env, error) {
	cfg, err := clientconfig.Load(a.configPath)
	if err != nil {
		return nil, err
	}

	rep, err := replica.Open(ctx, cfg.ReplicaPath(replica.FileName))
	if err != nil {
		return nil, err
	}
	session, err := rep.Session(ctx)
	if err != nil {
		rep.Close()
		return nil, err
	}

	client := apiclient.New(cfg.ServerURL,
		apiclient.WithCompressionThreshold(cfg.CompressThreshold),
		apiclient.WithVersion(a.version),
	)
	// A token issued by another server is never sent
	if session.ServerURL == cfg.ServerURL {
		client.SetToken(session.Token)
	}

	return &env{cfg: cfg, replica: rep, session: session, client: client}, nil
}

func (e *env) Close() error {
	return e.replica.Close()
}

// requireLogin fails unless the replica holds a token for the configured server
func (e *env) requireLogin() error {
	if e.session.Token == "" {
		return errNotLoggedIn
	}
	if e.session.ServerURL != e.cfg.ServerURL {
		return fmt.Errorf("logged in to %s but server_url is %s, run 'todosync login' again",
			e.session.ServerURL, e.cfg.ServerURL)
	}
	return nil
}

func (e *env) engine(resolver engine.Resolver, onState func(engine.State)) *engine.Engine {
	return engine.New(e.client, e.replica, resolver, engine.Config{
		UploadDirtyOnly: e.cfg.UploadDirtyOnly,
		OnStateChange:   onState,
	})
}

// configFile is the file 'config set' and 'login --server' write to
func (a *app) configFile() (string, error) {
	if a.configPath != "" {
		return a.configPath, nil
	}
	return clientconfig.ConfigPath()
}
