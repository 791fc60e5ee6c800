// Package app wires the full component graph for the CLI and the HTTP
// server: one database, one registry, one dispatcher, one runner.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"rosterline/internal/classify"
	"rosterline/internal/config"
	"rosterline/internal/db"
	"rosterline/internal/directory"
	"rosterline/internal/dispatch"
	"rosterline/internal/events"
	"rosterline/internal/executor"
	"rosterline/internal/idem"
	"rosterline/internal/locks"
	"rosterline/internal/migrate"
	"rosterline/internal/planner"
	"rosterline/internal/registry"
	"rosterline/internal/reply"
	"rosterline/internal/repo"
	"rosterline/internal/runner"
	"rosterline/internal/sms"
	"rosterline/internal/verbs"
)

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer

	Idem      *idem.Store
	Locks     *locks.Manager
	Registry  *registry.Registry
	Directory *directory.Engine
	SMS       *sms.Sender
	Verbs     *verbs.Registry
	Env       *verbs.Env

	Planner    *planner.Planner
	Runner     *runner.Runner
	Classifier *classify.Classifier
	Replies    *reply.Generator
	Dispatch   *dispatch.Dispatcher
}

// Options tune how Open builds the graph. Zero values pick sensible
// defaults: config loaded from the workspace, log transport, model
// backend only when the configured API key env var is set.
type Options struct {
	Workspace string
	Config    *config.Config
	Transport sms.Transport
}

// Open loads config, opens and migrates the database, and wires every
// component. The model backend is optional; without an API key the
// planner falls back to deterministic plans and the classifier answers
// conservatively.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			loaded = config.Default("rosterline")
		}
		cfg = loaded
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Events:    events.Writer{DB: conn, Now: time.Now},
		Idem:      idem.NewStore(),
		Locks:     locks.NewManager(),
		Registry:  registry.New(),
	}

	transport := opts.Transport
	if transport == nil {
		transport = sms.LogTransport{}
	}
	a.SMS = sms.NewSender(a.Idem, transport, &a.Repo)

	a.Directory = directory.New(a.Repo)
	a.Directory.ExtraStaffPhones = cfg.Directory.StaffPhones

	a.Registry.Emit = a.emitFor("fill_request")

	a.Verbs = verbs.Builtins()
	a.Env = &verbs.Env{
		Now:       time.Now,
		Emit:      a.emitFor("verb"),
		Repo:      a.Repo,
		Directory: a.Directory,
		SMS:       a.SMS,
		NewID:     a.Directory.NewID,
	}

	backend := a.modelBackend(ctx)
	timeout := time.Duration(cfg.Planner.TimeoutMS) * time.Millisecond

	a.Planner = planner.New(backend, a.Verbs, timeout)
	a.Planner.Emit = a.emitFor("planner")

	exec := executor.New(a.Verbs, a.Env)
	exec.LenientRepair = cfg.Planner.LenientRepair
	exec.Emit = a.emitFor("plan")

	a.Runner = runner.New(a.Planner, exec)
	a.Runner.Emit = a.emitFor("goal")

	a.Classifier = classify.New(backend, a.Directory, timeout)

	a.Replies = reply.New(backend, timeout)
	if cfg.SMS.MaxLength > 0 {
		a.Replies.MaxLength = cfg.SMS.MaxLength
	}

	a.Dispatch = dispatch.New(a.Repo, a.Registry, a.Locks, a.Classifier, a.Replies, a.Verbs, a.Env)
	a.Dispatch.Emit = a.emitFor("inbound")
	if cfg.Dispatch.PendingExpiryMinutes > 0 {
		a.Dispatch.PendingExpiry = time.Duration(cfg.Dispatch.PendingExpiryMinutes) * time.Minute
	}

	return a, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// modelBackend builds the Gemini backend when the configured key env
// var holds a key. A missing key is not an error; the system degrades
// to its deterministic paths.
func (a *App) modelBackend(ctx context.Context) planner.Backend {
	env := a.Config.LLM.APIKeyEnv
	if env == "" {
		env = "GEMINI_API_KEY"
	}
	key := os.Getenv(env)
	if key == "" {
		return nil
	}
	backend, err := planner.NewGeminiBackend(ctx, key, a.Config.LLM.Model)
	if err != nil {
		return nil
	}
	return backend
}

// emitFor adapts component lifecycle events into audit log rows.
func (a *App) emitFor(entityKind string) func(event string, payload map[string]any) {
	return func(event string, payload map[string]any) {
		entityID, _ := payload["id"].(string)
		_ = a.Events.Append(context.Background(), nil, event, entityKind, entityID, "", events.EventPayload(payload))
	}
}
