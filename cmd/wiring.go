package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	core "charm.land/fantasy"

	"threadloom/pkg/bus"
	"threadloom/pkg/channel"
	"threadloom/pkg/config"
	"threadloom/pkg/conversation"
	"threadloom/pkg/dispatch"
	"threadloom/pkg/durable"
	"threadloom/pkg/durable/memstore"
	"threadloom/pkg/durable/sqlstore"
	"threadloom/pkg/provider"
	"threadloom/pkg/responder"
	"threadloom/pkg/task"
	fantasytools "threadloom/pkg/tools/fantasy"
	fstools "threadloom/pkg/tools/fs"
	"threadloom/pkg/workspace"
)

// app is the orchestrator wired against one chat gateway.
type app struct {
	store    durable.Store
	engine   *durable.Engine
	registry *responder.Registry
	router   provider.Client
	tasks    *task.Client
	threads  *conversation.Client
}

func buildApp(ctx context.Context, cfg *config.Config, gateway channel.Gateway, mb *bus.MessageBus) (*app, error) {
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	a, err := wire(cfg, store, gateway, mb)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg *config.Config, store durable.Store, gateway channel.Gateway, mb *bus.MessageBus) (*app, error) {
	engine, err := durable.New(durable.Options{
		Store:           store,
		Bus:             mb,
		Logger:          slog.Default(),
		IdleTimeout:     cfg.Engine.IdleTimeout,
		ArchiveAfter:    cfg.Engine.ArchiveAfter,
		JanitorInterval: cfg.Engine.JanitorInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize engine: %w", err)
	}

	catalog, err := responder.LoadCatalog(cfg.Responders.CatalogPath)
	if err != nil {
		return nil, err
	}

	repoTools, err := repositoryTools(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	registry := responder.NewRegistry(catalog, responder.ProviderFactory(cfg, repoTools))

	routerClient, err := provider.New(cfg, cfg.Dispatch.Provider, provider.Options{Model: cfg.Dispatch.Model})
	if err != nil {
		return nil, fmt.Errorf("initialize dispatch provider: %w", err)
	}
	router := dispatch.NewLLMRouter(routerClient, cfg.Dispatch.Model, catalog.Guide())

	tasks := task.NewClient(engine, registry)
	task.NewRunner(registry, gateway, task.ActivityOptionsFromConfig(cfg.Engine)).Register(engine)
	conversation.New(gateway, router, registry, tasks, mb, conversation.OptionsFromConfig(cfg)).Register(engine)

	return &app{
		store:    store,
		engine:   engine,
		registry: registry,
		router:   routerClient,
		tasks:    tasks,
		threads:  conversation.NewClient(engine, mb),
	}, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (durable.Store, error) {
	if cfg.Driver == "memory" {
		return memstore.New(), nil
	}
	store, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	return store, nil
}

func repositoryTools(cfg config.WorkspaceConfig) ([]core.AgentTool, error) {
	guard, err := workspace.NewGuard(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return fantasytools.BuildRepositoryTools(fstools.NewService(guard), guard), nil
}

// admit submits platform events to their thread's conversation.
func admit(threads *conversation.Client) channel.Handler {
	return func(ctx context.Context, event channel.ThreadEvent) error {
		_, err := threads.Submit(ctx, event)
		return err
	}
}

// close stops the engine and then the store.
func (a *app) close() error {
	return errors.Join(a.engine.Close(), a.store.Close())
}
