package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"flowcore/call"
	"flowcore/common"
	"flowcore/dispatch"
	"flowcore/domain"
	"flowcore/events"
	"flowcore/expr"
	"flowcore/listener"
	"flowcore/logger"
	"flowcore/registry"
	"flowcore/scheduler"
	"flowcore/store/embeddedkv"
	"flowcore/store/memory"
	"flowcore/store/postgres"
	"flowcore/store/redis"
	"flowcore/store/sqlite"
)

// engine bundles a wired Scheduler with whatever backing resources need a
// clean shutdown once a `run`/`validate` invocation finishes.
type engine struct {
	scheduler *scheduler.Scheduler
	registry  *registry.Registry
	closers   []func() error
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

// buildEngine wires an Event Store, Checkpoint Store, Cache Store, Workflow
// Registry, and Dispatcher per cfg, the way handleStartCommand wires the
// teacher's services from its own --server/--worker/--nats flags, then
// assembles a Scheduler on top. Catalog-function and nested-workflow Run
// executors are registered against the dispatcher after the Scheduler
// exists, since both need the Scheduler itself (via the narrow
// call.WorkflowRunner interface) as their runner.
func buildEngine(cfg common.EngineConfig) (*engine, error) {
	e := &engine{}

	events, checkpoints, cacheStore, err := buildStores(e, cfg)
	if err != nil {
		return nil, err
	}

	reg := registry.New(256)
	e.registry = reg

	dispatcher := dispatch.NewDispatcher()
	dispatcher.RegisterCallExecutor("http", call.NewHTTPExecutor())
	dispatcher.RegisterCallExecutor("https", call.NewHTTPExecutor())

	sched := scheduler.New(events, checkpoints, cacheStore, expr.NewEvaluator(), dispatcher)
	sched.Registry = reg

	dispatcher.RegisterCallExecutor("catalog", call.NewCatalogExecutor(reg, sched))
	dispatcher.RegisterRunExecutor(domain.RunProcessWorkflow, call.NewWorkflowExecutor(reg, sched))

	if err := attachEmit(e, sched, cfg); err != nil {
		return nil, err
	}
	attachListen(e, sched)

	e.scheduler = sched
	return e, nil
}

// attachEmit wires the Scheduler's EventPublisher for Emit tasks: dial an
// external NATS broker if cfg.NatsURL names one, otherwise start the
// single-binary embedded server the teacher's own nats package falls back
// to when no broker is configured.
func attachEmit(e *engine, sched *scheduler.Scheduler, cfg common.EngineConfig) error {
	if cfg.NatsURL != "" {
		conn, err := events.Connect(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		e.closers = append(e.closers, func() error { conn.Close(); return nil })
		sched.Publisher = events.NewPublisher(conn, nil)
		return nil
	}

	storeDir, err := os.MkdirTemp("", "flowcore-nats-*")
	if err != nil {
		return fmt.Errorf("failed to create embedded nats store directory: %w", err)
	}
	srv, err := events.NewEmbeddedServer(events.EmbeddedServerOptions{Port: -1, StoreDir: storeDir}, logger.Get())
	if err != nil {
		return fmt.Errorf("failed to create embedded nats server: %w", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start embedded nats server: %w", err)
	}
	e.closers = append(e.closers, func() error { srv.Stop(); return nil })

	conn, err := events.Connect(srv.ClientURL())
	if err != nil {
		return fmt.Errorf("failed to connect to embedded nats server: %w", err)
	}
	e.closers = append(e.closers, func() error { conn.Close(); return nil })
	sched.Publisher = events.NewPublisher(conn, nil)
	return nil
}

// attachListen wires the Scheduler's ListenerAdapter for Listen tasks,
// fanning out to both the HTTP and gRPC transports a `listen.to` source can
// declare behind one listener.CompositeListener.
func attachListen(e *engine, sched *scheduler.Scheduler) {
	log := logger.Get()
	httpListener := listener.NewHTTPListener(common.GetServerHostPort(), log)
	httpListener.Start()
	e.closers = append(e.closers, func() error { return httpListener.Shutdown(context.Background()) })

	grpcListener := listener.NewGRPCListener(log)
	grpcAddr := fmt.Sprintf("%s:%d", common.GetServerHost(), common.GetGRPCServerPort())
	if err := grpcListener.Start(grpcAddr); err != nil {
		log.Error().Err(err).Msg("failed to start grpc listener; listen tasks with grpc sources will fail")
	} else {
		e.closers = append(e.closers, func() error { grpcListener.Stop(); return nil })
	}

	sched.Listener = listener.NewCompositeListener(httpListener, grpcListener)
}

func buildStores(e *engine, cfg common.EngineConfig) (domain.EventStore, domain.CheckpointStore, domain.CacheStore, error) {
	var events domain.EventStore
	var checkpoints domain.CheckpointStore

	switch cfg.PersistenceProvider {
	case common.PersistenceProviderMemory, "":
		events = memory.NewEventStore()
		checkpoints = memory.NewCheckpointStore()
	case common.PersistenceProviderSQLite:
		dbPath, err := sqliteDBPath(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		client, err := sqlite.NewClient(dbPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open sqlite persistence store: %w", err)
		}
		e.closers = append(e.closers, client.Close)
		events = sqlite.NewEventStore(client)
		checkpoints = sqlite.NewCheckpointStore(client)
	case common.PersistenceProviderPostgres:
		client, err := postgres.NewClient(postgres.Config{
			Host:     cfg.PostgresHostname,
			DBName:   cfg.PostgresDBName,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open postgres persistence store: %w", err)
		}
		e.closers = append(e.closers, client.Close)
		events = postgres.NewEventStore(client)
		checkpoints = postgres.NewCheckpointStore(client)
	case common.PersistenceProviderRedis:
		client := redis.NewClient(&redis.Options{Addr: redisAddr(cfg)})
		e.closers = append(e.closers, client.Close)
		events = redis.NewEventStore(client)
		checkpoints = redis.NewCheckpointStore(client)
	default:
		return nil, nil, nil, fmt.Errorf("unknown persistence provider %q", cfg.PersistenceProvider)
	}

	if cfg.NoCache {
		return events, checkpoints, noopCacheStore{}, nil
	}

	cacheStore, err := buildCacheStore(e, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return events, checkpoints, cacheStore, nil
}

func buildCacheStore(e *engine, cfg common.EngineConfig) (domain.CacheStore, error) {
	switch cfg.CacheProvider {
	case common.CacheProviderMemory, "":
		return memory.NewCacheStore(), nil
	case common.CacheProviderSQLite:
		dbPath, err := sqliteDBPath(cfg)
		if err != nil {
			return nil, err
		}
		client, err := sqlite.NewClient(dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite cache store: %w", err)
		}
		e.closers = append(e.closers, client.Close)
		return sqlite.NewCacheStore(client), nil
	case common.CacheProviderPostgres:
		client, err := postgres.NewClient(postgres.Config{
			Host:     cfg.PostgresHostname,
			DBName:   cfg.PostgresDBName,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres cache store: %w", err)
		}
		e.closers = append(e.closers, client.Close)
		return postgres.NewCacheStore(client), nil
	case common.CacheProviderEmbeddedKV:
		dataHome, err := common.GetDataHome()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve embedded-kv data directory: %w", err)
		}
		store, err := embeddedkv.NewCacheStore(filepath.Join(dataHome, "cache.gob"))
		if err != nil {
			return nil, fmt.Errorf("failed to open embedded-kv cache store: %w", err)
		}
		return store, nil
	case common.CacheProviderRedis:
		client := redis.NewClient(&redis.Options{Addr: redisAddr(cfg)})
		e.closers = append(e.closers, client.Close)
		return redis.NewCacheStore(client), nil
	default:
		return nil, fmt.Errorf("unknown cache provider %q", cfg.CacheProvider)
	}
}

func sqliteDBPath(cfg common.EngineConfig) (string, error) {
	if cfg.SQLiteDBURL != "" {
		return cfg.SQLiteDBURL, nil
	}
	dataHome, err := common.GetDataHome()
	if err != nil {
		return "", fmt.Errorf("failed to resolve sqlite data directory: %w", err)
	}
	return filepath.Join(dataHome, "flowcore.db"), nil
}

func redisAddr(cfg common.EngineConfig) string {
	if cfg.RedisAddr != "" {
		return cfg.RedisAddr
	}
	return "localhost:6379"
}

// noopCacheStore backs --no-cache: every fingerprint misses and every
// caller is granted leadership, so dispatch always runs for real.
type noopCacheStore struct{}

func (noopCacheStore) Get(_ context.Context, _ string) (domain.CacheEntry, bool, error) {
	return domain.CacheEntry{}, false, nil
}

func (noopCacheStore) Put(_ context.Context, _ domain.CacheEntry) error {
	return nil
}

func (noopCacheStore) Coordinate(_ context.Context, _ string) (bool, func(), error) {
	return true, func() {}, nil
}
