// Package app wires the orchestrator's components together: configuration,
// logging, the SurrealDB store, the Redis broker, the event hub, and the
// bootstrapper/worker/janitor built on top of them. It is the shared core
// used by cmd/meridian-server, cmd/meridian-worker and cmd/meridian-janitor.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/meridian-orchestrator/meridian/internal/bootstrap"
	"github.com/meridian-orchestrator/meridian/internal/broker"
	"github.com/meridian-orchestrator/meridian/internal/common"
	"github.com/meridian-orchestrator/meridian/internal/events"
	"github.com/meridian-orchestrator/meridian/internal/interfaces"
	"github.com/meridian-orchestrator/meridian/internal/janitor"
	"github.com/meridian-orchestrator/meridian/internal/storage/surrealdb"
	"github.com/meridian-orchestrator/meridian/internal/worker"
)

// connectRetries bounds startup connection attempts to the store and broker
// before the process gives up with a non-zero exit.
const connectRetries = 5

// App holds the initialized components shared by every binary.
type App struct {
	Config       *common.Config
	Logger       *common.Logger
	Store        interfaces.Store
	Broker       interfaces.Broker
	Hub          *events.Hub
	Bootstrapper *bootstrap.Bootstrapper
	Worker       *worker.Worker
	Janitor      *janitor.Janitor
	StartupTime  time.Time
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes configuration, logging, storage, the broker, the event
// hub and the scheduling components. configPath may be empty, in which case
// ORCH_CONFIG and then a meridian.toml next to the binary are tried.
// registry maps task function names to their bodies; binaries that never
// execute tasks (the API server, the janitor) pass nil.
func NewApp(configPath string, registry worker.Registry) (*App, error) {
	startupStart := time.Now()

	common.LoadVersionFromFile()

	binDir := getBinaryDir()

	if configPath == "" {
		configPath = os.Getenv("ORCH_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "meridian.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/meridian.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := common.NewLoggerFromConfig(config.Logging)

	store, err := connectStore(logger, config)
	if err != nil {
		return nil, err
	}

	brk, err := connectBroker(logger, config)
	if err != nil {
		store.Close()
		return nil, err
	}

	hub := events.NewHub(logger)
	go hub.Run()

	a := &App{
		Config:       config,
		Logger:       logger,
		Store:        store,
		Broker:       brk,
		Hub:          hub,
		Bootstrapper: bootstrap.New(store, brk, logger),
		Worker:       worker.New(store, brk, registry, logger, config.Scheduler, hub),
		Janitor:      janitor.New(store, brk, logger, config.Scheduler),
		StartupTime:  startupStart,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("App initialized")

	return a, nil
}

// connectStore dials SurrealDB with bounded retry, backing off linearly
// between attempts.
func connectStore(logger *common.Logger, config *common.Config) (interfaces.Store, error) {
	var lastErr error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		store, err := surrealdb.NewManager(logger, config)
		if err == nil {
			return store, nil
		}
		lastErr = err
		logger.Warn().
			Int("attempt", attempt).
			Str("address", config.Store.Address).
			Err(err).
			Msg("Store connection failed, retrying")
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return nil, fmt.Errorf("failed to connect to store after %d attempts: %w", connectRetries, lastErr)
}

// connectBroker dials Redis with the same bounded retry.
func connectBroker(logger *common.Logger, config *common.Config) (interfaces.Broker, error) {
	var lastErr error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		brk, err := broker.New(logger, config.Broker.Addr, config.Broker.Password, config.Broker.DB, config.Broker.Prefix,
			broker.WithQueueKeys(config.Scheduler.ReadyQueueKey, config.Scheduler.DelayedQueueKey, config.Scheduler.DeadLetterQueueKey))
		if err == nil {
			return brk, nil
		}
		lastErr = err
		logger.Warn().
			Int("attempt", attempt).
			Str("addr", config.Broker.Addr).
			Err(err).
			Msg("Broker connection failed, retrying")
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return nil, fmt.Errorf("failed to connect to broker after %d attempts: %w", connectRetries, lastErr)
}

// Health reports store and broker reachability for the health endpoint.
func (a *App) Health(ctx context.Context) map[string]string {
	out := map[string]string{"store": "ok", "broker": "ok"}
	if err := a.Store.Ping(ctx); err != nil {
		out["store"] = err.Error()
	}
	if err := a.Broker.Ping(ctx); err != nil {
		out["broker"] = err.Error()
	}
	return out
}

// Close releases all resources held by the App. Shutdown order: worker
// first so in-flight jobs finish cleanup, then janitor, hub, broker, store.
func (a *App) Close() {
	if a.Worker != nil {
		a.Worker.Stop()
		a.Worker = nil
	}
	if a.Janitor != nil {
		a.Janitor.Stop()
		a.Janitor = nil
	}
	if a.Hub != nil {
		a.Hub.Stop()
		a.Hub = nil
	}
	if a.Broker != nil {
		a.Broker.Close()
		a.Broker = nil
	}
	if a.Store != nil {
		a.Store.Close()
		a.Store = nil
	}
}
