// Package di provides dependency injection wiring and initialization.
package di

import (
	"fmt"

	"github.com/aristath/earnings/internal/config"
	"github.com/aristath/earnings/internal/server"
	"github.com/rs/zerolog"
)

// Wire initializes all dependencies and returns a fully configured container
// Order of operations:
// 1. Initialize databases
// 2. Initialize repositories, clients and services
// 3. Register jobs
// 4. Build the HTTP server
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	// Step 1: Initialize databases
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	// Step 2: Initialize services
	if err := InitializeServices(container, cfg, log); err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Step 3: Register jobs
	if _, err := RegisterJobs(container, cfg, log); err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	// Step 4: HTTP server
	container.Server = server.New(server.Config{
		Log:       log,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		Databases: []server.Pinger{container.EarningsDB, container.CoordinationDB},
		Publisher: container.Publisher,
		Clock:     container.Clock,
		States:    container.StateMachine,
		Locks:     container.LockManager,
		Runner:    container.Orchestrator,
	})

	log.Info().Msg("Dependency injection wiring completed successfully")

	return container, nil
}
