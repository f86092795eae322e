// Package di provides dependency injection type definitions.
//
// The Container holds every long-lived instance of the service and is the single source
// of truth handed to main, the scheduler and the HTTP server.
package di

import (
	"github.com/dgraph-io/badger/v4"

	"github.com/aristath/earnings/internal/clientdata"
	"github.com/aristath/earnings/internal/clients/finnhub"
	"github.com/aristath/earnings/internal/clients/polygon"
	"github.com/aristath/earnings/internal/database"
	"github.com/aristath/earnings/internal/modules/dailystate"
	"github.com/aristath/earnings/internal/modules/earnings"
	"github.com/aristath/earnings/internal/modules/guidance"
	"github.com/aristath/earnings/internal/modules/locking"
	"github.com/aristath/earnings/internal/modules/market_hours"
	"github.com/aristath/earnings/internal/modules/pipeline"
	"github.com/aristath/earnings/internal/modules/pricing"
	"github.com/aristath/earnings/internal/modules/publish"
	"github.com/aristath/earnings/internal/reliability"
	"github.com/aristath/earnings/internal/scheduler"
	"github.com/aristath/earnings/internal/server"
)

// Container holds all application dependencies
type Container struct {
	// Databases
	EarningsDB     *database.DB // earnings, market snapshots, guidance, client response cache
	CoordinationDB *database.DB // daily state and job locks
	CacheDB        *badger.DB   // versioned publish cache

	// Repositories
	EarningsRepo   *earnings.Repository
	ClientDataRepo *clientdata.Repository

	// Clients
	FinnhubClient *finnhub.Client
	Calendar      *finnhub.Source
	PolygonClient *polygon.Client

	// Calculators
	PriceCalculator    *pricing.Calculator
	GuidanceCalculator *guidance.Calculator

	// Coordination
	Clock        *market_hours.Clock
	StateMachine *dailystate.Machine
	LockManager  *locking.Manager

	// Publishing
	Store     *publish.Store
	Publisher *publish.Publisher
	Archiver  *reliability.Archiver // nil when archiving is disabled

	// Pipeline
	Orchestrator *pipeline.Orchestrator
	Scheduler    *scheduler.Scheduler
	Jobs         *JobInstances

	Server *server.Server
}

// JobInstances holds references to all registered jobs for manual triggering
type JobInstances struct {
	Bootstrap         *scheduler.PipelineJob
	IntradayFast      *scheduler.PipelineJob
	IntradaySlow      *scheduler.PipelineJob
	Weekend           *scheduler.PipelineJob
	Maintenance       *scheduler.MaintenanceJob
	ClientDataCleanup *clientdata.CleanupJob
}

// Close releases databases in reverse order of opening. Safe on a partially built container.
func (c *Container) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if c.CacheDB != nil {
		keep(c.CacheDB.Close())
	}
	if c.CoordinationDB != nil {
		keep(c.CoordinationDB.Close())
	}
	if c.EarningsDB != nil {
		keep(c.EarningsDB.Close())
	}
	return first
}
