// Command server runs the inventory management engine: event ingress,
// position and inventory calculation, locate workflow, short-sell
// validation and the HTTP surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"ims/internal/bus"
	"ims/internal/cache"
	"ims/internal/clock"
	"ims/internal/config"
	"ims/internal/database"
	"ims/internal/domain"
	"ims/internal/egress"
	"ims/internal/feeds"
	"ims/internal/ingress"
	"ims/internal/inventory"
	"ims/internal/keylock"
	"ims/internal/locate"
	"ims/internal/metrics"
	"ims/internal/position"
	"ims/internal/reliability"
	"ims/internal/repository"
	"ims/internal/rules"
	"ims/internal/scheduler"
	"ims/internal/server"
	"ims/internal/shortsell"
	"ims/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(appLogger)
	log.Info().
		Int("workers", cfg.WorkerPoolSize).
		Int("partitions", cfg.PartitionCount).
		Msg("starting inventory management engine")

	policies, err := config.LoadPolicies(cfg.MarketPolicyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load market policy")
	}

	calendars := make([]*clock.Calendar, 0, len(policies.Markets))
	for _, mp := range policies.Markets {
		calendars = append(calendars,
			clock.NewCalendar(mp.Market, mp.SettlementDays, mp.HolidayDates()))
	}
	clk := clock.NewSystem(calendars)

	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ims.db"),
		Profile: database.ProfileLedger,
		Name:    "ims",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open primary database")
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate primary database")
	}

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open cache database")
	}
	defer cacheDB.Close()
	if err := cacheDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate cache database")
	}

	stores := repository.NewStores(db.Conn())
	m := metrics.New()
	locks := keylock.New()
	availCache := cache.New(cfg.CacheTTL)
	diskCache := cache.NewStore(cacheDB.Conn())

	ruleEngine := rules.NewEngine(stores.Rules, policies.Rules, func(generation int64) {
		m.RuleSetVersion.Set(float64(generation))
	})
	if err := ruleEngine.Reload(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to compile initial rule set")
	}

	eventBus := bus.New(cfg.PartitionCount, cfg.HighWatermark, cfg.LowWatermark)

	positions := position.NewEngine(db, stores, locks, clk, m, cfg.PositionBudget)
	inv := inventory.NewEngine(db, stores, locks, clk, policies, ruleEngine,
		availCache, diskCache, m, cfg.InventoryBudget)
	locates := locate.NewWorkflow(db, stores, inv, ruleEngine, policies, clk,
		m, cfg.LocateBudget)
	validator := shortsell.NewValidator(db, stores, locks, availCache, clk,
		m, cfg.ShortSellBudget)

	dispatcher := ingress.NewDispatcher(eventBus, cfg, positions, inv, locates,
		stores, clk, m)
	publisher := egress.NewPublisher(eventBus, stores.Outbox, m)

	// Position writes invalidate and recompute the inventory slice for the
	// security before the next event on that partition runs, then nudge the
	// publisher so the outbox entry reaches egress without waiting for the
	// poll interval.
	positions.OnWrite(func(key domain.PositionKey) {
		recomputeCtx, cancel := context.WithTimeout(context.Background(), cfg.InventoryBudget)
		defer cancel()
		if err := inv.OnPositionChange(recomputeCtx, key.SecurityID, key.BusinessDate); err != nil {
			log.Warn().Err(err).
				Str("security", key.SecurityID).
				Msg("inventory recompute after position write failed")
		}
		publisher.Notify()
	})
	inv.OnCommit(publisher.Notify)
	locates.OnCommit(publisher.Notify)
	validator.OnCommit(publisher.Notify)

	archiver, err := reliability.NewArchiver(context.Background(), cfg, stores.DeadLetter)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise dead-letter archiver")
	}

	sched, err := scheduler.New(scheduler.Deps{
		Config:    cfg,
		DB:        db,
		CacheDB:   cacheDB,
		Stores:    stores,
		Locates:   locates,
		Rules:     ruleEngine,
		MemCache:  availCache,
		DiskCache: diskCache,
		Archiver:  archiver,
		Clock:     clk,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build scheduler")
	}

	httpServer := server.New(server.Config{
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		DB:        db,
		CacheDB:   cacheDB,
		Stores:    stores,
		Positions: positions,
		Inventory: inv,
		Validator: validator,
		Locates:   locates,
		Metrics:   m,
		Depths: func() map[string][]int {
			return map[string][]int{
				bus.TopicIngress: eventBus.Topic(bus.TopicIngress).Depth("dispatcher"),
			}
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
	publisher.Start(ctx)
	sched.Start()

	var feed *feeds.ExternalFeed
	if cfg.FeedEnabled {
		feed = feeds.NewExternalFeed(cfg.FeedURL, dispatcher, clk)
		feed.Start(ctx)
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- httpServer.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if feed != nil {
		feed.Stop()
	}
	dispatcher.Stop()
	publisher.Stop()
	sched.Stop()
	log.Info().Msg("engine stopped")
}
