// Package scheduler runs the periodic maintenance jobs: locate expiry,
// dedup and cache purges, WAL checkpoints and dead-letter archiving.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ims/internal/cache"
	"ims/internal/clock"
	"ims/internal/config"
	"ims/internal/database"
	"ims/internal/locate"
	"ims/internal/reliability"
	"ims/internal/repository"
	"ims/internal/rules"
)

// Scheduler owns the cron runner.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

// Deps are the subsystems the jobs act on. Archiver may be nil when
// archiving is disabled.
type Deps struct {
	Config    *config.Config
	DB        *database.DB
	CacheDB   *database.DB
	Stores    *repository.Stores
	Locates   *locate.Workflow
	Rules     *rules.Engine
	MemCache  *cache.Cache
	DiskCache *cache.Store
	Archiver  *reliability.Archiver
	Clock     clock.Clock
}

// New builds the scheduler with every job registered.
func New(deps Deps) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		logger: log.With().Str("component", "scheduler").Logger(),
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{
			name: "locate-expiry-sweep",
			spec: fmt.Sprintf("@every %s", deps.Config.LocateSweep),
			run: func(ctx context.Context) {
				count, err := deps.Locates.ExpireSweep(ctx)
				if err != nil {
					s.logger.Error().Err(err).Msg("locate expiry sweep failed")
					return
				}
				if count > 0 {
					s.logger.Info().Int("expired", count).Msg("locates expired")
				}
			},
		},
		{
			name: "dedup-purge",
			spec: "@hourly",
			run: func(ctx context.Context) {
				cutoff := deps.Clock.Now().Add(-deps.Config.DedupWindow)
				purged, err := deps.Stores.Dedup.PurgeBefore(ctx, cutoff)
				if err != nil {
					s.logger.Error().Err(err).Msg("dedup purge failed")
					return
				}
				s.logger.Debug().Int64("purged", purged).Msg("dedup window purged")
			},
		},
		{
			name: "cache-purge",
			spec: "@every 5m",
			run: func(ctx context.Context) {
				dropped := deps.MemCache.PurgeExpired()
				spilled, err := deps.DiskCache.PurgeExpired(ctx)
				if err != nil {
					s.logger.Error().Err(err).Msg("cache store purge failed")
				}
				s.logger.Debug().
					Int("memory", dropped).
					Int64("disk", spilled).
					Msg("cache purged")
			},
		},
		{
			name: "outbox-purge",
			spec: "@daily",
			run: func(ctx context.Context) {
				cutoff := deps.Clock.Now().Add(-7 * 24 * time.Hour)
				purged, err := deps.Stores.Outbox.PurgePublishedBefore(ctx, cutoff)
				if err != nil {
					s.logger.Error().Err(err).Msg("outbox purge failed")
					return
				}
				s.logger.Debug().Int64("purged", purged).Msg("published outbox entries purged")
			},
		},
		{
			name: "wal-checkpoint",
			spec: "@hourly",
			run: func(ctx context.Context) {
				if err := deps.DB.WALCheckpoint("TRUNCATE"); err != nil {
					s.logger.Error().Err(err).Msg("wal checkpoint failed")
				}
				if err := deps.CacheDB.WALCheckpoint("TRUNCATE"); err != nil {
					s.logger.Error().Err(err).Msg("cache wal checkpoint failed")
				}
			},
		},
		{
			name: "rules-reload",
			spec: "@every 5m",
			run: func(ctx context.Context) {
				if err := deps.Rules.Reload(ctx); err != nil {
					s.logger.Error().Err(err).Msg("rule reload failed")
				}
			},
		},
	}

	if deps.Archiver != nil {
		jobs = append(jobs, struct {
			name string
			spec string
			run  func(context.Context)
		}{
			name: "dead-letter-archive",
			spec: "@hourly",
			run: func(ctx context.Context) {
				count, err := deps.Archiver.Run(ctx)
				if err != nil {
					s.logger.Error().Err(err).Msg("dead-letter archive failed")
					return
				}
				if count > 0 {
					s.logger.Info().Int("archived", count).Msg("dead letters archived")
				}
			},
		})
	}

	for _, job := range jobs {
		job := job
		_, err := s.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			job.run(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}
	return s, nil
}

// Start launches the cron runner.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("scheduler started")
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
