package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"hybrid-sync-service/internal/cache"
	"hybrid-sync-service/internal/conn"
	"hybrid-sync-service/internal/logger"
)

// SchedulerOptions carries the periodic intervals. A zero interval disables
// that job.
type SchedulerOptions struct {
	HealthInterval time.Duration
	SyncInterval   time.Duration
	SweepInterval  time.Duration
}

// Scheduler drives the periodic work: health probes, optional sync passes
// while online, and cache expiry sweeps.
type Scheduler struct {
	opts    SchedulerOptions
	manager *conn.Manager
	engine  *Engine
	cache   *cache.Cache
	cron    *cron.Cron
}

func NewScheduler(opts SchedulerOptions, manager *conn.Manager, engine *Engine, cache *cache.Cache) *Scheduler {
	return &Scheduler{
		opts:    opts,
		manager: manager,
		engine:  engine,
		cache:   cache,
		cron:    cron.New(),
	}
}

func (s *Scheduler) Start() {
	if s.opts.HealthInterval > 0 {
		s.add(s.opts.HealthInterval, "health check", func() {
			s.manager.CheckHealth(context.Background())
		})
	}
	if s.opts.SyncInterval > 0 {
		s.add(s.opts.SyncInterval, "periodic sync", s.triggerSync)
	}
	if s.opts.SweepInterval > 0 && s.cache != nil {
		s.add(s.opts.SweepInterval, "cache sweep", func() {
			removed, err := s.cache.Sweep(context.Background())
			if err != nil {
				logger.Log.Error("Cache sweep failed", zap.Error(err))
				return
			}
			if removed > 0 {
				logger.Log.Debug("Cache sweep", zap.Int("removed", removed))
			}
		})
	}
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) add(interval time.Duration, name string, job func()) {
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		logger.Log.Error("Failed to schedule job",
			zap.String("job", name),
			zap.Error(err),
		)
		return
	}
	logger.Log.Info("Scheduled job",
		zap.String("job", name),
		zap.Duration("interval", interval),
	)
}

func (s *Scheduler) triggerSync() {
	if s.engine.Syncing() {
		logger.Log.Debug("Sync already running, skipping scheduled run")
		return
	}
	if s.manager.State() == conn.StateOffline {
		return
	}
	if err := s.engine.Sync(context.Background()); err != nil {
		logger.Log.Error("Scheduled sync failed", zap.Error(err))
	}
}
