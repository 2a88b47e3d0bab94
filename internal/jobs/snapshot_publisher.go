// Package jobs holds the service's background loops.
package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flexstake/flexstake-backend/internal/calc"
	"github.com/flexstake/flexstake-backend/internal/engine"
	"github.com/flexstake/flexstake-backend/internal/repository"
	"github.com/flexstake/flexstake-backend/internal/store"
)

// SnapshotPublisher periodically reads the pool state, refreshes the cache,
// publishes the snapshot to pub/sub and persists it for history.
type SnapshotPublisher struct {
	engine *engine.Engine
	cache  *store.Cache
	repo   *repository.Repository // optional
	logger *zap.SugaredLogger

	interval time.Duration
	cancel   context.CancelFunc
}

func NewSnapshotPublisher(
	eng *engine.Engine,
	cache *store.Cache,
	repo *repository.Repository,
	logger *zap.SugaredLogger,
	interval time.Duration,
) *SnapshotPublisher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SnapshotPublisher{
		engine:   eng,
		cache:    cache,
		repo:     repo,
		logger:   logger,
		interval: interval,
	}
}

func (p *SnapshotPublisher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Infow("Starting snapshot publisher", "interval", p.interval)

	// Publish once immediately so the cache is warm before the first tick.
	p.publish(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Infow("Snapshot publisher stopping")
			return ctx.Err()
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

func (p *SnapshotPublisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *SnapshotPublisher) publish(ctx context.Context) {
	snap := p.engine.Snapshot()
	view := store.PoolSnapshotViewFrom(snap)

	if err := p.cache.SetPoolSnapshot(ctx, view); err != nil {
		p.logger.Warnw("Failed to cache pool snapshot", "error", err)
	}

	apr := store.PoolAPRView{
		Now:        snap.Now,
		AprPercent: calc.EmissionAPR(p.engine.CurrentRate(), snap.TotalStaked).String(),
	}
	if err := p.cache.SetPoolAPR(ctx, apr); err != nil {
		p.logger.Warnw("Failed to cache pool APR", "error", err)
	}

	if err := p.cache.Publish(ctx, store.KeyPoolSnapshot, view); err != nil {
		p.logger.Warnw("Failed to publish pool snapshot", "error", err)
	}

	if p.repo != nil {
		if err := p.repo.StorePoolSnapshot(ctx, snap); err != nil {
			p.logger.Warnw("Failed to persist pool snapshot", "error", err)
		}
	}
}
