package daemon

import (
	"context"
	"time"

	intsync "github.com/mkalil/smsync/internal/sync"
	"go.uber.org/zap"
)

// Scheduler periodically synchronizes every configured DID. The engine
// never retries internally; the next tick is the retry policy.
type Scheduler struct {
	engine   *intsync.Engine
	dids     []string
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewScheduler creates a periodic sync scheduler.
func NewScheduler(engine *intsync.Engine, dids []string, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		engine:   engine,
		dids:     dids,
		interval: interval,
		logger:   logger,
	}
}

// Start runs an immediate sync and then ticks at the configured interval.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the scheduler. An in-flight sync runs to completion.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	s.syncAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.syncAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) syncAll(ctx context.Context) {
	for _, did := range s.dids {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.engine.Synchronize(ctx, did); err != nil {
			s.logger.Error("scheduled sync failed", zap.String("did", did), zap.Error(err))
		}
	}
}
