// Package sweeper evicts expired holds in the background.
package sweeper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"cinema-seats/showkey"
)

// Expirer is implemented by the reservation engine.
type Expirer interface {
	ShowsWithHolds() []showkey.Key
	// ExpireShow evicts the lapsed holds of one show, broadcasting when any
	// were removed.
	ExpireShow(ctx context.Context, key showkey.Key) (int, error)
}

// Sweeper visits every show with holds once per interval. Each show is
// locked only while its own holds are examined.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func New(expirer Expirer, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		expirer:  expirer,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs until ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("expiry sweeper started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.doneCh)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped (context cancelled)")
			return
		case <-s.stopCh:
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Stop ends a running Start and waits for it to return.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Sweep runs one pass and returns how many holds were evicted. A failing
// show is logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) int {
	total := 0
	for _, key := range s.expirer.ShowsWithHolds() {
		if ctx.Err() != nil {
			break
		}
		n, err := s.expirer.ExpireShow(ctx, key)
		if err != nil {
			s.logger.Error("failed to expire holds", zap.String("show_key", key.String()), zap.Error(err))
			continue
		}
		if n > 0 {
			s.logger.Debug("expired holds", zap.String("show_key", key.String()), zap.Int("count", n))
		}
		total += n
	}

	if total > 0 {
		s.logger.Info("sweep released expired holds", zap.Int("count", total))
	}
	return total
}
