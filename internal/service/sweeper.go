package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type inactivePurger interface {
	PurgeInactive(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Sweeper periodically purges durable records of inactive sessions
type Sweeper struct {
	purger    inactivePurger
	interval  time.Duration
	threshold time.Duration
}

// NewSweeper creates a sweeper. A non-positive interval disables it.
func NewSweeper(purger inactivePurger, interval, threshold time.Duration) *Sweeper {
	return &Sweeper{
		purger:    purger,
		interval:  interval,
		threshold: threshold,
	}
}

// Run sweeps on every tick until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		log.Info().Msg("inactive session sweeper disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.purger.PurgeInactive(ctx, s.threshold); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("inactive session sweep failed")
			}
		}
	}
}
