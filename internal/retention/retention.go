// Package retention trims aged usage records on a fixed schedule.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cortexgw/cortex/internal/store"
)

// Janitor deletes usage rows older than the retention window.
type Janitor struct {
	store    store.UsageStore
	days     int
	interval time.Duration
	now      func() time.Time
}

// New builds a janitor. days <= 0 disables trimming entirely.
func New(s store.UsageStore, days int) *Janitor {
	return &Janitor{
		store:    s,
		days:     days,
		interval: 6 * time.Hour,
		now:      time.Now,
	}
}

// Sweep deletes one batch and returns how many rows went.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	if j.days <= 0 {
		return 0, nil
	}
	cutoff := j.now().UTC().AddDate(0, 0, -j.days)
	return j.store.DeleteUsageBefore(ctx, cutoff)
}

// Run sweeps on startup and then periodically until the context ends.
func (j *Janitor) Run(ctx context.Context) {
	if j.days <= 0 {
		log.Info().Msg("Usage retention disabled")
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		removed, err := j.Sweep(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Usage retention sweep failed")
		} else if removed > 0 {
			log.Info().Int64("removed", removed).Int("retention_days", j.days).
				Msg("Trimmed aged usage records")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
