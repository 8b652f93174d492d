package service

import (
	"context"
	"time"

	"github.com/developingchet/bastion-access/internal/access"
	"github.com/developingchet/bastion-access/internal/lease"
	"github.com/developingchet/bastion-access/internal/metrics"
	"github.com/developingchet/bastion-access/internal/storage"
	"github.com/rs/zerolog"
)

// Janitor fires due schedules held by the local backend. Each schedule is
// deleted after it fires, whether or not the removal succeeded.
type Janitor struct {
	store    storage.Store
	removal  *access.RemovalProcessor
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// NewJanitor creates a Janitor.
func NewJanitor(store storage.Store, removal *access.RemovalProcessor, interval time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:    store,
		removal:  removal,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	due, err := j.store.DueSchedules(j.now())
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: list due schedules failed")
		return
	}

	for _, rec := range due {
		name := rec.Schedule.Name
		log := j.log.With().Str("schedule", name).Str("schedule_id", rec.ID).Logger()

		ev, err := lease.ParseEvent(rec.Schedule.Input)
		if err != nil {
			log.Error().Err(err).Msg("janitor: undecodable schedule input")
		} else if err := j.removal.Handle(ctx, ev); err != nil {
			log.Error().Err(err).Msg("janitor: scheduled removal failed")
		} else {
			log.Info().Msg("janitor: schedule fired")
		}

		deleted, err := j.store.DeleteSchedule(name, rec.ID)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("janitor: delete fired schedule failed")
		case !deleted:
			log.Info().Msg("janitor: schedule replaced while firing; keeping the new one")
		}
	}

	if all, err := j.store.ListSchedules(); err == nil {
		metrics.PendingSchedules.Set(float64(len(all)))
	}
	j.log.Debug().Int("fired", len(due)).Msg("janitor: tick complete")
}
