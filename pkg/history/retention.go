package history

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Retainer runs the daily prune job.
type Retainer struct {
	cron   *cron.Cron
	store  *Store
	days   int
	logger zerolog.Logger
}

// NewRetainer schedules a nightly prune of days older than
// retentionDays. Call Start to begin and Stop to shut down.
func NewRetainer(store *Store, retentionDays int, logger zerolog.Logger) (*Retainer, error) {
	r := &Retainer{cron: cron.New(), store: store, days: retentionDays, logger: logger}
	_, err := r.cron.AddFunc("0 3 * * *", r.prune)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Retainer) prune() {
	if _, err := r.store.PruneOlderThan(r.days); err != nil {
		r.logger.Error().Err(err).Msg("history retention job failed")
	}
}

// Start launches the scheduler and runs one prune immediately so a
// long-stopped process catches up without waiting for 3am.
func (r *Retainer) Start() {
	r.prune()
	r.cron.Start()
}

// Stop halts the scheduler.
func (r *Retainer) Stop() {
	r.cron.Stop()
}
