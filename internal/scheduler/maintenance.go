package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/store"
)

// DefaultRetention is how long terminal messages and jobs are kept before
// the nightly reaper removes them.
const DefaultRetention = 7 * 24 * time.Hour

// Reaper runs cron-based maintenance against the store. Currently its only
// task is purging terminal rows past the retention window.
type Reaper struct {
	cron      *cron.Cron
	st        store.Store
	retention time.Duration
}

// NewReaper creates and starts a cron scheduler for store maintenance.
func NewReaper(st store.Store, retention time.Duration) *Reaper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Reaper{cron: c, st: st, retention: retention}
}

// Schedule registers the retention purge at the given cron expression.
// It returns an error if the expression is invalid.
func (r *Reaper) Schedule(expr string) error {
	_, err := r.cron.AddFunc(expr, r.Purge)
	return err
}

// Purge deletes terminal messages and jobs older than the retention window.
func (r *Reaper) Purge() {
	cutoff := time.Now().Add(-r.retention)

	msgs, err := r.st.DeleteTerminalMessagesBefore(cutoff)
	if err != nil {
		slog.Error("Reaper.Purge: message purge failed", "error", err)
	}
	jobs, err := r.st.DeleteTerminalJobsBefore(cutoff)
	if err != nil {
		slog.Error("Reaper.Purge: job purge failed", "error", err)
	}
	if msgs > 0 || jobs > 0 {
		slog.Info("Reaper.Purge: removed terminal rows", "messages", msgs, "jobs", jobs, "cutoff", cutoff)
	}
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (r *Reaper) Stop() {
	r.cron.Stop()
}
