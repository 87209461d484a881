package store

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Sweeper periodically removes sender states that have been idle longer
// than the retention period.
type Sweeper struct {
	db        *DB
	retention time.Duration
	log       waLog.Logger
	cron      *cron.Cron

	// OnSweep, when set, is called after every successful run.
	OnSweep func(purged int64)
}

func NewSweeper(db *DB, retention time.Duration, log waLog.Logger) *Sweeper {
	if log == nil {
		log = waLog.Noop
	}
	return &Sweeper{db: db, retention: retention, log: log, cron: cron.New()}
}

// Start schedules the sweep with a cron spec such as "@every 1h" or "0 30 3 * * *".
func (s *Sweeper) Start(spec string) error {
	if s.retention <= 0 {
		s.log.Infof("Retention disabled, not scheduling sweeper")
		return nil
	}
	err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Errorf("Retention sweep failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	s.cron.Stop()
}

// RunOnce purges idle senders now and returns how many were removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.db.now().Add(-s.retention)
	n, err := s.db.PurgeIdle(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Infof("Purged %d sender states idle since before %s", n, cutoff.Format(time.RFC3339))
	} else {
		s.log.Debugf("No sender states idle since before %s", cutoff.Format(time.RFC3339))
	}
	if s.OnSweep != nil {
		s.OnSweep(n)
	}
	return n, nil
}
