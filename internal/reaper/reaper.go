// Package reaper sweeps stale upload sessions and reclaims orphaned chunk
// data. Failures here are logged and swallowed: no user is waiting on
// cleanup.
package reaper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/resilient-storage/uploader/internal/models"
	"github.com/resilient-storage/uploader/internal/session"
)

// Reaper periodically expires uploading sessions idle longer than the TTL
// and purges retained chunk data of failed sessions past their retention
// window. It holds no lock across a scan; the session manager acquires the
// per-session lock only when acting on a specific session.
type Reaper struct {
	manager         *session.Manager
	interval        time.Duration
	sessionTTL      time.Duration
	failedRetention time.Duration
	log             *logrus.Entry

	stop chan struct{}
	done chan struct{}
}

// New creates a reaper.
func New(manager *session.Manager, interval, sessionTTL, failedRetention time.Duration, log *logrus.Logger) *Reaper {
	return &Reaper{
		manager:         manager,
		interval:        interval,
		sessionTTL:      sessionTTL,
		failedRetention: failedRetention,
		log:             log.WithField("component", "reaper"),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start runs one sweep immediately, then sweeps on the configured interval
// until Stop is called.
func (r *Reaper) Start() {
	go func() {
		defer close(r.done)

		r.Sweep(context.Background())

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.Sweep(context.Background())
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

// Sweep runs one pass over stale sessions. Exported for one-shot use.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	stale, err := r.manager.Store().ListStale(ctx, models.StatusUploading, now.Add(-r.sessionTTL))
	if err != nil {
		r.log.WithError(err).Error("failed to list stale sessions")
	} else {
		for _, s := range stale {
			if err := r.manager.Expire(ctx, s.FileID); err != nil {
				r.log.WithField("file_id", s.FileID).WithError(err).Warn("failed to expire session")
			}
		}
		if len(stale) > 0 {
			r.log.WithField("count", len(stale)).Info("expired stale upload sessions")
		}
	}

	failed, err := r.manager.Store().ListStale(ctx, models.StatusFailed, now.Add(-r.failedRetention))
	if err != nil {
		r.log.WithError(err).Error("failed to list failed sessions")
		return
	}
	for _, s := range failed {
		r.manager.PurgeFailed(ctx, s.FileID)
	}
}
