package multipart

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cofferfs/coffer/internal/metadata"
)

// Sweeper is the background janitor for multipart sessions: it aborts
// sessions idle past the configured timeout and prunes terminal
// tombstones past their retention window.
type Sweeper struct {
	coordinator *Coordinator
	config      Config
	logger      *logrus.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper creates a sweeper bound to a coordinator.
func NewSweeper(coordinator *Coordinator, config Config, logger *logrus.Logger) *Sweeper {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sweeper{
		coordinator: coordinator,
		config:      config.withDefaults(),
		logger:      logger,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	go s.run()
	s.logger.WithFields(logrus.Fields{
		"interval":     s.config.SweepInterval,
		"idle_timeout": s.config.IdleTimeout,
	}).Info("Multipart sweeper started")
}

// Stop shuts the loop down and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep makes one pass over every session. Exported so a sweep can be
// forced (tests, admin tooling).
func (s *Sweeper) Sweep(ctx context.Context) {
	uploads, err := s.coordinator.store.ListAllUploads(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Sweep failed to list sessions")
		return
	}

	now := time.Now()
	var aborted, pruned int
	for _, upload := range uploads {
		switch {
		case upload.Terminal():
			if now.Sub(upload.UpdatedAt) < s.config.TombstoneRetention {
				continue
			}
			if err := s.pruneTombstone(ctx, upload); err != nil {
				s.logger.WithError(err).WithField("upload_id", upload.UploadID).Warn("Failed to prune tombstone")
				continue
			}
			pruned++

		case s.config.IdleTimeout > 0 && now.Sub(upload.UpdatedAt) >= s.config.IdleTimeout:
			if err := s.coordinator.Abort(ctx, upload.UploadID); err != nil {
				s.logger.WithError(err).WithField("upload_id", upload.UploadID).Warn("Failed to abort idle session")
				continue
			}
			aborted++
		}
	}

	if aborted > 0 || pruned > 0 {
		s.logger.WithFields(logrus.Fields{
			"aborted": aborted,
			"pruned":  pruned,
		}).Info("Multipart sweep finished")
	}
}

// pruneTombstone removes a terminal session record for good. Taken
// under the session's exclusive lock so a concurrent replayed complete
// never reads a half-deleted record.
func (s *Sweeper) pruneTombstone(ctx context.Context, upload *metadata.UploadMetadata) error {
	lock := s.coordinator.sessionLock(upload.UploadID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.coordinator.store.DeleteUpload(ctx, upload.UploadID); err != nil {
		return err
	}
	s.coordinator.sessionLocks.Delete(upload.UploadID)
	s.coordinator.dropPartLocks(upload.UploadID)
	return nil
}
