package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/halcyonlabs/mfad/internal/engine/challenge"
)

// HousekeepingService periodically removes expired challenge records so
// abandoned authentication transactions do not accumulate. Per-serial
// cleanup still happens inline after every response check; this sweep
// catches transactions that never saw a response.
type HousekeepingService struct {
	Challenges *challenge.Manager
	Logger     *slog.Logger
	Interval   time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeepingService creates a new housekeeping service with the given
// interval. If interval is 0 or negative, defaults to 1 minute.
func NewHousekeepingService(challenges *challenge.Manager, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = time.Minute
	}

	return &HousekeepingService{
		Challenges: challenges,
		Logger:     logger,
		Interval:   interval,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the background worker. Non-blocking; call Stop() for a
// graceful shutdown.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop shuts down the background worker. Blocks until any in-progress
// sweep has finished.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.sweep()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *HousekeepingService) sweep() {
	if err := s.Challenges.SweepExpired(context.Background()); err != nil {
		s.Logger.Error("failed to sweep expired challenges", "error", err)
		return
	}
	s.Logger.Debug("swept expired challenges")
}
