// Package sweep runs the periodic background maintenance the authority
// needs: demo tenant purges, stale impersonation force-closes and expired
// session cleanup.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/demo"
	"github.com/tillgate/tillgate/internal/impersonation"
)

// demoSweepBatch caps how many expired sandboxes one pass purges.
const demoSweepBatch = 25

// SessionStore deletes dead session rows.
type SessionStore interface {
	DeleteExpiredSessions(ctx context.Context) (int64, error)
}

// Scheduler runs the maintenance crons.
type Scheduler struct {
	demo     *demo.Manager
	broker   *impersonation.Broker
	sessions SessionStore
	interval time.Duration
	cron     *cron.Cron
	logger   zerolog.Logger
	mu       sync.Mutex
	running  bool
}

// NewScheduler creates a Scheduler sweeping at the given interval.
func NewScheduler(demoMgr *demo.Manager, broker *impersonation.Broker, sessions SessionStore, interval time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		demo:     demoMgr,
		broker:   broker,
		sessions: sessions,
		interval: interval,
		cron:     cron.New(),
		logger:   logger.With().Str("component", "sweep").Logger(),
	}
}

// Start begins the periodic sweeps.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("sweep scheduler already running")
	}

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), s.run); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().Dur("interval", s.interval).Msg("sweep scheduler started")
	return nil
}

// Stop stops the scheduler gracefully.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping sweep scheduler")
	return s.cron.Stop()
}

// run executes one maintenance pass. Each job is independent; a failure
// in one never blocks the others.
func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	if err := s.demo.Sweep(ctx, demoSweepBatch); err != nil {
		s.logger.Error().Err(err).Msg("demo sweep failed")
	}

	if err := s.broker.ForceCloseStale(ctx); err != nil {
		s.logger.Error().Err(err).Msg("impersonation force close failed")
	}

	deleted, err := s.sessions.DeleteExpiredSessions(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("session cleanup failed")
	} else if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Msg("expired sessions cleaned up")
	}
}
