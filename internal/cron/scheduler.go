// Package cron runs the periodic reaper that removes expired pairing
// requests and wallet pairing codes.
package cron

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/lattice-run/convoy/internal/store"
)

const defaultSpec = "@every 30s"

// Config holds the dependencies for the reaper scheduler.
type Config struct {
	Store  *store.Store
	Logger *slog.Logger
	// Spec is a robfig/cron schedule spec. Defaults to every 30s, which
	// keeps the reap interval well under a minute.
	Spec string
}

// Scheduler periodically reaps expired pairing requests and wallet codes.
type Scheduler struct {
	store  *store.Store
	logger *slog.Logger
	spec   string
	cron   *cronlib.Cron
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	spec := cfg.Spec
	if spec == "" {
		spec = defaultSpec
	}
	return &Scheduler{
		store:  cfg.Store,
		logger: logger,
		spec:   spec,
	}
}

// Start begins the reaper loop in the background. It runs one reap pass
// immediately, then on the configured schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cronlib.New()
	_, err := s.cron.AddFunc(s.spec, func() { s.reap(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("pairing reaper started", "spec", s.spec)
	go s.reap(ctx)
	return nil
}

// Stop halts the reaper loop and waits for any in-flight run to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("pairing reaper stopped")
}

func (s *Scheduler) reap(ctx context.Context) {
	pairingReaped, walletReaped, err := s.store.ReapExpired(ctx, time.Now())
	if err != nil {
		s.logger.Error("pairing reaper: reap failed", "error", err)
		return
	}
	if pairingReaped > 0 || walletReaped > 0 {
		s.logger.Info("pairing reaper: removed expired rows",
			"pairing_requests", pairingReaped,
			"wallet_codes", walletReaped,
		)
	}
}
