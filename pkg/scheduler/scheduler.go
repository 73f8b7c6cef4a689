// Package scheduler implements the Scheduler (C13): ticker-driven
// periodic invocation of backup waves and retention sweeps, running
// until a shutdown signal is received.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/vaultkeeper/pkg/log"
	"github.com/rs/zerolog"
)

// BackupRunner is the capability the Scheduler needs from the Backup
// Manager; satisfied by *manager.Manager.
type BackupRunner interface {
	Run(ctx context.Context, serviceNames []string) (map[string]bool, error)
	RunRetentionOnly(ctx context.Context) (int, error)
}

// Config controls the scheduler's cadence.
type Config struct {
	BackupInterval    time.Duration
	RetentionInterval time.Duration
	RunInitialBackup  bool
}

// Scheduler runs backup waves and retention sweeps on independent
// tickers until stopped.
type Scheduler struct {
	mgr    BackupRunner
	cfg    Config
	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Scheduler bound to mgr.
func New(mgr BackupRunner, cfg Config) *Scheduler {
	return &Scheduler{
		mgr:    mgr,
		cfg:    cfg,
		logger: log.WithComponent("scheduler"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// ParseInterval parses a scheduler interval of the form "<int>h".
func ParseInterval(s string) (time.Duration, error) {
	var hours int
	if _, err := fmt.Sscanf(s, "%dh", &hours); err != nil {
		return 0, fmt.Errorf("invalid interval %q, expected format <int>h: %w", s, err)
	}
	if hours <= 0 {
		return 0, fmt.Errorf("invalid interval %q: must be positive", s)
	}
	return time.Duration(hours) * time.Hour, nil
}

// Run starts the scheduler loop and blocks until a shutdown signal
// (SIGINT/SIGTERM) or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	go s.loop(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		s.logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
		s.logger.Info().Msg("context cancelled")
	}

	s.Stop()
	<-s.doneCh
}

// Stop requests the scheduler loop to exit; safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
		// already stopped
	default:
		close(s.stopCh)
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	backupTicker := time.NewTicker(s.cfg.BackupInterval)
	defer backupTicker.Stop()
	retentionTicker := time.NewTicker(s.cfg.RetentionInterval)
	defer retentionTicker.Stop()

	s.logger.Info().
		Dur("backup_interval", s.cfg.BackupInterval).
		Dur("retention_interval", s.cfg.RetentionInterval).
		Msg("scheduler started")

	s.runRetention(ctx)
	if s.cfg.RunInitialBackup {
		s.runBackup(ctx)
	}

	for {
		select {
		case <-backupTicker.C:
			s.runBackup(ctx)
		case <-retentionTicker.C:
			s.runRetention(ctx)
		case <-s.stopCh:
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler context done")
			return
		}
	}
}

func (s *Scheduler) runBackup(ctx context.Context) {
	s.logger.Info().Msg("scheduled backup wave starting")
	results, err := s.mgr.Run(ctx, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled backup wave failed")
		return
	}
	succeeded := 0
	for _, ok := range results {
		if ok {
			succeeded++
		}
	}
	s.logger.Info().Int("succeeded", succeeded).Int("total", len(results)).Msg("scheduled backup wave complete")
}

func (s *Scheduler) runRetention(ctx context.Context) {
	s.logger.Info().Msg("scheduled retention sweep starting")
	deleted, err := s.mgr.RunRetentionOnly(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled retention sweep failed")
		return
	}
	s.logger.Info().Int("deleted", deleted).Msg("scheduled retention sweep complete")
}
