// Package lifecycle drives the periodic migrate, restore and expiry passes.
// Passes coordinate across processes through advisory locks on well-known
// files in the logs directory and remember their last successful run in
// timestamp marker files next to them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/coldtier/internal/glacier"
	"github.com/tunnelmesh/coldtier/internal/metrics"
	"github.com/tunnelmesh/coldtier/internal/nativefs"
)

// Lock files.
const (
	ClusterLock = "cluster.lock"
	ScanLock    = "scan.lock"
)

// Timestamp marker files.
const (
	MigrateTimestamp = "migrate.timestamp"
	RestoreTimestamp = "restore.timestamp"
	ExpiryTimestamp  = "expiry.timestamp"
)

// DefaultTickInterval is how often Run evaluates the passes.
const DefaultTickInterval = time.Minute

// Pass names used in logs and metrics.
const (
	PassMigrate = "migrate"
	PassRestore = "restore"
	PassExpiry  = "expiry"
)

// Config configures a Scheduler.
type Config struct {
	LogsDir         string
	MigrateInterval time.Duration
	RestoreInterval time.Duration
	ExpiryInterval  time.Duration
	TickInterval    time.Duration

	Now     func() time.Time
	Logger  zerolog.Logger
	Metrics *metrics.TieringMetrics
}

// Scheduler decides when each pass runs and serialises passes through the
// cluster and scan locks.
type Scheduler struct {
	cfg     Config
	fs      nativefs.FS
	backend glacier.Backend
	logger  zerolog.Logger
}

// New creates a scheduler for backend.
func New(cfg Config, fsys nativefs.FS, backend glacier.Backend) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if fsys == nil {
		fsys = nativefs.NewLocal()
	}
	return &Scheduler{
		cfg:     cfg,
		fs:      fsys,
		backend: backend,
		logger:  cfg.Logger.With().Str("component", "lifecycle").Str("backend", backend.Name()).Logger(),
	}
}

// ProcessMigrations runs a migrate pass when free space is low or the
// migrate interval elapsed.
func (s *Scheduler) ProcessMigrations(ctx context.Context) error {
	return s.LockAndRun(ClusterLock, func() error {
		low, err := s.backend.LowFreeSpace(ctx)
		if err != nil {
			return fmt.Errorf("probe free space: %w", err)
		}
		exceeded, err := s.TimeExceeded(s.cfg.MigrateInterval, MigrateTimestamp)
		if err != nil {
			return err
		}
		if !low && !exceeded {
			s.skipped(PassMigrate, "interval not elapsed")
			return nil
		}

		if err := s.backend.Migrate(ctx); err != nil {
			return err
		}
		return s.completed(PassMigrate, MigrateTimestamp)
	})
}

// ProcessRestores runs a restore pass when the restore interval elapsed and
// free space is not low. The restore topic is drained twice to pick up
// entries requeued or enqueued during the first drain.
func (s *Scheduler) ProcessRestores(ctx context.Context) error {
	return s.LockAndRun(ClusterLock, func() error {
		low, err := s.backend.LowFreeSpace(ctx)
		if err != nil {
			return fmt.Errorf("probe free space: %w", err)
		}
		if low {
			s.skipped(PassRestore, "low free space")
			return nil
		}
		exceeded, err := s.TimeExceeded(s.cfg.RestoreInterval, RestoreTimestamp)
		if err != nil {
			return err
		}
		if !exceeded {
			s.skipped(PassRestore, "interval not elapsed")
			return nil
		}

		for i := 0; i < 2; i++ {
			if err := s.backend.Restore(ctx); err != nil {
				return err
			}
		}
		return s.completed(PassRestore, RestoreTimestamp)
	})
}

// ProcessExpiry runs an expiry pass when the expiry interval elapsed. It
// holds the scan lock, so it may overlap migrate and restore passes.
func (s *Scheduler) ProcessExpiry(ctx context.Context) error {
	return s.LockAndRun(ScanLock, func() error {
		exceeded, err := s.TimeExceeded(s.cfg.ExpiryInterval, ExpiryTimestamp)
		if err != nil {
			return err
		}
		if !exceeded {
			s.skipped(PassExpiry, "interval not elapsed")
			return nil
		}

		if err := s.backend.Expiry(ctx); err != nil {
			return err
		}
		return s.completed(PassExpiry, ExpiryTimestamp)
	})
}

// TimeExceeded reports whether interval has passed since the time recorded
// in marker. A missing marker counts as exceeded.
func (s *Scheduler) TimeExceeded(interval time.Duration, marker string) (bool, error) {
	last, err := s.LastRun(marker)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, err
	}
	return last.Add(interval).Before(s.cfg.Now()), nil
}

// LastRun returns the time recorded in marker.
func (s *Scheduler) LastRun(marker string) (time.Time, error) {
	path := filepath.Join(s.cfg.LogsDir, marker)
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return t, nil
}

// RecordCurrentTime stores now in marker.
func (s *Scheduler) RecordCurrentTime(marker string) error {
	now := s.cfg.Now().UTC().Format(time.RFC3339Nano)
	return s.fs.WriteFile(filepath.Join(s.cfg.LogsDir, marker), []byte(now), 0644)
}

// LockAndRun runs fn while holding an exclusive lock on the named lock
// file, blocking until the lock is available.
func (s *Scheduler) LockAndRun(name string, fn func() error) error {
	f, err := s.fs.Open(filepath.Join(s.cfg.LogsDir, name), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open lock %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	if err := f.Lock(nativefs.LockExclusive, true); err != nil {
		return fmt.Errorf("lock %s: %w", name, err)
	}
	return fn()
}

// Run evaluates every pass each TickInterval until ctx is cancelled.
// A failing pass is logged and retried on a later tick.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.fs.MkdirAll(s.cfg.LogsDir, 0755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	s.logger.Info().Dur("tick", s.cfg.TickInterval).Msg("Lifecycle scheduler started")

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Lifecycle scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	passes := []struct {
		name string
		fn   func(context.Context) error
	}{
		{PassExpiry, s.ProcessExpiry},
		{PassMigrate, s.ProcessMigrations},
		{PassRestore, s.ProcessRestores},
	}
	for _, p := range passes {
		if ctx.Err() != nil {
			return
		}
		if err := p.fn(ctx); err != nil {
			s.logger.Error().Err(err).Str("pass", p.name).Msg("Lifecycle pass failed")
			s.cfg.Metrics.RecordPass(p.name, "failed")
		}
	}
}

func (s *Scheduler) skipped(pass, reason string) {
	s.logger.Debug().Str("pass", pass).Str("reason", reason).Msg("Skipping lifecycle pass")
	s.cfg.Metrics.RecordPass(pass, "skipped")
}

func (s *Scheduler) completed(pass, marker string) error {
	if err := s.RecordCurrentTime(marker); err != nil {
		return fmt.Errorf("record %s: %w", marker, err)
	}
	s.logger.Info().Str("pass", pass).Msg("Lifecycle pass completed")
	s.cfg.Metrics.RecordPass(pass, "ran")
	s.cfg.Metrics.SetLastRun(pass, float64(s.cfg.Now().Unix()))
	return nil
}
