package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/coldtier/internal/config"
	"github.com/tunnelmesh/coldtier/internal/fsqueue"
	"github.com/tunnelmesh/coldtier/internal/glacier"
	"github.com/tunnelmesh/coldtier/internal/lifecycle"
	"github.com/tunnelmesh/coldtier/internal/metrics"
	"github.com/tunnelmesh/coldtier/internal/nativefs"
)

// app wires the tiering components from configuration.
type app struct {
	cfg       *config.Config
	fs        nativefs.FS
	metrics   *metrics.TieringMetrics
	queue     *fsqueue.Queue
	backend   glacier.Backend
	scheduler *lifecycle.Scheduler
}

// newApp builds the components. m may be nil for one-shot commands.
func newApp(cfg *config.Config, m *metrics.TieringMetrics) (*app, error) {
	fsys := nativefs.NewLocal()
	logger := log.Logger

	for _, dir := range []string{cfg.DataDir, cfg.Queue.Dir, cfg.Glacier.LogsDir} {
		if err := fsys.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	queue := fsqueue.New(fsqueue.Config{
		Dir:            cfg.Queue.Dir,
		FS:             fsys,
		PollInterval:   cfg.Queue.PollIntervalDuration(),
		DisableLocking: cfg.Queue.DisableLocking,
		DisableSyncIO:  cfg.Queue.DisableSyncIO,
		ReaderBufSize:  int(cfg.Queue.ReaderBufferSize.Bytes()),
		InitRetries:    cfg.Queue.InitRetries,
		InitBackoff:    cfg.Queue.InitBackoffDuration(),
		Logger:         logger,
		Metrics:        m,
	})

	backend, err := glacier.New(glacier.BackendConfig{
		Type:            cfg.Glacier.Backend,
		BinDir:          cfg.Glacier.TapeCloudBinDir,
		TmpDir:          cfg.Glacier.TmpDir,
		ExpiryTimeOfDay: cfg.Glacier.ExpiryTimeOfDay,
		ExpiryLocation:  cfg.Glacier.Location(),
		MinFreeSpace:    cfg.Glacier.MinFreeSpace.Bytes(),
		ProbePath:       cfg.DataDir,
	}, glacier.Deps{
		FS:      fsys,
		Queue:   queue,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	scheduler := lifecycle.New(lifecycle.Config{
		LogsDir:         cfg.Glacier.LogsDir,
		MigrateInterval: cfg.Glacier.MigrateIntervalDuration(),
		RestoreInterval: cfg.Glacier.RestoreIntervalDuration(),
		ExpiryInterval:  cfg.Glacier.ExpiryIntervalDuration(),
		TickInterval:    cfg.Glacier.TickIntervalDuration(),
		Logger:          logger,
		Metrics:         m,
	}, fsys, backend)

	return &app{
		cfg:       cfg,
		fs:        fsys,
		metrics:   m,
		queue:     queue,
		backend:   backend,
		scheduler: scheduler,
	}, nil
}

// inspector returns an object state reader.
func (a *app) inspector() *glacier.Inspector {
	return glacier.NewInspector(a.fs, nil, log.Logger)
}
