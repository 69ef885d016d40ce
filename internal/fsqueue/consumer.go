package fsqueue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/coldtier/internal/linereader"
	"github.com/tunnelmesh/coldtier/internal/nativefs"
)

// maxRotateAttempts bounds the name-collision retries of a rotation.
const maxRotateAttempts = 1000

// BatchFunc handles one queue file. Returning nil after Batch.Commit deletes
// the file; returning nil without committing keeps it for the next run.
type BatchFunc func(ctx context.Context, b *Batch) error

// Consumer drains topics one queue file at a time.
type Consumer struct {
	q      *Queue
	logger zerolog.Logger
}

// Run rotates topic's current file and hands every queue file, oldest first,
// to fn. Files locked by another process are skipped until the next run. An
// error from fn stops the run and is returned; the file is kept.
func (c *Consumer) Run(ctx context.Context, topic string, fn BatchFunc) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	logger := c.logger.With().Str("topic", topic).Logger()

	c.rotate(topic, logger)

	files, err := c.q.Pending(topic)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list queue files")
		return nil
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.consume(ctx, topic, path, fn, logger); err != nil {
			return err
		}
	}
	return nil
}

// rotate renames current.log to a fresh queue file name. Failures only mean
// there is nothing new to consume.
func (c *Consumer) rotate(topic string, logger zerolog.Logger) {
	src := c.q.CurrentPath(topic)
	dir := c.q.TopicDir(topic)
	ms := c.q.cfg.Now().UnixMilli()

	for i := 0; i < maxRotateAttempts; i++ {
		dst := filepath.Join(dir, queueFileName(ms))
		err := c.q.cfg.FS.RenameNoReplace(src, dst)
		switch {
		case err == nil:
			logger.Debug().Str("file", dst).Msg("Rotated current log")
			c.q.cfg.Metrics.RecordRotation(topic, "rotated")
			return
		case errors.Is(err, fs.ErrExist):
			ms++
		case errors.Is(err, fs.ErrNotExist):
			logger.Debug().Msg("No current log to rotate")
			c.q.cfg.Metrics.RecordRotation(topic, "empty")
			return
		default:
			logger.Warn().Err(err).Msg("Failed to rotate current log")
			c.q.cfg.Metrics.RecordRotation(topic, "failed")
			return
		}
	}
	logger.Warn().Int("attempts", maxRotateAttempts).Msg("No free queue file name, rotation skipped")
	c.q.cfg.Metrics.RecordRotation(topic, "failed")
}

func (c *Consumer) consume(ctx context.Context, topic, path string, fn BatchFunc, logger zerolog.Logger) error {
	lock := nativefs.LockExclusive
	if c.q.cfg.DisableLocking {
		lock = nativefs.LockNone
	}
	r, err := linereader.Open(c.q.cfg.FS, path, linereader.Options{
		Lock:    lock,
		BufSize: c.q.cfg.ReaderBufSize,
		Logger:  logger,
	})
	if err != nil {
		switch {
		case errors.Is(err, nativefs.ErrLockConflict):
			logger.Info().Str("file", path).Msg("Queue file still in use, retrying next run")
			c.q.cfg.Metrics.RecordQueueFile(topic, "locked")
		case errors.Is(err, fs.ErrNotExist):
			logger.Debug().Str("file", path).Msg("Queue file already consumed")
		default:
			logger.Error().Err(err).Str("file", path).Msg("Failed to open queue file")
			c.q.cfg.Metrics.RecordQueueFile(topic, "failed")
		}
		return nil
	}
	defer func() { _ = r.Close() }()

	b := &Batch{topic: topic, reader: r}
	if err := fn(ctx, b); err != nil {
		c.q.cfg.Metrics.RecordQueueFile(topic, "failed")
		return fmt.Errorf("batch %s: %w", path, err)
	}
	if !b.committed {
		logger.Info().Str("file", path).Msg("Batch not committed, keeping queue file")
		c.q.cfg.Metrics.RecordQueueFile(topic, "kept")
		return nil
	}

	if err := c.q.cfg.FS.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Error().Err(err).Str("file", path).Msg("Failed to remove consumed queue file")
		c.q.cfg.Metrics.RecordQueueFile(topic, "failed")
		return nil
	}
	c.q.cfg.Metrics.RecordQueueFile(topic, "committed")
	return nil
}
