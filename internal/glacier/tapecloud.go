package glacier

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/coldtier/internal/fsqueue"
	"github.com/tunnelmesh/coldtier/internal/linereader"
	"github.com/tunnelmesh/coldtier/internal/metrics"
	"github.com/tunnelmesh/coldtier/internal/nativefs"
)

// TapeCloud archives objects with the IBM Storage Archive (eeadm) tooling.
type TapeCloud struct {
	fs        nativefs.FS
	queue     *fsqueue.Queue
	tool      ArchiveTool
	probe     FreeSpaceProbe
	inspector *Inspector
	tmpDir    string
	timeOfDay string
	loc       *time.Location
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *metrics.TieringMetrics
}

func newTapeCloud(cfg BackendConfig, deps Deps) *TapeCloud {
	logger := deps.Logger.With().Str("component", "tapecloud").Logger()
	return &TapeCloud{
		fs:        deps.FS,
		queue:     deps.Queue,
		tool:      deps.Tool,
		probe:     deps.Probe,
		inspector: NewInspector(deps.FS, deps.Now, logger),
		tmpDir:    cfg.TmpDir,
		timeOfDay: cfg.ExpiryTimeOfDay,
		loc:       cfg.ExpiryLocation,
		now:       deps.Now,
		logger:    logger,
		metrics:   deps.Metrics,
	}
}

// Name implements Backend.
func (b *TapeCloud) Name() string { return BackendTapeCloud }

// operation is one kind of queue-driven pass.
type operation struct {
	name   string
	topic  string
	accept func(path string) (bool, error)
	invoke func(ctx context.Context, manifest string) error
	// post runs after a successful or partially failed invocation.
	post func(ctx context.Context, manifest string, failed map[string]struct{}) error
}

// Migrate implements Backend.
func (b *TapeCloud) Migrate(ctx context.Context) error {
	return b.drain(ctx, operation{
		name:   "migrate",
		topic:  TopicMigrate,
		accept: b.inspector.ShouldMigrate,
		invoke: b.tool.Migrate,
	})
}

// Restore implements Backend.
func (b *TapeCloud) Restore(ctx context.Context) error {
	return b.drain(ctx, operation{
		name:   "restore",
		topic:  TopicRestore,
		accept: b.inspector.ShouldRestore,
		invoke: b.tool.Recall,
		post:   b.finishRestores,
	})
}

// Expiry implements Backend. Failures are logged; the next pass retries.
func (b *TapeCloud) Expiry(ctx context.Context) error {
	if err := b.tool.ProcessExpired(ctx); err != nil {
		b.logger.Error().Err(err).Msg("Processing expired objects failed")
	}
	return nil
}

// LowFreeSpace implements Backend.
func (b *TapeCloud) LowFreeSpace(ctx context.Context) (bool, error) {
	low, err := b.probe.LowFreeSpace(ctx)
	if err != nil {
		return false, err
	}
	b.metrics.SetLowFreeSpace(low)
	return low, nil
}

func (b *TapeCloud) drain(ctx context.Context, op operation) error {
	producer := b.queue.Producer()
	defer func() {
		if err := producer.Disconnect(); err != nil {
			b.logger.Warn().Err(err).Str("op", op.name).Msg("Failed to release requeue producer")
		}
	}()

	return b.queue.Consumer().Run(ctx, op.topic, func(ctx context.Context, batch *fsqueue.Batch) error {
		return b.processBatch(ctx, op, batch, producer)
	})
}

// processBatch filters one queue file through op.accept, submits the
// survivors in a single manifest and re-enqueues whatever failed.
func (b *TapeCloud) processBatch(ctx context.Context, op operation, batch *fsqueue.Batch, producer *fsqueue.Producer) error {
	logger := b.logger.With().Str("op", op.name).Str("batch", batch.Path()).Logger()

	m, err := b.createManifest(op.name)
	if err != nil {
		return err
	}
	defer m.remove()

	var failures []string
	accepted, skipped := 0, 0
	for msg, err := range batch.All() {
		if err != nil {
			if errors.Is(err, fsqueue.ErrMalformedEntry) {
				logger.Warn().Err(err).Msg("Skipping malformed queue entry")
				skipped++
				continue
			}
			_ = m.close()
			return err
		}
		path := msg.Body
		if strings.ContainsRune(path, '\n') {
			logger.Warn().Str("path", path).Msg("Skipping path that cannot be listed in a manifest")
			skipped++
			continue
		}

		ok, err := op.accept(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			skipped++
		case err != nil:
			logger.Warn().Err(err).Str("path", path).Msg("Failed to check entry, requeueing")
			failures = append(failures, path)
		case !ok:
			skipped++
		default:
			if err := m.add(path); err != nil {
				_ = m.close()
				return fmt.Errorf("write manifest: %w", err)
			}
			accepted++
		}
	}
	if err := m.close(); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	b.metrics.RecordEntries(op.name, "skipped", skipped)

	var failed []string
	if accepted > 0 {
		logger.Info().Int("entries", accepted).Msg("Submitting batch to archival tool")
		if err := op.invoke(ctx, m.path); err != nil {
			var te *ToolError
			if !errors.As(err, &te) || te.TaskID == "" {
				b.metrics.RecordEntries(op.name, "failed", accepted)
				return fmt.Errorf("%s batch: %w", op.name, err)
			}
			failed, err = b.tool.TaskStatus(ctx, te.TaskID)
			if err != nil {
				b.metrics.RecordEntries(op.name, "failed", accepted)
				return fmt.Errorf("%s batch: task %s status: %w", op.name, te.TaskID, err)
			}
			logger.Warn().Str("task_id", te.TaskID).Int("failed", len(failed)).Msg("Archival tool partially failed")
		}
		b.metrics.RecordEntries(op.name, "submitted", accepted-len(failed))

		if op.post != nil {
			if err := op.post(ctx, m.path, toSet(failed)); err != nil {
				return err
			}
		}
	}

	requeue := append(failures, failed...)
	if len(requeue) > 0 {
		if err := producer.Send(ctx, op.topic, requeue); err != nil {
			return fmt.Errorf("requeue %d %s entries: %w", len(requeue), op.name, err)
		}
		b.metrics.RecordEntries(op.name, "failed", len(requeue))
		b.metrics.RecordEntries(op.name, "requeued", len(requeue))
		logger.Info().Int("entries", len(requeue)).Msg("Requeued failed entries")
	}

	batch.Commit()
	return nil
}

// finishRestores stamps the expiry on every recalled path that did not fail.
func (b *TapeCloud) finishRestores(_ context.Context, manifest string, failed map[string]struct{}) error {
	r, err := linereader.Open(b.fs, manifest, linereader.Options{Logger: b.logger})
	if err != nil {
		return fmt.Errorf("reopen manifest: %w", err)
	}
	defer func() { _ = r.Close() }()

	_, _, err = r.ForEach(func(path string) (bool, error) {
		if _, ok := failed[path]; ok {
			return true, nil
		}
		if err := b.finishRestore(path); err != nil {
			b.logger.Error().Err(err).Str("path", path).Msg("Failed to finalise restore")
		}
		return true, nil
	})
	return err
}

// finishRestore sets the restore expiry and then drops the request on the
// same descriptor. A crash in between leaves both attributes set, which
// reads as ONGOING and is retried, never as a lost restore.
func (b *TapeCloud) finishRestore(path string) error {
	f, err := b.fs.Open(path, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat(XattrRestoreRequest)
	if err != nil {
		return err
	}
	attrs := ParseAttrs(st.Xattrs, path, b.logger)
	if !attrs.HasRestoreRequest() {
		b.logger.Debug().Str("path", path).Msg("No pending restore request")
		return nil
	}

	expiry := GenerateExpiry(b.now(), attrs.RestoreRequest, b.timeOfDay, b.loc)
	return f.ReplaceXattrs(map[string]string{
		XattrRestoreExpiry: expiry.UTC().Format(time.RFC3339),
	}, XattrRestoreRequest)
}

// manifest is the temp file of paths handed to the archival tool.
type manifest struct {
	path string
	f    nativefs.File
	w    *bufio.Writer
	fs   nativefs.FS
}

func (b *TapeCloud) createManifest(op string) (*manifest, error) {
	path := filepath.Join(b.tmpDir, fmt.Sprintf("%s.%s.manifest", op, uuid.NewString()))
	f, err := b.fs.Open(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create manifest: %w", err)
	}
	return &manifest{path: path, f: f, w: bufio.NewWriter(f), fs: b.fs}, nil
}

func (m *manifest) add(path string) error {
	if _, err := m.w.WriteString(path); err != nil {
		return err
	}
	return m.w.WriteByte('\n')
}

// close flushes and syncs the manifest. Safe to call more than once.
func (m *manifest) close() error {
	if m.f == nil {
		return nil
	}
	f := m.f
	m.f = nil
	if err := m.w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (m *manifest) remove() {
	_ = m.close()
	_ = m.fs.Remove(m.path)
}

func toSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set
}
