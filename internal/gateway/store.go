// Package gateway serves a minimal S3 object API over the namespace
// directory and hands archival work to the tiering queue.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/coldtier/internal/glacier"
	"github.com/tunnelmesh/coldtier/internal/nativefs"
)

// uploadPrefix names in-flight uploads; such names are never served.
const uploadPrefix = ".coldtier-upload-"

// Sender appends messages to a queue topic.
type Sender interface {
	Send(ctx context.Context, topic string, messages []string) error
}

// StoreConfig configures a Store.
type StoreConfig struct {
	DataDir string
	FS      nativefs.FS
	Queue   Sender

	// ExpiryTimeOfDay and ExpiryLocation shape the expiry written when a
	// restored object's retention is extended.
	ExpiryTimeOfDay string
	ExpiryLocation  *time.Location

	Now    func() time.Time
	Logger zerolog.Logger
}

// Store maps buckets to directories under DataDir and objects to files.
type Store struct {
	cfg       StoreConfig
	fs        nativefs.FS
	inspector *glacier.Inspector
	logger    zerolog.Logger
}

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Bucket       string
	Key          string
	Path         string
	Size         int64
	LastModified time.Time
	StorageClass string
	// Restore is nil unless the object is in the GLACIER storage class.
	Restore *glacier.RestoreStatus
}

// IsGlacier reports whether the object is archival.
func (m *ObjectMeta) IsGlacier() bool {
	return m.StorageClass == glacier.StorageClassGlacier
}

// NewStore creates a store rooted at cfg.DataDir.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if cfg.FS == nil {
		cfg.FS = nativefs.NewLocal()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ExpiryLocation == nil {
		cfg.ExpiryLocation = time.UTC
	}
	if err := cfg.FS.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	return &Store{
		cfg:       cfg,
		fs:        cfg.FS,
		inspector: glacier.NewInspector(cfg.FS, cfg.Now, logger),
		logger:    logger,
	}, nil
}

// CreateBucket creates the bucket directory.
func (s *Store) CreateBucket(bucket string) error {
	dir, err := s.bucketPath(bucket)
	if err != nil {
		return err
	}
	if _, err := s.fs.Stat(dir); err == nil {
		return ErrBucketExists
	}
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// HeadBucket checks that bucket exists.
func (s *Store) HeadBucket(bucket string) error {
	dir, err := s.bucketPath(bucket)
	if err != nil {
		return err
	}
	st, err := s.fs.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBucketNotFound
		}
		return err
	}
	if !st.IsDir() {
		return ErrBucketNotFound
	}
	return nil
}

// PutObject writes the object through a temp file, fsyncs and renames it
// into place. GLACIER objects are tagged and queued for migration.
func (s *Store) PutObject(ctx context.Context, bucket, key string, body io.Reader, storageClass string) (*ObjectMeta, error) {
	if storageClass != "" && storageClass != "STANDARD" && storageClass != glacier.StorageClassGlacier {
		return nil, fmt.Errorf("%w: unsupported storage class %q", ErrInvalidRequest, storageClass)
	}
	if err := s.HeadBucket(bucket); err != nil {
		return nil, err
	}
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}

	tmp := filepath.Join(dir, uploadPrefix+uuid.NewString())
	if err := s.writeTemp(tmp, body, storageClass); err != nil {
		_ = s.fs.Remove(tmp)
		return nil, err
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return nil, fmt.Errorf("commit object: %w", err)
	}

	if storageClass == glacier.StorageClassGlacier {
		if err := s.cfg.Queue.Send(ctx, glacier.TopicMigrate, []string{path}); err != nil {
			// An unqueued GLACIER object is unreadable and never migrates.
			if rmErr := s.fs.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				s.logger.Error().Err(rmErr).Str("path", path).Msg("Failed to remove unqueued object")
			}
			return nil, fmt.Errorf("queue migration: %w", err)
		}
		s.logger.Debug().Str("path", path).Msg("Queued object for migration")
	}
	return s.HeadObject(bucket, key)
}

func (s *Store) writeTemp(tmp string, body io.Reader, storageClass string) error {
	f, err := s.fs.Open(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		return fmt.Errorf("write object: %w", err)
	}
	if storageClass == glacier.StorageClassGlacier {
		if err := f.ReplaceXattrs(map[string]string{glacier.XattrStorageClass: storageClass}); err != nil {
			_ = f.Close()
			return fmt.Errorf("tag storage class: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync object: %w", err)
	}
	return f.Close()
}

// HeadObject returns the object metadata including its restore status.
func (s *Store) HeadObject(bucket, key string) (*ObjectMeta, error) {
	if err := s.HeadBucket(bucket); err != nil {
		return nil, err
	}
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	st, attrs, err := s.inspector.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	if st.IsDir() {
		return nil, ErrObjectNotFound
	}
	return &ObjectMeta{
		Bucket:       bucket,
		Key:          key,
		Path:         path,
		Size:         st.Size,
		LastModified: st.ModTime,
		StorageClass: attrs.StorageClass,
		Restore:      glacier.GetRestoreStatus(attrs, s.cfg.Now(), path, s.logger),
	}, nil
}

// GetObject opens the object for reading. GLACIER objects are only
// readable while restored.
func (s *Store) GetObject(bucket, key string) (io.ReadCloser, *ObjectMeta, error) {
	meta, err := s.HeadObject(bucket, key)
	if err != nil {
		return nil, nil, err
	}
	if meta.Restore != nil && meta.Restore.State != glacier.StateRestored {
		return nil, meta, ErrInvalidObjectState
	}
	f, err := s.fs.Open(meta.Path, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrObjectNotFound
		}
		return nil, nil, err
	}
	return &objectReader{SectionReader: io.NewSectionReader(f, 0, meta.Size), f: f}, meta, nil
}

// DeleteObject removes the object.
func (s *Store) DeleteObject(bucket, key string) error {
	if err := s.HeadBucket(bucket); err != nil {
		return err
	}
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrObjectNotFound
		}
		return err
	}
	return nil
}

// RestoreResult is the outcome of RestoreObject.
type RestoreResult int

// Restore outcomes.
const (
	// RestoreQueued means a recall was requested and queued.
	RestoreQueued RestoreResult = iota
	// RestoreExtended means the object was already restored and its
	// expiry was moved.
	RestoreExtended
)

// RestoreObject requests that a GLACIER object be made readable for days.
func (s *Store) RestoreObject(ctx context.Context, bucket, key string, days int) (RestoreResult, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: days must be positive", ErrInvalidRequest)
	}
	meta, err := s.HeadObject(bucket, key)
	if err != nil {
		return 0, err
	}
	if meta.Restore == nil {
		return 0, ErrInvalidObjectState
	}

	switch meta.Restore.State {
	case glacier.StateOngoing:
		return 0, ErrRestoreInProgress

	case glacier.StateRestored:
		expiry := glacier.GenerateExpiry(s.cfg.Now(), float64(days), s.cfg.ExpiryTimeOfDay, s.cfg.ExpiryLocation)
		err := s.replaceXattrs(meta.Path, func(f nativefs.File) error {
			return f.ReplaceXattrs(map[string]string{
				glacier.XattrRestoreExpiry: expiry.UTC().Format(time.RFC3339),
			})
		})
		if err != nil {
			return 0, err
		}
		s.logger.Info().Str("path", meta.Path).Time("expiry", expiry).Msg("Extended restore expiry")
		return RestoreExtended, nil

	default:
		err := s.replaceXattrs(meta.Path, func(f nativefs.File) error {
			if err := f.ReplaceXattrs(map[string]string{
				glacier.XattrRestoreRequest: strconv.Itoa(days),
			}); err != nil {
				return err
			}
			sendErr := s.cfg.Queue.Send(ctx, glacier.TopicRestore, []string{meta.Path})
			if sendErr == nil {
				return nil
			}
			// Without a queued message the request would read ONGOING forever.
			if err := f.ReplaceXattrs(nil, glacier.XattrRestoreRequest); err != nil {
				s.logger.Error().Err(err).Str("path", meta.Path).Msg("Failed to clear unqueued restore request")
			}
			return fmt.Errorf("queue restore: %w", sendErr)
		})
		if err != nil {
			return 0, err
		}
		s.logger.Info().Str("path", meta.Path).Int("days", days).Msg("Queued object for restore")
		return RestoreQueued, nil
	}
}

// replaceXattrs runs fn against an open descriptor of path.
func (s *Store) replaceXattrs(path string, fn func(f nativefs.File) error) error {
	f, err := s.fs.Open(path, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrObjectNotFound
		}
		return err
	}
	defer func() { _ = f.Close() }()
	return fn(f)
}

func (s *Store) bucketPath(bucket string) (string, error) {
	if bucket == "" || bucket == "." || bucket == ".." ||
		strings.ContainsAny(bucket, `/\`) || strings.HasPrefix(bucket, ".") {
		return "", fmt.Errorf("%w: invalid bucket name %q", ErrInvalidRequest, bucket)
	}
	return filepath.Join(s.cfg.DataDir, bucket), nil
}

func (s *Store) objectPath(bucket, key string) (string, error) {
	dir, err := s.bucketPath(bucket)
	if err != nil {
		return "", err
	}
	segments := strings.Split(key, "/")
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: invalid object key %q", ErrInvalidRequest, key)
		}
	}
	if strings.HasPrefix(segments[len(segments)-1], uploadPrefix) {
		return "", fmt.Errorf("%w: reserved object key %q", ErrInvalidRequest, key)
	}
	return filepath.Join(dir, filepath.FromSlash(key)), nil
}

type objectReader struct {
	*io.SectionReader
	f nativefs.File
}

func (r *objectReader) Close() error { return r.f.Close() }
