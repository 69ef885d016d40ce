package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/coldtier/internal/fsqueue"
	"github.com/tunnelmesh/coldtier/internal/glacier"
	"github.com/tunnelmesh/coldtier/testutil"
)

// recordingSender captures queued messages per topic.
type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]string
	err  error
}

func (r *recordingSender) Send(_ context.Context, topic string, messages []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.sent == nil {
		r.sent = make(map[string][]string)
	}
	r.sent[topic] = append(r.sent[topic], messages...)
	return nil
}

func (r *recordingSender) topic(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent[name]...)
}

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *recordingSender, string) {
	t.Helper()
	dir := t.TempDir()
	testutil.RequireXattrs(t, dir)
	sender := &recordingSender{}
	store, err := NewStore(StoreConfig{
		DataDir:         dir,
		Queue:           sender,
		ExpiryTimeOfDay: "03:00:00",
		Now:             func() time.Time { return testNow },
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket("archive"))
	return store, sender, dir
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(StoreConfig{Queue: &recordingSender{}})
	assert.Error(t, err)
	_, err = NewStore(StoreConfig{DataDir: t.TempDir()})
	assert.Error(t, err)
}

func TestCreateBucket(t *testing.T) {
	store, _, dir := newTestStore(t)

	assert.DirExists(t, filepath.Join(dir, "archive"))
	assert.ErrorIs(t, store.CreateBucket("archive"), ErrBucketExists)
	assert.ErrorIs(t, store.HeadBucket("missing"), ErrBucketNotFound)

	for _, name := range []string{"", ".", "..", ".hidden", "a/b"} {
		assert.ErrorIs(t, store.CreateBucket(name), ErrInvalidRequest, name)
	}
}

func TestPutGetStandardObject(t *testing.T) {
	store, sender, dir := newTestStore(t)
	ctx := context.Background()

	meta, err := store.PutObject(ctx, "archive", "docs/report.txt", bytes.NewBufferString("hello"), "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), meta.Size)
	assert.False(t, meta.IsGlacier())
	assert.Nil(t, meta.Restore)
	assert.Equal(t, filepath.Join(dir, "archive", "docs", "report.txt"), meta.Path)
	assert.Empty(t, sender.topic(glacier.TopicMigrate))

	rc, _, err := store.GetObject("archive", "docs/report.txt")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entries, err := os.ReadDir(filepath.Join(dir, "archive", "docs"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp upload must not be left behind")
}

func TestPutGlacierObjectQueuesMigration(t *testing.T) {
	store, sender, _ := newTestStore(t)

	meta, err := store.PutObject(context.Background(), "archive", "cold.bin", bytes.NewBufferString("data"), glacier.StorageClassGlacier)
	require.NoError(t, err)
	assert.True(t, meta.IsGlacier())
	require.NotNil(t, meta.Restore)
	assert.Equal(t, glacier.StateCanRestore, meta.Restore.State)

	class, ok := testutil.GetXattr(t, meta.Path, glacier.XattrStorageClass)
	require.True(t, ok)
	assert.Equal(t, glacier.StorageClassGlacier, class)
	assert.Equal(t, []string{meta.Path}, sender.topic(glacier.TopicMigrate))
}

func TestPutObjectErrors(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.PutObject(ctx, "missing", "k", bytes.NewBufferString("x"), "")
	assert.ErrorIs(t, err, ErrBucketNotFound)

	_, err = store.PutObject(ctx, "archive", "k", bytes.NewBufferString("x"), "DEEP_ARCHIVE")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	for _, key := range []string{"../escape", "a//b", "a/./b", uploadPrefix + "x"} {
		_, err = store.PutObject(ctx, "archive", key, bytes.NewBufferString("x"), "")
		assert.ErrorIs(t, err, ErrInvalidRequest, key)
	}
}

func TestPutGlacierObjectEnqueueFailure(t *testing.T) {
	store, sender, dir := newTestStore(t)
	ctx := context.Background()

	sender.err = errors.New("queue unavailable")
	_, err := store.PutObject(ctx, "archive", "cold", bytes.NewBufferString("x"), glacier.StorageClassGlacier)
	require.Error(t, err)

	_, err = store.HeadObject("archive", "cold")
	assert.ErrorIs(t, err, ErrObjectNotFound, "unqueued GLACIER object must not stay stored")
	entries, err := os.ReadDir(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	sender.err = nil
	meta, err := store.PutObject(ctx, "archive", "cold", bytes.NewBufferString("x"), glacier.StorageClassGlacier)
	require.NoError(t, err)
	assert.Equal(t, []string{meta.Path}, sender.topic(glacier.TopicMigrate))
}

func TestGetGlacierObjectRequiresRestore(t *testing.T) {
	store, _, _ := newTestStore(t)
	meta, err := store.PutObject(context.Background(), "archive", "cold", bytes.NewBufferString("x"), glacier.StorageClassGlacier)
	require.NoError(t, err)

	_, _, err = store.GetObject("archive", "cold")
	assert.ErrorIs(t, err, ErrInvalidObjectState)

	testutil.SetXattr(t, meta.Path, glacier.XattrRestoreExpiry, testNow.Add(24*time.Hour).Format(time.RFC3339))
	rc, got, err := store.GetObject("archive", "cold")
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, glacier.StateRestored, got.Restore.State)
}

func TestRestoreObjectFlow(t *testing.T) {
	store, sender, _ := newTestStore(t)
	ctx := context.Background()
	meta, err := store.PutObject(ctx, "archive", "cold", bytes.NewBufferString("x"), glacier.StorageClassGlacier)
	require.NoError(t, err)

	result, err := store.RestoreObject(ctx, "archive", "cold", 3)
	require.NoError(t, err)
	assert.Equal(t, RestoreQueued, result)
	assert.Equal(t, []string{meta.Path}, sender.topic(glacier.TopicRestore))
	req, ok := testutil.GetXattr(t, meta.Path, glacier.XattrRestoreRequest)
	require.True(t, ok)
	assert.Equal(t, "3", req)

	_, err = store.RestoreObject(ctx, "archive", "cold", 3)
	assert.ErrorIs(t, err, ErrRestoreInProgress)

	// Simulate the backend finishing the recall.
	f, err := store.fs.Open(meta.Path, os.O_RDONLY, 0)
	require.NoError(t, err)
	require.NoError(t, f.ReplaceXattrs(
		map[string]string{glacier.XattrRestoreExpiry: testNow.Add(time.Hour).Format(time.RFC3339)},
		glacier.XattrRestoreRequest,
	))
	require.NoError(t, f.Close())

	result, err = store.RestoreObject(ctx, "archive", "cold", 2)
	require.NoError(t, err)
	assert.Equal(t, RestoreExtended, result)
	expiry, ok := testutil.GetXattr(t, meta.Path, glacier.XattrRestoreExpiry)
	require.True(t, ok)
	assert.Equal(t, "2024-01-03T03:00:00Z", expiry)
	assert.Len(t, sender.topic(glacier.TopicRestore), 1, "extension does not queue a recall")
}

func TestRestoreObjectEnqueueFailure(t *testing.T) {
	store, sender, _ := newTestStore(t)
	ctx := context.Background()
	meta, err := store.PutObject(ctx, "archive", "cold", bytes.NewBufferString("x"), glacier.StorageClassGlacier)
	require.NoError(t, err)

	sender.err = errors.New("queue unavailable")
	_, err = store.RestoreObject(ctx, "archive", "cold", 3)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRestoreInProgress)

	_, ok := testutil.GetXattr(t, meta.Path, glacier.XattrRestoreRequest)
	assert.False(t, ok, "restore request must be cleared when it could not be queued")
	got, err := store.HeadObject("archive", "cold")
	require.NoError(t, err)
	assert.Equal(t, glacier.StateCanRestore, got.Restore.State)

	sender.err = nil
	result, err := store.RestoreObject(ctx, "archive", "cold", 3)
	require.NoError(t, err)
	assert.Equal(t, RestoreQueued, result)
	assert.Equal(t, []string{meta.Path}, sender.topic(glacier.TopicRestore))
}

func TestRestoreObjectRejections(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	_, err := store.PutObject(ctx, "archive", "hot", bytes.NewBufferString("x"), "")
	require.NoError(t, err)

	_, err = store.RestoreObject(ctx, "archive", "hot", 1)
	assert.ErrorIs(t, err, ErrInvalidObjectState)

	_, err = store.RestoreObject(ctx, "archive", "missing", 1)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	_, err = store.RestoreObject(ctx, "archive", "hot", 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDeleteObject(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	_, err := store.PutObject(ctx, "archive", "k", bytes.NewBufferString("x"), "")
	require.NoError(t, err)

	require.NoError(t, store.DeleteObject("archive", "k"))
	assert.ErrorIs(t, store.DeleteObject("archive", "k"), ErrObjectNotFound)
	_, err = store.HeadObject("archive", "k")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestStoreWithFSQueue(t *testing.T) {
	dir := t.TempDir()
	testutil.RequireXattrs(t, dir)
	q := fsqueue.New(fsqueue.Config{Dir: filepath.Join(dir, "queue"), Logger: zerolog.Nop()})
	producer := q.Producer()
	t.Cleanup(func() { _ = producer.Disconnect() })

	store, err := NewStore(StoreConfig{DataDir: filepath.Join(dir, "data"), Queue: producer, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket("b"))

	meta, err := store.PutObject(context.Background(), "b", "obj", bytes.NewBufferString("x"), glacier.StorageClassGlacier)
	require.NoError(t, err)
	require.NoError(t, producer.Disconnect())

	var got []string
	err = q.Consumer().Run(context.Background(), glacier.TopicMigrate, func(_ context.Context, b *fsqueue.Batch) error {
		for msg, err := range b.All() {
			if err != nil {
				continue
			}
			got = append(got, msg.Body)
		}
		b.Commit()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{meta.Path}, got)
}
